// Package monitor periodically reads every channel back so that the cached
// state tracks the hardware, offline channels get reconnected, and link
// transitions show up in the log.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/magstab/magstab-go/internal/models"
)

// Refresher is the part of the controller the monitor drives.
type Refresher interface {
	Refresh(ctx context.Context) models.State
}

// Service runs the refresh loop.
type Service struct {
	ctrl       Refresher
	interval   time.Duration
	statusPath string
	onChange   func(ch models.Channel)
	online     map[string]bool
}

// New returns a monitor refreshing every interval. statusPath, if not
// empty, receives a JSON summary after every pass. onChange, if not nil, is
// called whenever a channel goes online or offline.
func New(ctrl Refresher, interval time.Duration, statusPath string, onChange func(models.Channel)) *Service {
	return &Service{
		ctrl:       ctrl,
		interval:   interval,
		statusPath: statusPath,
		onChange:   onChange,
		online:     make(map[string]bool),
	}
}

// Start blocks until ctx is cancelled. A zero interval disables the loop.
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		slog.Info("monitor: disabled")
		<-ctx.Done()
		return
	}
	s.Check(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check runs one refresh pass. Not safe for concurrent use.
func (s *Service) Check(ctx context.Context) models.State {
	state := s.ctrl.Refresh(ctx)
	for _, ch := range state.Channels {
		was, seen := s.online[ch.Name]
		if seen && was == ch.Online {
			continue
		}
		s.online[ch.Name] = ch.Online
		if ch.Online {
			slog.Info("monitor: channel online", "channel", ch.Name, "v", ch.Voltage)
		} else {
			slog.Warn("monitor: channel offline", "channel", ch.Name, "err", ch.LastError)
		}
		if s.onChange != nil {
			s.onChange(ch)
		}
	}
	if s.statusPath != "" {
		if err := writeStatus(s.statusPath, state); err != nil {
			slog.Warn("monitor: failed to write status", "path", s.statusPath, "err", err)
		}
	}
	return state
}

type channelStatus struct {
	Name    string  `json:"name"`
	Online  bool    `json:"online"`
	Voltage float64 `json:"voltage"`
	Error   string  `json:"error,omitempty"`
}

type status struct {
	Time     time.Time       `json:"time"`
	Channels []channelStatus `json:"channels"`
}

func writeStatus(path string, state models.State) error {
	st := status{Time: time.Now().UTC(), Channels: make([]channelStatus, 0, len(state.Channels))}
	for _, ch := range state.Channels {
		st.Channels = append(st.Channels, channelStatus{
			Name:    ch.Name,
			Online:  ch.Online,
			Voltage: ch.Voltage,
			Error:   ch.LastError,
		})
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
