// Package zeroconf advertises the daemon's HTTP API over mDNS/DNS-SD so lab
// clients can find DAC hosts on the LAN without configuration.
package zeroconf

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/magstab/magstab-go/internal/models"
)

const (
	serviceType = "_http._tcp"
	domain      = "local."
	// A TXT string is at most 255 bytes.
	maxTXT = 255
)

// Service manages mDNS service registration.
type Service struct {
	name     string
	port     int
	channels []string
	mock     bool
}

// New creates a service advertising instance name on port. channels are the
// configured channel names.
func New(name string, port int, channels []string, mock bool) *Service {
	return &Service{name: name, port: port, channels: channels, mock: mock}
}

// TXT returns the records published with the service.
func (s *Service) TXT() []string {
	txt := []string{
		"version=" + models.Version,
		"model=" + models.Model,
		"path=/api",
		fmt.Sprintf("channels=%d", len(s.channels)),
	}
	if s.mock {
		txt = append(txt, "mock=1")
	}
	if names := "names=" + strings.Join(s.channels, ","); len(names) <= maxTXT {
		txt = append(txt, names)
	}
	return txt
}

// Start registers the service and blocks until ctx is cancelled, then
// unregisters it.
func (s *Service) Start(ctx context.Context) error {
	txt := s.TXT()
	server, err := zeroconf.Register(s.name, serviceType, domain, s.port, txt, nil)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	slog.Info("zeroconf: registered mDNS service", "name", s.name, "port", s.port, "txt", txt)

	<-ctx.Done()

	server.Shutdown()
	slog.Info("zeroconf: mDNS service unregistered")
	return nil
}
