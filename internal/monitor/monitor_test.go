package monitor_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/magstab/magstab-go/internal/models"
	"github.com/magstab/magstab-go/internal/monitor"
)

// fakeRefresher replays a scripted sequence of channel states.
type fakeRefresher struct {
	mu     sync.Mutex
	script [][]models.Channel
	calls  int
}

func (f *fakeRefresher) Refresh(ctx context.Context) models.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	st := models.DefaultState()
	st.Channels = f.script[i]
	return st
}

func (f *fakeRefresher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCheck_ReportsTransitions(t *testing.T) {
	up := models.Channel{Name: "coil-x", Online: true}
	down := models.Channel{Name: "coil-x", LastError: "link dropped"}
	f := &fakeRefresher{script: [][]models.Channel{{up}, {up}, {down}, {down}, {up}}}

	var got []bool
	svc := monitor.New(f, time.Second, "", func(ch models.Channel) { got = append(got, ch.Online) })
	for i := 0; i < 5; i++ {
		svc.Check(context.Background())
	}

	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCheck_WritesStatusFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "status.json")
	f := &fakeRefresher{script: [][]models.Channel{{
		{Name: "coil-x", Online: true, Voltage: 1.5},
		{Name: "coil-y", LastError: "timeout"},
	}}}
	monitor.New(f, time.Second, path, nil).Check(context.Background())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("status file: %v", err)
	}
	var st struct {
		Channels []struct {
			Name    string  `json:"name"`
			Online  bool    `json:"online"`
			Voltage float64 `json:"voltage"`
			Error   string  `json:"error"`
		} `json:"channels"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("status JSON: %v", err)
	}
	if len(st.Channels) != 2 || !st.Channels[0].Online || st.Channels[0].Voltage != 1.5 || st.Channels[1].Error != "timeout" {
		t.Errorf("status = %+v", st)
	}
}

func TestStart_TicksUntilCancelled(t *testing.T) {
	f := &fakeRefresher{script: [][]models.Channel{{{Name: "dac0", Online: true}}}}
	svc := monitor.New(f, 10*time.Millisecond, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if n := f.count(); n < 3 {
		t.Errorf("refreshes = %d, want at least 3", n)
	}
}

func TestStart_ZeroIntervalDisabled(t *testing.T) {
	f := &fakeRefresher{script: [][]models.Channel{{}}}
	svc := monitor.New(f, 0, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	svc.Start(ctx)
	if n := f.count(); n != 0 {
		t.Errorf("refreshes = %d with monitor disabled", n)
	}
}
