package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/magstab/magstab-go/internal/ad5791"
	"github.com/magstab/magstab-go/internal/api"
	"github.com/magstab/magstab-go/internal/auth"
	"github.com/magstab/magstab-go/internal/bridge"
	"github.com/magstab/magstab-go/internal/config"
	"github.com/magstab/magstab-go/internal/controller"
	"github.com/magstab/magstab-go/internal/events"
	"github.com/magstab/magstab-go/internal/models"
)

type testServer struct {
	*httptest.Server
	sims map[string]*bridge.Sim
	bus  *events.Bus
}

// newTestServer spins up a full router over two simulated channels.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithAuth(t, "")
}

func newTestServerWithAuth(t *testing.T, configDir string) *testServer {
	t.Helper()
	sims := map[string]*bridge.Sim{"coil-x": bridge.NewSim(), "coil-y": bridge.NewSim()}
	var chans []config.Channel
	for _, name := range []string{"coil-x", "coil-y"} {
		ch := config.DefaultChannel()
		ch.Name = name
		ch.Transport = config.TransportSim
		chans = append(chans, ch)
	}
	open := func(ctx context.Context, ch config.Channel) (ad5791.Port, io.Closer, error) {
		sim := sims[ch.Name]
		sim.Reopen()
		return bridge.NewClient(sim), sim, nil
	}

	bus := events.NewBus()
	ctrl, err := controller.New(context.Background(), chans, open, config.NewMemStore(), bus, controller.Options{Mock: true})
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}

	authSvc, err := auth.NewService(configDir)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}

	srv := httptest.NewServer(api.NewRouter(ctrl, authSvc, bus))
	t.Cleanup(func() {
		srv.Close()
		authSvc.Close()
		ctrl.Close(context.Background())
	})
	return &testServer{Server: srv, sims: sims, bus: bus}
}

// do is a convenience helper for making requests to the test server.
func do(t *testing.T, srv *testServer, method, path, body string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("NewRequest %s %s: %v", method, path, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do %s %s: %v", method, path, err)
	}
	return resp
}

// decodeJSON reads and decodes a JSON response body into v.
func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
}

// requireStatus fails the test if the response status doesn't match.
func requireStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, expected, body)
	}
}

func requireError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	requireStatus(t, resp, status)
	var e models.AppError
	decodeJSON(t, resp, &e)
	if e.Code != code {
		t.Errorf("error code = %q, want %q (%s)", e.Code, code, e.Message)
	}
}

// --- Tests ---

func TestGetState(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, "GET", "/api", "")
	requireStatus(t, resp, http.StatusOK)

	var state models.State
	decodeJSON(t, resp, &state)
	if len(state.Channels) != 2 {
		t.Fatalf("GET /api: channels = %d, want 2", len(state.Channels))
	}
	for _, ch := range state.Channels {
		if !ch.Online {
			t.Errorf("channel %s offline: %s", ch.Name, ch.LastError)
		}
	}
}

func TestGetStateTrailingSlash(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, srv, "GET", "/api/", "")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestGetInfo(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, srv, "GET", "/api/info", "")
	requireStatus(t, resp, http.StatusOK)

	var info models.Info
	decodeJSON(t, resp, &info)
	if info.Model != "AD5791" || info.Channels != 2 || !info.Mock {
		t.Errorf("info = %+v", info)
	}
	if info.Version == "" {
		t.Error("GET /api/info: version field is empty")
	}
}

func TestGetChannels(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, srv, "GET", "/api/channels", "")
	requireStatus(t, resp, http.StatusOK)

	var body struct {
		Channels []models.Channel `json:"channels"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Channels) != 2 || body.Channels[1].Name != "coil-y" {
		t.Errorf("channels = %+v", body.Channels)
	}
}

func TestGetChannel_ByIDAndName(t *testing.T) {
	srv := newTestServer(t)
	for _, ref := range []string{"1", "coil-y"} {
		resp := do(t, srv, "GET", "/api/channels/"+ref, "")
		requireStatus(t, resp, http.StatusOK)
		var ch models.Channel
		decodeJSON(t, resp, &ch)
		if ch.ID != 1 || ch.Name != "coil-y" {
			t.Errorf("GET /api/channels/%s = %d %q", ref, ch.ID, ch.Name)
		}
	}
	requireError(t, do(t, srv, "GET", "/api/channels/coil-z", ""), 404, "NOT_FOUND")
}

func TestSetVoltage(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, "PUT", "/api/channels/coil-x/voltage", `{"voltage": 1.0}`)
	requireStatus(t, resp, http.StatusOK)
	var state models.State
	decodeJSON(t, resp, &state)
	if state.Channels[0].Code != 0xCC9A {
		t.Errorf("code = %#x, want 0xCC9A", state.Channels[0].Code)
	}
	if out := srv.sims["coil-x"].Output(); out != 0xCC9A {
		t.Errorf("output = %#x", out)
	}

	resp = do(t, srv, "GET", "/api/channels/0/voltage", "")
	requireStatus(t, resp, http.StatusOK)
	var v models.VoltageReading
	decodeJSON(t, resp, &v)
	if v.Code != 0xCC9A || v.Channel != 0 {
		t.Errorf("reading = %+v", v)
	}
}

func TestSetVoltage_Errors(t *testing.T) {
	srv := newTestServer(t)
	requireError(t, do(t, srv, "PUT", "/api/channels/0/voltage", `{"voltage": 12}`), 400, "OUT_OF_RANGE")
	requireError(t, do(t, srv, "PUT", "/api/channels/0/voltage", `{}`), 400, "BAD_REQUEST")
	requireError(t, do(t, srv, "PUT", "/api/channels/0/voltage", `{bad`), 400, "BAD_REQUEST")
	requireError(t, do(t, srv, "PUT", "/api/channels/9/voltage", `{"voltage": 0}`), 404, "NOT_FOUND")
}

func TestSetVoltage_TransportFailure(t *testing.T) {
	srv := newTestServer(t)
	srv.sims["coil-x"].FailOn("SPI:")
	requireError(t, do(t, srv, "PUT", "/api/channels/0/voltage", `{"voltage": 1}`), 503, "TRANSPORT")
	requireError(t, do(t, srv, "PUT", "/api/channels/0/voltage", `{"voltage": 1}`), 503, "OFFLINE")
}

func TestPatchChannel(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, srv, "PATCH", "/api/channels/0", `{"tristate": false, "output_grounded": false, "clock_hz": 1000000}`)
	requireStatus(t, resp, http.StatusOK)
	var state models.State
	decodeJSON(t, resp, &state)
	ch := state.Channels[0]
	if ch.Tristate || ch.OutputGrounded || ch.ClockHz != 1000000 {
		t.Errorf("channel = %+v", ch)
	}
	if got := srv.sims["coil-x"].Speed(); got != 1000000 {
		t.Errorf("bridge speed = %d", got)
	}
}

func TestRegisters(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, "GET", "/api/channels/0/registers/control", "")
	requireStatus(t, resp, http.StatusOK)
	var reg models.RegisterValue
	decodeJSON(t, resp, &reg)
	if reg.Register != "control" || reg.Value != uint32(ad5791.ControlPowerOn) || reg.Hex != "0x0000E" {
		t.Errorf("control = %+v", reg)
	}

	resp = do(t, srv, "PUT", "/api/channels/0/registers/clr", `{"value": 524288}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if got := srv.sims["coil-x"].Registers().ClearCode; got != 0x80000 {
		t.Errorf("clear code = %#x, want 0x80000", got)
	}

	requireError(t, do(t, srv, "PUT", "/api/channels/0/registers/ctrl", `{"value": 1}`), 400, "INVALID_PAYLOAD")
	requireError(t, do(t, srv, "PUT", "/api/channels/0/registers/ctrl", `{}`), 400, "BAD_REQUEST")
	requireError(t, do(t, srv, "GET", "/api/channels/0/registers/bogus", ""), 404, "NOT_FOUND")
}

func TestTriggerAndLoadAll(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, "PATCH", "/api/channels/0", `{"deferred_trigger": true, "voltage": 1.0}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if out := srv.sims["coil-x"].Output(); out == 0xCC9A {
		t.Fatal("deferred write reached the output before LDAC")
	}

	resp = do(t, srv, "POST", "/api/ldac", "")
	requireStatus(t, resp, http.StatusOK)
	var state models.State
	decodeJSON(t, resp, &state)
	if state.Channels[0].PendingLoad {
		t.Error("pending load not cleared")
	}
	if out := srv.sims["coil-x"].Output(); out != 0xCC9A {
		t.Errorf("output = %#x after LDAC", out)
	}

	resp = do(t, srv, "POST", "/api/channels/coil-y/trigger/clear", "")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if out := srv.sims["coil-y"].Output(); out != 0x3E67E {
		t.Errorf("coil-y output = %#x after clear", out)
	}

	requireError(t, do(t, srv, "POST", "/api/channels/0/trigger/boom", ""), 400, "BAD_REQUEST")
	requireError(t, do(t, srv, "POST", "/api/ldac", `{"channels":[4]}`), 404, "NOT_FOUND")
}

func TestWaveform(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, srv, "POST", "/api/channels/0/waveform", `{"samples":[0,1,-5],"rate":500}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if out := srv.sims["coil-x"].Output(); out != 0xBFFD7 {
		t.Errorf("output = %#x, want last sample", out)
	}
	requireError(t, do(t, srv, "POST", "/api/channels/0/waveform", `{"samples":[0,20],"rate":500}`), 400, "OUT_OF_RANGE")
}

func TestRefresh(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, srv, "POST", "/api/refresh", "")
	requireStatus(t, resp, http.StatusOK)
	var state models.State
	decodeJSON(t, resp, &state)
	if len(state.Channels) != 2 {
		t.Errorf("channels = %d", len(state.Channels))
	}
}

func TestNotFound_JSON(t *testing.T) {
	srv := newTestServer(t)
	requireError(t, do(t, srv, "GET", "/api/nonexistent", ""), 404, "NOT_FOUND")
}

func TestAuthRequired(t *testing.T) {
	dir, err := os.MkdirTemp("", "magstab-api-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	if err := os.WriteFile(filepath.Join(dir, "keys.json"), []byte(`{"keys":[{"name":"lab","key":"k1"}]}`), 0644); err != nil {
		t.Fatal(err)
	}
	srv := newTestServerWithAuth(t, dir)

	requireError(t, do(t, srv, "GET", "/api", ""), 401, "UNAUTHORIZED")
	resp := do(t, srv, "GET", "/api?api-key=k1", "")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestSSESubscribe(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/subscribe", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	next := func() (string, events.Event) {
		var name string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var ev events.Event
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
					t.Fatalf("SSE data is not valid JSON: %v", err)
				}
				return name, ev
			}
		}
		t.Fatal("SSE stream ended")
		return "", events.Event{}
	}

	name, ev := next()
	if name != "snapshot" || len(ev.State.Channels) != 2 {
		t.Fatalf("first event = %q with %d channels, want snapshot", name, len(ev.State.Channels))
	}

	// The snapshot is written after Subscribe, so this change is delivered.
	put := do(t, srv, "PUT", "/api/channels/1/voltage", `{"voltage": -5}`)
	requireStatus(t, put, http.StatusOK)
	put.Body.Close()

	name, ev = next()
	if name != events.ReasonState || ev.Channel != 1 || ev.Seq == 0 {
		t.Errorf("event = %q channel %d seq %d", name, ev.Channel, ev.Seq)
	}
	if ev.State.Channels[1].Code != 0xBFFD7 {
		t.Errorf("event code = %#x", ev.State.Channels[1].Code)
	}
}
