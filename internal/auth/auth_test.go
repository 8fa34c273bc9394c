package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/magstab/magstab-go/internal/auth"
)

// newTempDir creates a temporary directory cleaned up by t.Cleanup.
func newTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "magstab-auth-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// writeKeys writes keys.json to dir.
func writeKeys(t *testing.T, dir string, keys ...auth.Key) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"keys": keys})
	if err != nil {
		t.Fatalf("json.Marshal keys: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "keys.json"), data, 0644); err != nil {
		t.Fatalf("WriteFile keys.json: %v", err)
	}
}

func newService(t *testing.T, dir string) *auth.Service {
	t.Helper()
	svc, err := auth.NewService(dir)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func newSecuredService(t *testing.T) *auth.Service {
	t.Helper()
	dir := newTempDir(t)
	writeKeys(t, dir,
		auth.Key{Name: "lab", Key: "secret-key"},
		auth.Key{Name: "viewer", Key: "view-key", ReadOnly: true},
	)
	return newService(t, dir)
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Key", auth.KeyName(r.Context()))
	w.WriteHeader(http.StatusOK)
})

func serve(svc *auth.Service, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	svc.Middleware(okHandler).ServeHTTP(rr, req)
	return rr
}

// --- Open mode ---

func TestService_OpenMode(t *testing.T) {
	svc := newService(t, newTempDir(t))
	if !svc.IsOpenMode() {
		t.Error("IsOpenMode() = false, want true when no keys.json")
	}
	if _, ok := svc.Verify(""); ok {
		t.Error("Verify(\"\") = true, want false")
	}
	if _, ok := svc.Verify("anything"); ok {
		t.Error("Verify(any) = true in open mode with no keys")
	}
}

func TestService_EmptyKeyFileIsOpen(t *testing.T) {
	dir := newTempDir(t)
	writeKeys(t, dir)
	if !newService(t, dir).IsOpenMode() {
		t.Error("empty key list should be open mode")
	}
}

func TestService_KeysWithoutValueIgnored(t *testing.T) {
	dir := newTempDir(t)
	writeKeys(t, dir, auth.Key{Name: "blank"})
	if !newService(t, dir).IsOpenMode() {
		t.Error("a key with no value must not secure the API")
	}
}

func TestService_CorruptFileFails(t *testing.T) {
	dir := newTempDir(t)
	if err := os.WriteFile(filepath.Join(dir, "keys.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := auth.NewService(dir); err == nil {
		t.Error("NewService with corrupt keys.json should fail")
	}
}

func TestMiddleware_OpenMode_PassesThrough(t *testing.T) {
	svc := newService(t, newTempDir(t))
	rr := serve(svc, httptest.NewRequest(http.MethodPut, "/api/channels/0/voltage", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 in open mode", rr.Code)
	}
	if got := rr.Header().Get("X-Key"); got != "" {
		t.Errorf("KeyName = %q in open mode, want empty", got)
	}
}

// --- Secured mode ---

func TestService_Verify(t *testing.T) {
	svc := newSecuredService(t)
	if svc.IsOpenMode() {
		t.Fatal("IsOpenMode() = true with keys configured")
	}
	tests := []struct {
		key  string
		name string
		ok   bool
	}{
		{"secret-key", "lab", true},
		{"view-key", "viewer", true},
		{"wrong", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		k, ok := svc.Verify(tt.key)
		if ok != tt.ok || k.Name != tt.name {
			t.Errorf("Verify(%q) = %q, %v; want %q, %v", tt.key, k.Name, ok, tt.name, tt.ok)
		}
	}
}

func TestMiddleware_Secured(t *testing.T) {
	svc := newSecuredService(t)
	tests := []struct {
		name   string
		method string
		target string
		header string
		status int
		key    string
	}{
		{"header", http.MethodGet, "/api", "secret-key", 200, "lab"},
		{"query", http.MethodGet, "/api/subscribe?api-key=secret-key", "", 200, "lab"},
		{"write with full key", http.MethodPut, "/api/channels/0/voltage", "secret-key", 200, "lab"},
		{"read-only read", http.MethodGet, "/api", "view-key", 200, "viewer"},
		{"read-only write", http.MethodPatch, "/api/channels/0", "view-key", 403, ""},
		{"wrong key", http.MethodGet, "/api", "nope", 401, ""},
		{"no key", http.MethodGet, "/api", "", 401, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("api-key", tt.header)
			}
			rr := serve(svc, req)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			if tt.status == 200 {
				if got := rr.Header().Get("X-Key"); got != tt.key {
					t.Errorf("KeyName = %q, want %q", got, tt.key)
				}
				return
			}
			var body map[string]any
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("error body is not JSON: %v", err)
			}
			if body["error"] == "" || body["error"] == nil {
				t.Errorf("error body = %v, want an error code", body)
			}
		})
	}
}

func TestService_Reload(t *testing.T) {
	dir := newTempDir(t)
	svc := newService(t, dir)
	if !svc.IsOpenMode() {
		t.Error("initially expected open mode")
	}

	writeKeys(t, dir, auth.Key{Name: "lab", Key: "reload-test-key"})
	if err := svc.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if svc.IsOpenMode() {
		t.Error("expected secured mode after reload")
	}
	if _, ok := svc.Verify("reload-test-key"); !ok {
		t.Error("Verify after reload returned false for correct key")
	}

	if err := os.Remove(filepath.Join(dir, "keys.json")); err != nil {
		t.Fatal(err)
	}
	if err := svc.Reload(); err != nil {
		t.Fatalf("Reload after remove: %v", err)
	}
	if !svc.IsOpenMode() {
		t.Error("removing keys.json should reopen the API")
	}
}

func TestService_WatchReloads(t *testing.T) {
	dir := newTempDir(t)
	svc := newService(t, dir)
	writeKeys(t, dir, auth.Key{Name: "lab", Key: "watched"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := svc.Verify("watched"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("key file change was not picked up by the watcher")
}

func TestService_MissingConfigDir_NoError(t *testing.T) {
	nonExistent := filepath.Join(newTempDir(t), "does-not-exist")
	svc := newService(t, nonExistent)
	if !svc.IsOpenMode() {
		t.Error("expected open mode for non-existent config dir")
	}
}
