package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/babybirdprd/zombieclaw/internal/agent"
	"github.com/babybirdprd/zombieclaw/internal/events"
	"github.com/babybirdprd/zombieclaw/internal/pairing"
)

type fakeRuntime struct {
	data       json.RawMessage
	err        error
	gotCommand string
	gotParams  map[string]any
}

func (f *fakeRuntime) Call(_ context.Context, command string, params map[string]any, _ time.Duration) (json.RawMessage, error) {
	f.gotCommand = command
	f.gotParams = params
	return f.data, f.err
}

func (f *fakeRuntime) Health() agent.Status {
	return agent.Status{State: agent.StateRunning, PID: 42}
}

func setupRouter(t *testing.T, rt Runtime, required bool, base string) (http.Handler, *pairing.Guard, *events.Broadcaster) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	guard := pairing.New(pairing.Config{
		Required:  required,
		TokenFile: filepath.Join(t.TempDir(), "tokens.json"),
	})
	b := events.NewBroadcaster()
	t.Cleanup(b.Close)
	r := NewRouter(rt, guard, b, base, Options{
		StatusInterval:    50 * time.Millisecond,
		KeepAliveInterval: time.Hour,
	})
	return r.Handler(), guard, b
}

func doReq(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// pairDevice runs the pairing handshake and returns a valid token.
func pairDevice(t *testing.T, h http.Handler, guard *pairing.Guard) string {
	t.Helper()
	code := guard.Status().PairingCode
	if code == "" {
		t.Fatal("expected pairing code")
	}
	rec := doReq(t, h, http.MethodPost, "/pairing/pair", "", map[string]string{"code": code})
	if rec.Code != http.StatusOK {
		t.Fatalf("pair expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode pair response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("empty token")
	}
	return resp.Token
}

func TestHealthIsPublic(t *testing.T) {
	h, _, _ := setupRouter(t, &fakeRuntime{}, true, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st agent.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != agent.StateRunning || st.PID != 42 {
		t.Fatalf("unexpected health: %+v", st)
	}
}

func TestPairingStatusShowsCodeOnce(t *testing.T) {
	h, guard, _ := setupRouter(t, &fakeRuntime{}, true, "")
	rec := doReq(t, h, http.MethodGet, "/pairing/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st pairing.Status
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if !st.PairingRequired || st.Paired || st.PairingCode == "" {
		t.Fatalf("unexpected status: %+v", st)
	}

	pairDevice(t, h, guard)

	rec = doReq(t, h, http.MethodGet, "/pairing/status", "", nil)
	st = pairing.Status{}
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if !st.Paired || st.PairingCode != "" {
		t.Fatalf("code should disappear after pairing: %+v", st)
	}
}

func TestPairSecondAttemptConflicts(t *testing.T) {
	h, guard, _ := setupRouter(t, &fakeRuntime{}, true, "")
	code := guard.Status().PairingCode
	pairDevice(t, h, guard)

	rec := doReq(t, h, http.MethodPost, "/pairing/pair", "", map[string]string{"code": code})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

// wrongCode returns a code guaranteed not to match the guard's pending one.
func wrongCode(guard *pairing.Guard) string {
	if guard.Status().PairingCode == "000000" {
		return "000001"
	}
	return "000000"
}

func TestPairInvalidCode(t *testing.T) {
	h, guard, _ := setupRouter(t, &fakeRuntime{}, true, "")
	rec := doReq(t, h, http.MethodPost, "/pairing/pair", "", map[string]string{"code": wrongCode(guard)})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPairLockoutReturns429(t *testing.T) {
	h, guard, _ := setupRouter(t, &fakeRuntime{}, true, "")
	bad := wrongCode(guard)
	var rec *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		rec = doReq(t, h, http.MethodPost, "/pairing/pair", "", map[string]string{"code": bad})
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if _, ok := body["retry_after"]; !ok {
		t.Fatalf("expected retry_after in body: %v", body)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestPairDisabledGuard(t *testing.T) {
	h, _, _ := setupRouter(t, &fakeRuntime{}, false, "")
	rec := doReq(t, h, http.MethodPost, "/pairing/pair", "", map[string]string{"code": "123456"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCallRoutesRequireAuth(t *testing.T) {
	h, _, _ := setupRouter(t, &fakeRuntime{}, true, "/api")
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/state"},
		{http.MethodPost, "/api/message"},
		{http.MethodGet, "/api/config"},
		{http.MethodPut, "/api/config"},
		{http.MethodGet, "/api/events"},
	} {
		rec := doReq(t, h, tc.method, tc.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestNoAuthNeededWhenPairingDisabled(t *testing.T) {
	rt := &fakeRuntime{data: json.RawMessage(`{"ok":true}`)}
	h, _, _ := setupRouter(t, rt, false, "")
	rec := doReq(t, h, http.MethodGet, "/state", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rt.gotCommand != "get_state" {
		t.Fatalf("command: %q", rt.gotCommand)
	}
}

func TestStatePassesDataThrough(t *testing.T) {
	rt := &fakeRuntime{data: json.RawMessage(`{"session":"abc"}`)}
	h, guard, _ := setupRouter(t, rt, true, "")
	token := pairDevice(t, h, guard)

	rec := doReq(t, h, http.MethodGet, "/state", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"session":"abc"}` {
		t.Fatalf("body not passed through: %s", rec.Body.String())
	}
}

func TestTokenViaQueryParameter(t *testing.T) {
	rt := &fakeRuntime{data: json.RawMessage(`{}`)}
	h, guard, _ := setupRouter(t, rt, true, "")
	token := pairDevice(t, h, guard)

	rec := doReq(t, h, http.MethodGet, "/state?token="+token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMessageRequiresText(t *testing.T) {
	rt := &fakeRuntime{}
	h, guard, _ := setupRouter(t, rt, true, "")
	token := pairDevice(t, h, guard)

	rec := doReq(t, h, http.MethodPost, "/message", token, map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rt.gotCommand != "" {
		t.Fatal("validation failures must not reach the agent")
	}
}

func TestMessageForwardsParams(t *testing.T) {
	rt := &fakeRuntime{data: json.RawMessage(`{"queued":true}`)}
	h, guard, _ := setupRouter(t, rt, true, "")
	token := pairDevice(t, h, guard)

	rec := doReq(t, h, http.MethodPost, "/message", token, map[string]string{"text": "hello", "channel": "main"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rt.gotCommand != "send_message" {
		t.Fatalf("command: %q", rt.gotCommand)
	}
	if rt.gotParams["text"] != "hello" || rt.gotParams["channel"] != "main" {
		t.Fatalf("params: %v", rt.gotParams)
	}
}

func TestSetConfigRequiresConfig(t *testing.T) {
	rt := &fakeRuntime{}
	h, guard, _ := setupRouter(t, rt, true, "")
	token := pairDevice(t, h, guard)

	rec := doReq(t, h, http.MethodPut, "/config", token, map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = doReq(t, h, http.MethodPut, "/config", token, map[string]any{"config": map[string]any{"model": "fast"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rt.gotCommand != "set_config" {
		t.Fatalf("command: %q", rt.gotCommand)
	}
}

func TestCallTimeoutMapsTo504(t *testing.T) {
	rt := &fakeRuntime{err: agent.ErrCallTimeout}
	h, guard, _ := setupRouter(t, rt, true, "")
	token := pairDevice(t, h, guard)

	rec := doReq(t, h, http.MethodGet, "/state", token, nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
}

func TestAgentErrorMapsTo502Verbatim(t *testing.T) {
	rt := &fakeRuntime{err: &agent.RemoteError{Command: "get_state", Message: "model overloaded"}}
	h, guard, _ := setupRouter(t, rt, true, "")
	token := pairDevice(t, h, guard)

	rec := doReq(t, h, http.MethodGet, "/state", token, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var body ErrorResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Message != "get_state: model overloaded" {
		t.Fatalf("agent error text mangled: %q", body.Message)
	}
}

func TestProcessExitMapsTo502(t *testing.T) {
	rt := &fakeRuntime{err: errors.New("get_state: agent exited: signal: killed: " + agent.ErrProcessExited.Error())}
	h, guard, _ := setupRouter(t, rt, true, "")
	token := pairDevice(t, h, guard)

	rec := doReq(t, h, http.MethodGet, "/state", token, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestEmptyCallDataBecomesEmptyObject(t *testing.T) {
	rt := &fakeRuntime{data: nil}
	h, guard, _ := setupRouter(t, rt, true, "")
	token := pairDevice(t, h, guard)

	rec := doReq(t, h, http.MethodGet, "/config", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "{}" {
		t.Fatalf("body: %q", rec.Body.String())
	}
}

func TestSanitizeBase(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{"  /api  ", "/api"},
	}
	for _, tt := range tests {
		if got := sanitizeBase(tt.in); got != tt.want {
			t.Errorf("sanitizeBase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
