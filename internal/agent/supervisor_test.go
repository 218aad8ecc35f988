//go:build !windows

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/babybirdprd/zombieclaw/internal/events"
)

// writeScript drops an executable shell script into a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// echoAgent replies to every request line with a success response
// carrying back the extracted id.
const echoAgent = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  printf '{"type":"response","id":"%s","data":{"echo":true}}\n' "$id"
done
`

// silentAgent consumes stdin and never answers.
const silentAgent = `
cat > /dev/null
`

func newTestSupervisor(t *testing.T, script string) (*Supervisor, *events.Broadcaster) {
	t.Helper()
	spec := Spec{
		Name:        "test-agent",
		Command:     "/bin/sh",
		Args:        []string{script},
		CallTimeout: 5 * time.Second,
		GracePeriod: 500 * time.Millisecond,
		BackoffBase: 50 * time.Millisecond,
		BackoffMax:  200 * time.Millisecond,
	}
	b := events.NewBroadcaster()
	s := NewSupervisor(spec, b, nil)
	t.Cleanup(func() {
		s.Dispose()
		b.Close()
	})
	return s, b
}

func waitNotification(t *testing.T, ch <-chan events.Notification, typ string, timeout time.Duration) events.Notification {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed waiting for %q", typ)
			}
			if n.Type == typ {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q notification", typ)
		}
	}
}

func TestCallRoundTrip(t *testing.T) {
	script := writeScript(t, echoAgent)
	s, _ := newTestSupervisor(t, script)

	data, err := s.Call(context.Background(), "get_state", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if payload["echo"] != true {
		t.Fatalf("unexpected payload: %v", payload)
	}

	st := s.Health()
	if st.State != StateRunning || st.PID == 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	// the counter includes the initial spawn
	if st.RestartCount != 1 {
		t.Fatalf("first spawn should report restart count 1, got %d", st.RestartCount)
	}
}

func TestCallTimeout(t *testing.T) {
	script := writeScript(t, silentAgent)
	s, _ := newTestSupervisor(t, script)

	start := time.Now()
	_, err := s.Call(context.Background(), "get_state", nil, 150*time.Millisecond)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout took far too long")
	}

	// the process stays up; a timeout is not a lifecycle event
	if st := s.Health(); st.State != StateRunning {
		t.Fatalf("state after timeout: %s", st.State)
	}
}

func TestLateResponseIsDiscarded(t *testing.T) {
	// answers every request well after the caller's deadline
	script := writeScript(t, `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  sleep 1
  printf '{"type":"response","id":"%s","data":{"late":true}}\n' "$id"
done
`)
	s, _ := newTestSupervisor(t, script)

	_, err := s.Call(context.Background(), "get_state", nil, 100*time.Millisecond)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}

	// let the stale reply arrive; its id no longer matches anything
	time.Sleep(1200 * time.Millisecond)
	if st := s.Health(); st.State != StateRunning {
		t.Fatalf("state after late response: %s", st.State)
	}

	// correlation still works for a fresh id
	data, err := s.Call(context.Background(), "get_state", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("call after late response: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if payload["late"] != true {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestOversizedLineKillsAndRespawns(t *testing.T) {
	// first run floods stdout with a single line past the scanner limit,
	// later runs behave like echoAgent
	mark := filepath.Join(t.TempDir(), "spawned-once")
	script := writeScript(t, `
if [ ! -f "$MARK" ]; then
  : > "$MARK"
  head -c 131072 /dev/zero | tr '\0' 'x'
  printf '\n'
  cat > /dev/null
  exit 0
fi
`+echoAgent)
	spec := Spec{
		Name:            "test-agent",
		Command:         "/bin/sh",
		Args:            []string{script},
		Env:             []string{"MARK=" + mark},
		CallTimeout:     5 * time.Second,
		GracePeriod:     500 * time.Millisecond,
		BackoffBase:     50 * time.Millisecond,
		BackoffMax:      200 * time.Millisecond,
		ScannerBufferKB: 64,
	}
	b := events.NewBroadcaster()
	s := NewSupervisor(spec, b, nil)
	t.Cleanup(func() {
		s.Dispose()
		b.Close()
	})
	ch, cancel := b.Subscribe()
	defer cancel()

	if err := s.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	n := waitNotification(t, ch, "stream_failed", 5*time.Second)
	if n.Kind != events.KindError || n.Payload["stream"] != "stdout" {
		t.Fatalf("unexpected notification: %+v", n)
	}

	// the broken process is taken down and the respawn restores framing
	waitNotification(t, ch, "agent_exit", 5*time.Second)
	waitNotification(t, ch, "agent_started", 5*time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := s.Call(context.Background(), "get_state", nil, time.Second); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("calls never recovered after stream failure")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestCallContextCancel(t *testing.T) {
	script := writeScript(t, silentAgent)
	s, _ := newTestSupervisor(t, script)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.Call(ctx, "get_state", nil, 10*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestEventLinesBecomeNotifications(t *testing.T) {
	script := writeScript(t, `
printf '{"type":"tool_use","data":{"tool":"grep"}}\n'
cat > /dev/null
`)
	s, b := newTestSupervisor(t, script)
	ch, cancel := b.Subscribe()
	defer cancel()

	if err := s.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	n := waitNotification(t, ch, "tool_use", 5*time.Second)
	if n.Kind != events.KindEvent {
		t.Fatalf("kind: %s", n.Kind)
	}
	if n.Payload["tool"] != "grep" {
		t.Fatalf("payload: %v", n.Payload)
	}
}

func TestMalformedLineIsNonFatal(t *testing.T) {
	script := writeScript(t, `
printf 'this is not json\n'
`+echoAgent)
	s, b := newTestSupervisor(t, script)
	ch, cancel := b.Subscribe()
	defer cancel()

	if err := s.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	n := waitNotification(t, ch, "malformed_line", 5*time.Second)
	if n.Kind != events.KindError {
		t.Fatalf("kind: %s", n.Kind)
	}

	// the stream keeps working after the bad line
	if _, err := s.Call(context.Background(), "get_state", nil, 5*time.Second); err != nil {
		t.Fatalf("call after malformed line: %v", err)
	}
}

func TestExitFailsPendingAndRestarts(t *testing.T) {
	// exits as soon as the first request arrives, without answering
	script := writeScript(t, `
IFS= read -r line
exit 1
`)
	s, b := newTestSupervisor(t, script)
	ch, cancel := b.Subscribe()
	defer cancel()

	if err := s.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	firstPID := s.Health().PID

	_, err := s.Call(context.Background(), "get_state", nil, 5*time.Second)
	if !errors.Is(err, ErrProcessExited) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}

	waitNotification(t, ch, "agent_exit", 5*time.Second)

	// backoff respawn brings a fresh process up
	n := waitNotification(t, ch, "agent_started", 5*time.Second)
	if n.Kind != events.KindStatus {
		t.Fatalf("kind: %s", n.Kind)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := s.Health()
		if st.State == StateRunning && st.PID != firstPID {
			if st.RestartCount < 2 {
				t.Fatalf("expected restart count >= 2 after respawn, got %d", st.RestartCount)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("respawn never completed: %+v", st)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConcurrentEnsureStartedSpawnsOnce(t *testing.T) {
	script := writeScript(t, echoAgent)
	s, b := newTestSupervisor(t, script)
	ch, cancel := b.Subscribe()
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.EnsureStarted(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("EnsureStarted %d: %v", i, err)
		}
	}

	waitNotification(t, ch, "agent_started", 5*time.Second)
	select {
	case n := <-ch:
		if n.Type == "agent_started" {
			t.Fatal("agent spawned more than once")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDisposeIsTerminal(t *testing.T) {
	script := writeScript(t, echoAgent)
	s, _ := newTestSupervisor(t, script)

	if err := s.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Dispose()
	s.Dispose() // idempotent

	if st := s.Health(); st.State != StateStopped {
		t.Fatalf("state after dispose: %s", st.State)
	}
	if err := s.EnsureStarted(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
	if _, err := s.Call(context.Background(), "get_state", nil, time.Second); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed from call, got %v", err)
	}
}

func TestRemoteErrorPropagatesVerbatim(t *testing.T) {
	script := writeScript(t, `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  printf '{"type":"response","id":"%s","success":false,"error":"model overloaded"}\n' "$id"
done
`)
	s, _ := newTestSupervisor(t, script)

	_, err := s.Call(context.Background(), "send_message", map[string]any{"text": "hi"}, 5*time.Second)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if re.Message != "model overloaded" || re.Command != "send_message" {
		t.Fatalf("unexpected remote error: %+v", re)
	}
}

func TestSpecValidate(t *testing.T) {
	s := Spec{}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for missing command")
	}
	s = Spec{Command: "/bin/sh", WorkDir: "relative/path"}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for relative work dir")
	}
	s = Spec{Command: "/bin/sh", WorkDir: "/tmp"}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSpecNormalizeDefaults(t *testing.T) {
	s := Spec{Command: "/bin/true"}
	s.Normalize()
	if s.Name != "agent" {
		t.Fatalf("name: %q", s.Name)
	}
	if s.CallTimeout != DefaultCallTimeout || s.GracePeriod != DefaultGracePeriod {
		t.Fatalf("timeouts not defaulted: %+v", s)
	}
	if s.BackoffBase != DefaultBackoffBase || s.BackoffMax != DefaultBackoffMax {
		t.Fatalf("backoff not defaulted: %+v", s)
	}
	if s.ScannerBufferKB != DefaultScannerBufKB {
		t.Fatalf("scanner buffer not defaulted: %d", s.ScannerBufferKB)
	}
}
