package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/babybirdprd/zombieclaw/internal/events"
	"github.com/babybirdprd/zombieclaw/internal/history"
	"github.com/babybirdprd/zombieclaw/internal/metrics"
	"github.com/babybirdprd/zombieclaw/internal/store"
)

var (
	ErrDisposed      = errors.New("supervisor disposed")
	ErrNotRunning    = errors.New("agent process not running")
	ErrCallTimeout   = errors.New("call timed out")
	ErrProcessExited = errors.New("agent process exited")
)

// RemoteError is a response line that explicitly marks failure. Message
// carries the agent's error text verbatim.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: agent reported failure", e.Command)
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

type callResult struct {
	data json.RawMessage
	err  error
}

// pendingCall correlates an outbound request id with its resolution.
// Exactly one callResult is ever sent on ch.
type pendingCall struct {
	command string
	ch      chan callResult
	timer   *time.Timer
}

// Supervisor keeps at most one agent runtime process alive, frames its
// stdio into correlated calls plus broadcast notifications, and recovers
// from crashes with a capped linear backoff. All mutable state is owned
// by the supervisor and guarded by mu; callers observe it only through
// Call and Health.
type Supervisor struct {
	spec Spec
	pub  events.Publisher
	log  *slog.Logger

	mu           sync.Mutex
	state        State
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	pid          int
	restartCount int
	generation   uint64
	seq          uint64
	startedAt    time.Time
	lastEventAt  time.Time
	lastError    string
	pending      map[string]*pendingCall
	spawnWait    chan struct{} // non-nil while a spawn is in flight
	spawnErr     error
	restartTimer *time.Timer
	waitDone     chan struct{} // closed once the current process is reaped
	outCloser    io.WriteCloser
	errCloser    io.WriteCloser
	disposed     bool

	// writeMu serializes stdin writes so concurrent calls cannot
	// interleave partial lines.
	writeMu sync.Mutex

	sinks []history.Sink
	st    store.Store
}

func NewSupervisor(spec Spec, pub events.Publisher, log *slog.Logger) *Supervisor {
	spec.Normalize()
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		spec:    spec,
		pub:     pub,
		log:     log.With("agent", spec.Name),
		state:   StateStopped,
		pending: make(map[string]*pendingCall),
	}
}

// SetHistory attaches lifecycle audit sinks. Must be called before the
// first EnsureStarted.
func (s *Supervisor) SetHistory(sinks ...history.Sink) { s.sinks = sinks }

// SetStore attaches a last-known-state store. Must be called before the
// first EnsureStarted.
func (s *Supervisor) SetStore(st store.Store) { s.st = st }

// Spec returns a copy of the normalized launch spec.
func (s *Supervisor) Spec() Spec { return s.spec }

// EnsureStarted spawns the agent process if needed. Idempotent: when a
// process is already running it returns immediately; when a spawn is in
// flight, the caller joins it and shares its outcome.
func (s *Supervisor) EnsureStarted(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.state == StateRunning && s.cmd != nil {
		s.mu.Unlock()
		return nil
	}
	if ch := s.spawnWait; ch != nil {
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		err := s.spawnErr
		s.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	s.spawnWait = ch
	s.state = StateStarting
	s.mu.Unlock()

	return s.spawn()
}

// spawn starts one process and transitions to running. It owns the
// spawnWait channel set by its caller and always closes it.
func (s *Supervisor) spawn() error {
	cmd := exec.Command(s.spec.Command, s.spec.Args...)
	if s.spec.WorkDir != "" {
		cmd.Dir = s.spec.WorkDir
	}
	if len(s.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), s.spec.Env...)
	}
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	var stdout, stderr io.ReadCloser
	if err == nil {
		stdout, err = cmd.StdoutPipe()
	}
	if err == nil {
		stderr, err = cmd.StderrPipe()
	}
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		err = fmt.Errorf("spawn %s: %w", s.spec.Command, err)
		s.mu.Lock()
		s.state = StateErrored
		s.lastError = err.Error()
		s.spawnErr = err
		ch := s.spawnWait
		s.spawnWait = nil
		s.mu.Unlock()
		close(ch)
		s.log.Error("agent spawn failed", "error", err)
		s.publish(events.Notification{
			Kind:    events.KindError,
			Type:    "spawn_failed",
			Payload: map[string]any{"error": err.Error()},
		})
		return err
	}

	var outW, errW io.WriteCloser
	if s.spec.Log.File.Dir != "" || s.spec.Log.File.StdoutPath != "" || s.spec.Log.File.StderrPath != "" {
		if s.spec.Log.File.Dir != "" {
			_ = os.MkdirAll(s.spec.Log.File.Dir, 0o750)
		}
		outW, errW, _ = s.spec.Log.ProcessWriters(s.spec.Name)
	}

	s.mu.Lock()
	if s.disposed {
		// disposed while spawning: reap and stay stopped
		s.state = StateStopped
		s.spawnErr = ErrDisposed
		ch := s.spawnWait
		s.spawnWait = nil
		s.mu.Unlock()
		close(ch)
		_ = stdin.Close()
		killGroup(cmd.Process.Pid)
		go func() { _ = cmd.Wait() }()
		closeWriters(outW, errW)
		return ErrDisposed
	}
	s.cmd = cmd
	s.stdin = stdin
	s.pid = cmd.Process.Pid
	s.generation++
	gen := s.generation
	s.restartCount++
	restarted := s.restartCount > 1
	s.startedAt = time.Now()
	s.state = StateRunning
	s.waitDone = make(chan struct{})
	wd := s.waitDone
	s.outCloser = outW
	s.errCloser = errW
	s.spawnErr = nil
	ch := s.spawnWait
	s.spawnWait = nil
	health := s.statusLocked()
	s.mu.Unlock()
	close(ch)

	go s.readLoop(gen, stdout, outW)
	go s.stderrLoop(gen, stderr, errW)
	go s.waitLoop(gen, cmd, wd)

	s.log.Info("agent started", "pid", health.PID, "restarts", health.RestartCount)
	metrics.SetAgentUp(true)
	if restarted {
		metrics.IncAgentRestart()
	}
	s.publish(events.Notification{
		Kind:    events.KindStatus,
		Type:    "agent_started",
		Payload: statusPayload(health),
	})
	s.dispatchHistory(history.EventStart, health)
	s.recordState(health)
	return nil
}

// Call sends one request line to the agent and waits for the matching
// response, a timeout, process exit, or ctx cancellation, whichever
// comes first. timeout <= 0 selects the spec default.
func (s *Supervisor) Call(ctx context.Context, command string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = s.spec.CallTimeout
	}
	if err := s.EnsureStarted(ctx); err != nil {
		metrics.IncCall(command, "error")
		return nil, err
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		metrics.IncCall(command, "error")
		return nil, ErrDisposed
	}
	if s.state != StateRunning || s.stdin == nil {
		s.mu.Unlock()
		metrics.IncCall(command, "error")
		return nil, fmt.Errorf("%s: %w", command, ErrNotRunning)
	}
	s.seq++
	id := fmt.Sprintf("%d-%d", s.generation, s.seq)
	pc := &pendingCall{command: command, ch: make(chan callResult, 1)}
	s.pending[id] = pc
	pc.timer = time.AfterFunc(timeout, func() { s.expire(id, command, timeout) })
	stdin := s.stdin
	s.mu.Unlock()

	line, err := encodeEnvelope(id, command, params)
	if err != nil {
		s.abandon(id)
		metrics.IncCall(command, "error")
		return nil, err
	}
	s.writeMu.Lock()
	_, werr := stdin.Write(append(line, '\n'))
	s.writeMu.Unlock()
	if werr != nil {
		s.abandon(id)
		metrics.IncCall(command, "error")
		return nil, fmt.Errorf("write %s request: %w", command, werr)
	}

	select {
	case res := <-pc.ch:
		switch {
		case res.err == nil:
			metrics.IncCall(command, "success")
		case errors.Is(res.err, ErrCallTimeout):
			metrics.IncCall(command, "timeout")
			metrics.IncCallFailure("timeout")
		default:
			metrics.IncCall(command, "error")
			metrics.IncCallFailure("agent")
		}
		return res.data, res.err
	case <-ctx.Done():
		s.abandon(id)
		metrics.IncCall(command, "error")
		return nil, ctx.Err()
	}
}

// expire force-fails a pending entry whose deadline elapsed. A response
// arriving afterwards for the same id is ignored.
func (s *Supervisor) expire(id, command string, timeout time.Duration) {
	s.mu.Lock()
	pc, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	pc.ch <- callResult{err: fmt.Errorf("%s after %s: %w", command, timeout, ErrCallTimeout)}
}

// abandon drops a pending entry without resolving it (caller gave up).
func (s *Supervisor) abandon(id string) {
	s.mu.Lock()
	pc, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if ok {
		pc.timer.Stop()
	}
}

// readLoop frames the agent's stdout into lines and dispatches each one.
// A line that fails to parse produces one diagnostic notification and is
// otherwise discarded. capture receives the raw bytes when configured.
func (s *Supervisor) readLoop(gen uint64, r io.Reader, capture io.Writer) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), s.spec.ScannerBufferKB*1024)
	for sc.Scan() {
		raw := sc.Bytes()
		if capture != nil {
			_, _ = capture.Write(append(raw, '\n'))
		}
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return
		}
		s.lastEventAt = time.Now()
		s.mu.Unlock()

		msg, err := DecodeLine(line)
		if err != nil {
			s.noteError(fmt.Sprintf("malformed agent line: %s", excerpt(line)))
			s.publish(events.Notification{
				Kind:    events.KindError,
				Type:    "malformed_line",
				Payload: map[string]any{"line": excerpt(line)},
			})
			continue
		}
		switch {
		case msg.Response != nil:
			s.resolve(gen, msg.Response)
		case msg.Event != nil:
			s.publish(events.Notification{
				Kind:    events.KindEvent,
				Type:    msg.Event.Type,
				Payload: eventPayload(msg.Event.Data),
			})
		}
	}
	if err := sc.Err(); err != nil {
		// the framing for this process is gone; only a respawn gets a
		// fresh pipe, so the process has to come down
		s.failStream(gen, "stdout", err, true)
	}
}

// failStream reports a broken stdio pipe. A dead stdout means no call
// can ever be resolved again, so the process is killed and the normal
// exit path fails pending calls and schedules the respawn. A dead
// stderr only loses diagnostics and is reported without a kill.
func (s *Supervisor) failStream(gen uint64, stream string, err error, fatal bool) {
	msg := fmt.Sprintf("agent %s stream failed: %v", stream, err)
	s.mu.Lock()
	if s.generation != gen || s.disposed {
		s.mu.Unlock()
		return
	}
	s.lastError = msg
	cmd := s.cmd
	s.mu.Unlock()

	s.log.Error("agent stream failed", "stream", stream, "error", err)
	s.publish(events.Notification{
		Kind:    events.KindError,
		Type:    "stream_failed",
		Payload: map[string]any{"stream": stream, "error": err.Error()},
	})
	if fatal && cmd != nil && cmd.Process != nil {
		killGroup(cmd.Process.Pid)
	}
}

// resolve routes a response line to its pending entry. Unmatched ids
// (timed out, stale generation) are ignored.
func (s *Supervisor) resolve(gen uint64, resp *Response) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	pc, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
		pc.timer.Stop()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if resp.Success {
		pc.ch <- callResult{data: resp.Data}
		return
	}
	pc.ch <- callResult{err: &RemoteError{Command: pc.command, Message: resp.Error}}
}

// stderrLoop surfaces stderr lines as diagnostics without touching the
// lifecycle state.
func (s *Supervisor) stderrLoop(gen uint64, r io.Reader, capture io.Writer) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), s.spec.ScannerBufferKB*1024)
	for sc.Scan() {
		raw := sc.Bytes()
		if capture != nil {
			_, _ = capture.Write(append(raw, '\n'))
		}
		line := string(bytes.TrimSpace(raw))
		if line == "" {
			continue
		}
		s.mu.Lock()
		stale := s.generation != gen
		if !stale {
			s.lastError = line
		}
		s.mu.Unlock()
		if stale {
			return
		}
		s.publish(events.Notification{
			Kind:    events.KindError,
			Type:    "stderr",
			Payload: map[string]any{"line": line},
		})
	}
	if err := sc.Err(); err != nil {
		s.failStream(gen, "stderr", err, false)
	}
}

func (s *Supervisor) waitLoop(gen uint64, cmd *exec.Cmd, waitDone chan struct{}) {
	err := cmd.Wait()
	close(waitDone)
	s.handleExit(gen, err)
}

// handleExit clears the dead handle, fails every pending entry, and
// schedules a restart unless disposed. Exits of stale generations are
// ignored.
func (s *Supervisor) handleExit(gen uint64, exitErr error) {
	reason := "agent exited"
	if exitErr != nil {
		reason = fmt.Sprintf("agent exited: %v", exitErr)
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.cmd = nil
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	s.pid = 0
	failed := s.pending
	s.pending = make(map[string]*pendingCall)
	s.lastError = reason
	outW, errW := s.outCloser, s.errCloser
	s.outCloser, s.errCloser = nil, nil
	disposed := s.disposed
	if disposed {
		s.state = StateStopped
	} else {
		s.state = StateErrored
		delay := s.backoffLocked()
		s.restartTimer = time.AfterFunc(delay, s.respawn)
		s.log.Warn("agent exited, restart scheduled", "reason", reason, "backoff", delay)
	}
	health := s.statusLocked()
	s.mu.Unlock()

	for _, pc := range failed {
		pc.timer.Stop()
		pc.ch <- callResult{err: fmt.Errorf("%s: %s: %w", pc.command, reason, ErrProcessExited)}
	}
	closeWriters(outW, errW)
	metrics.SetAgentUp(false)
	if !disposed {
		payload := statusPayload(health)
		payload["reason"] = reason
		s.publish(events.Notification{
			Kind:    events.KindError,
			Type:    "agent_exit",
			Payload: payload,
		})
	}
	kind := history.EventStop
	if !disposed {
		kind = history.EventError
	}
	s.dispatchHistory(kind, health)
	s.recordState(health)
}

// backoffLocked computes the restart delay: linear in the number of
// prior successful spawns, capped at BackoffMax.
func (s *Supervisor) backoffLocked() time.Duration {
	n := s.restartCount
	if n < 1 {
		n = 1
	}
	d := time.Duration(n) * s.spec.BackoffBase
	if d > s.spec.BackoffMax {
		d = s.spec.BackoffMax
	}
	return d
}

// respawn runs from the restart timer. A failed scheduled respawn
// schedules the next attempt so the supervisor never silently dies.
func (s *Supervisor) respawn() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.restartTimer = nil
	if s.spawnWait != nil || s.state == StateRunning {
		// a caller-initiated spawn got there first
		s.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	s.spawnWait = ch
	s.state = StateStarting
	s.mu.Unlock()

	if err := s.spawn(); err != nil {
		s.mu.Lock()
		if !s.disposed && s.restartTimer == nil {
			delay := s.backoffLocked()
			s.restartTimer = time.AfterFunc(delay, s.respawn)
			s.log.Warn("scheduled respawn failed, retrying", "error", err, "backoff", delay)
		}
		s.mu.Unlock()
	}
}

// Dispose permanently stops the supervisor: cancels any pending restart,
// fails in-flight calls, and terminates the live process (graceful, then
// forceful after the grace period). Idempotent.
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	cmd := s.cmd
	stdin := s.stdin
	s.stdin = nil
	wd := s.waitDone
	failed := s.pending
	s.pending = make(map[string]*pendingCall)
	if cmd == nil {
		s.state = StateStopped
	}
	grace := s.spec.GracePeriod
	s.mu.Unlock()

	for _, pc := range failed {
		pc.timer.Stop()
		pc.ch <- callResult{err: fmt.Errorf("%s: %w", pc.command, ErrDisposed)}
	}

	if cmd != nil && cmd.Process != nil {
		pid := cmd.Process.Pid
		if stdin != nil {
			_ = stdin.Close()
		}
		terminateGroup(pid)
		select {
		case <-wd:
		case <-time.After(grace):
			killGroup(pid)
			select {
			case <-wd:
			case <-time.After(500 * time.Millisecond):
				// best-effort
			}
		}
	}
	metrics.SetAgentUp(false)
	s.log.Info("supervisor disposed")
}

// Health is a pure read of the current snapshot; available even while
// disposed.
func (s *Supervisor) Health() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() Status {
	return Status{
		State:        s.state,
		PID:          s.pid,
		RestartCount: s.restartCount,
		StartedAt:    s.startedAt,
		LastEventAt:  s.lastEventAt,
		LastError:    s.lastError,
	}
}

func (s *Supervisor) noteError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

func (s *Supervisor) publish(n events.Notification) {
	if s.pub != nil {
		s.pub.Publish(n)
	}
}

// dispatchHistory forwards a lifecycle event to the configured sinks,
// asynchronously and with a bounded timeout. Sink errors are logged,
// never fatal.
func (s *Supervisor) dispatchHistory(kind history.EventType, st Status) {
	if len(s.sinks) == 0 {
		return
	}
	ev := history.Event{
		Type:       kind,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			Name:      s.spec.Name,
			PID:       st.PID,
			Status:    string(st.State),
			Error:     st.LastError,
			UpdatedAt: time.Now().UTC(),
		},
	}
	sinks := s.sinks
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, sink := range sinks {
			if err := sink.Send(ctx, ev); err != nil {
				s.log.Warn("history sink send failed", "error", err)
			}
		}
	}()
}

// recordState upserts the last-known state snapshot, best-effort.
func (s *Supervisor) recordState(st Status) {
	if s.st == nil {
		return
	}
	rec := store.Record{
		Name:       s.spec.Name,
		PID:        st.PID,
		LastStatus: string(st.State),
		UpdatedAt:  time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.st.Record(ctx, rec); err != nil {
			s.log.Warn("state store save failed", "error", err)
		}
	}()
}

func eventPayload(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"data": string(raw)}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"data": v}
}

func statusPayload(st Status) map[string]any {
	p := map[string]any{
		"state":         string(st.State),
		"restart_count": st.RestartCount,
	}
	if st.PID != 0 {
		p["pid"] = st.PID
	}
	if !st.StartedAt.IsZero() {
		p["started_at"] = st.StartedAt.UTC()
	}
	if !st.LastEventAt.IsZero() {
		p["last_event_at"] = st.LastEventAt.UTC()
	}
	if st.LastError != "" {
		p["last_error"] = st.LastError
	}
	return p
}

func closeWriters(ws ...io.WriteCloser) {
	for _, w := range ws {
		if w != nil {
			_ = w.Close()
		}
	}
}

