// Package supervisor owns the single assistant CLI child process. It
// serializes user turns into the process's stdin, detects reply completion,
// and restarts the process with backoff when it dies.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/asheshgoplani/threadbridge/internal/backoff"
	"github.com/asheshgoplani/threadbridge/internal/logging"
)

var supLog = logging.ForComponent(logging.CompSupervisor)

var (
	// ErrProcessTerminated means the process died while a turn was in flight.
	ErrProcessTerminated = errors.New("supervisor: assistant process terminated")

	// ErrTimeout means no complete reply arrived within the response timeout.
	ErrTimeout = errors.New("supervisor: timed out waiting for reply")

	// ErrUnavailable means restart attempts are exhausted (until Reset) or
	// the supervisor is stopped.
	ErrUnavailable = errors.New("supervisor: assistant unavailable")
)

// stableLifetime is how long a process must stay alive before the restart
// streak is forgiven and backoff returns to base.
const stableLifetime = 30 * time.Second

// readChunkSize is the output reader's buffer size.
const readChunkSize = 4096

// Config configures the supervised assistant process.
type Config struct {
	// Command and Args are the assistant CLI invocation (permission mode,
	// profile and similar ride in Args).
	Command string
	Args    []string

	// UsePTY spawns the process under a pseudo-terminal instead of pipes.
	// stderr is merged into stdout in this mode.
	UsePTY bool

	// ResponseTimeout bounds one turn's wait for a reply (default 30s).
	ResponseTimeout time.Duration

	// IdleWindow is the quiet period after output that completes a reply
	// when no EndMarker is configured (default 700ms).
	IdleWindow time.Duration

	// EndMarker, when non-empty, is a line the assistant emits after each
	// reply. Preferred over the idle-window heuristic.
	EndMarker string

	// RestartBase/RestartCap shape the restart backoff (defaults 2s/30s).
	RestartBase time.Duration
	RestartCap  time.Duration

	// MaxRestarts bounds consecutive restart attempts (default 5).
	MaxRestarts int

	// BufferCap caps each output accumulation buffer in bytes (default 1 MiB).
	BufferCap int

	// QueueSize bounds the pending turn queue (default 64).
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = 700 * time.Millisecond
	}
	if c.RestartBase <= 0 {
		c.RestartBase = 2 * time.Second
	}
	if c.RestartCap <= 0 {
		c.RestartCap = 30 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.BufferCap <= 0 {
		c.BufferCap = 1 << 20
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

// Result is one turn's outcome: a reply or a typed error, never neither.
type Result struct {
	Reply string
	Err   error
}

// Pending is a queued turn awaiting its result.
type Pending struct {
	ID uuid.UUID
	ch chan Result
}

// Wait blocks for the turn's result. Context cancellation abandons the wait
// but the turn itself still runs to completion.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case r := <-p.ch:
		return r.Reply, r.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type turn struct {
	id   uuid.UUID
	text string
	ch   chan Result
}

// Status is a point-in-time health snapshot for supervision logging.
type Status struct {
	ProcessAlive  bool
	Unavailable   bool
	QueueDepth    int
	RestartStreak int
}

// Supervisor manages the assistant process lifecycle and the FIFO turn
// queue. Exactly one turn is in flight at any instant; turns resolve in
// arrival order. The process handle is never reachable from outside.
type Supervisor struct {
	cfg Config

	queue chan *turn

	mu            sync.Mutex
	proc          *process
	unavailable   bool
	restartStreak int
	stateCh       chan struct{} // closed and replaced on every state change

	resetCh chan struct{}
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a supervisor. Call Start to spawn the process and begin
// serving turns.
func New(cfg Config) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:     cfg,
		queue:   make(chan *turn, cfg.QueueSize),
		stateCh: make(chan struct{}),
		resetCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the supervise and worker loops.
func (s *Supervisor) Start() {
	s.wg.Add(2)
	go s.superviseLoop()
	go s.workerLoop()
}

// Stop kills the process and fails all pending turns. Idempotent.
func (s *Supervisor) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Enqueue appends a turn to the FIFO queue and returns a handle for its
// eventual result. Fails fast with ErrUnavailable when restarts are
// exhausted, the supervisor is stopped, or the queue is full.
func (s *Supervisor) Enqueue(text string) (*Pending, error) {
	select {
	case <-s.stopCh:
		return nil, ErrUnavailable
	default:
	}

	s.mu.Lock()
	unavailable := s.unavailable
	s.mu.Unlock()
	if unavailable {
		return nil, ErrUnavailable
	}

	tn := &turn{id: uuid.New(), text: text, ch: make(chan Result, 1)}
	select {
	case s.queue <- tn:
		supLog.Debug("turn_queued",
			slog.String("turn_id", tn.id.String()),
			slog.Int("queue_depth", len(s.queue)))
		return &Pending{ID: tn.id, ch: tn.ch}, nil
	default:
		return nil, fmt.Errorf("%w: turn queue full", ErrUnavailable)
	}
}

// Send is Enqueue followed by Wait.
func (s *Supervisor) Send(ctx context.Context, text string) (string, error) {
	pending, err := s.Enqueue(text)
	if err != nil {
		return "", err
	}
	return pending.Wait(ctx)
}

// Reset clears the unavailable state after restart exhaustion and triggers
// a fresh spawn. No-op while the supervisor is healthy.
func (s *Supervisor) Reset() {
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
}

// Status returns a health snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ProcessAlive:  s.proc != nil && s.proc.alive(),
		Unavailable:   s.unavailable,
		QueueDepth:    len(s.queue),
		RestartStreak: s.restartStreak,
	}
}

// superviseLoop keeps exactly one process alive, restarting with backoff
// and giving up after MaxRestarts consecutive failures.
func (s *Supervisor) superviseLoop() {
	defer s.wg.Done()

	policy := backoff.New(s.cfg.RestartBase, s.cfg.RestartCap)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		proc, err := s.spawn()
		if err != nil {
			supLog.Error("process_spawn_failed", slog.String("error", err.Error()))
			if !s.recordFailure(policy) {
				if !s.awaitReset(policy) {
					return
				}
			}
			continue
		}

		s.setProcess(proc)
		supLog.Info("process_spawned",
			slog.Int("pid", proc.pid()),
			slog.String("command", s.cfg.Command))

		select {
		case <-proc.exited:
			lifetime := time.Since(proc.startedAt)
			s.clearProcess()
			supLog.Warn("process_exited",
				slog.Duration("lifetime", lifetime),
				slog.String("error", errString(proc.exitErr)),
				slog.String("stderr_tail", tail(proc.stderr.TakeAll(), 512)))

			if lifetime >= stableLifetime {
				s.forgiveStreak(policy)
			}
			if !s.recordFailure(policy) {
				if !s.awaitReset(policy) {
					return
				}
			}

		case <-s.stopCh:
			proc.kill()
			proc.waitDone()
			s.clearProcess()
			return
		}
	}
}

// recordFailure advances the restart streak and sleeps the backoff delay.
// Returns false when the streak is exhausted.
func (s *Supervisor) recordFailure(policy *backoff.Policy) bool {
	s.mu.Lock()
	s.restartStreak++
	streak := s.restartStreak
	s.mu.Unlock()

	if streak > s.cfg.MaxRestarts {
		s.markUnavailable()
		return false
	}

	delay := policy.Next()
	supLog.Info("process_restart_scheduled",
		slog.Int("attempt", streak),
		slog.Duration("delay", delay))
	select {
	case <-s.stopCh:
	case <-time.After(delay):
	}
	return true
}

func (s *Supervisor) forgiveStreak(policy *backoff.Policy) {
	s.mu.Lock()
	s.restartStreak = 0
	s.mu.Unlock()
	policy.Reset()
}

// markUnavailable flips the supervisor into the exhausted state and fails
// every queued turn. Nothing is dropped silently.
func (s *Supervisor) markUnavailable() {
	s.mu.Lock()
	s.unavailable = true
	s.broadcastLocked()
	s.mu.Unlock()

	supLog.Error("process_restarts_exhausted",
		slog.Int("max_restarts", s.cfg.MaxRestarts))

	for {
		select {
		case tn := <-s.queue:
			tn.ch <- Result{Err: ErrUnavailable}
		default:
			return
		}
	}
}

// awaitReset blocks until Reset is called or the supervisor stops.
// Returns false on stop.
func (s *Supervisor) awaitReset(policy *backoff.Policy) bool {
	select {
	case <-s.resetCh:
		s.mu.Lock()
		s.unavailable = false
		s.restartStreak = 0
		s.broadcastLocked()
		s.mu.Unlock()
		policy.Reset()
		supLog.Info("supervisor_reset")
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Supervisor) setProcess(p *process) {
	s.mu.Lock()
	s.proc = p
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *Supervisor) clearProcess() {
	s.mu.Lock()
	s.proc = nil
	s.broadcastLocked()
	s.mu.Unlock()
}

// broadcastLocked wakes every goroutine blocked on a state change.
// Callers must hold s.mu.
func (s *Supervisor) broadcastLocked() {
	close(s.stateCh)
	s.stateCh = make(chan struct{})
}

// workerLoop pulls turns off the queue one at a time. Serialization is
// structural: this is the only goroutine that writes to the process.
func (s *Supervisor) workerLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			s.drainQueue()
			return
		case tn := <-s.queue:
			s.processTurn(tn)
		}
	}
}

func (s *Supervisor) drainQueue() {
	for {
		select {
		case tn := <-s.queue:
			tn.ch <- Result{Err: ErrUnavailable}
		default:
			return
		}
	}
}

func (s *Supervisor) processTurn(tn *turn) {
	proc, err := s.awaitProcess()
	if err != nil {
		tn.ch <- Result{Err: err}
		return
	}

	// Anything the process printed between turns (banners, prompts) is not
	// part of this turn's reply.
	if stale := proc.stdout.TakeAll(); strings.TrimSpace(stale) != "" {
		supLog.Debug("stale_output_discarded", slog.Int("bytes", len(stale)))
	}
	proc.stderr.Discard()

	if err := proc.writeLine(tn.text); err != nil {
		supLog.Warn("turn_write_failed",
			slog.String("turn_id", tn.id.String()),
			slog.String("error", err.Error()))
		tn.ch <- Result{Err: fmt.Errorf("%w: write: %v", ErrProcessTerminated, err)}
		return
	}
	supLog.Info("turn_sent", slog.String("turn_id", tn.id.String()))

	reply, err := s.collectReply(proc)
	if err != nil {
		supLog.Warn("turn_failed",
			slog.String("turn_id", tn.id.String()),
			slog.String("error", err.Error()))
		tn.ch <- Result{Err: err}
		return
	}

	supLog.Info("turn_replied",
		slog.String("turn_id", tn.id.String()),
		slog.Int("reply_bytes", len(reply)))
	tn.ch <- Result{Reply: reply}
}

// awaitProcess blocks until a live process exists. Readiness means the
// stdout reader is attached, which spawn guarantees before setProcess.
func (s *Supervisor) awaitProcess() (*process, error) {
	for {
		s.mu.Lock()
		if s.unavailable {
			s.mu.Unlock()
			return nil, ErrUnavailable
		}
		if p := s.proc; p != nil && p.alive() {
			s.mu.Unlock()
			return p, nil
		}
		wait := s.stateCh
		s.mu.Unlock()

		select {
		case <-wait:
		case <-s.stopCh:
			return nil, ErrUnavailable
		}
	}
}

// collectReply waits for one complete reply. With an EndMarker configured
// the reply is everything before the marker line. Otherwise a reply is
// complete once output containing a newline goes quiet for IdleWindow.
// The ResponseTimeout bounds the whole wait.
func (s *Supervisor) collectReply(proc *process) (string, error) {
	timeout := time.NewTimer(s.cfg.ResponseTimeout)
	defer timeout.Stop()

	var idle *time.Timer
	var idleC <-chan time.Time
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	for {
		select {
		case <-proc.outputNotify:
			if s.cfg.EndMarker != "" {
				if reply, ok := proc.stdout.TakeThroughMarker(s.cfg.EndMarker); ok {
					return strings.TrimSpace(reply), nil
				}
				continue
			}
			if proc.stdout.HasLine() {
				if idle == nil {
					idle = time.NewTimer(s.cfg.IdleWindow)
				} else {
					if !idle.Stop() {
						select {
						case <-idle.C:
						default:
						}
					}
					idle.Reset(s.cfg.IdleWindow)
				}
				idleC = idle.C
			}

		case <-idleC:
			reply := strings.TrimSpace(proc.stdout.TakeAll())
			if reply == "" {
				idleC = nil
				continue
			}
			return reply, nil

		case <-timeout.C:
			return "", ErrTimeout

		case <-proc.exited:
			return "", ErrProcessTerminated

		case <-s.stopCh:
			return "", ErrUnavailable
		}
	}
}

// process is one spawned assistant instance. Replaced wholesale on death;
// never two alive at once.
type process struct {
	cmd       *exec.Cmd
	stdin     io.Writer
	ptmx      *os.File
	stdout    *cappedBuffer
	stderr    *cappedBuffer
	startedAt time.Time

	outputNotify chan struct{}
	exited       chan struct{}
	exitErr      error

	readers  sync.WaitGroup
	killOnce sync.Once
}

// spawn starts a new assistant process with output readers attached.
func (s *Supervisor) spawn() (*process, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)

	p := &process{
		cmd:          cmd,
		stdout:       newCappedBuffer(s.cfg.BufferCap),
		stderr:       newCappedBuffer(s.cfg.BufferCap),
		outputNotify: make(chan struct{}, 1),
		exited:       make(chan struct{}),
		startedAt:    time.Now(),
	}

	if s.cfg.UsePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("start pty: %w", err)
		}
		p.ptmx = ptmx
		p.stdin = ptmx
		p.readers.Add(1)
		go p.readInto(p.stdout, ptmx)
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", s.cfg.Command, err)
		}
		p.stdin = stdin
		p.readers.Add(2)
		go p.readInto(p.stdout, stdout)
		go p.readInto(p.stderr, stderr)
	}

	go func() {
		p.exitErr = cmd.Wait()
		if p.ptmx != nil {
			_ = p.ptmx.Close()
		}
		close(p.exited)
	}()

	return p, nil
}

func (p *process) readInto(buf *cappedBuffer, r io.Reader) {
	defer p.readers.Done()
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			_, _ = buf.Write(chunk[:n])
			select {
			case p.outputNotify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *process) writeLine(text string) error {
	_, err := io.WriteString(p.stdin, text+"\n")
	return err
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) kill() {
	p.killOnce.Do(func() {
		if p.ptmx != nil {
			_ = p.ptmx.Close()
		}
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

// waitDone blocks until the process has exited and its readers finished.
func (p *process) waitDone() {
	<-p.exited
	p.readers.Wait()
}

func errString(err error) string {
	if err == nil {
		return "exit 0"
	}
	return err.Error()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
