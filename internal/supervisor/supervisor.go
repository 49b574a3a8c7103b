// Package supervisor runs the agent CLI as a child process and turns its
// stdout into an ordered feed of decoded events.
//
// One Supervisor drives at most one process at a time. Every run ends with
// exactly one KindComplete signal, delivered after all of that run's events
// and errors. Signals from consecutive runs never interleave.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/perch/internal/linestream"
	"github.com/zjrosen/perch/internal/log"
	"github.com/zjrosen/perch/internal/mailbox"
	"github.com/zjrosen/perch/internal/protocol"
	"github.com/zjrosen/perch/internal/sessions/domain"
	"github.com/zjrosen/perch/internal/tracing"
)

const (
	DefaultPollInterval = linestream.DefaultPollInterval
	DefaultStopGrace    = 5 * time.Second
	DefaultMaxLineSize  = 16 << 20

	stderrTailLines = 20
)

// CommandFactoryFunc builds the command for a run. It exists so tests can
// substitute the spawned program.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// SignalKind discriminates a Signal.
type SignalKind int

const (
	// KindEvent carries one decoded stream event.
	KindEvent SignalKind = iota
	// KindError reports a stream I/O failure. The run is ended and its
	// completion follows.
	KindError
	// KindComplete is the last signal of a run.
	KindComplete
)

func (k SignalKind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindError:
		return "error"
	case KindComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Signal is one item of the supervisor's output feed.
type Signal struct {
	Kind       SignalKind
	Run        uint64
	Event      protocol.Event
	Err        error
	Completion *Completion
}

// Completion summarizes how a run ended.
type Completion struct {
	// ExitCode is the process exit code, or -1 when it was killed by a
	// signal.
	ExitCode int
	// Stopped is set when the run ended because Stop asked it to.
	Stopped bool
	// Err is an *ExitError for an unrequested unsuccessful exit.
	Err error
	// Events is the number of events the run emitted.
	Events   int
	Duration time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithCommandFactory replaces exec.CommandContext.
func WithCommandFactory(f CommandFactoryFunc) Option {
	return func(s *Supervisor) {
		s.commandFactory = f
	}
}

// WithFinder sets how the executable is located.
func WithFinder(f *Finder) Option {
	return func(s *Supervisor) {
		s.finder = f
	}
}

// WithExtraArgs appends arguments after the resume flags.
func WithExtraArgs(args ...string) Option {
	return func(s *Supervisor) {
		s.extraArgs = append(s.extraArgs, args...)
	}
}

// WithEnv adds environment variables to the child, on top of os.Environ().
func WithEnv(env ...string) Option {
	return func(s *Supervisor) {
		s.env = append(s.env, env...)
	}
}

// WithPollInterval sets the back-off after an empty stdout read.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.pollInterval = d
	}
}

// WithStopGrace sets how long Stop waits after asking the process to exit
// before killing it.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopGrace = d
		}
	}
}

// WithFlushPartial controls whether an unterminated final stdout line is
// decoded at end of stream.
func WithFlushPartial(flush bool) Option {
	return func(s *Supervisor) {
		s.flushPartial = flush
	}
}

// WithMaxLineSize bounds one stdout line in bytes. A longer line is a stream
// error and ends the run. Zero disables the bound.
func WithMaxLineSize(n int) Option {
	return func(s *Supervisor) {
		s.maxLineSize = max(n, 0)
	}
}

// WithTracer records a span per run.
func WithTracer(t trace.Tracer) Option {
	return func(s *Supervisor) {
		if t != nil {
			s.tracer = t
		}
	}
}

// Supervisor owns the agent process.
type Supervisor struct {
	commandFactory CommandFactoryFunc
	finder         *Finder
	tracer         trace.Tracer
	extraArgs      []string
	env            []string
	pollInterval   time.Duration
	stopGrace      time.Duration
	maxLineSize    int
	flushPartial   bool

	// lifecycle serializes Start, Stop and Close.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	state   State
	current *run
	session *domain.Session
	closed  bool
	runSeq  uint64

	out *mailbox.Mailbox[Signal]
}

// run is one spawned process.
type run struct {
	id      uint64
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	cancel  context.CancelFunc
	span    trace.Span
	started time.Time

	writeMu  sync.Mutex
	stopping atomic.Bool
	events   atomic.Int64
	done     chan struct{}

	tailMu sync.Mutex
	tail   []string
}

// New creates an idle supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		commandFactory: exec.CommandContext,
		tracer:         noop.NewTracerProvider().Tracer("noop"),
		pollInterval:   DefaultPollInterval,
		stopGrace:      DefaultStopGrace,
		maxLineSize:    DefaultMaxLineSize,
		flushPartial:   true,
		out:            mailbox.New[Signal](),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.finder == nil {
		s.finder = NewFinder(DefaultExecutableName)
	}
	return s
}

// Signals returns the output feed. It is closed after Close once every
// queued signal has been received. The channel must be drained.
func (s *Supervisor) Signals() <-chan Signal {
	return s.out.Out()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Session returns a copy of the current session handle.
func (s *Supervisor) Session() (domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return domain.Session{}, false
	}
	return s.session.Snapshot(), true
}

// PID returns the running process id, or 0 when idle.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.cmd.Process == nil {
		return 0
	}
	return s.current.cmd.Process.Pid
}

// SetSessionID records the id the agent announced for the current session.
func (s *Supervisor) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || id == "" {
		return
	}
	s.session.AssignID(id)
	if s.current != nil {
		s.current.span.SetAttributes(attribute.String(tracing.AttrSessionID, id))
		s.current.span.AddEvent(tracing.EventSessionInit)
	}
	log.Debug(log.CatProc, "Session identified", "session", id)
}

// Start launches the agent in workDir. A run already in progress is stopped
// first, and its completion is delivered before any signal of the new run.
// ctx bounds the launch only; the process then runs until it exits or Stop
// is called.
func (s *Supervisor) Start(ctx context.Context, workDir string, opts StartOptions) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	s.stopLocked()

	sess := domain.NewSession(workDir, opts.ResumeSessionID)
	s.mu.Lock()
	s.state = StateStarting
	s.session = sess
	s.runSeq++
	id := s.runSeq
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, tracing.SpanRun, trace.WithAttributes(
		attribute.String(tracing.AttrWorkDir, workDir),
		attribute.Bool(tracing.AttrResumed, opts.ResumeSessionID != ""),
		attribute.Bool(tracing.AttrContinue, opts.Continue),
	))

	r, err := s.launch(ctx, id, workDir, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		log.ErrorErr(log.CatProc, "Failed to launch agent", err, "dir", workDir)
		return err
	}
	r.span = span

	s.mu.Lock()
	s.current = r
	s.state = StateRunning
	_ = sess.MarkRunning()
	s.mu.Unlock()

	span.SetAttributes(attribute.Int(tracing.AttrPID, r.cmd.Process.Pid))
	span.AddEvent(tracing.EventStarted)
	log.Info(log.CatProc, "Agent started", "pid", r.cmd.Process.Pid, "dir", workDir, "run", id)

	go s.supervise(r)
	return nil
}

// launch resolves the executable and spawns it with pipes attached. On
// failure everything it opened is released.
func (s *Supervisor) launch(ctx context.Context, id uint64, workDir string, opts StartOptions) (*run, error) {
	res, err := s.finder.Find(ctx)
	if err != nil {
		return nil, &LaunchError{Err: err}
	}
	name, args := res.Command(BuildArgs(opts, s.extraArgs...))
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(tracing.AttrExecutable, name),
		attribute.Bool(tracing.AttrViaShell, res.ViaShell),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := s.commandFactory(runCtx, name, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), s.env...)

	r := &run{id: id, cmd: cmd, cancel: cancel, done: make(chan struct{})}
	fail := func(step string, err error) (*run, error) {
		cancel()
		for _, c := range []io.Closer{r.stdin, r.stdout, r.stderr} {
			if c != nil {
				_ = c.Close()
			}
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			s.finder.Invalidate(ctx)
		}
		return nil, &LaunchError{Executable: name, Err: fmt.Errorf("failed to %s: %w", step, err)}
	}

	if r.stdin, err = cmd.StdinPipe(); err != nil {
		return fail("create stdin pipe", err)
	}
	if r.stdout, err = cmd.StdoutPipe(); err != nil {
		return fail("create stdout pipe", err)
	}
	if r.stderr, err = cmd.StderrPipe(); err != nil {
		return fail("create stderr pipe", err)
	}

	log.Debug(log.CatProc, "Spawning agent", "executable", name, "args", strings.Join(args, " "), "dir", workDir)
	if err := cmd.Start(); err != nil {
		return fail("start process", err)
	}
	r.started = time.Now()
	return r, nil
}

// Send writes a user_message control record.
func (s *Supervisor) Send(text string) error {
	if err := s.write(protocol.UserMessage{Content: text}); err != nil {
		return err
	}
	s.spanEvent(tracing.EventUserMessage)
	return nil
}

// RespondToTool writes a tool_result control record.
func (s *Supervisor) RespondToTool(toolUseID string, approved bool) error {
	if err := s.write(protocol.ToolResponse{ToolUseID: toolUseID, Approved: approved}); err != nil {
		return err
	}
	s.spanEvent(tracing.EventToolResponse,
		attribute.String(tracing.AttrToolUseID, toolUseID),
		attribute.Bool(tracing.AttrApproved, approved),
	)
	return nil
}

func (s *Supervisor) write(rec protocol.ControlRecord) error {
	s.mu.RLock()
	r := s.current
	running := s.state == StateRunning
	s.mu.RUnlock()
	if !running || r == nil {
		return ErrNotRunning
	}

	line, err := protocol.EncodeLine(rec)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := r.stdin.Write(line); err != nil {
		if r.stopping.Load() {
			return ErrNotRunning
		}
		return fmt.Errorf("write to agent stdin: %w", err)
	}
	return nil
}

func (s *Supervisor) spanEvent(name string, attrs ...attribute.KeyValue) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current != nil {
		s.current.span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// Stop asks the running process to exit, killing it if it has not done so
// within the grace period, and waits for its completion to be queued.
// Stopping an idle supervisor does nothing.
func (s *Supervisor) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stopLocked()
}

func (s *Supervisor) stopLocked() {
	s.mu.Lock()
	r := s.current
	if r == nil || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminating
	r.stopping.Store(true)
	s.mu.Unlock()

	r.span.AddEvent(tracing.EventStopRequested)
	log.Debug(log.CatProc, "Stopping agent", "pid", r.cmd.Process.Pid, "run", r.id)

	_ = r.stdin.Close()
	if err := terminate(r.cmd.Process); err != nil {
		log.Debug(log.CatProc, "Terminate signal failed", "error", err)
	}

	timer := time.NewTimer(s.stopGrace)
	defer timer.Stop()
	select {
	case <-r.done:
		return
	case <-timer.C:
	}

	log.Warn(log.CatProc, "Agent ignored termination, killing", "pid", r.cmd.Process.Pid, "grace", s.stopGrace)
	r.span.AddEvent(tracing.EventForceKilled)
	_ = r.cmd.Process.Kill()
	// A grandchild may still hold the pipes open.
	_ = r.stdout.Close()
	_ = r.stderr.Close()
	<-r.done
}

// Close stops any running process and closes the Signals channel once it
// has been drained. Start fails after Close.
func (s *Supervisor) Close() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.stopLocked()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.out.Close()
}

// supervise reads both output streams to the end, reaps the process and
// queues the completion.
func (s *Supervisor) supervise(r *run) {
	defer close(r.done)
	defer r.cancel()

	var g errgroup.Group
	g.Go(func() error {
		err := s.readStdout(r)
		if err != nil {
			s.abandon(r)
		}
		return err
	})
	g.Go(func() error {
		s.readStderr(r)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.ErrorErr(log.CatProc, "Agent stream failed", err, "run", r.id)
		r.span.AddEvent(tracing.EventStreamError, trace.WithAttributes(
			attribute.String(tracing.AttrErrorMessage, err.Error()),
		))
		s.emit(Signal{Kind: KindError, Run: r.id, Err: err})
	}

	waitErr := r.cmd.Wait()
	completion := s.completion(r, waitErr)

	r.span.SetAttributes(
		attribute.Int(tracing.AttrExitCode, completion.ExitCode),
		attribute.Int(tracing.AttrEventCount, completion.Events),
	)
	r.span.AddEvent(tracing.EventStreamFinished)
	if completion.Err != nil {
		r.span.RecordError(completion.Err)
		r.span.SetStatus(codes.Error, completion.Err.Error())
	}
	r.span.End()

	s.mu.Lock()
	if s.current == r {
		s.current = nil
		s.state = StateIdle
		if s.session != nil {
			_ = s.session.MarkTerminated()
		}
	}
	s.mu.Unlock()

	log.Info(log.CatProc, "Agent exited", "run", r.id, "exit", completion.ExitCode,
		"stopped", completion.Stopped, "events", completion.Events, "duration", completion.Duration)
	s.emit(Signal{Kind: KindComplete, Run: r.id, Completion: completion})
}

func (s *Supervisor) completion(r *run, waitErr error) *Completion {
	c := &Completion{
		Stopped:  r.stopping.Load(),
		Events:   int(r.events.Load()),
		Duration: time.Since(r.started),
	}
	if r.cmd.ProcessState != nil {
		c.ExitCode = r.cmd.ProcessState.ExitCode()
	}
	if waitErr == nil || c.Stopped {
		return c
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		c.ExitCode = -1
	}
	c.Err = &ExitError{Code: c.ExitCode, Stderr: r.stderrTail(), Err: waitErr}
	return c
}

func (s *Supervisor) readStdout(r *run) error {
	lines := linestream.Lines(r.stdout,
		linestream.WithFramerOptions(linestream.WithFlushPartial(s.flushPartial)),
		linestream.WithPollInterval(s.pollInterval),
		linestream.WithMaxLineSize(s.maxLineSize),
	)
	for line, err := range lines {
		if err != nil {
			if r.stopping.Load() || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read agent stdout: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		ev := protocol.Decode(line)
		r.events.Add(1)
		s.emit(Signal{Kind: KindEvent, Run: r.id, Event: ev})
	}
	return nil
}

// abandon ends a run whose stdout can no longer be decoded. The rest of
// stdout is discarded so the process is never blocked writing to it.
func (s *Supervisor) abandon(r *run) {
	if err := terminate(r.cmd.Process); err != nil {
		log.Debug(log.CatProc, "Terminate signal failed", "error", err)
	}
	kill := time.AfterFunc(s.stopGrace, func() {
		_ = r.cmd.Process.Kill()
	})
	defer kill.Stop()
	_, _ = io.Copy(io.Discard, r.stdout)
}

// readStderr logs stderr and keeps the last few lines for the exit error.
func (s *Supervisor) readStderr(r *run) {
	scanner := bufio.NewScanner(r.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		log.Debug(log.CatProc, "STDERR", "line", line, "run", r.id)
		r.tailMu.Lock()
		r.tail = append(r.tail, line)
		if len(r.tail) > stderrTailLines {
			r.tail = r.tail[len(r.tail)-stderrTailLines:]
		}
		r.tailMu.Unlock()
	}
}

func (r *run) stderrTail() []string {
	r.tailMu.Lock()
	defer r.tailMu.Unlock()
	return append([]string(nil), r.tail...)
}

func (s *Supervisor) emit(sig Signal) {
	if !s.out.Put(sig) {
		log.Debug(log.CatProc, "Dropped signal after close", "kind", sig.Kind)
	}
}
