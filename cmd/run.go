package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/perch/internal/config"
	"github.com/zjrosen/perch/internal/conversation"
	"github.com/zjrosen/perch/internal/flags"
	"github.com/zjrosen/perch/internal/log"
	"github.com/zjrosen/perch/internal/mailbox"
	"github.com/zjrosen/perch/internal/pubsub"
	"github.com/zjrosen/perch/internal/supervisor"
	"github.com/zjrosen/perch/internal/tracing"
	"github.com/zjrosen/perch/internal/transcript"
	"github.com/zjrosen/perch/internal/watcher"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run the agent and stream the transcript as JSON lines",
	Long: `Run launches the agent in the working directory and writes every
finalized transcript entry to stdout as one JSON line.

Tool calls are answered according to the approval mode: "ask" prompts on
the terminal, "approve" and "deny" answer every call the same way.

Example:
  perch run "fix the failing test"
  perch run --continue "now add a changelog entry"
  perch run --resume 5f3c... --approval approve`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAgent,
}

var (
	runDir      string
	runResume   string
	runContinue bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runDir, "dir", "", "working directory for the agent (default: current directory)")
	runCmd.Flags().StringVar(&runResume, "resume", "", "resume the session with this id")
	runCmd.Flags().BoolVar(&runContinue, "continue", false, "continue the most recent session")
	runCmd.Flags().String("approval", "", "tool approval mode: ask, approve, or deny")

	_ = viper.BindPFlag("approval.mode", runCmd.Flags().Lookup("approval"))
}

func runAgent(cmd *cobra.Command, args []string) error {
	cleanup, err := startLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	workDir := runDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
	}
	var prompt string
	if len(args) > 0 {
		prompt = args[0]
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	features := flags.New(cfg.Flags)

	finder := newFinder(cfg)
	if features.Enabled(flags.FlagWatchExecutable) {
		stopWatch := watchExecutable(ctx, finder)
		defer stopWatch()
	}

	sup := newSupervisor(cfg, finder, provider)
	defer sup.Close()

	err = converse(ctx, cfg, sup, session{
		WorkDir: workDir,
		Start: supervisor.StartOptions{
			Prompt:          prompt,
			ResumeSessionID: runResume,
			Continue:        runContinue,
		},
		In:     cmd.InOrStdin(),
		Out:    cmd.OutOrStdout(),
		ErrOut: cmd.ErrOrStderr(),
	})
	if ctx.Err() != nil {
		log.Info(log.CatCLI, "Interrupted")
		return nil
	}
	return err
}

// session is one invocation of the agent and the terminal it talks to.
type session struct {
	WorkDir string
	Start   supervisor.StartOptions
	In      io.Reader
	Out     io.Writer
	ErrOut  io.Writer
}

// converse starts one run on sup, writes the transcript to s.Out and
// answers tool calls until the run completes. It returns the run's exit
// error.
func converse(ctx context.Context, c config.Config, sup *supervisor.Supervisor, s session) error {
	approvals := mailbox.New[transcript.ToolCall]()
	defer approvals.Close()

	asm := conversation.New(
		conversation.WithStore(&approvalStore{
			Store: conversation.NewJSONLStore(s.Out),
			queue: approvals,
		}),
		conversation.WithResponder(sup),
		conversation.WithSessionBinder(sup),
		conversation.WithThinkingEntries(c.Conversation.ThinkingEntries),
	)
	defer asm.Close()
	go printNotices(s.ErrOut, asm.Subscribe(ctx))

	if err := sup.Start(ctx, s.WorkDir, s.Start); err != nil {
		return err
	}
	asm.RecordUserPrompt(ctx, s.Start.Prompt)

	// Decisions may wait on the terminal, so they never hold up the feed.
	decide := newDecider(c.Approval.Mode, s.In, s.ErrOut)
	go answerAll(asm, decide, approvals.Out())

	var completion *supervisor.Completion
	feed := make(chan supervisor.Signal)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(feed)
		for {
			var sig supervisor.Signal
			var ok bool
			select {
			case <-gctx.Done():
				return nil
			case sig, ok = <-sup.Signals():
				if !ok {
					return nil
				}
			}
			if sig.Kind == supervisor.KindError {
				fmt.Fprintf(s.ErrOut, "perch: stream error: %v\n", sig.Err)
			}
			select {
			case feed <- sig:
			case <-gctx.Done():
				return nil
			}
			if sig.Kind == supervisor.KindComplete {
				completion = sig.Completion
				return nil
			}
		}
	})
	g.Go(func() error {
		return asm.Run(gctx, feed)
	})
	err := g.Wait()

	// Nothing is left to answer once the process is gone.
	asm.ClearPending()
	if err != nil {
		return err
	}
	if completion == nil {
		return nil
	}
	return completion.Err
}

// printNotices reports decisions and the session id on out until changes
// closes. Notices are best effort: a slow terminal misses some.
func printNotices(out io.Writer, changes <-chan pubsub.Event[conversation.Change]) {
	for ev := range changes {
		c := ev.Payload
		switch c.Kind {
		case conversation.ChangeSessionIdentified:
			fmt.Fprintf(out, "perch: session %s\n", c.SessionID)
		case conversation.ChangeToolCallResolved:
			fmt.Fprintf(out, "perch: %s %s\n", c.ToolCall.Status, c.ToolCall.Name)
		}
	}
}

// approvalStore writes entries through to Store and queues every finalized
// tool call, so a decision sees the call's complete input.
type approvalStore struct {
	conversation.Store
	queue *mailbox.Mailbox[transcript.ToolCall]
}

func (s *approvalStore) CreateEntry(ctx context.Context, entry transcript.Entry) error {
	for _, piece := range entry.Content {
		if use, ok := piece.(transcript.ToolUse); ok {
			s.queue.Put(use.Call)
		}
	}
	return s.Store.CreateEntry(ctx, entry)
}

func newFinder(c config.Config) *supervisor.Finder {
	finderOpts := []supervisor.FinderOption{
		supervisor.WithOverride(c.Agent.Executable),
		supervisor.WithShell(c.Agent.Shell),
		supervisor.WithShellFallback(c.Agent.ShellFallback),
		supervisor.WithCacheTTL(c.Supervisor.ResolveCacheTTL),
	}
	if len(c.Agent.Candidates) > 0 {
		finderOpts = append(finderOpts, supervisor.WithCandidates(c.Agent.Candidates))
	}
	return supervisor.NewFinder(supervisor.DefaultExecutableName, finderOpts...)
}

func newSupervisor(c config.Config, finder *supervisor.Finder, provider *tracing.Provider) *supervisor.Supervisor {
	return supervisor.New(
		supervisor.WithFinder(finder),
		supervisor.WithExtraArgs(c.Agent.Args()...),
		supervisor.WithPollInterval(c.Supervisor.PollInterval),
		supervisor.WithStopGrace(c.Supervisor.StopGrace),
		supervisor.WithFlushPartial(c.Supervisor.FlushPartialLine),
		supervisor.WithMaxLineSize(c.Supervisor.MaxLineBytes),
		supervisor.WithEnv(c.Agent.Env...),
		supervisor.WithTracer(provider.Tracer()),
	)
}

// watchExecutable forgets the finder's cached resolution whenever one of
// its install locations changes. The returned func stops watching.
func watchExecutable(ctx context.Context, finder *supervisor.Finder) func() {
	w, err := watcher.New(watcher.DefaultConfig(finder.Paths()...))
	if err != nil {
		log.ErrorErr(log.CatCLI, "Executable watcher unavailable", err)
		return func() {}
	}
	changes, err := w.Start()
	if err != nil {
		log.Debug(log.CatCLI, "Not watching executable", "error", err)
		_ = w.Stop()
		return func() {}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				log.Debug(log.CatCLI, "Executable location changed")
				finder.Invalidate(ctx)
			}
		}
	}()
	return func() { _ = w.Stop() }
}

// decider answers a pending tool call.
type decider func(call transcript.ToolCall) bool

// newDecider returns the policy for mode. In ask mode each call is shown
// on out and a y/yes line on in approves it; anything else denies.
func newDecider(mode string, in io.Reader, out io.Writer) decider {
	switch mode {
	case config.ApprovalApprove:
		return func(transcript.ToolCall) bool { return true }
	case config.ApprovalDeny:
		return func(transcript.ToolCall) bool { return false }
	}

	reader := bufio.NewReader(in)
	return func(call transcript.ToolCall) bool {
		fmt.Fprintf(out, "Allow %s %s? [y/N] ", call.Name, call.Input)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(out)
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		default:
			return false
		}
	}
}

// answerAll decides each queued call in order. Calls that stopped being
// pending while queued, or while the decider waited, are skipped.
func answerAll(asm *conversation.Assembler, decide decider, calls <-chan transcript.ToolCall) {
	for call := range calls {
		if !pending(asm, call.ID) {
			continue
		}
		approved := decide(call)
		if !pending(asm, call.ID) {
			log.Debug(log.CatCLI, "Tool call no longer pending", "id", call.ID)
			continue
		}
		var err error
		if approved {
			err = asm.Approve(call.ID)
		} else {
			err = asm.Deny(call.ID)
		}
		if err != nil {
			log.ErrorErr(log.CatCLI, "Failed to answer tool call", err, "id", call.ID, "approved", approved)
		}
	}
}

func pending(asm *conversation.Assembler, id string) bool {
	return slices.ContainsFunc(asm.PendingToolCalls(), func(c transcript.ToolCall) bool {
		return c.ID == id
	})
}
