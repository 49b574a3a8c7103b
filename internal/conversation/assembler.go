// Package conversation folds the agent's event stream into a transcript.
//
// The Assembler is the single consumer of a supervisor's signals. It keeps
// the transient block accumulators for the message being streamed, appends
// finalized entries in the order their blocks close, and tracks tool calls
// that are waiting for a human decision.
package conversation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/zjrosen/perch/internal/jsonvalue"
	"github.com/zjrosen/perch/internal/log"
	"github.com/zjrosen/perch/internal/protocol"
	"github.com/zjrosen/perch/internal/pubsub"
	"github.com/zjrosen/perch/internal/supervisor"
	"github.com/zjrosen/perch/internal/transcript"
)

var (
	// ErrToolCallNotPending is returned when deciding on a tool call that
	// is not awaiting a decision.
	ErrToolCallNotPending = errors.New("tool call is not pending")

	// ErrNoResponder is returned when an operation needs to write to the
	// agent but none is attached.
	ErrNoResponder = errors.New("no agent attached")
)

// Responder writes control records to the agent.
type Responder interface {
	Send(text string) error
	RespondToTool(toolUseID string, approved bool) error
}

// SessionBinder is told the session id the agent announced.
type SessionBinder interface {
	SetSessionID(id string)
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithStore persists entries as they are finalized.
func WithStore(s Store) Option {
	return func(a *Assembler) {
		a.store = s
	}
}

// WithResponder sets where messages and tool decisions are sent.
func WithResponder(r Responder) Option {
	return func(a *Assembler) {
		a.responder = r
	}
}

// WithSessionBinder sets who learns the announced session id.
func WithSessionBinder(b SessionBinder) Option {
	return func(a *Assembler) {
		a.binder = b
	}
}

// WithThinkingEntries finalizes closed thinking blocks as entries.
func WithThinkingEntries(enabled bool) Option {
	return func(a *Assembler) {
		a.thinkingEntries = enabled
	}
}

// WithBroker publishes changes on b instead of a private broker.
func WithBroker(b *pubsub.Broker[Change]) Option {
	return func(a *Assembler) {
		a.broker = b
	}
}

// Assembler builds a transcript from stream events.
type Assembler struct {
	store           Store
	responder       Responder
	binder          SessionBinder
	thinkingEntries bool
	broker          *pubsub.Broker[Change]

	// applyMu serializes reductions so store writes keep event order.
	applyMu sync.Mutex
	text    *blockBuffer
	think   *blockBuffer
	tools   map[int]*toolAccumulator

	// mu guards everything readable from other goroutines.
	mu        sync.RWMutex
	entries   []transcript.Entry
	pending   map[string]*pendingCall
	seq       uint64
	sessionID string
}

type blockBuffer struct {
	index int
	buf   strings.Builder
}

type toolAccumulator struct {
	id    string
	name  string
	input strings.Builder
}

type pendingCall struct {
	call      transcript.ToolCall
	seq       uint64
	resolving bool
}

// New creates an assembler with an empty transcript.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		tools:   make(map[int]*toolAccumulator),
		pending: make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.broker == nil {
		a.broker = pubsub.NewBroker[Change]()
	}
	return a
}

// Subscribe returns a feed of changes that ends when ctx is cancelled.
// A subscriber that falls behind misses changes, so the feed is for display
// and never for deciding when a run is over.
func (a *Assembler) Subscribe(ctx context.Context) <-chan pubsub.Event[Change] {
	return a.broker.Subscribe(ctx)
}

// Run consumes signals until the channel closes or ctx is cancelled.
func (a *Assembler) Run(ctx context.Context, signals <-chan supervisor.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			switch sig.Kind {
			case supervisor.KindEvent:
				a.Apply(ctx, sig.Event)
			case supervisor.KindError:
				log.ErrorErr(log.CatConv, "Stream error", sig.Err, "run", sig.Run)
				a.publish(Change{Kind: ChangeStreamError, Err: sig.Err})
			case supervisor.KindComplete:
				a.complete(ctx, sig.Completion)
			}
		}
	}
}

// Apply reduces one event.
func (a *Assembler) Apply(ctx context.Context, ev protocol.Event) {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	switch ev := ev.(type) {
	case protocol.SystemInit:
		a.identify(ctx, ev.SessionID)

	case protocol.AssistantMessageStart:
		log.Debug(log.CatConv, "Assistant message", "id", ev.MessageID)

	case protocol.ContentBlockStart:
		a.startBlock(ctx, ev)

	case protocol.ContentBlockDelta:
		a.applyDelta(ev)

	case protocol.ContentBlockStop:
		a.stopBlock(ctx, ev.Index)

	case protocol.UserMessageEcho:
		a.applyEcho(ctx, ev)

	case protocol.Result:
		a.flush(ctx)
		if ev.SessionID != nil && *ev.SessionID != a.SessionID() {
			a.identify(ctx, *ev.SessionID)
		}
		a.publish(Change{Kind: ChangeStreamingFinished, Result: &ev})

	case protocol.Unknown:
		log.Debug(log.CatConv, "Ignoring unrecognized record", "len", len(ev.Raw))
	}
}

// Complete ends the run: open blocks are finalized so partial output is
// kept. Pending tool calls are left in place.
func (a *Assembler) Complete(ctx context.Context) {
	a.complete(ctx, nil)
}

func (a *Assembler) complete(ctx context.Context, c *supervisor.Completion) {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()
	a.flush(ctx)
	a.publish(Change{Kind: ChangeStreamingFinished, Completion: c})
}

func (a *Assembler) identify(ctx context.Context, id string) {
	if id == "" {
		return
	}
	a.mu.Lock()
	a.sessionID = id
	a.mu.Unlock()

	if a.binder != nil {
		a.binder.SetSessionID(id)
	}
	if a.store != nil {
		if err := a.store.UpdateSessionIdentifier(ctx, id); err != nil {
			log.ErrorErr(log.CatConv, "Failed to store session id", err, "session", id)
		}
	}
	a.publish(Change{Kind: ChangeSessionIdentified, SessionID: id})
}

func (a *Assembler) startBlock(ctx context.Context, ev protocol.ContentBlockStart) {
	switch b := ev.Block.(type) {
	case protocol.TextBlock:
		a.finishText(ctx)
		a.text = &blockBuffer{index: ev.Index}

	case protocol.ThinkingBlock:
		a.think = &blockBuffer{index: ev.Index}

	case protocol.ToolUseBlock:
		a.tools[ev.Index] = &toolAccumulator{id: b.ID, name: b.Name}

		call := transcript.NewToolCall(b.ID, b.Name)
		a.mu.Lock()
		a.seq++
		a.pending[b.ID] = &pendingCall{call: call, seq: a.seq}
		a.mu.Unlock()
		log.Debug(log.CatConv, "Tool call pending", "id", b.ID, "name", b.Name)
		a.publish(Change{Kind: ChangeToolCallPending, ToolCall: &call})
	}
}

func (a *Assembler) applyDelta(ev protocol.ContentBlockDelta) {
	switch d := ev.Delta.(type) {
	case protocol.TextDelta:
		if a.text == nil {
			a.text = &blockBuffer{index: ev.Index}
		}
		a.text.buf.WriteString(d.Text)

	case protocol.ThinkingDelta:
		if a.think == nil {
			a.think = &blockBuffer{index: ev.Index}
		}
		a.think.buf.WriteString(d.Thinking)

	case protocol.ToolInputDelta:
		acc, ok := a.tools[ev.Index]
		if !ok {
			log.Debug(log.CatConv, "Input delta for unknown block", "index", ev.Index)
			return
		}
		acc.input.WriteString(d.PartialJSON)
	}
}

func (a *Assembler) stopBlock(ctx context.Context, index int) {
	if a.text != nil && a.text.index == index {
		a.finishText(ctx)
	}
	if acc, ok := a.tools[index]; ok {
		delete(a.tools, index)
		a.finishTool(ctx, acc)
	}
	if a.think != nil && a.think.index == index {
		a.finishThinking(ctx)
	}
}

func (a *Assembler) applyEcho(ctx context.Context, ev protocol.UserMessageEcho) {
	if len(ev.ToolResults) == 0 {
		return
	}
	content := make([]transcript.Content, 0, len(ev.ToolResults))
	for _, r := range ev.ToolResults {
		content = append(content, transcript.ToolResult{ToolID: r.ToolUseID, Output: r.Content, IsError: r.IsError})
	}
	a.appendEntry(ctx, transcript.NewEntry(transcript.RoleUser, content...))
}

// flush finalizes every open block and clears transient state.
func (a *Assembler) flush(ctx context.Context) {
	a.finishText(ctx)
	a.finishThinking(ctx)

	indexes := make([]int, 0, len(a.tools))
	for i := range a.tools {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)
	for _, i := range indexes {
		acc := a.tools[i]
		delete(a.tools, i)
		log.Debug(log.CatConv, "Finalizing unclosed tool call", "id", acc.id, "index", i)
		a.finishTool(ctx, acc)
	}
}

func (a *Assembler) finishText(ctx context.Context) {
	if a.text == nil {
		return
	}
	text := a.text.buf.String()
	a.text = nil
	if text == "" {
		return
	}
	a.appendEntry(ctx, transcript.NewEntry(transcript.RoleAssistant, transcript.Text{Text: text}))
}

func (a *Assembler) finishThinking(ctx context.Context) {
	if a.think == nil {
		return
	}
	text := a.think.buf.String()
	a.think = nil
	if !a.thinkingEntries || text == "" {
		return
	}
	a.appendEntry(ctx, transcript.NewEntry(transcript.RoleAssistant, transcript.Thinking{Text: text}))
}

func (a *Assembler) finishTool(ctx context.Context, acc *toolAccumulator) {
	input := parseInput(acc.input.String())

	call := transcript.NewToolCall(acc.id, acc.name)
	call.Input = input

	a.mu.Lock()
	if p, ok := a.pending[acc.id]; ok {
		p.call.Input = input
	}
	a.mu.Unlock()

	a.appendEntry(ctx, transcript.NewEntry(transcript.RoleAssistant, transcript.ToolUse{Call: call}))
}

// parseInput turns accumulated input fragments into an object. Anything
// that is not a JSON object becomes {}.
func parseInput(text string) jsonvalue.Value {
	if strings.TrimSpace(text) == "" {
		return jsonvalue.EmptyObject()
	}
	v, err := jsonvalue.ParseObject(text)
	if err != nil {
		log.Debug(log.CatConv, "Tool input is not a JSON object", "error", err)
		return jsonvalue.EmptyObject()
	}
	return v
}

func (a *Assembler) appendEntry(ctx context.Context, e transcript.Entry) {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.CreateEntry(ctx, e); err != nil {
			log.ErrorErr(log.CatConv, "Failed to store entry", err, "entry", e.ID, "role", e.Role)
		}
	}
	a.publish(Change{Kind: ChangeEntryAppended, Entry: &e})
}

func (a *Assembler) publish(c Change) {
	a.broker.Publish(c.Kind.eventType(), c)
}

// Approve tells the agent to run the pending tool call id.
func (a *Assembler) Approve(id string) error {
	return a.decide(id, true)
}

// Deny tells the agent not to run the pending tool call id.
func (a *Assembler) Deny(id string) error {
	return a.decide(id, false)
}

// decide writes the decision and then drops the call from the pending set.
// A failed write leaves the call pending.
func (a *Assembler) decide(id string, approved bool) error {
	if a.responder == nil {
		return ErrNoResponder
	}

	a.mu.Lock()
	p, ok := a.pending[id]
	if !ok || p.resolving {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrToolCallNotPending, id)
	}
	p.resolving = true
	a.mu.Unlock()

	if err := a.responder.RespondToTool(id, approved); err != nil {
		a.mu.Lock()
		p.resolving = false
		a.mu.Unlock()
		return fmt.Errorf("respond to tool call %s: %w", id, err)
	}

	a.mu.Lock()
	delete(a.pending, id)
	call := p.call
	a.mu.Unlock()

	call.Status = transcript.ToolDenied
	if approved {
		call.Status = transcript.ToolApproved
	}
	log.Debug(log.CatConv, "Tool call resolved", "id", id, "approved", approved)
	a.publish(Change{Kind: ChangeToolCallResolved, ToolCall: &call})
	return nil
}

// Submit sends text to the agent and, once written, records it as a user
// entry.
func (a *Assembler) Submit(ctx context.Context, text string) error {
	if a.responder == nil {
		return ErrNoResponder
	}
	if err := a.responder.Send(text); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	a.RecordUserPrompt(ctx, text)
	return nil
}

// RecordUserPrompt appends a user entry without sending anything, for a
// prompt passed to the agent at launch.
func (a *Assembler) RecordUserPrompt(ctx context.Context, text string) {
	if text == "" {
		return
	}
	a.applyMu.Lock()
	defer a.applyMu.Unlock()
	a.appendEntry(ctx, transcript.NewEntry(transcript.RoleUser, transcript.Text{Text: text}))
}

// ClearPending drops every pending tool call without answering it.
func (a *Assembler) ClearPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.pending)
}

// Entries returns a copy of the transcript in append order.
func (a *Assembler) Entries() []transcript.Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.entries)
}

// PendingToolCalls returns the calls awaiting a decision, oldest first.
func (a *Assembler) PendingToolCalls() []transcript.ToolCall {
	a.mu.RLock()
	calls := make([]pendingCall, 0, len(a.pending))
	for _, p := range a.pending {
		calls = append(calls, *p)
	}
	a.mu.RUnlock()

	slices.SortFunc(calls, func(x, y pendingCall) int {
		return cmp.Compare(x.seq, y.seq)
	})
	out := make([]transcript.ToolCall, len(calls))
	for i, p := range calls {
		out[i] = p.call
	}
	return out
}

// SessionID returns the id the agent announced, or "".
func (a *Assembler) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionID
}

// Close releases subscribers.
func (a *Assembler) Close() {
	a.broker.Close()
}

var (
	_ Responder     = (*supervisor.Supervisor)(nil)
	_ SessionBinder = (*supervisor.Supervisor)(nil)
)
