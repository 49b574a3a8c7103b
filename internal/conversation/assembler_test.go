package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/perch/internal/jsonvalue"
	"github.com/zjrosen/perch/internal/protocol"
	"github.com/zjrosen/perch/internal/pubsub"
	"github.com/zjrosen/perch/internal/supervisor"
	"github.com/zjrosen/perch/internal/transcript"
)

type mockResponder struct {
	mock.Mock
}

func (m *mockResponder) Send(text string) error {
	return m.Called(text).Error(0)
}

func (m *mockResponder) RespondToTool(toolUseID string, approved bool) error {
	return m.Called(toolUseID, approved).Error(0)
}

type recordingBinder struct {
	ids []string
}

func (b *recordingBinder) SetSessionID(id string) {
	b.ids = append(b.ids, id)
}

type failingStore struct {
	calls int
}

func (s *failingStore) CreateEntry(context.Context, transcript.Entry) error {
	s.calls++
	return errors.New("disk full")
}

func (s *failingStore) UpdateSessionIdentifier(context.Context, string) error {
	s.calls++
	return errors.New("disk full")
}

func apply(a *Assembler, events ...protocol.Event) {
	for _, ev := range events {
		a.Apply(context.Background(), ev)
	}
}

func textDelta(index int, text string) protocol.ContentBlockDelta {
	return protocol.ContentBlockDelta{Index: index, Delta: protocol.TextDelta{Text: text}}
}

func inputDelta(index int, fragment string) protocol.ContentBlockDelta {
	return protocol.ContentBlockDelta{Index: index, Delta: protocol.ToolInputDelta{PartialJSON: fragment}}
}

func toolStart(index int, id, name string) protocol.ContentBlockStart {
	return protocol.ContentBlockStart{Index: index, Block: protocol.ToolUseBlock{ID: id, Name: name}}
}

func textStart(index int) protocol.ContentBlockStart {
	return protocol.ContentBlockStart{Index: index, Block: protocol.TextBlock{}}
}

func toolUse(t *testing.T, e transcript.Entry) transcript.ToolCall {
	t.Helper()
	require.Len(t, e.Content, 1)
	use, ok := e.Content[0].(transcript.ToolUse)
	require.True(t, ok, "expected tool use, got %T", e.Content[0])
	return use.Call
}

func TestAssembler_TextBlock(t *testing.T) {
	a := New()
	apply(a,
		textStart(0),
		textDelta(0, "Hel"),
		textDelta(0, "lo"),
		protocol.ContentBlockStop{Index: 0},
	)

	entries := a.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, transcript.RoleAssistant, entries[0].Role)
	require.Equal(t, "Hello", entries[0].Text())
}

func TestAssembler_EmptyTextBlockProducesNothing(t *testing.T) {
	a := New()
	apply(a, textStart(0), protocol.ContentBlockStop{Index: 0})
	require.Empty(t, a.Entries())
}

func TestAssembler_ToolCallPendingBeforeInput(t *testing.T) {
	a := New()
	apply(a, toolStart(0, "t1", "Bash"))

	pending := a.PendingToolCalls()
	require.Len(t, pending, 1)
	require.Equal(t, "t1", pending[0].ID)
	require.Equal(t, "Bash", pending[0].Name)
	require.Equal(t, transcript.ToolPending, pending[0].Status)
	require.True(t, jsonvalue.EmptyObject().Equal(pending[0].Input))
	require.Empty(t, a.Entries())
}

func TestAssembler_ToolInputFragmentsConcatenate(t *testing.T) {
	a := New()
	apply(a,
		toolStart(0, "t1", "Bash"),
		inputDelta(0, `{"comm`),
		inputDelta(0, `and":"ls"}`),
		protocol.ContentBlockStop{Index: 0},
	)

	entries := a.Entries()
	require.Len(t, entries, 1)
	call := toolUse(t, entries[0])
	want, err := jsonvalue.ParseObject(`{"command":"ls"}`)
	require.NoError(t, err)
	require.True(t, want.Equal(call.Input))
	require.Equal(t, transcript.ToolPending, call.Status)

	pending := a.PendingToolCalls()
	require.Len(t, pending, 1)
	require.True(t, want.Equal(pending[0].Input))
}

func TestAssembler_MalformedToolInputBecomesEmptyObject(t *testing.T) {
	for _, input := range []string{`{"command":`, `[1,2]`, `"str"`} {
		t.Run(input, func(t *testing.T) {
			a := New()
			apply(a, toolStart(3, "t1", "Bash"), inputDelta(3, input), protocol.ContentBlockStop{Index: 3})

			entries := a.Entries()
			require.Len(t, entries, 1)
			call := toolUse(t, entries[0])
			require.Equal(t, "t1", call.ID)
			require.True(t, jsonvalue.EmptyObject().Equal(call.Input))
		})
	}
}

func TestAssembler_EntriesFollowStopOrder(t *testing.T) {
	a := New()
	apply(a,
		textStart(0),
		toolStart(1, "t1", "Read"),
		textDelta(0, "Let me "),
		inputDelta(1, `{"path":`),
		textDelta(0, "look"),
		inputDelta(1, `"a.go"}`),
		protocol.ContentBlockStop{Index: 1},
		protocol.ContentBlockStop{Index: 0},
	)

	entries := a.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "t1", toolUse(t, entries[0]).ID)
	require.Equal(t, "Let me look", entries[1].Text())
}

func TestAssembler_StopForUnknownIndexIsNoop(t *testing.T) {
	a := New()
	apply(a, textStart(0), textDelta(0, "hi"), protocol.ContentBlockStop{Index: 7})

	require.Empty(t, a.Entries())
	apply(a, protocol.ContentBlockStop{Index: 0})
	require.Len(t, a.Entries(), 1)
}

func TestAssembler_ResultFlushesOpenText(t *testing.T) {
	a := New()
	ch := a.Subscribe(t.Context())

	apply(a, textStart(0), textDelta(0, "partial"), protocol.Result{IsError: false})

	entries := a.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "partial", entries[0].Text())

	require.Equal(t, ChangeEntryAppended, receive(t, ch).Kind)
	finished := receive(t, ch)
	require.Equal(t, ChangeStreamingFinished, finished.Kind)
	require.NotNil(t, finished.Result)
}

func TestAssembler_NewTextBlockFlushesPrevious(t *testing.T) {
	a := New()
	apply(a, textStart(0), textDelta(0, "one"), textStart(1), textDelta(1, "two"), protocol.ContentBlockStop{Index: 1})

	entries := a.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "one", entries[0].Text())
	require.Equal(t, "two", entries[1].Text())
}

func TestAssembler_CompleteFinalizesOpenBlocks(t *testing.T) {
	a := New()
	apply(a,
		textStart(0),
		textDelta(0, "cut off"),
		toolStart(1, "t1", "Bash"),
		inputDelta(1, `{"command":"l`),
	)
	a.Complete(context.Background())

	entries := a.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "cut off", entries[0].Text())
	require.True(t, jsonvalue.EmptyObject().Equal(toolUse(t, entries[1]).Input))

	require.Len(t, a.PendingToolCalls(), 1)
	a.ClearPending()
	require.Empty(t, a.PendingToolCalls())
}

func TestAssembler_ThinkingEntries(t *testing.T) {
	events := []protocol.Event{
		protocol.ContentBlockStart{Index: 0, Block: protocol.ThinkingBlock{}},
		protocol.ContentBlockDelta{Index: 0, Delta: protocol.ThinkingDelta{Thinking: "hmm"}},
		protocol.ContentBlockStop{Index: 0},
	}

	off := New()
	apply(off, events...)
	require.Empty(t, off.Entries())

	on := New(WithThinkingEntries(true))
	apply(on, events...)
	entries := on.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, transcript.Thinking{Text: "hmm"}, entries[0].Content[0])
}

func TestAssembler_ToolResultsEchoBecomeUserEntry(t *testing.T) {
	a := New()
	apply(a,
		protocol.UserMessageEcho{MessageID: "m1", ToolResults: []protocol.ToolResultBlock{
			{ToolUseID: "t1", Content: "a.go", IsError: false},
			{ToolUseID: "t2", Content: "denied", IsError: true},
		}},
		protocol.UserMessageEcho{MessageID: "m2"},
	)

	entries := a.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, transcript.RoleUser, entries[0].Role)
	require.Equal(t, []transcript.Content{
		transcript.ToolResult{ToolID: "t1", Output: "a.go"},
		transcript.ToolResult{ToolID: "t2", Output: "denied", IsError: true},
	}, entries[0].Content)
}

func TestAssembler_SystemInitBindsSession(t *testing.T) {
	binder := &recordingBinder{}
	store := NewMemoryStore()
	a := New(WithSessionBinder(binder), WithStore(store))

	apply(a, protocol.SystemInit{SessionID: "s-new"}, protocol.SystemInit{SessionID: ""})

	require.Equal(t, []string{"s-new"}, binder.ids)
	require.Equal(t, "s-new", store.SessionID())
	require.Equal(t, "s-new", a.SessionID())
}

func TestAssembler_ResultCarriesSessionID(t *testing.T) {
	binder := &recordingBinder{}
	a := New(WithSessionBinder(binder))
	ch := a.Subscribe(t.Context())

	sameID, newID := "s1", "s2"
	apply(a,
		protocol.SystemInit{SessionID: "s1"},
		protocol.Result{SessionID: &sameID},
		protocol.Result{SessionID: &newID},
		protocol.Result{},
	)

	require.Equal(t, []string{"s1", "s2"}, binder.ids)
	require.Equal(t, "s2", a.SessionID())
	require.Equal(t, ChangeSessionIdentified, receive(t, ch).Kind)
	require.Equal(t, ChangeStreamingFinished, receive(t, ch).Kind)
	identified := receive(t, ch)
	require.Equal(t, ChangeSessionIdentified, identified.Kind)
	require.Equal(t, "s2", identified.SessionID)
}

func TestAssembler_UnknownHasNoEffect(t *testing.T) {
	a := New()
	apply(a, protocol.Unknown{Raw: "garbage"}, protocol.AssistantMessageStart{MessageID: "m1"})
	require.Empty(t, a.Entries())
	require.Empty(t, a.PendingToolCalls())
}

func TestAssembler_StoreErrorsAreNotPropagated(t *testing.T) {
	store := &failingStore{}
	a := New(WithStore(store))

	apply(a,
		protocol.SystemInit{SessionID: "s1"},
		textStart(0), textDelta(0, "kept"), protocol.ContentBlockStop{Index: 0},
	)

	require.Equal(t, 2, store.calls)
	require.Len(t, a.Entries(), 1)
	require.Equal(t, "s1", a.SessionID())
}

func TestAssembler_StorePersistsInOrder(t *testing.T) {
	store := NewMemoryStore()
	a := New(WithStore(store))
	apply(a, textStart(0), textDelta(0, "a"), protocol.ContentBlockStop{Index: 0},
		toolStart(1, "t1", "Bash"), protocol.ContentBlockStop{Index: 1})

	require.Equal(t, a.Entries(), store.Entries())
}

func TestAssembler_Approve(t *testing.T) {
	responder := &mockResponder{}
	responder.On("RespondToTool", "t1", true).Return(nil).Once()
	a := New(WithResponder(responder))
	ch := a.Subscribe(t.Context())

	apply(a, toolStart(0, "t1", "Bash"))
	require.Equal(t, ChangeToolCallPending, receive(t, ch).Kind)

	require.NoError(t, a.Approve("t1"))
	require.Empty(t, a.PendingToolCalls())

	resolved := receive(t, ch)
	require.Equal(t, ChangeToolCallResolved, resolved.Kind)
	require.Equal(t, transcript.ToolApproved, resolved.ToolCall.Status)

	require.ErrorIs(t, a.Approve("t1"), ErrToolCallNotPending)
	responder.AssertExpectations(t)
	responder.AssertNumberOfCalls(t, "RespondToTool", 1)
}

func TestAssembler_Deny(t *testing.T) {
	responder := &mockResponder{}
	responder.On("RespondToTool", "t2", false).Return(nil).Once()
	a := New(WithResponder(responder))

	apply(a, toolStart(0, "t1", "Bash"), toolStart(1, "t2", "Write"))
	require.NoError(t, a.Deny("t2"))

	pending := a.PendingToolCalls()
	require.Len(t, pending, 1)
	require.Equal(t, "t1", pending[0].ID)
	responder.AssertExpectations(t)
}

func TestAssembler_DecideUnknownCallDoesNotWrite(t *testing.T) {
	responder := &mockResponder{}
	a := New(WithResponder(responder))

	require.ErrorIs(t, a.Approve("nope"), ErrToolCallNotPending)
	require.ErrorIs(t, a.Deny("nope"), ErrToolCallNotPending)
	responder.AssertNotCalled(t, "RespondToTool", mock.Anything, mock.Anything)
}

func TestAssembler_FailedWriteKeepsCallPending(t *testing.T) {
	responder := &mockResponder{}
	responder.On("RespondToTool", "t1", true).Return(supervisor.ErrNotRunning).Once()
	responder.On("RespondToTool", "t1", true).Return(nil).Once()
	a := New(WithResponder(responder))

	apply(a, toolStart(0, "t1", "Bash"))

	err := a.Approve("t1")
	require.ErrorIs(t, err, supervisor.ErrNotRunning)
	require.Len(t, a.PendingToolCalls(), 1)

	require.NoError(t, a.Approve("t1"))
	require.Empty(t, a.PendingToolCalls())
}

func TestAssembler_DecideWithoutResponder(t *testing.T) {
	a := New()
	apply(a, toolStart(0, "t1", "Bash"))
	require.ErrorIs(t, a.Approve("t1"), ErrNoResponder)
	require.Len(t, a.PendingToolCalls(), 1)
}

func TestAssembler_PendingToolCallsOldestFirst(t *testing.T) {
	a := New()
	apply(a, toolStart(0, "c", "A"), toolStart(1, "a", "B"), toolStart(2, "b", "C"))

	var ids []string
	for _, c := range a.PendingToolCalls() {
		ids = append(ids, c.ID)
	}
	require.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestAssembler_Submit(t *testing.T) {
	responder := &mockResponder{}
	responder.On("Send", "hello").Return(nil).Once()
	responder.On("Send", "lost").Return(supervisor.ErrNotRunning).Once()
	a := New(WithResponder(responder))

	require.NoError(t, a.Submit(context.Background(), "hello"))
	require.ErrorIs(t, a.Submit(context.Background(), "lost"), supervisor.ErrNotRunning)

	entries := a.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, transcript.RoleUser, entries[0].Role)
	require.Equal(t, "hello", entries[0].Text())
	responder.AssertExpectations(t)
}

func TestAssembler_RecordUserPrompt(t *testing.T) {
	a := New()
	a.RecordUserPrompt(context.Background(), "")
	a.RecordUserPrompt(context.Background(), "fix the build")

	entries := a.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "fix the build", entries[0].Text())
}

func TestAssembler_Run(t *testing.T) {
	a := New()
	ch := a.Subscribe(t.Context())

	signals := make(chan supervisor.Signal, 8)
	signals <- supervisor.Signal{Kind: supervisor.KindEvent, Event: textStart(0)}
	signals <- supervisor.Signal{Kind: supervisor.KindEvent, Event: textDelta(0, "interrupted")}
	signals <- supervisor.Signal{Kind: supervisor.KindError, Err: errors.New("broken pipe")}
	signals <- supervisor.Signal{Kind: supervisor.KindComplete, Completion: &supervisor.Completion{ExitCode: 1}}
	close(signals)

	require.NoError(t, a.Run(context.Background(), signals))

	streamErr := receive(t, ch)
	require.Equal(t, ChangeStreamError, streamErr.Kind)
	require.EqualError(t, streamErr.Err, "broken pipe")
	appended := receive(t, ch)
	require.Equal(t, ChangeEntryAppended, appended.Kind)
	require.Equal(t, "interrupted", appended.Entry.Text())
	finished := receive(t, ch)
	require.Equal(t, ChangeStreamingFinished, finished.Kind)
	require.Equal(t, 1, finished.Completion.ExitCode)
}

func TestAssembler_RunStopsOnCancel(t *testing.T) {
	a := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, a.Run(ctx, make(chan supervisor.Signal)), context.Canceled)
}

func receive(t *testing.T, ch <-chan pubsub.Event[Change]) Change {
	t.Helper()
	select {
	case ev := <-ch:
		return ev.Payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}
