package tracing

// Span attribute keys.
const (
	AttrSessionID  = "session.id"
	AttrWorkDir    = "session.work_dir"
	AttrResumed    = "session.resumed"
	AttrContinue   = "session.continue"
	AttrExecutable = "process.executable"
	AttrViaShell   = "process.via_shell"
	AttrPID        = "process.pid"
	AttrExitCode   = "process.exit_code"
	AttrEventCount = "stream.events"
	AttrToolUseID  = "tool.use_id"
	AttrApproved   = "tool.approved"

	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span names.
const (
	SpanRun = "agent.run"
)

// Event names for span events.
const (
	EventStarted        = "process.started"
	EventStopRequested  = "process.stop_requested"
	EventForceKilled    = "process.force_killed"
	EventSessionInit    = "session.init"
	EventToolResponse   = "tool.response"
	EventUserMessage    = "user.message"
	EventStreamError    = "stream.error"
	EventStreamFinished = "stream.finished"
)
