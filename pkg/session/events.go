package session

// EventKind classifies a pushed Event.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventWarning EventKind = "warning"
	EventError   EventKind = "error"
	EventEnd     EventKind = "end"
)

// Event is one item on a session's event stream (spec §3). `end` carries
// the terminal error (nil on success) and is emitted at most once.
type Event struct {
	Kind    EventKind
	Message string
	Err     error
}

// emitter is the internal push side of the event stream; Session.Events()
// exposes the receive side as a read-only channel.
type emitter struct {
	ch     chan Event
	ended  bool
	logger *logAdapter
}

func newEmitter(logger *logAdapter) *emitter {
	return &emitter{ch: make(chan Event, 64), logger: logger}
}

func (e *emitter) message(format string, args ...interface{}) {
	e.send(Event{Kind: EventMessage, Message: sprintf(format, args...)})
	e.logger.info(format, args...)
}

func (e *emitter) warning(format string, args ...interface{}) {
	e.send(Event{Kind: EventWarning, Message: sprintf(format, args...)})
	e.logger.warn(format, args...)
}

// errorEvent reports a non-terminal failure: a stage error that was
// downgraded (ignoreCodesignErrors/ignoreVerificationErrors) rather than
// aborting the session. Distinct from warning, which is purely advisory
// and never indicates a failed operation.
func (e *emitter) errorEvent(format string, args ...interface{}) {
	e.send(Event{Kind: EventError, Message: sprintf(format, args...)})
	e.logger.warn(format, args...)
}

// end emits the single terminal event for this session. Subsequent calls
// are no-ops: `end` is emitted at most once per session (spec §3).
func (e *emitter) end(err error) {
	if e.ended {
		return
	}
	e.ended = true
	if err != nil {
		e.logger.errorf("session ended with error: %v", err)
	} else {
		e.logger.info("session ended successfully")
	}
	e.send(Event{Kind: EventEnd, Err: err})
	close(e.ch)
}
