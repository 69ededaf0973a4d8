package chat

import (
	"context"

	"studybuddy/logger"
	"studybuddy/tools/errs"
)

// HandlerFunc processes one inbound frame for one session. A returned error
// becomes an error frame on the session; it never tears the connection down by
// itself.
type HandlerFunc func(ctx context.Context, s *Session, f *Frame) error

// Dispatcher routes frames by type. Registration happens once at server
// construction; Dispatch is called from each session's read loop.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

func (d *Dispatcher) Register(frameType string, h HandlerFunc) {
	d.handlers[frameType] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, f *Frame) {
	h, ok := d.handlers[f.Type]
	if !ok {
		logger.Warnf("[dispatch] unknown frame type %q sess=%s", f.Type, s.ID)
		s.Enqueue(BuildError(errs.CodeValidation, "unknown frame type "+f.Type, false))
		return
	}
	if err := h(ctx, s, f); err != nil {
		code := errs.Code(err)
		s.Enqueue(BuildError(code, err.Error(), errs.Retryable(err)))
	}
}
