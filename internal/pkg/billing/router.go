package billing

import (
	"context"
	"fmt"
	"sort"

	"github.com/gofiber/fiber/v2/log"
)

// Outcome is what the engine did with one envelope.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeFailed    Outcome = "failed"
)

// HandlerFunc handles one event kind.
type HandlerFunc func(ctx context.Context, env Envelope) (Outcome, error)

// Router dispatches envelopes by kind. Kinds without a handler are
// acknowledged and dropped.
type Router struct {
	handlers map[string]HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Handle registers h for kind, replacing any earlier handler.
func (r *Router) Handle(kind string, h HandlerFunc) {
	r.handlers[kind] = h
}

// Kinds lists the registered event kinds, sorted.
func (r *Router) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Dispatch runs the handler for env.Kind. A handler panic is converted into
// an error so the delivery is reported as failed and re-delivered.
func (r *Router) Dispatch(ctx context.Context, env Envelope) (out Outcome, err error) {
	h, ok := r.handlers[env.Kind]
	if !ok {
		log.Debugf("[Router] ignoring event %s of unhandled kind %s", env.ID, env.Kind)
		return OutcomeIgnored, nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			out = OutcomeFailed
			err = fmt.Errorf("panic handling %s: %v", env.Kind, rec)
			log.Errorf("[Router] event %s (%s): %v", env.ID, env.Kind, err)
		}
	}()

	out, err = h(ctx, env)
	switch {
	case err == nil:
	case IsMissingIdentity(err):
		out = OutcomeDeferred
		log.Warnf("[Router] event %s (%s) deferred: %v", env.ID, env.Kind, err)
	default:
		if out == "" || out == OutcomeProcessed {
			out = OutcomeFailed
		}
		log.Errorf("[Router] event %s (%s) failed: %v", env.ID, env.Kind, err)
	}
	return out, err
}
