package wireproto

import "fmt"

// HandlerFunc processes one decoded Envelope.
type HandlerFunc func(env *Envelope) error

// Router dispatches incoming envelopes to registered event handlers,
// adapted from the teacher's action→handler map for the websocket
// transport (pkg/websocket/handler.go) to this protocol's named events.
type Router struct {
	handlers map[string]HandlerFunc
	fallback HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// On registers a handler for a named event, overwriting any prior one.
func (r *Router) On(event string, h HandlerFunc) {
	r.handlers[event] = h
}

// OnUnhandled sets the fallback invoked when no handler matches.
func (r *Router) OnUnhandled(h HandlerFunc) { r.fallback = h }

// Dispatch routes env to its handler, or to the fallback if unregistered.
func (r *Router) Dispatch(env *Envelope) error {
	if !env.SupportedVersion() {
		return fmt.Errorf("wireproto: unsupported envelope version %d for event %q", env.V, env.Event)
	}
	if h, ok := r.handlers[env.Event]; ok {
		return h(env)
	}
	if r.fallback != nil {
		return r.fallback(env)
	}
	return fmt.Errorf("wireproto: no handler registered for event %q", env.Event)
}
