package wsrouter

// middleware.go implements the middleware chain (spec §4.6). Shaped after
// the teacher's option-composition style (options.go: a slice of closures
// applied in order) but adapted to the onion/next() pattern a dispatch
// pipeline needs rather than a one-shot config pass.

// Handler processes one dispatched frame.
type Handler func(c *Context) error

// Middleware wraps a Handler with cross-cutting behaviour (auth, rate
// limiting, logging, ...). Calling next runs the rest of the chain;
// omitting the call short-circuits it.
type Middleware func(next Handler) Handler

// chain composes middleware around a terminal handler. Middleware run in
// the order given: mw[0] is outermost.
func chain(mws []Middleware, terminal Handler) Handler {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
