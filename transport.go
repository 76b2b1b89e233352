package wsrouter

// transport.go defines the Socket contract (spec §4.3). The core never
// imports a concrete WebSocket runtime: a transport adapter is simply code
// that, per connection, obtains a Socket and calls Router.HandleOpen /
// HandleMessage / HandleClose as its own open/message/close callbacks
// fire. gorillatransport and wstest are the reference implementations.

// ReadyState mirrors the WebSocket readyState enum.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

// ConnData is the per-connection identity a transport assigns before Open
// fires. ClientID must be stable and unique for the life of the
// connection; a time-ordered id (e.g. a UUIDv7, see internal/idutil) is
// recommended so logs and RPC state sort naturally.
type ConnData struct {
	ClientID    string
	ConnectedAt int64 // ms since epoch
}

// Socket is the narrow, transport-agnostic handle a Context exposes to
// handlers in place of the raw connection object (spec §4.4: "the engine
// never exposes the raw transport object to application handlers except as
// an opaque ws with send/close/readyState").
type Socket interface {
	Send(data []byte) error
	Close(code int, reason string) error
	ReadyState() ReadyState
	// BufferedAmount reports outstanding unsent bytes, or -1 if the
	// transport does not support backpressure reporting.
	BufferedAmount() int
}
