package transport

import (
	"context"
	"github.com/ValentinKolb/dLink/rpc/common"
	"time"
)

// --------------------------------------------------------------------------
// Futures
// --------------------------------------------------------------------------

// FutureResponse is the eventual result of one request
type FutureResponse[T any] interface {
	// Get waits for the result. The wait is bounded by the deadline of ctx, a ctx without
	// deadline waits forever. A timeout leaves the request outstanding, a later Get resumes.
	Get(ctx context.Context) (T, error)
	// IsDone reports without blocking whether Get would return immediately
	IsDone() bool
	// Close releases the request. It is safe to call Close without a prior Get and more than once.
	Close() error
}

// Response is the raw response of a request as it arrived on the link
type Response interface {
	// IsMainResponseReady reports whether the main response has arrived
	IsMainResponseReady() bool
	// WaitForMainResponse blocks until the main response (or a failure) has arrived
	WaitForMainResponse(ctx context.Context) error
	// Payload returns the payload of the main response, server diagnostics surface as *common.ServerError
	Payload(ctx context.Context) ([]byte, error)
	// Head returns the head of a query response together with its result set wire
	Head(ctx context.Context) ([]byte, IResultSetWire, error)
	// Close releases this reference to the response
	Close() error
}

// ResponseProcessor maps a raw Response to a request specific result
type ResponseProcessor[T any] interface {
	// IsMainResponseRequired reports whether the main response has to be available before Process
	IsMainResponseRequired() bool
	// Process maps the response. If the result does not hold on to the response the
	// processor has to close it before returning.
	Process(ctx context.Context, resp Response) (T, error)
}

// --------------------------------------------------------------------------
// Link
// --------------------------------------------------------------------------

// ILink is the physical connection to the server (ipc or stream)
type ILink interface {
	// Send transmits header and payload as one frame for the given slot.
	// It is safe for concurrent use, physical writes are serialized.
	Send(slot uint8, header, payload []byte) error
	// PullMessage returns once more than checked messages were received. At most one
	// caller performs the physical read at a time, all others wait for it.
	PullMessage(ctx context.Context, checked uint64) error
	// MessageNumber returns the number of messages received so far
	MessageNumber() uint64
	// Await drives the link until done is closed or ctx ends
	Await(ctx context.Context, done <-chan struct{}) error
	// CreateResultSetWire creates a result set wire that is not connected yet
	CreateResultSetWire() (IResultSetWire, error)
	// IsAlive reports whether the server is reachable
	IsAlive() bool
	// SetCloseTimeout bounds how long Close waits for the receiver (0 = forever)
	SetCloseTimeout(d time.Duration)
	// Close closes the link, it is idempotent
	Close() error
}

// --------------------------------------------------------------------------
// Result Set Wire
// --------------------------------------------------------------------------

// IResultSetWire is a pull based byte channel carrying the records of one query result
type IResultSetWire interface {
	// Connect binds the wire to the result set with the given name
	Connect(ctx context.Context, name string) error
	// ReceiveSchemaMetadata returns the metadata chunk that precedes the records
	ReceiveSchemaMetadata(ctx context.Context) ([]byte, error)
	// ReadChunk returns the unconsumed bytes of the current chunk, io.EOF after the last chunk
	ReadChunk(ctx context.Context) ([]byte, error)
	// Dispose marks length bytes of the current chunk as consumed
	Dispose(length int)
	// Close releases the wire, it is idempotent
	Close() error
}

// --------------------------------------------------------------------------
// Wire & Connector
// --------------------------------------------------------------------------

// IWire is a session bound link used by the upper layers
type IWire interface {
	// Send sends payload to the service and returns the future of its response
	Send(serviceID uint64, payload []byte) (FutureResponse[Response], error)
	// SendQuery sends a query; head and body share one slot
	SendQuery(serviceID uint64, payload []byte) (head FutureResponse[Response], body FutureResponse[Response], err error)
	// CreateResultSetWire creates an unconnected result set wire
	CreateResultSetWire() (IResultSetWire, error)
	// SessionID returns the id assigned by the server during the handshake
	SessionID() uint64
	// IsAlive reports whether the underlying link is alive
	IsAlive() bool
	// SetCloseTimeout bounds how long Close waits for the link
	SetCloseTimeout(d time.Duration)
	// Close closes the wire and its link
	Close() error
}

// IConnector establishes a session with the server
type IConnector interface {
	// Connect starts the handshake, the returned future yields the session wire
	Connect(ctx context.Context, credential common.Credential) (FutureResponse[IWire], error)
	// GetName returns the name of the transport type (e.g. "ipc", "tcp")
	GetName() string
}

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ResultSetWriter streams the chunks of one result set to the client
type ResultSetWriter interface {
	Write(chunk []byte) error
	Close() error
}

// ResponseWriter sends the responses of one request back to the client
type ResponseWriter interface {
	// Reply sends the main response, it completes the request
	Reply(payload []byte) error
	// ReplyHead sends the head of a query response
	ReplyHead(head []byte) error
	// OpenResultSet opens a named result set for this request
	OpenResultSet(name string) (ResultSetWriter, error)
}

// CodeWriter is implemented by response writers of transports that can complete a
// request with a bare status code
type CodeWriter interface {
	ReplyCode(code uint32) error
}

// ServerHandleFunc is called by a server transport for every request frame
type ServerHandleFunc func(sessionID uint64, req []byte, w ResponseWriter)

// AuthFunc checks the credential presented in the handshake, an error rejects the session
type AuthFunc func(credential []byte) error

// IRPCServerTransport is the interface for the server side of a transport
type IRPCServerTransport interface {
	// RegisterHandler registers the handler called for every request
	RegisterHandler(handler ServerHandleFunc)
	// RegisterAuthenticator registers the credential check of the handshake (default: accept all)
	RegisterAuthenticator(auth AuthFunc)
	// Listen starts the transport and blocks until Close is called
	Listen(config common.ServerConfig) error
	// Close stops accepting sessions and closes the open ones
	Close() error
}
