package base

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var ServerLogger = logger.GetLogger(common.LoggerTransport)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates the listener new sessions are accepted on
	Listen(config common.ServerConfig) (net.Listener, error)

	// OpenSession performs the handshake on an accepted connection. It checks the
	// credential with auth and answers with the session id or the rejection.
	OpenSession(conn net.Conn, sessionID uint64, auth transport.AuthFunc, config common.ServerConfig) (IServerSession, error)

	// GetName returns the name of the transport type (e.g., "ipc", "tcp")
	GetName() string
}

// IServerSession is the server side of one established session
type IServerSession interface {
	// ReadRequest reads the next request into buf (allocating if buf is too small).
	// It returns io.EOF once the client closed the session.
	ReadRequest(buf []byte) (slot uint8, req []byte, err error)

	// Writer returns the writer for the responses of the request on the slot
	Writer(slot uint8) transport.ResponseWriter

	// Close closes the session and its connection
	Close() error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector         IServerConnector
	handler           transport.ServerHandleFunc
	auth              transport.AuthFunc
	config            common.ServerConfig
	bufferPool        *sync.Pool
	maxWorkersPerConn int

	mu       sync.Mutex
	listener net.Listener
	closing  atomic.Bool
	sessions *xsync.MapOf[uint64, IServerSession]
	nextID   atomic.Uint64
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix and ipc)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport with per-session worker pool
func NewBaseServerTransport(connector IServerConnector, bufferSize int) transport.IRPCServerTransport {
	return &serverTransport{
		connector: connector,
		auth:      func([]byte) error { return nil },
		sessions:  xsync.NewMapOf[uint64, IServerSession](),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) RegisterAuthenticator(auth transport.AuthFunc) {
	if auth != nil {
		t.auth = auth
	}
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	t.config = config

	// minimum one worker per session
	t.maxWorkersPerConn = max(config.MaxWorkersPerConn, 1)

	// Create listener using the connector
	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	ServerLogger.Infof("Starting %s server on %s with %d workers per session",
		t.connector.GetName(), config.Endpoint, t.maxWorkersPerConn)

	// Accept connections
	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			ServerLogger.Errorf("Accept error: %v", err)
			continue
		}

		// Handle the connection in a goroutine
		go t.handleConnection(conn)
	}
}

func (t *serverTransport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	listener := t.listener
	t.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	t.sessions.Range(func(id uint64, s IServerSession) bool {
		if cerr := s.Close(); cerr != nil {
			ServerLogger.Debugf("Closing session %d: %v", id, cerr)
		}
		return true
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleConnection performs the handshake and serves the session's requests
func (t *serverTransport) handleConnection(conn net.Conn) {
	sessionID := t.nextID.Add(1)

	session, err := t.connector.OpenSession(conn, sessionID, t.auth, t.config)
	if err != nil {
		ServerLogger.Warningf("Handshake of session %d failed: %v", sessionID, err)
		_ = conn.Close()
		return
	}
	t.sessions.Store(sessionID, session)
	defer func() {
		t.sessions.Delete(sessionID)
		_ = session.Close()
	}()

	ServerLogger.Infof("Session %d opened", sessionID)

	// Create a semaphore to limit concurrent workers for this session
	// The buffered channel acts as a counting semaphore
	workerSemaphore := make(chan struct{}, t.maxWorkersPerConn)

	// Create a wait group to wait for all workers to finish
	var wg sync.WaitGroup

	// Handler function that processes requests in worker goroutines
	handleRequest := func(slot uint8, data []byte) {
		// When done, release the semaphore and mark worker as done
		defer func() {
			<-workerSemaphore // Release semaphore slot
			wg.Done()         // Mark worker as done
		}()

		start := time.Now()
		t.handler(sessionID, data, session.Writer(slot))
		ServerLogger.Debugf("Processed request of session %d on slot %d took %s", sessionID, slot, time.Since(start))
	}

	// Handle requests in a loop
	for {
		buf := t.bufferPool.Get().([]byte)

		slot, data, err := session.ReadRequest(buf)
		if err != nil {
			t.bufferPool.Put(buf)

			// Case EOF: Session closed by client
			if errors.Is(err, io.EOF) {
				ServerLogger.Infof("Session %d closed by client", sessionID)
			} else if !t.closing.Load() {
				ServerLogger.Errorf("Error reading request of session %d: %v", sessionID, err)
			}
			break
		}

		// Acquire a slot in the semaphore (blocks if maxWorkersPerConn is reached)
		workerSemaphore <- struct{}{}
		wg.Add(1)

		go func() {
			defer t.bufferPool.Put(buf)
			handleRequest(slot, data)
		}()
	}

	// Wait for all workers to finish before closing the session
	wg.Wait()
}
