package client

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
	"sync"
)

var Logger = logger.GetLogger(common.LoggerRPC)

// defaultBackgroundWorkers bounds the goroutines processing background responses
const defaultBackgroundWorkers = 4

// Session is the client side of an established session. It sends requests over its wire
// and maps the responses with ResponseProcessors, either in the goroutine that waits for
// the result (foreground) or on a bounded worker pool (background).
type Session struct {
	wire    transport.IWire
	config  common.ClientConfig
	workers *errgroup.Group

	mu     sync.Mutex
	closed bool
}

// Connect establishes a session with connector. The handshake is bounded by the timeout
// of config (if > 0) and by ctx.
func Connect(ctx context.Context, connector transport.IConnector, credential common.Credential, config common.ClientConfig) (*Session, error) {
	if timeout := config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fut, err := connector.Connect(ctx, credential)
	if err != nil {
		return nil, err
	}
	wire, err := fut.Get(ctx)
	if err != nil {
		_ = fut.Close()
		return nil, fmt.Errorf("connecting via %s: %w", connector.GetName(), err)
	}

	Logger.Infof("Session %d established via %s", wire.SessionID(), connector.GetName())
	return NewSession(wire, config), nil
}

// NewSession creates a session on an established wire
func NewSession(wire transport.IWire, config common.ClientConfig) *Session {
	workers := new(errgroup.Group)
	n := config.BackgroundWorkers
	if n <= 0 {
		n = defaultBackgroundWorkers
	}
	workers.SetLimit(n)

	wire.SetCloseTimeout(config.CloseTimeout())
	return &Session{wire: wire, config: config, workers: workers}
}

// Send sends payload to the service and returns the future of the processed response.
// With background set the response is processed on the worker pool as soon as it
// arrives, otherwise in the goroutine calling Get.
func Send[T any](s *Session, serviceID uint64, payload []byte, processor transport.ResponseProcessor[T], background bool) (transport.FutureResponse[T], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	fut, err := s.wire.Send(serviceID, payload)
	if err != nil {
		return nil, err
	}
	if background {
		return base.NewBackgroundFuture(fut, processor, s.workers), nil
	}
	return base.NewForegroundFuture(fut, processor), nil
}

// SendQuery sends a query. The head future yields the connected result set, the body
// future the payload of the main response. Both share one slot, which is released once
// both futures are closed.
func SendQuery(s *Session, serviceID uint64, payload []byte) (transport.FutureResponse[*QueryResult], transport.FutureResponse[[]byte], error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}
	head, body, err := s.wire.SendQuery(serviceID, payload)
	if err != nil {
		return nil, nil, err
	}
	return base.NewForegroundFuture[*QueryResult](head, QueryHeadProcessor{}),
		base.NewForegroundFuture[[]byte](body, PayloadProcessor{}), nil
}

// Call sends payload to the service and waits for the raw response payload. The wait is
// bounded by ctx and by the timeout of the session config (if > 0).
func (s *Session) Call(ctx context.Context, serviceID uint64, payload []byte) ([]byte, error) {
	fut, err := Send[[]byte](s, serviceID, payload, PayloadProcessor{}, false)
	if err != nil {
		return nil, err
	}
	defer fut.Close()

	if timeout := s.config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fut.Get(ctx)
}

// SessionID returns the id the server assigned to the session
func (s *Session) SessionID() uint64 {
	return s.wire.SessionID()
}

// IsAlive reports whether the link of the session is alive
func (s *Session) IsAlive() bool {
	return s.wire.IsAlive()
}

// CreateResultSetWire creates an unconnected result set wire on the session's link
func (s *Session) CreateResultSetWire() (transport.IResultSetWire, error) {
	return s.wire.CreateResultSetWire()
}

// Close closes the wire and waits for the background workers. Failures of the cleanup
// are logged, only a close timeout is returned. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var closeErr error
	if err := s.wire.Close(); err != nil {
		if errors.Is(err, common.ErrCloseTimeout) {
			closeErr = err
		} else {
			Logger.Warningf("Closing wire of session %d: %v", s.wire.SessionID(), err)
		}
	}
	if err := s.workers.Wait(); err != nil {
		Logger.Warningf("Background worker of session %d: %v", s.wire.SessionID(), err)
	}
	return closeErr
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return common.ErrConnectionClosed
	}
	return nil
}
