package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"mailkeep/internal/cache"
	"mailkeep/internal/logging"
	"mailkeep/internal/queue"
)

// Handler is the application surface the server dispatches requests to.
type Handler interface {
	EnqueueAction(ctx context.Context, actionType string, payload json.RawMessage) (*queue.Action, error)
	CacheStatus(ctx context.Context) ([]cache.NamespaceStats, error)
	Purge(ctx context.Context, scope string) error
	PurgeOnLogout(ctx context.Context) error
	Prefetch(ctx context.Context, emailIDs []string) (PrefetchResult, error)
	SyncNow(ctx context.Context) error
	Status(ctx context.Context) (queue.SyncStatus, error)
}

// Server listens on a unix socket, answers requests on the connection
// that sent them, and broadcasts to subscribed connections.
type Server struct {
	socketPath string
	handler    Handler
	logger     *logging.Logger

	mu          sync.Mutex
	listener    net.Listener
	subscribers map[net.Conn]*json.Encoder
	stopChan    chan struct{}
	stopOnce    sync.Once
	onStop      func()
}

// NewServer creates a server bound to socketPath, dispatching to h.
func NewServer(socketPath string, h Handler) *Server {
	return &Server{
		socketPath:  socketPath,
		handler:     h,
		logger:      logging.GetLogger(),
		subscribers: make(map[net.Conn]*json.Encoder),
		stopChan:    make(chan struct{}),
	}
}

// OnStop registers a callback invoked when a STOP request arrives.
func (s *Server) OnStop(fn func()) {
	s.onStop = fn
}

// Start begins accepting connections. Non-blocking.
func (s *Server) Start() error {
	// Remove a stale socket from a previous unclean shutdown.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go s.acceptLoop()
	return nil
}

// Stop closes the listener and all subscriber connections.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)

		s.mu.Lock()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		for conn := range s.subscribers {
			_ = conn.Close()
		}
		s.subscribers = make(map[net.Conn]*json.Encoder)
		s.mu.Unlock()

		_ = os.Remove(s.socketPath)
	})
}

// Broadcast sends a message to every subscribed connection. Connections
// that fail to accept the write are dropped.
func (s *Server) Broadcast(msgType string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("bus: marshaling broadcast %s: %v", msgType, err)
		return
	}
	resp := Response{Type: msgType, Status: "ok", Data: raw}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, enc := range s.subscribers {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := enc.Encode(resp); err != nil {
			s.logger.Debug("bus: dropping subscriber: %v", err)
			_ = conn.Close()
			delete(s.subscribers, conn)
		}
	}
}

// SubscriberCount returns the number of live subscriber connections.
func (s *Server) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				s.logger.Debug("bus: accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

// handleConnection serves one foreground instance. Connections are
// persistent: a sequence of requests is answered in order, and a
// SUBSCRIBE converts the connection into a broadcast receiver.
func (s *Server) handleConnection(conn net.Conn) {
	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	subscribed := false

	defer func() {
		if !subscribed {
			_ = conn.Close()
		}
	}()

	for {
		var msg Message
		if err := decoder.Decode(&msg); err != nil {
			return
		}

		if msg.Type == TypeSubscribe {
			s.mu.Lock()
			s.subscribers[conn] = encoder
			s.mu.Unlock()
			subscribed = true
			_ = encoder.Encode(Response{
				Type:          TypeSubscribe,
				CorrelationID: msg.CorrelationID,
				Status:        "ok",
			})
			// The subscriber loop owns the connection from here; further
			// traffic on it is broadcast-only.
			return
		}

		resp, ok := s.dispatch(msg)
		if !ok {
			// Unknown message types are logged and ignored.
			s.logger.Debug("bus: ignoring unknown message type %q", msg.Type)
			continue
		}
		resp.CorrelationID = msg.CorrelationID

		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := encoder.Encode(resp); err != nil {
			return
		}

		if msg.Type == TypeStop {
			if s.onStop != nil {
				s.onStop()
			}
			return
		}
	}
}

// dispatch routes one request to the handler. The bool result is false
// for unknown message types.
func (s *Server) dispatch(msg Message) (Response, bool) {
	ctx := context.Background()

	switch msg.Type {
	case TypeEnqueueAction:
		var req EnqueueRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return errorResponse(msg.Type, err), true
		}
		action, err := s.handler.EnqueueAction(ctx, req.ActionType, req.Payload)
		if err != nil {
			return errorResponse(msg.Type, err), true
		}
		return dataResponse(msg.Type, action), true

	case TypeQueryCacheStatus:
		stats, err := s.handler.CacheStatus(ctx)
		if err != nil {
			return errorResponse(msg.Type, err), true
		}
		return dataResponse(msg.Type, stats), true

	case TypePurge:
		var req PurgeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return errorResponse(msg.Type, err), true
		}
		if err := s.handler.Purge(ctx, req.Scope); err != nil {
			return errorResponse(msg.Type, err), true
		}
		return okResponse(msg.Type), true

	case TypePurgeOnLogout:
		if err := s.handler.PurgeOnLogout(ctx); err != nil {
			return errorResponse(msg.Type, err), true
		}
		return okResponse(msg.Type), true

	case TypePrefetch:
		var req PrefetchRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return errorResponse(msg.Type, err), true
		}
		result, err := s.handler.Prefetch(ctx, req.EmailIDs)
		if err != nil {
			return errorResponse(msg.Type, err), true
		}
		return dataResponse(msg.Type, result), true

	case TypeSyncNow:
		if err := s.handler.SyncNow(ctx); err != nil {
			return errorResponse(msg.Type, err), true
		}
		return okResponse(msg.Type), true

	case TypeStatus:
		st, err := s.handler.Status(ctx)
		if err != nil {
			return errorResponse(msg.Type, err), true
		}
		return dataResponse(msg.Type, st), true

	case TypeStop:
		return okResponse(msg.Type), true

	default:
		return Response{}, false
	}
}

func okResponse(msgType string) Response {
	return Response{Type: msgType, Status: "ok"}
}

func errorResponse(msgType string, err error) Response {
	return Response{Type: msgType, Status: "error", Message: err.Error()}
}

func dataResponse(msgType string, v interface{}) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return errorResponse(msgType, err)
	}
	return Response{Type: msgType, Status: "ok", Data: raw}
}
