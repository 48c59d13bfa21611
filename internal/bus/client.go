package bus

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Client is the foreground side of the messaging protocol. Each request
// opens a short-lived connection; Subscribe holds a persistent one.
type Client struct {
	socketPath string
}

// NewClient creates a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// SocketPath returns the socket this client connects to.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// EnqueueAction queues a user action taken while disconnected.
func (c *Client) EnqueueAction(actionType string, payload json.RawMessage) (*Response, error) {
	data, err := json.Marshal(EnqueueRequest{ActionType: actionType, Payload: payload})
	if err != nil {
		return nil, err
	}
	return c.request(Message{Type: TypeEnqueueAction, Data: data})
}

// QueryCacheStatus returns per-namespace entry counts and sizes.
func (c *Client) QueryCacheStatus() (*Response, error) {
	return c.request(Message{Type: TypeQueryCacheStatus})
}

// Purge deletes namespaces matching scope ("all" or a category substring).
func (c *Client) Purge(scope string) (*Response, error) {
	data, err := json.Marshal(PurgeRequest{Scope: scope})
	if err != nil {
		return nil, err
	}
	return c.request(Message{Type: TypePurge, Data: data})
}

// PurgeOnLogout purges sensitive namespaces and the action queue.
func (c *Client) PurgeOnLogout() (*Response, error) {
	return c.request(Message{Type: TypePurgeOnLogout})
}

// Prefetch requests a best-effort fetch of the given emails into the
// offline cache.
func (c *Client) Prefetch(emailIDs []string) (*Response, error) {
	data, err := json.Marshal(PrefetchRequest{EmailIDs: emailIDs})
	if err != nil {
		return nil, err
	}
	return c.request(Message{Type: TypePrefetch, Data: data})
}

// SyncNow triggers an immediate replay pass.
func (c *Client) SyncNow() (*Response, error) {
	return c.request(Message{Type: TypeSyncNow})
}

// Status returns the current sync status snapshot.
func (c *Client) Status() (*Response, error) {
	return c.request(Message{Type: TypeStatus})
}

// Stop asks the background process to shut down.
func (c *Client) Stop() (*Response, error) {
	return c.request(Message{Type: TypeStop})
}

// Subscribe opens a persistent connection and returns a channel of
// broadcast messages. The channel closes when the connection drops or
// stop is called.
func (c *Client) Subscribe() (<-chan Response, func(), error) {
	conn, err := net.DialTimeout("unix", c.socketPath, 500*time.Millisecond)
	if err != nil {
		return nil, nil, err
	}

	encoder := json.NewEncoder(conn)
	decoder := json.NewDecoder(conn)

	corr := uuid.New().String()
	if err := encoder.Encode(Message{Type: TypeSubscribe, CorrelationID: corr}); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	var ack Response
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := decoder.Decode(&ack); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if ack.Status != "ok" {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("subscribe rejected: %s", ack.Message)
	}
	_ = conn.SetReadDeadline(time.Time{})

	ch := make(chan Response, 16)
	go func() {
		defer close(ch)
		for {
			var resp Response
			if err := decoder.Decode(&resp); err != nil {
				return
			}
			select {
			case ch <- resp:
			default:
				// Slow consumer: drop rather than block the reader.
			}
		}
	}()

	stop := func() { _ = conn.Close() }
	return ch, stop, nil
}

// request performs one request/response exchange.
func (c *Client) request(msg Message) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	msg.CorrelationID = uuid.New().String()

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}
	if resp.CorrelationID != "" && resp.CorrelationID != msg.CorrelationID {
		return nil, fmt.Errorf("response correlation mismatch")
	}
	return &resp, nil
}
