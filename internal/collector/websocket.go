package collector

import (
	"context"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/courtside-labs/courtside/internal/logging"
)

// ConnState represents the health of the WebSocket connection. The
// supervisor reads this when triaging collector errors.
type ConnState int32

const (
	ConnUp   ConnState = iota // healthy
	ConnDown                  // reconnecting or failed
)

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the maximum duration of silence before the
	// client considers the connection dead and triggers a reconnect.
	HeartbeatTimeout time.Duration

	// Backoff parameters for reconnection. Each delay gets ±20% jitter
	// so the two venue collectors never thunder in lockstep.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// MaxRetries is the reconnect budget per outage. Once exhausted the
	// client gives up and reports on Failed(); restarting is the
	// supervisor's decision, not the client's. 0 means retry forever.
	MaxRetries int

	// Headers sent during the WebSocket handshake (RSA-PSS auth for
	// Kalshi; Polymarket's market channel is unauthenticated).
	Headers http.Header
}

// DefaultWSConfig returns defaults tuned for venue market-data feeds.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 10 * time.Second,
		BackoffInitial:   100 * time.Millisecond,
		BackoffMax:       10 * time.Second,
		BackoffFactor:    2.0,
		MaxRetries:       8,
	}
}

// WSClient is a resilient WebSocket connection manager. It reconnects
// with jittered exponential backoff, monitors heartbeats, and fans out
// inbound messages to subscribers.
type WSClient struct {
	cfg WSConfig
	log interface {
		Warnf(format string, args ...interface{})
		Errorf(format string, args ...interface{})
	}

	state atomic.Int32

	mu   sync.RWMutex
	conn *websocket.Conn

	// subscribers receive copies of every inbound message.
	subMu sync.RWMutex
	subs  []chan []byte

	outbox chan []byte
	failed chan error

	cancel context.CancelFunc
	done   chan struct{}

	// onReconnect is called after each successful reconnection (testing hook).
	onReconnect func()
}

// NewWSClient creates a new WebSocket client. Call Connect to start.
func NewWSClient(cfg WSConfig) *WSClient {
	return &WSClient{
		cfg:    cfg,
		log:    logging.Component("ws"),
		outbox: make(chan []byte, 256),
		failed: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// State returns the current connection state.
func (ws *WSClient) State() ConnState {
	return ConnState(ws.state.Load())
}

// Failed delivers at most one error per client lifetime: the error that
// exhausted the reconnect budget. The owning collector forwards it to
// the supervisor as a ConnectionLost.
func (ws *WSClient) Failed() <-chan error {
	return ws.failed
}

// Subscribe returns a channel that receives copies of every inbound
// message. The caller must drain the channel to avoid dropped messages.
func (ws *WSClient) Subscribe() <-chan []byte {
	ch := make(chan []byte, 512)
	ws.subMu.Lock()
	ws.subs = append(ws.subs, ch)
	ws.subMu.Unlock()
	return ch
}

// Send enqueues a message for delivery over the WebSocket connection.
func (ws *WSClient) Send(data []byte) {
	select {
	case ws.outbox <- data:
	default:
		ws.log.Warnf("outbox full, dropping message (%d bytes)", len(data))
	}
}

// Connect dials the WebSocket endpoint and starts the read/write loops.
// It blocks until the initial connection succeeds or ctx is cancelled.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, ws.cancel = context.WithCancel(ctx)

	if err := ws.dial(ctx); err != nil {
		return err
	}
	ws.state.Store(int32(ConnUp))

	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)

	return nil
}

// Close shuts down the client, closing the underlying connection and
// all subscriber channels.
func (ws *WSClient) Close() {
	if ws.cancel != nil {
		ws.cancel()
	}
	ws.mu.Lock()
	if ws.conn != nil {
		ws.conn.Close()
	}
	ws.mu.Unlock()

	ws.subMu.RLock()
	for _, ch := range ws.subs {
		close(ch)
	}
	ws.subMu.RUnlock()

	close(ws.done)
}

// Done returns a channel that is closed when the client has fully shut down.
func (ws *WSClient) Done() <-chan struct{} {
	return ws.done
}

// dial establishes the WebSocket connection with TCP_NODELAY enabled.
func (ws *WSClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:  ws.cfg.ReadBufferSize,
		WriteBufferSize: ws.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, ws.cfg.URL, ws.cfg.Headers)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	return nil
}

// reconnect loops with jittered exponential backoff until a connection
// is re-established, the retry budget runs out, or ctx is cancelled.
func (ws *WSClient) reconnect(ctx context.Context) bool {
	ws.state.Store(int32(ConnDown))

	delay := ws.cfg.BackoffInitial
	var lastErr error
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(jitter(delay)):
		}

		if err := ws.dial(ctx); err != nil {
			lastErr = err
			ws.log.Warnf("reconnect attempt %d failed: %v (next in ~%v)", attempt, err, delay)
			if ws.cfg.MaxRetries > 0 && attempt >= ws.cfg.MaxRetries {
				ws.log.Errorf("reconnect budget exhausted after %d attempts", attempt)
				select {
				case ws.failed <- lastErr:
				default:
				}
				return false
			}
			delay = time.Duration(math.Min(
				float64(delay)*ws.cfg.BackoffFactor,
				float64(ws.cfg.BackoffMax),
			))
			continue
		}

		ws.state.Store(int32(ConnUp))
		if ws.onReconnect != nil {
			ws.onReconnect()
		}
		return true
	}
}

// jitter spreads d by ±20%.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

// readLoop reads messages and fans them out to subscribers. It also
// acts as the heartbeat monitor: if no message arrives within
// HeartbeatTimeout, it triggers a reconnect.
func (ws *WSClient) readLoop(ctx context.Context) {
	for {
		ws.mu.RLock()
		c := ws.conn
		ws.mu.RUnlock()

		c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ws.log.Warnf("read error, reconnecting: %v", err)
			c.Close()
			if !ws.reconnect(ctx) {
				return
			}
			continue
		}

		ws.fanOut(msg)
	}
}

// writeLoop drains the outbox and writes messages to the connection.
func (ws *WSClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ws.outbox:
			ws.mu.RLock()
			c := ws.conn
			ws.mu.RUnlock()
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.log.Warnf("write error: %v", err)
			}
		}
	}
}

// fanOut delivers msg to every subscriber without blocking.
func (ws *WSClient) fanOut(msg []byte) {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()

	for _, ch := range ws.subs {
		select {
		case ch <- msg:
		default:
			// Slow consumer, drop to avoid head-of-line blocking.
		}
	}
}
