package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/threadbridge/internal/backoff"
	"github.com/asheshgoplani/threadbridge/internal/logging"
)

var socketLog = logging.ForComponent(logging.CompSocket)

const (
	// socketReadLimit caps a single inbound frame.
	socketReadLimit = 1 << 20

	// socketReadIdle is how long the connection may stay silent before the
	// read loop treats it as dead. Server pings refresh it.
	socketReadIdle = 60 * time.Second

	socketWriteWait = 10 * time.Second
)

// SocketConfig configures the realtime connection.
type SocketConfig struct {
	// ServerURL is the http(s) base URL; the ws(s) endpoint is derived.
	ServerURL string

	// Token authenticates the connection via a challenge frame after dial.
	Token string

	// ReconnectBase and ReconnectCap shape the reconnect backoff.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// OnEvent receives decoded Hello and Posted events. It must not block:
	// the read loop only enqueues work, preserving arrival order.
	OnEvent func(Event)
}

// Socket maintains the realtime websocket, reconnecting with bounded
// exponential backoff on every drop. Retries are unbounded: this is a
// long-lived service, not a job with a deadline.
type Socket struct {
	cfg    SocketConfig
	wsURL  string
	dialer *websocket.Dialer
}

// NewSocket creates a socket client. The realtime endpoint is derived from
// the server base URL (http -> ws, https -> wss).
func NewSocket(cfg SocketConfig) (*Socket, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + apiPrefix + "/websocket"

	if cfg.OnEvent == nil {
		return nil, fmt.Errorf("OnEvent callback is required")
	}

	return &Socket{
		cfg:   cfg,
		wsURL: u.String(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

// Run connects and reads until ctx is cancelled, redialing after every drop.
// Returns ctx.Err() on cancellation; never returns on transport failure.
func (s *Socket) Run(ctx context.Context) error {
	policy := backoff.New(s.cfg.ReconnectBase, s.cfg.ReconnectCap)

	for {
		err := s.runOnce(ctx, policy)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := policy.Next()
		socketLog.Warn("socket_disconnected",
			slog.String("error", err.Error()),
			slog.Int("attempt", policy.Attempt()),
			slog.Duration("reconnect_in", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce dials, authenticates, and reads frames until the connection drops.
func (s *Socket) runOnce(ctx context.Context, policy *backoff.Policy) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	conn, resp, err := s.dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return &TransportError{Op: "websocket dial", StatusCode: status, Err: err}
	}
	defer conn.Close()

	// Unblock the read loop promptly on shutdown.
	dead := make(chan struct{})
	defer close(dead)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(socketWriteWait))
			conn.Close()
		case <-dead:
		}
	}()

	socketLog.Info("socket_connected", slog.String("url", s.wsURL))

	// Authentication challenge; the server answers with a status frame and
	// then a hello once the handshake is complete.
	challenge := map[string]any{
		"seq":    1,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": s.cfg.Token},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	if err := conn.WriteJSON(challenge); err != nil {
		return &TransportError{Op: "auth challenge", Err: err}
	}

	conn.SetReadLimit(socketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(socketReadIdle))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(socketReadIdle))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(socketWriteWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return &TransportError{Op: "websocket read", Err: err}
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketReadIdle))

		event, err := DecodeEvent(raw)
		if err != nil {
			// Malformed frames are logged and dropped, never fatal.
			logging.Aggregate(logging.CompSocket, "frame_dropped",
				slog.String("error", err.Error()))
			continue
		}

		switch ev := event.(type) {
		case HelloEvent:
			policy.Reset()
			socketLog.Info("socket_ready", slog.String("server_version", ev.ServerVersion))
			s.cfg.OnEvent(ev)
		case PostedEvent:
			s.cfg.OnEvent(ev)
		case UnrecognizedEvent:
			logging.Aggregate(logging.CompSocket, "frame_ignored",
				slog.String("type", ev.Type))
		}
	}
}
