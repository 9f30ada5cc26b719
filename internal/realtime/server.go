package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"qline/internal/identity"
	"qline/internal/live"
	"qline/internal/logger"
	"qline/internal/queue"
	"qline/internal/telemetry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/igm/sockjs-go/sockjs"
)

const (
	TransportSockJS    = "sockjs"
	TransportWebSocket = "websocket"

	closeMissingSession = 4001
	closeInvalidSession = 4002
	closeAccessDenied   = 4003

	sendBuffer     = 16
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// Server pushes live shop and user views to connected clients over SockJS or
// a plain websocket.
type Server struct {
	synchronizer *live.Synchronizer
	svc          *queue.Service
	provider     identity.Provider
	hub          *Hub
	upgrader     websocket.Upgrader
	metrics      *telemetry.Metrics
	log          *slog.Logger
}

type Options struct {
	// AllowedOrigins lists browser origins accepted on /ws. Empty means
	// same-origin only; "*" accepts any origin.
	AllowedOrigins []string
	Metrics        *telemetry.Metrics
	Logger         *slog.Logger
}

func NewServer(synchronizer *live.Synchronizer, svc *queue.Service, provider identity.Provider, options Options) *Server {
	log := options.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		synchronizer: synchronizer,
		svc:          svc,
		provider:     provider,
		hub:          NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(options.AllowedOrigins),
		},
		metrics: options.Metrics,
		log:     log,
	}
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// SockJSHandler serves the SockJS endpoint. Mount it at "/realtime/".
func (s *Server) SockJSHandler() http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, s.serveSockJS)
}

func (s *Server) serveSockJS(session sockjs.Session) {
	req := session.Request()
	token := tokenFromRequest(req)
	if token == "" {
		_ = session.Close(closeMissingSession, "missing session")
		return
	}
	authSession, err := s.provider.Verify(context.Background(), token)
	if err != nil {
		_ = session.Close(closeInvalidSession, "invalid session")
		return
	}
	s.serve(authSession, TransportSockJS, sockjsTransport{session: session})
}

// WebSocketHandler serves a plain websocket. The session is checked before
// the upgrade so bad tokens get a 401.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			http.Error(w, "missing session", http.StatusUnauthorized)
			return
		}
		session, err := s.provider.Verify(r.Context(), token)
		if err != nil {
			http.Error(w, "invalid session", http.StatusUnauthorized)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade", logger.Err(err))
			return
		}
		defer conn.Close()

		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		stopPing := make(chan struct{})
		defer close(stopPing)
		go ping(conn, stopPing)

		s.serve(session, TransportWebSocket, &wsTransport{conn: conn})
	})
}

func ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

type transport interface {
	Recv() ([]byte, error)
	Send(payload []byte) error
	Close(code int, reason string) error
}

// serve runs one connection until the client goes away. The calling goroutine
// reads subscribe messages; a writer goroutine drains client.Send.
func (s *Server) serve(session identity.Session, name string, t transport) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &Client{ID: uuid.NewString(), Transport: name, Session: session, Send: make(chan []byte, sendBuffer)}
	s.hub.Register(client)
	s.metrics.ConnectionOpened(name)
	defer s.metrics.ConnectionClosed(name)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		failed := false
		for payload := range client.Send {
			if failed {
				continue
			}
			if err := t.Send(payload); err != nil {
				failed = true
				cancel()
			}
		}
	}()

	sub := &subscriber{server: s, client: client}
	defer func() {
		sub.stop()
		s.hub.Unregister(client)
		<-writerDone
	}()

	for {
		raw, err := t.Recv()
		if err != nil {
			return
		}
		msg, ok := ParseSubscribe(raw)
		if !ok {
			push(ctx, client, errorMessage("unsupported message"))
			continue
		}
		if msg.Action == ActionUnsubscribe {
			sub.stop()
			continue
		}
		if err := sub.start(ctx, msg); err != nil {
			switch queue.KindOf(err) {
			case queue.KindForbidden, queue.KindUnauthenticated:
				_ = t.Close(closeAccessDenied, "access denied")
				return
			default:
				push(ctx, client, errorMessage(string(queue.KindOf(err))))
			}
		}
	}
}

func push(ctx context.Context, client *Client, payload []byte) {
	select {
	case client.Send <- payload:
	case <-ctx.Done():
	}
}

// subscriber holds the one watch a connection follows. It is only touched by
// the connection's read loop.
type subscriber struct {
	server *Server
	client *Client
	watch  *live.Watch
	done   chan struct{}
}

func (sub *subscriber) start(ctx context.Context, msg SubscribeMessage) error {
	sub.stop()

	s := sub.server
	var (
		watch *live.Watch
		err   error
	)
	switch msg.Scope {
	case live.ScopeShop:
		if _, err := s.svc.RequireOwner(ctx, sub.client.Session, msg.ShopID); err != nil {
			return err
		}
		watch, err = s.synchronizer.WatchShop(ctx, msg.ShopID)
	default:
		watch, err = s.synchronizer.WatchUser(ctx, sub.client.Session.UserID)
	}
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range watch.Updates() {
			payload, err := json.Marshal(snapshotMessage(snap))
			if err != nil {
				s.log.Error("encode live view", logger.Err(err))
				continue
			}
			push(ctx, sub.client, payload)
		}
	}()
	sub.watch = watch
	sub.done = done
	return nil
}

func (sub *subscriber) stop() {
	if sub.watch == nil {
		return
	}
	sub.watch.Close()
	<-sub.done
	sub.watch = nil
	sub.done = nil
}

type sockjsTransport struct {
	session sockjs.Session
}

func (t sockjsTransport) Recv() ([]byte, error) {
	msg, err := t.session.Recv()
	if err != nil {
		return nil, err
	}
	return []byte(msg), nil
}

func (t sockjsTransport) Send(payload []byte) error {
	return t.session.Send(string(payload))
}

func (t sockjsTransport) Close(code int, reason string) error {
	return t.session.Close(uint32(code), reason)
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Recv() ([]byte, error) {
	_, payload, err := t.conn.ReadMessage()
	return payload, err
}

func (t *wsTransport) Send(payload []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.Close()
}

func tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return originAllowed(allowed, origin)
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, candidate := range allowed {
		if candidate == "*" || strings.EqualFold(strings.TrimSpace(candidate), origin) {
			return true
		}
	}
	return false
}
