package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/varta-chat/varta-server/internal/matchmaking"
	"github.com/varta-chat/varta-server/internal/metrics"
	"github.com/varta-chat/varta-server/internal/origin"
	"github.com/varta-chat/varta-server/internal/ratelimit"
)

// Hub is the subset of *matchmaking.Hub the socket layer drives.
type Hub interface {
	Admit(ctx context.Context, req matchmaking.AdmitRequest) (matchmaking.ClientInfo, error)
	Relay(ctx context.Context, req matchmaking.RelayRequest) error
	Depart(ctx context.Context, id matchmaking.ConnID, reason matchmaking.DepartReason) error
}

// Config wires together the runtime dependencies for the signaling socket.
type Config struct {
	Hub     Hub
	Origins origin.Policy

	// Admissions limits new sockets per client IP. Nil disables it.
	Admissions *ratelimit.KeyedLimiter

	IdleTimeout       time.Duration
	PingInterval      time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond int
	SendQueueLength   int

	// TrustProxyHeaders takes the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock
	// NewConnID defaults to uuid.NewString.
	NewConnID func() string
}

// Server serves GET /ws.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.NewConnID == nil {
		cfg.NewConnID = uuid.NewString
	}
	if cfg.SendQueueLength <= 0 {
		cfg.SendQueueLength = 256
	}
	s := &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		conns: make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	normalized, ok := s.cfg.Origins.CheckRequest(r)
	if !ok {
		s.log.Warn("websocket origin rejected", "origin", r.Header.Get("Origin"), "normalized", normalized, "host", r.Host)
	}
	return ok
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, s.cfg.TrustProxyHeaders)
	if !s.cfg.Admissions.Allow(ip) {
		s.cfg.Metrics.Inc(metrics.DropReasonAdmissionLimit)
		s.log.Warn("connection rate limited", "ip", ip)
		w.Header().Set("Retry-After", "60")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	if s.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	id := matchmaking.ConnID(s.cfg.NewConnID())
	log := s.log.With("conn_id", id)
	c := newWSConn(id, ws, s.cfg.SendQueueLength, s.cfg.PingInterval, log, s.cfg.Metrics)
	s.track(c)
	defer s.untrack(c)
	go c.writePump()

	q := r.URL.Query()
	info, err := s.cfg.Hub.Admit(r.Context(), matchmaking.AdmitRequest{
		ID:        id,
		Name:      q.Get("name"),
		IP:        ip,
		Languages: parseLanguages(q["languages"]),
		Conn:      c,
	})
	if err != nil {
		log.Error("admission failed", "ip", ip, "err", err)
		// The hub may have applied the admission after ctx gave up.
		_ = s.cfg.Hub.Depart(context.Background(), id, matchmaking.DepartAbrupt)
		if errors.Is(err, matchmaking.ErrHubStopped) {
			c.shutdown(websocket.CloseGoingAway, "server shutting down")
		} else {
			c.shutdown(websocket.CloseInternalServerErr, "admission failed")
		}
		c.wait()
		return
	}
	log.Debug("connection admitted", "ip", ip, "name", info.Name, "country", info.Country)

	s.readLoop(c, log)

	if err := s.cfg.Hub.Depart(context.Background(), id, matchmaking.DepartAbrupt); err != nil {
		log.Debug("depart not delivered", "err", err)
	}
	c.wait()
}

// readLoop runs until the socket fails or the connection is shut down.
func (s *Server) readLoop(c *wsConn, log *slog.Logger) {
	defer c.shutdown(websocket.CloseNormalClosure, "")

	ws := c.ws
	if s.cfg.IdleTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		})
	}

	limiter := ratelimit.NewMessageLimiter(s.cfg.Clock, s.cfg.MessagesPerSecond)
	ctx := context.Background()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				log.Info("websocket idle timeout")
				c.shutdown(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				s.cfg.Metrics.Inc(metrics.DropReasonBadMessage)
				log.Warn("message too large")
				c.shutdown(websocket.CloseMessageTooBig, "message too large")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				log.Debug("websocket closed unexpectedly", "err", err)
			}
			return
		}
		if !limiter.Allow() {
			s.cfg.Metrics.Inc(metrics.DropReasonRateLimited)
			log.Warn("signaling rate limit exceeded")
			c.shutdown(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.cfg.Metrics.Inc(metrics.DropReasonBadMessage)
			c.shutdown(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseInbound(data)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.DropReasonBadMessage)
			log.Debug("invalid message dropped", "err", err)
			continue
		}

		if msg.kind == messageTypeUserExit {
			if err := s.cfg.Hub.Depart(ctx, c.id, matchmaking.DepartExplicit); err != nil {
				s.stopOnHubError(c, err)
				return
			}
			continue
		}

		kind, _ := msg.relayKind()
		err = s.cfg.Hub.Relay(ctx, matchmaking.RelayRequest{
			Kind:    kind,
			RoomID:  msg.roomID,
			From:    c.id,
			Payload: msg.raw,
		})
		if err != nil {
			s.stopOnHubError(c, err)
			return
		}
	}
}

func (s *Server) stopOnHubError(c *wsConn, err error) {
	if errors.Is(err, matchmaking.ErrHubStopped) {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
		return
	}
	c.log.Error("hub rejected message", "err", err)
	c.shutdown(websocket.CloseInternalServerErr, "internal error")
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close sends a going-away close frame to every open socket. http.Server
// shutdown does not reach hijacked connections.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}

// Len reports the number of open sockets, admitted or not.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func parseLanguages(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
