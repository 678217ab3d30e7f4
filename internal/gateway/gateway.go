// Package gateway owns the websocket edge: HTTP upgrade, the first-frame
// auth handshake, and the per-connection read/write pumps. Everything after
// a successful handshake is the hub's business.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/marinoas/legal-crm-sub002/internal/hub"
	"github.com/marinoas/legal-crm-sub002/internal/wire"
)

// CloseAuthFailed is sent when the handshake does not produce a valid
// identity: missing auth frame, bad token, or handshake timeout.
const CloseAuthFailed = 4401

// Config tunes the websocket edge.
type Config struct {
	// AuthTimeout bounds the wait for the first (auth) frame.
	AuthTimeout time.Duration

	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	SendBuffer     int
	MaxMessageSize int64

	// CheckOrigin overrides the upgrader's origin policy. Nil allows all
	// origins; the reverse proxy in front is expected to enforce it.
	CheckOrigin func(r *http.Request) bool
}

func (c *Config) norm() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = (c.PongTimeout * 9) / 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 32 * 1024
	}
}

// Gateway upgrades HTTP requests and hands authenticated connections to the
// hub.
type Gateway struct {
	cfg      Config
	hub      *hub.Hub
	verifier TokenVerifier
	upgrader websocket.Upgrader

	authFailures metric.Int64Counter
}

func New(cfg Config, h *hub.Hub, verifier TokenVerifier) *Gateway {
	cfg.norm()
	g := &Gateway{
		cfg:      cfg,
		hub:      h,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	if g.upgrader.CheckOrigin == nil {
		g.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	meter := otel.Meter("gateway")
	g.authFailures, _ = meter.Int64Counter("gateway_auth_failures_total",
		metric.WithDescription("Websocket handshakes rejected at authentication"))
	return g
}

// Routes registers the gateway endpoints on the mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", g.ServeWS)
	mux.HandleFunc("/healthz", g.healthz)
}

func (g *Gateway) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ServeWS upgrades the request and runs the auth handshake. The socket is
// not a hub connection until the handshake succeeds; until then no frame
// other than auth is accepted.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	claims, err := g.handshake(ws)
	if err != nil {
		g.authFailures.Add(r.Context(), 1)
		slog.Warn("Websocket auth handshake failed", "error", err, "remote", r.RemoteAddr)
		g.closeWith(ws, CloseAuthFailed, "authentication failed")
		return
	}

	c := newWSConn(ws, g.cfg.SendBuffer, g.cfg.WriteTimeout)
	conn := hub.NewConn(uuid.NewString(), claims.UserID, claims.Role, claims.Name, c)

	regCtx, cancel := context.WithTimeout(context.Background(), g.cfg.AuthTimeout)
	err = g.hub.Register(regCtx, conn)
	cancel()
	if err != nil {
		slog.Warn("Connection registration rejected", "error", err, "user", claims.UserID)
		code := websocket.CloseInternalServerErr
		if errors.Is(err, hub.ErrTooManyConns) {
			code = websocket.ClosePolicyViolation
		}
		g.closeWith(ws, code, "registration rejected")
		return
	}

	go c.writePump(g.cfg.PingInterval)
	go func() {
		c.readPump(g.cfg.MaxMessageSize, g.cfg.PongTimeout, func(data []byte) {
			g.hub.HandleMessage(conn.ID, data)
		})
		g.hub.Disconnect(conn.ID)
	}()
}

// handshake reads the first frame, which must be an auth message carrying a
// verifiable token.
func (g *Gateway) handshake(ws *websocket.Conn) (Claims, error) {
	ws.SetReadLimit(g.cfg.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(g.cfg.AuthTimeout)); err != nil {
		return Claims{}, err
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return Claims{}, errors.New("no auth frame before deadline")
	}
	// Reset the deadline; the read pump installs its own.
	ws.SetReadDeadline(time.Time{})

	var msg wire.Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Claims{}, errors.New("malformed auth frame")
	}
	if msg.Type != wire.TypeAuth || msg.Token == "" {
		return Claims{}, errors.New("first frame must be auth with a token")
	}
	return g.verifier.Verify(msg.Token)
}

func (g *Gateway) closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(g.cfg.WriteTimeout)
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}
