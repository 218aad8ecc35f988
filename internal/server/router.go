package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/babybirdprd/zombieclaw/internal/agent"
	"github.com/babybirdprd/zombieclaw/internal/events"
	"github.com/babybirdprd/zombieclaw/internal/pairing"
)

// Runtime is the slice of the supervisor the HTTP layer needs.
type Runtime interface {
	Call(ctx context.Context, command string, params map[string]any, timeout time.Duration) (json.RawMessage, error)
	Health() agent.Status
}

// Options tunes the event stream cadence. Zero values select defaults.
type Options struct {
	StatusInterval    time.Duration // periodic status frames, default 15s
	KeepAliveInterval time.Duration // SSE comment pulses, default 20s
	Logger            *slog.Logger
}

// Router provides embeddable HTTP handlers for the agent bridge.
// Endpoints under basePath:
//
//	GET  /health          supervisor snapshot, public
//	GET  /pairing/status  pairing state, public
//	POST /pairing/pair    exchange code for bearer token, public
//	GET  /events          SSE notification stream, authenticated
//	GET  /state           forwarded get_state call, authenticated
//	POST /message         forwarded send_message call, authenticated
//	GET  /config          forwarded get_config call, authenticated
//	PUT  /config          forwarded set_config call, authenticated
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	rt        Runtime
	guard     *pairing.Guard
	events    *events.Broadcaster
	basePath  string
	statusIvl time.Duration
	keepalive time.Duration
	log       *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/health, /api/state, ...
func NewRouter(rt Runtime, guard *pairing.Guard, b *events.Broadcaster, basePath string, opts Options) *Router {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 15 * time.Second
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		rt:        rt,
		guard:     guard,
		events:    b,
		basePath:  sanitizeBase(basePath),
		statusIvl: opts.StatusInterval,
		keepalive: opts.KeepAliveInterval,
		log:       opts.Logger,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/pairing/status", r.handlePairingStatus)
	group.POST("/pairing/pair", r.handlePair)

	authed := group.Group("", r.requireAuth)
	authed.GET("/events", r.handleEvents)
	authed.GET("/state", r.handleState)
	authed.POST("/message", r.handleMessage)
	authed.GET("/config", r.handleGetConfig)
	authed.PUT("/config", r.handleSetConfig)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down via http.Server's Shutdown or Close.
func NewServer(addr, basePath string, rt Runtime, guard *pairing.Guard, b *events.Broadcaster, opts Options) (*http.Server, error) {
	r := NewRouter(rt, guard, b, basePath, opts)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.rt.Health())
}

func (r *Router) handleState(c *gin.Context) {
	r.forwardCall(c, "get_state", map[string]any{})
}

type messageRequest struct {
	Text    string `json:"text"`
	Channel string `json:"channel"`
}

func (r *Router) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "invalid JSON: " + err.Error()})
		return
	}
	if req.Text == "" {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "text required"})
		return
	}
	params := map[string]any{"text": req.Text}
	if req.Channel != "" {
		params["channel"] = req.Channel
	}
	r.forwardCall(c, "send_message", params)
}

func (r *Router) handleGetConfig(c *gin.Context) {
	r.forwardCall(c, "get_config", map[string]any{})
}

type configRequest struct {
	Config map[string]any `json:"config"`
}

func (r *Router) handleSetConfig(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Config) == 0 {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "config required"})
		return
	}
	r.forwardCall(c, "set_config", map[string]any{"config": req.Config})
}

// forwardCall bridges one HTTP request to one agent call and maps the
// error taxonomy onto status codes: timeouts are 504, everything between
// the bridge and the agent is 502. Agent error text passes through
// verbatim.
func (r *Router) forwardCall(c *gin.Context, command string, params map[string]any) {
	data, err := r.rt.Call(c.Request.Context(), command, params, 0)
	if err != nil {
		status := http.StatusBadGateway
		code := "agent_failure"
		if errors.Is(err, agent.ErrCallTimeout) {
			status = http.StatusGatewayTimeout
			code = "timeout"
		}
		r.log.Warn("bridge call failed", "command", command, "error", err)
		writeJSON(c, status, ErrorResponse{Error: code, Message: err.Error()})
		return
	}
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	if len(data) == 0 {
		_, _ = c.Writer.WriteString("{}")
		return
	}
	_, _ = c.Writer.Write(data)
}
