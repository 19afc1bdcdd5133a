// Package server exposes the bridge over HTTP: the Twilio webhooks, the
// outbound call trigger and the stream sockets.
package server

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-bridge/call"
	"github.com/mrsingh-rishi/voice-bridge/config"
	"github.com/mrsingh-rishi/voice-bridge/llm"
	"github.com/mrsingh-rishi/voice-bridge/metrics"
	"github.com/mrsingh-rishi/voice-bridge/pipeline"
	"github.com/mrsingh-rishi/voice-bridge/twilio"
)

// StreamPath is where Twilio connects the call audio.
const StreamPath = "/twilio/ws"

type Deps struct {
	// Context ends every open session when cancelled.
	Context  context.Context
	Pipeline *pipeline.Pipeline
	// NewReplier gives each socket its own conversation. Nil keeps the
	// pipeline's replier.
	NewReplier func() llm.Replier
	Output     call.Streamer
	// Dialer places outbound calls; nil disables POST /api/call.
	Dialer    twilio.CallCreator
	Session   call.Config
	BaseWSURL string
	Gatherer  prometheus.Gatherer
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

type handlers struct {
	deps Deps
	// root is handed to sessions, which add their own component field.
	root   *zap.Logger
	logger *zap.Logger
}

func New(deps Deps) *fiber.App {
	if deps.Context == nil {
		deps.Context = context.Background()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{deps: deps, root: logger, logger: logger.With(zap.String("component", "server"))}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Post("/api/call", h.placeCall)
	app.Post("/call", h.placeCall)

	app.Get("/voice", h.voice)
	app.Post("/voice", h.voice)
	app.Get("/twiml", h.voice)

	app.Use(StreamPath, requireUpgrade)
	app.Get(StreamPath, websocket.New(h.twilioStream))
	app.Use("/stream", requireUpgrade)
	app.Get("/stream", websocket.New(h.twilioStream))
	app.Use("/ws", requireUpgrade)
	app.Get("/ws", websocket.New(h.browserStream))

	if deps.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	return app
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

type callRequest struct {
	To string `json:"to"`
}

func (h *handlers) placeCall(c *fiber.Ctx) error {
	if h.deps.Dialer == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "outbound calling is not configured"})
	}
	var req callRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
		}
	}
	to := strings.TrimSpace(req.To)
	if to == "" {
		to = strings.TrimSpace(c.Query("phone"))
	}
	if to == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "`to` field is required"})
	}

	sid, err := h.deps.Dialer.Call(to)
	if err != nil {
		h.logger.Error("outbound call failed", zap.String("to", to), zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "failed to create call"})
	}
	h.logger.Info("outbound call placed", zap.String("call_sid", sid))
	return c.JSON(fiber.Map{"status": "calling", "call_sid": sid})
}

func (h *handlers) voice(c *fiber.Ctx) error {
	streamURL := h.streamURL(c)
	params := map[string]string{}
	if callSid := c.Query("CallSid", c.FormValue("CallSid")); callSid != "" {
		params["CallSid"] = callSid
	}
	xml, err := twilio.StreamTwiML(streamURL, params)
	if err != nil {
		h.logger.Error("twiml", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).SendString("failed to build TwiML")
	}
	c.Type("xml")
	return c.SendString(xml)
}

// streamURL is the public socket address Twilio should dial. Without a
// configured base it is derived from the request host.
func (h *handlers) streamURL(c *fiber.Ctx) string {
	if h.deps.BaseWSURL != "" {
		return config.Endpoint(h.deps.BaseWSURL, StreamPath)
	}
	scheme := "wss"
	if c.Protocol() == "http" {
		scheme = "ws"
	}
	return scheme + "://" + c.Hostname() + StreamPath
}

func (h *handlers) sessionDeps() call.Deps {
	p := h.deps.Pipeline
	if h.deps.NewReplier != nil {
		p = p.WithReplier(h.deps.NewReplier())
	}
	return call.Deps{
		Pipeline: p,
		Output:   h.deps.Output,
		Logger:   h.root,
		Metrics:  h.deps.Metrics,
	}
}

func (h *handlers) twilioStream(conn *websocket.Conn) {
	sess, err := call.NewSession(conn, h.sessionDeps(), h.deps.Session)
	if err != nil {
		h.logger.Error("session not started", zap.Error(err))
		return
	}
	if err := sess.Run(h.deps.Context); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("session ended with error", zap.Error(err))
	}
}

func (h *handlers) browserStream(conn *websocket.Conn) {
	sess, err := call.NewBrowserSession(conn, h.sessionDeps(), h.deps.Session)
	if err != nil {
		h.logger.Error("browser session not started", zap.Error(err))
		return
	}
	if err := sess.Run(h.deps.Context); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("browser session ended with error", zap.Error(err))
	}
}
