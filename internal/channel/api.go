package channel

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"bizpilot/internal/agent"
	"bizpilot/internal/bus"
	"bizpilot/internal/domain"
	"bizpilot/internal/metrics"
)

const apiMaxBodySize = 1 << 20 // 1MB

// API exposes one engine session per authenticated owner over REST.
// The owner id is the JWT "sub" claim.
type API struct {
	addr     string
	sessions *agent.Sessions
	events   *bus.EventBus
	metrics  *metrics.Collector
	verifier *TokenVerifier
	logger   *slog.Logger
	app      *fiber.App
}

type APIConfig struct {
	Addr      string
	JWTSecret string
	Sessions  *agent.Sessions
	Events    *bus.EventBus      // optional; enables GET /events
	Metrics   *metrics.Collector // optional; enables GET /metrics
	Logger    *slog.Logger
}

func NewAPI(cfg APIConfig) *API {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &API{
		addr:     cfg.Addr,
		sessions: cfg.Sessions,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		verifier: NewTokenVerifier(cfg.JWTSecret),
		logger:   cfg.Logger.With("component", "api"),
	}
	a.app = fiber.New(fiber.Config{
		AppName:               "BizPilot API",
		DisableStartupMessage: true,
		BodyLimit:             apiMaxBodySize,
		ErrorHandler:          a.handleError,
	})
	a.routes()
	return a
}

func (a *API) Name() string { return "api" }

// App returns the underlying fiber app, for tests.
func (a *API) App() *fiber.App { return a.app }

// Start listens until ctx is cancelled.
func (a *API) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.app.Listen(a.addr) }()
	a.logger.Info("API started", "addr", a.addr)

	select {
	case <-ctx.Done():
		return a.app.ShutdownWithTimeout(5 * time.Second)
	case err := <-errCh:
		return err
	}
}

func (a *API) routes() {
	a.app.Use(recover.New())
	a.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "sessions": a.sessions.Len()})
	})

	if a.metrics != nil {
		a.app.Get("/metrics", func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
			return a.metrics.WriteText(c)
		})
	}

	v1 := a.app.Group("/api/v1", a.authenticate)
	v1.Get("/state", a.getState)
	v1.Get("/conversations", a.listConversations)
	v1.Post("/conversations", a.newConversation)
	v1.Get("/conversations/:id", a.loadConversation)
	v1.Delete("/conversations/:id", a.deleteConversation)
	v1.Post("/conversations/:id/title", a.regenerateTitle)
	v1.Post("/messages", a.sendMessage)
	v1.Delete("/messages", a.clearMessages)
	v1.Get("/memory", a.listMemory)
	v1.Put("/memory", a.saveMemory)
	v1.Delete("/memory/:key", a.forgetMemory)
	v1.Get("/events", a.replayEvents)
}

func (a *API) authenticate(c *fiber.Ctx) error {
	auth := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
	}
	owner, err := a.verifier.Verify(token)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}
	c.Locals("owner", owner)
	return c.Next()
}

func apiSessionID(owner string) string { return "api:" + owner }

func (a *API) engine(c *fiber.Ctx) (*agent.Engine, error) {
	owner, _ := c.Locals("owner").(string)
	return a.sessions.Get(c.UserContext(), apiSessionID(owner), owner)
}

// handleError maps engine errors onto status codes.
func (a *API) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case domain.IsValidation(err):
		code = fiber.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = fiber.StatusNotFound
	case domain.IsCompletion(err):
		code = fiber.StatusBadGateway
	case domain.IsPersistence(err):
		code = fiber.StatusServiceUnavailable
	}
	if code >= 500 {
		a.logger.Error("request failed", "path", c.Path(), "status", code, "err", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (a *API) getState(c *fiber.Ctx) error {
	e, err := a.engine(c)
	if err != nil {
		return err
	}
	return c.JSON(e.State())
}

func (a *API) listConversations(c *fiber.Ctx) error {
	e, err := a.engine(c)
	if err != nil {
		return err
	}
	if err := e.RefreshConversations(c.UserContext()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversations": e.State().Conversations})
}

func (a *API) newConversation(c *fiber.Ctx) error {
	e, err := a.engine(c)
	if err != nil {
		return err
	}
	e.CreateConversation()
	return c.JSON(e.State())
}

func (a *API) loadConversation(c *fiber.Ctx) error {
	e, err := a.engine(c)
	if err != nil {
		return err
	}
	if err := e.LoadConversation(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(e.State())
}

func (a *API) deleteConversation(c *fiber.Ctx) error {
	e, err := a.engine(c)
	if err != nil {
		return err
	}
	if err := e.DeleteConversation(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) regenerateTitle(c *fiber.Ctx) error {
	e, err := a.engine(c)
	if err != nil {
		return err
	}
	if err := e.RegenerateTitle(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusAccepted)
}

type sendRequest struct {
	Content     string `json:"content"`
	FormContext string `json:"formContext"`
}

// sendMessage runs one turn. A failed turn still answers 200 with the
// session state, since the failure is already part of it as an assistant
// message; the reason is echoed in "error".
func (a *API) sendMessage(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	e, err := a.engine(c)
	if err != nil {
		return err
	}
	var opts []agent.SendOption
	if req.FormContext != "" {
		opts = append(opts, agent.WithFormContext(req.FormContext))
	}
	sendErr := e.SendMessage(c.UserContext(), req.Content, opts...)
	if domain.IsValidation(sendErr) {
		return sendErr
	}
	resp := fiber.Map{"state": e.State()}
	if sendErr != nil {
		resp["error"] = sendErr.Error()
	}
	return c.JSON(resp)
}

func (a *API) clearMessages(c *fiber.Ctx) error {
	e, err := a.engine(c)
	if err != nil {
		return err
	}
	e.ClearMessages()
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) listMemory(c *fiber.Ctx) error {
	e, err := a.engine(c)
	if err != nil {
		return err
	}
	items, err := e.Memories(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"items": items, "context": e.State().MemoryContextText})
}

type memoryRequest struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	Category   string `json:"category"`
	Importance int    `json:"importance"`
}

func (a *API) saveMemory(c *fiber.Ctx) error {
	var req memoryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	e, err := a.engine(c)
	if err != nil {
		return err
	}
	var opts []agent.MemoryOption
	if req.Category != "" {
		opts = append(opts, agent.WithCategory(req.Category))
	}
	if req.Importance > 0 {
		opts = append(opts, agent.WithImportance(req.Importance))
	}
	if err := e.SaveMemory(c.UserContext(), req.Key, req.Value, opts...); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"context": e.State().MemoryContextText})
}

func (a *API) forgetMemory(c *fiber.Ctx) error {
	e, err := a.engine(c)
	if err != nil {
		return err
	}
	if err := e.ForgetMemory(c.UserContext(), c.Params("key")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) replayEvents(c *fiber.Ctx) error {
	if a.events == nil {
		return fiber.NewError(fiber.StatusNotFound, "event history is not enabled")
	}
	var since time.Time
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "since must be RFC3339")
		}
		since = t
	}
	owner, _ := c.Locals("owner").(string)
	kind := c.Query("type", bus.Wildcard)
	return c.JSON(fiber.Map{"events": a.events.Replay(kind, apiSessionID(owner), since)})
}
