package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"

	"github.com/pesio-ai/be-group-carts/internal/platform/errors"
	"github.com/pesio-ai/be-group-carts/internal/platform/logger"
	"github.com/pesio-ai/be-group-carts/internal/platform/metrics"
	"github.com/pesio-ai/be-group-carts/internal/repository"
	"github.com/pesio-ai/be-group-carts/internal/service"
)

// HTTPHandler serves the chat adapter API and read-only views of carts.
type HTTPHandler struct {
	router  *Router
	carts   *service.CartService
	engine  *service.ApprovalEngine
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(router *Router, carts *service.CartService, engine *service.ApprovalEngine, m *metrics.Metrics, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		router:  router,
		carts:   carts,
		engine:  engine,
		metrics: m,
		log:     log,
	}
}

// Routes builds the chi router with middleware applied.
func (h *HTTPHandler) Routes(requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(h.log.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("HTTP request")
	}))
	r.Use(h.instrument)
	r.Use(middleware.Recoverer)
	if requestTimeout > 0 {
		r.Use(middleware.Timeout(requestTimeout))
	}

	r.Get("/health", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/commands", h.HandleCommand)
		r.Post("/events/reactions", h.HandleReaction)
		r.Post("/messages/bind", h.BindMessage)

		r.Get("/carts/{name}", h.GetCart)
		r.Get("/carts/{name}/workflow", h.GetWorkflow)
		r.Get("/carts/{name}/audit", h.GetAudit)
		r.Get("/approvers", h.ListApprovers)
	})

	return r
}

// instrument records request counts and latency per route pattern.
func (h *HTTPHandler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		h.metrics.HTTPLatencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	})
}

// ── Request / response shapes ─────────────────────────────────────────────────

type userJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (u userJSON) user() repository.User {
	return repository.User{ID: u.ID, Name: u.Name}
}

type commandRequest struct {
	Name    string   `json:"name"`
	Args    []string `json:"args"`
	Text    string   `json:"text"`
	Channel string   `json:"channel"`
	User    userJSON `json:"user"`
}

type reactionRequest struct {
	Emoji     string   `json:"emoji"`
	MessageID string   `json:"message_id"`
	Channel   string   `json:"channel"`
	User      userJSON `json:"user"`
	Kind      string   `json:"kind"`
	// EventTS is RFC 3339 or the chat platform's "seconds.micros" form.
	EventTS string `json:"event_ts"`
}

type bindRequest struct {
	Cart      string `json:"cart"`
	MessageID string `json:"message_id"`
}

type messagesResponse struct {
	Messages []Outbound `json:"messages"`
}

type partJSON struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	LastUser string `json:"last_user_id,omitempty"`
}

type cartResponse struct {
	Name      string     `json:"name"`
	Parts     []partJSON `json:"parts"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type approvalJSON struct {
	Approver       userJSON  `json:"approver"`
	EventTimestamp time.Time `json:"event_ts"`
}

type workflowResponse struct {
	Cart        string         `json:"cart"`
	State       string         `json:"state"`
	Threshold   int            `json:"threshold"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
	RequestedBy *userJSON      `json:"requested_by,omitempty"`
	OpenedAt    *time.Time     `json:"opened_at,omitempty"`
	Approvals   []approvalJSON `json:"approvals"`
}

type auditEntryJSON struct {
	ID          string         `json:"id"`
	WorkflowID  *string        `json:"workflow_id,omitempty"`
	Action      string         `json:"action"`
	PerformedBy string         `json:"performed_by"`
	PerformedAt time.Time      `json:"performed_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// HandleCommand runs a chat slash command.
func (h *HTTPHandler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	if req.Name == "" || req.User.ID == "" {
		h.writeError(w, r, errors.InvalidInput("name", "command name and user id are required"))
		return
	}
	args := req.Args
	if len(args) == 0 && req.Text != "" {
		args = ParseArgs(req.Text)
	}

	messages := h.router.HandleCommand(r.Context(), Command{
		Name:    req.Name,
		Args:    args,
		Channel: req.Channel,
		User:    req.User.user(),
	})
	writeJSON(w, http.StatusOK, messagesResponse{Messages: nonNil(messages)})
}

// HandleReaction applies a reaction added to or removed from a message.
func (h *HTTPHandler) HandleReaction(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	kind := ReactionKind(req.Kind)
	if kind != ReactionAdded && kind != ReactionRemoved {
		h.writeError(w, r, errors.InvalidInput("kind", "must be added or removed"))
		return
	}
	if req.MessageID == "" || req.User.ID == "" {
		h.writeError(w, r, errors.InvalidInput("message_id", "message id and user id are required"))
		return
	}
	ts, err := parseEventTS(req.EventTS)
	if err != nil {
		h.writeError(w, r, errors.InvalidInput("event_ts", "must be RFC 3339 or epoch seconds"))
		return
	}

	messages := h.router.HandleReaction(r.Context(), ReactionEvent{
		Emoji:     req.Emoji,
		MessageID: req.MessageID,
		Channel:   req.Channel,
		User:      req.User.user(),
		Kind:      kind,
		EventTS:   ts,
	})
	writeJSON(w, http.StatusOK, messagesResponse{Messages: nonNil(messages)})
}

// BindMessage ties a posted purchase request message to its cart.
func (h *HTTPHandler) BindMessage(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	if req.Cart == "" {
		h.writeError(w, r, errors.InvalidInput("cart", "must not be empty"))
		return
	}
	ok, err := h.engine.BindRequestMessage(r.Context(), req.Cart, req.MessageID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, errors.NotFound("approval workflow", req.Cart))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "bound"})
}

// GetCart returns a cart with its parts.
func (h *HTTPHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cart, err := h.carts.ListCart(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if cart == nil {
		h.writeError(w, r, errors.NotFound("cart", name))
		return
	}

	resp := cartResponse{
		Name:      cart.Name,
		Parts:     make([]partJSON, 0, len(cart.Parts)),
		CreatedAt: cart.CreatedAt,
		UpdatedAt: cart.UpdatedAt,
	}
	for _, p := range cart.Parts {
		resp.Parts = append(resp.Parts, partJSON{Name: p.Name, Quantity: p.Quantity, LastUser: p.LastUser.ID})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetWorkflow returns the approval state of a cart.
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, err := h.engine.WorkflowStatus(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := workflowResponse{
		Cart:      st.Cart,
		State:     string(st.State),
		Threshold: st.Threshold,
		Approvals: []approvalJSON{},
	}
	if wf := st.Workflow; wf != nil {
		resp.WorkflowID = wf.ID
		resp.MessageID = wf.MessageRef
		resp.RequestedBy = &userJSON{ID: wf.RequestedBy.ID, Name: wf.RequestedBy.Name}
		openedAt := wf.OpenedAt
		resp.OpenedAt = &openedAt
		for _, a := range wf.Approvals {
			resp.Approvals = append(resp.Approvals, approvalJSON{
				Approver:       userJSON{ID: a.Approver.ID, Name: a.Approver.Name},
				EventTimestamp: a.EventTimestamp,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAudit returns the approval audit trail of a cart.
func (h *HTTPHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entries, err := h.carts.AuditTrail(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]auditEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryJSON{
			ID:          e.ID,
			WorkflowID:  e.WorkflowID,
			Action:      e.Action,
			PerformedBy: e.PerformedBy,
			PerformedAt: e.PerformedAt,
			Metadata:    e.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"cart": name, "entries": out})
}

// ListApprovers returns the approver set.
func (h *HTTPHandler) ListApprovers(w http.ResponseWriter, r *http.Request) {
	users, err := h.carts.ListApprovers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]userJSON, 0, len(users))
	for _, u := range users {
		out = append(out, userJSON{ID: u.ID, Name: u.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvers": out})
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil(messages []Outbound) []Outbound {
	if messages == nil {
		return []Outbound{}
	}
	return messages
}

// parseEventTS accepts RFC 3339 or epoch seconds with an optional fraction.
// An empty value yields the zero time, which the engine replaces with now.
func parseEventTS(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC(), nil
}
