package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
)

// maxWebhookBody bounds webhook payloads; Paddle events stay well under this.
const maxWebhookBody = 1 << 20

// Handler exposes the billing HTTP surface. Mount it with modules/billing.
type Handler struct {
	svc     *Service
	webhook *WebhookService
	cfg     Config
	log     *slog.Logger
}

// NewHandler creates the HTTP handler over the command and webhook services.
func NewHandler(svc *Service, webhook *WebhookService, cfg Config, log *slog.Logger) *Handler {
	if svc == nil {
		panic("billing: Service is required")
	}
	if webhook == nil {
		panic("billing: WebhookService is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "Paddle-Signature"
	}
	return &Handler{svc: svc, webhook: webhook, cfg: cfg, log: log}
}

// Handle returns the router for this module.
func (h *Handler) Handle() http.Handler {
	r := chi.NewRouter()

	r.Post("/webhook", h.handleWebhook)
	r.Post("/checkout", h.handleCheckout)
	r.Post("/portal", h.handlePortal)
	r.Post("/cancel", h.handleCancel)
	r.Post("/reactivate", h.handleReactivate)
	r.Post("/change-plan", h.handleChangePlan)
	r.Get("/status", h.handleStatus)

	return r
}

// handleWebhook reads the body verbatim: the provider's signature covers the
// exact bytes, so nothing may parse or rewrite it before verification.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	err = h.webhook.Handle(r.Context(), rawBody, r.Header.Get(h.cfg.SignatureHeader))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, billing.ErrSignatureInvalid):
		respondError(w, http.StatusBadRequest, "invalid_signature", "webhook verification failed")
	case errors.Is(err, billing.ErrMalformedPayload):
		respondError(w, http.StatusBadRequest, "malformed_payload", "webhook payload could not be parsed")
	default:
		// 500 makes the provider redeliver; the dedup store guarantees the
		// retry converges instead of double-applying.
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to process event")
	}
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID uuid.UUID    `json:"accountId"`
		Plan      billing.Plan `json:"plan"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	session, err := h.svc.Checkout(r.Context(), req.AccountID, req.Plan)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"redirectUrl": session.RedirectURL,
		"sessionId":   session.SessionID,
	})
}

func (h *Handler) handlePortal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID uuid.UUID `json:"accountId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	session, err := h.svc.PortalLink(r.Context(), req.AccountID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"redirectUrl": session.RedirectURL})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID uuid.UUID `json:"accountId"`
		Immediate bool      `json:"immediate"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := h.svc.Cancel(r.Context(), req.AccountID, req.Immediate)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           rec.Status,
		"currentPeriodEnd": rec.CurrentPeriodEnd,
	})
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID uuid.UUID `json:"accountId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := h.svc.Reactivate(r.Context(), req.AccountID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": rec.Status})
}

func (h *Handler) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID uuid.UUID    `json:"accountId"`
		NewPlan   billing.Plan `json:"newPlan"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := h.svc.ChangePlan(r.Context(), req.AccountID, req.NewPlan)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           rec.Status,
		"plan":             rec.Plan,
		"currentPeriodEnd": rec.CurrentPeriodEnd,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(r.URL.Query().Get("accountId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "accountId must be a valid UUID")
		return
	}

	res, err := h.svc.Status(r.Context(), accountID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// respondServiceError maps the error taxonomy to HTTP statuses with terse,
// actionable messages. Provider internals are logged, never sent to users.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, "not_found", "no billing record for this account")
	case errors.Is(err, billing.ErrNoActiveSubscription):
		respondError(w, http.StatusBadRequest, "no_active_subscription", "account has no active subscription")
	case errors.Is(err, billing.ErrNotReactivatable):
		respondError(w, http.StatusBadRequest, "not_reactivatable", "subscription cannot be reactivated")
	case errors.Is(err, billing.ErrPlanUnchanged):
		respondError(w, http.StatusBadRequest, "plan_unchanged", "account is already on this plan")
	case errors.Is(err, billing.ErrCheckoutNotAllowed):
		respondError(w, http.StatusBadRequest, "already_subscribed", "account already has a subscription")
	case errors.Is(err, billing.ErrUnknownPlan):
		respondError(w, http.StatusBadRequest, "unknown_plan", "plan must be monthly or yearly")
	case errors.Is(err, billing.ErrMissingCustomer):
		respondError(w, http.StatusBadRequest, "no_billing_customer", "account has no billing customer yet")
	case errors.Is(err, billing.ErrConcurrentModification):
		respondError(w, http.StatusConflict, "concurrent_modification", "billing state changed, retry the operation")
	case errors.Is(err, billing.ErrProviderUnavailable):
		h.log.ErrorContext(r.Context(), "billing provider unavailable", logger.Error(err))
		respondError(w, http.StatusBadGateway, "provider_unavailable", "billing provider is temporarily unavailable")
	case errors.Is(err, billing.ErrProviderRejected):
		h.log.ErrorContext(r.Context(), "billing provider rejected request", logger.Error(err))
		respondError(w, http.StatusUnprocessableEntity, "provider_rejected", "billing provider rejected the request")
	default:
		h.log.ErrorContext(r.Context(), "billing operation failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "something went wrong")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": errorBody{Code: code, Message: message}})
}
