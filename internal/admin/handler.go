// Package admin exposes operator endpoints: webhook subscription management,
// dead-letter inspection and requeue, and subject erasure. The router mounts
// everything here behind the operator token middleware.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"consentry/internal/bus/webhook"
	"consentry/internal/consent/models"
	"consentry/internal/platform/middleware"
	"consentry/internal/sentinel"
	"consentry/internal/transport/http/json"
	"consentry/internal/transport/http/shared"
	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
)

// translate maps store sentinels to domain errors. The admin handler talks to
// stores directly, so the translation that normally lives in a service
// happens here.
func translate(err error, what string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, what+" not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, what+" already exists")
	default:
		return dErrors.Wrap(err, dErrors.CodeStorageFailure, "accessing "+what)
	}
}

// Requeuer re-enqueues a delivery for a subscription. The webhook dispatcher
// satisfies it.
type Requeuer interface {
	Enqueue(sub *webhook.Subscription, event models.ChangeEvent)
}

// Eraser removes a subject's consent data. service.Service satisfies it.
type Eraser interface {
	EraseSubject(ctx context.Context, subject id.SubjectID, actor string) error
}

type Handler struct {
	subs     webhook.Store
	letters  webhook.DeadLetterStore
	requeuer Requeuer
	eraser   Eraser
	logger   *slog.Logger
}

func New(subs webhook.Store, letters webhook.DeadLetterStore, requeuer Requeuer, eraser Eraser, logger *slog.Logger) *Handler {
	return &Handler{subs: subs, letters: letters, requeuer: requeuer, eraser: eraser, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/admin/subscriptions", h.HandleListSubscriptions)
	r.Post("/admin/subscriptions", h.HandleCreateSubscription)
	r.Get("/admin/subscriptions/{id}", h.HandleGetSubscription)
	r.Post("/admin/subscriptions/{id}/deactivate", h.HandleDeactivateSubscription)
	r.Post("/admin/subscriptions/{id}/reactivate", h.HandleReactivateSubscription)
	r.Delete("/admin/subscriptions/{id}", h.HandleDeleteSubscription)
	r.Get("/admin/deadletters", h.HandleListDeadLetters)
	r.Post("/admin/deadletters/{id}/requeue", h.HandleRequeueDeadLetter)
	r.Post("/admin/subjects/{subject}/erase", h.HandleEraseSubject)
}

// HandleCreateSubscription registers a webhook endpoint.
func (h *Handler) HandleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := json.Decode[CreateSubscriptionRequest](r)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	sub, err := req.toModel()
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	if err := h.subs.Create(ctx, sub); err != nil {
		h.logger.ErrorContext(ctx, "create subscription failed",
			"error", err, "request_id", middleware.GetRequestID(ctx), "service", sub.ServiceID)
		shared.WriteError(w, translate(err, "subscription"))
		return
	}
	h.logger.InfoContext(ctx, "webhook subscription created",
		"subscription", sub.ID, "service", sub.ServiceID, "endpoint", sub.Endpoint)
	json.WriteJSON(w, http.StatusCreated, CreatedSubscriptionResponse{
		SubscriptionResponse: toSubscriptionResponse(sub),
		Secret:               sub.Secret,
	})
}

// HandleListSubscriptions returns every subscription, active or not.
func (h *Handler) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.List(r.Context())
	if err != nil {
		shared.WriteError(w, translate(err, "subscriptions"))
		return
	}
	out := make([]SubscriptionResponse, len(subs))
	for i, sub := range subs {
		out[i] = toSubscriptionResponse(sub)
	}
	json.WriteJSON(w, http.StatusOK, out)
}

// HandleGetSubscription returns one subscription.
func (h *Handler) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	subID, err := id.ParseSubscriptionID(chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	sub, err := h.subs.Get(r.Context(), subID)
	if err != nil {
		shared.WriteError(w, translate(err, "subscription"))
		return
	}
	json.WriteJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// HandleDeactivateSubscription stops deliveries without losing the cursor.
func (h *Handler) HandleDeactivateSubscription(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// HandleReactivateSubscription resumes deliveries.
func (h *Handler) HandleReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	ctx := r.Context()
	subID, err := id.ParseSubscriptionID(chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.subs.SetActive(ctx, subID, active); err != nil {
		shared.WriteError(w, translate(err, "subscription"))
		return
	}
	sub, err := h.subs.Get(ctx, subID)
	if err != nil {
		shared.WriteError(w, translate(err, "subscription"))
		return
	}
	json.WriteJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// HandleDeleteSubscription removes a subscription entirely.
func (h *Handler) HandleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	subID, err := id.ParseSubscriptionID(chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.subs.Delete(r.Context(), subID); err != nil {
		shared.WriteError(w, translate(err, "subscription"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListDeadLetters returns dead-lettered deliveries, newest first.
func (h *Handler) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	letters, err := h.letters.List(r.Context(), limit)
	if err != nil {
		shared.WriteError(w, translate(err, "dead letters"))
		return
	}
	out := make([]DeadLetterResponse, len(letters))
	for i, letter := range letters {
		out[i] = toDeadLetterResponse(letter)
	}
	json.WriteJSON(w, http.StatusOK, out)
}

// HandleRequeueDeadLetter hands a dead letter back to the dispatcher and
// removes it from the store. Redelivery gets a fresh attempt budget.
func (h *Handler) HandleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	letterID, err := id.ParseDeliveryID(chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	letter, err := h.letters.Get(ctx, letterID)
	if err != nil {
		shared.WriteError(w, translate(err, "dead letter"))
		return
	}
	sub, err := h.subs.Get(ctx, letter.SubscriptionID)
	if err != nil {
		shared.WriteError(w, translate(err, "subscription"))
		return
	}

	h.requeuer.Enqueue(sub, letter.Event)
	if err := h.letters.Delete(ctx, letterID); err != nil {
		h.logger.WarnContext(ctx, "failed to delete requeued dead letter",
			"error", err, "request_id", middleware.GetRequestID(ctx), "dead_letter", letterID)
	}
	h.logger.InfoContext(ctx, "dead letter requeued",
		"dead_letter", letterID, "subscription", sub.ID, "seq", letter.Event.Seq)
	w.WriteHeader(http.StatusAccepted)
}

// HandleEraseSubject removes a subject's consent data and redacts their audit
// trail, recording the acting operator.
func (h *Handler) HandleEraseSubject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject, err := id.ParseSubjectID(chi.URLParam(r, "subject"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	req, err := json.Decode[EraseSubjectRequest](r)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	if err := h.eraser.EraseSubject(ctx, subject, req.Actor); err != nil {
		h.logger.ErrorContext(ctx, "subject erasure failed",
			"error", err, "request_id", middleware.GetRequestID(ctx), "subject", subject)
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
