// Package handler exposes the consent API over HTTP. Handlers translate
// between JSON DTOs and the service's domain types; authorization is
// subject-scoped: a bearer token may only act on its own subject unless the
// request carries the operator token.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"consentry/internal/consent/export"
	"consentry/internal/consent/models"
	"consentry/internal/consent/service"
	"consentry/internal/platform/middleware"
	"consentry/internal/transport/http/json"
	"consentry/internal/transport/http/shared"
	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
)

// Service is the consent operation surface the handler needs. Returns domain
// objects, not HTTP response DTOs.
type Service interface {
	Get(ctx context.Context, subject id.SubjectID) (*models.SubjectView, error)
	Set(ctx context.Context, subject id.SubjectID, req models.SetRequest) (*models.ChangeResult, error)
	SetBulk(ctx context.Context, subject id.SubjectID, req models.BulkSetRequest) (*models.BulkResult, error)
	History(ctx context.Context, subject id.SubjectID, req models.HistoryRequest) (*service.HistoryPage, error)
	MigrateLegacy(ctx context.Context, subject id.SubjectID, enabled bool, meta models.Metadata) (*models.ChangeResult, error)
}

// Exporter runs portability export jobs.
type Exporter interface {
	Start(ctx context.Context, subject id.SubjectID) (id.JobID, error)
	Status(ctx context.Context, subject id.SubjectID, jobID id.JobID) (*export.Job, error)
}

type Handler struct {
	service  Service
	exporter Exporter
	logger   *slog.Logger
}

func New(service Service, exporter Exporter, logger *slog.Logger) *Handler {
	return &Handler{service: service, exporter: exporter, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/consent/{subject}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Post("/", h.HandleSet)
		r.Post("/bulk", h.HandleSetBulk)
		r.Get("/history", h.HandleHistory)
		r.Post("/export", h.HandleExportStart)
		r.Get("/export/{job_id}", h.HandleExportStatus)
		r.Post("/migrate", h.HandleMigrate)
	})
}

// subjectFromRequest parses the path subject and enforces subject-scoped
// authorization: the token subject must match unless the caller is an
// operator.
func subjectFromRequest(r *http.Request) (id.SubjectID, error) {
	subject, err := id.ParseSubjectID(chi.URLParam(r, "subject"))
	if err != nil {
		return "", err
	}
	ctx := r.Context()
	if middleware.IsOperator(ctx) {
		return subject, nil
	}
	if middleware.GetSubjectID(ctx) != subject.String() {
		return "", dErrors.New(dErrors.CodeForbidden, "token subject does not match path subject")
	}
	return subject, nil
}

// HandleGet returns the subject's full consent view.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject, err := subjectFromRequest(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	view, err := h.service.Get(ctx, subject)
	if err != nil {
		h.logger.ErrorContext(ctx, "get consent failed",
			"error", err, "request_id", middleware.GetRequestID(ctx), "subject", subject)
		shared.WriteError(w, err)
		return
	}
	json.WriteJSON(w, http.StatusOK, toViewResponse(view))
}

// HandleSet mutates one category.
func (h *Handler) HandleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject, err := subjectFromRequest(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	req, err := json.Decode[SetConsentRequest](r)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	meta := captureMetadata(r, req.Method, req.Source, req.DebugRegion)
	result, err := h.service.Set(ctx, subject, req.toModel(meta))
	if err != nil {
		h.logger.WarnContext(ctx, "set consent rejected",
			"error", err, "request_id", middleware.GetRequestID(ctx),
			"subject", subject, "category", req.Category)
		shared.WriteError(w, err)
		return
	}
	json.WriteJSON(w, http.StatusCreated, toRecordResponse(result))
}

// HandleSetBulk applies a batch of changes atomically.
func (h *Handler) HandleSetBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject, err := subjectFromRequest(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	req, err := json.Decode[BulkSetConsentRequest](r)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	meta := captureMetadata(r, req.Method, req.Source, req.DebugRegion)
	result, err := h.service.SetBulk(ctx, subject, req.toModel(meta))
	if err != nil {
		h.logger.WarnContext(ctx, "bulk set consent rejected",
			"error", err, "request_id", middleware.GetRequestID(ctx),
			"subject", subject, "changes", len(req.Changes))
		shared.WriteError(w, err)
		return
	}
	json.WriteJSON(w, http.StatusCreated, toBulkResponse(result))
}

// HandleHistory pages through the subject's audit trail.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject, err := subjectFromRequest(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	req, err := historyRequestFromQuery(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	page, err := h.service.History(ctx, subject, req)
	if err != nil {
		h.logger.ErrorContext(ctx, "history query failed",
			"error", err, "request_id", middleware.GetRequestID(ctx), "subject", subject)
		shared.WriteError(w, err)
		return
	}

	entries := make([]HistoryEntryResponse, len(page.Entries))
	for i, entry := range page.Entries {
		entries[i] = toHistoryEntryResponse(entry)
	}
	json.WriteJSON(w, http.StatusOK, &HistoryResponse{Entries: entries, NextSeq: page.NextSeq})
}

// HandleExportStart begins an async portability export.
func (h *Handler) HandleExportStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject, err := subjectFromRequest(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	jobID, err := h.exporter.Start(ctx, subject)
	if err != nil {
		h.logger.ErrorContext(ctx, "export start failed",
			"error", err, "request_id", middleware.GetRequestID(ctx), "subject", subject)
		shared.WriteError(w, err)
		return
	}
	json.WriteJSON(w, http.StatusAccepted, &ExportStartedResponse{
		JobID:  jobID.String(),
		Status: string(export.StatusPending),
	})
}

// HandleExportStatus returns the state (and, once complete, the package) of
// an export job.
func (h *Handler) HandleExportStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject, err := subjectFromRequest(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	jobID, err := id.ParseJobID(chi.URLParam(r, "job_id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	job, err := h.exporter.Status(ctx, subject, jobID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	json.WriteJSON(w, http.StatusOK, toExportJobResponse(job))
}

// HandleMigrate imports the legacy single-boolean flag for a subject.
// Operator only: migration is a backfill tool, not a subject-facing API.
func (h *Handler) HandleMigrate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !middleware.IsOperator(ctx) {
		shared.WriteError(w, dErrors.New(dErrors.CodeForbidden, "migration requires the operator token"))
		return
	}
	subject, err := id.ParseSubjectID(chi.URLParam(r, "subject"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	req, err := json.Decode[MigrateRequest](r)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	meta := captureMetadata(r, models.MethodMigration, req.Source, "")
	result, err := h.service.MigrateLegacy(ctx, subject, req.Enabled, meta)
	if err != nil {
		h.logger.ErrorContext(ctx, "legacy migration failed",
			"error", err, "request_id", middleware.GetRequestID(ctx), "subject", subject)
		shared.WriteError(w, err)
		return
	}
	status := http.StatusCreated
	if result.NoOp {
		status = http.StatusOK
	}
	json.WriteJSON(w, status, toRecordResponse(result))
}

func historyRequestFromQuery(r *http.Request) (models.HistoryRequest, error) {
	var req models.HistoryRequest
	q := r.URL.Query()

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return req, dErrors.New(dErrors.CodeBadRequest, "since must be RFC 3339")
		}
		req.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return req, dErrors.New(dErrors.CodeBadRequest, "until must be RFC 3339")
		}
		req.Until = t
	}
	if v := q.Get("after_seq"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seq < 0 {
			return req, dErrors.New(dErrors.CodeBadRequest, "after_seq must be a non-negative integer")
		}
		req.AfterSeq = seq
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return req, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer")
		}
		req.Limit = limit
	}
	return req, nil
}
