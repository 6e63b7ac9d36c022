package handler

import (
	"encoding/json"
	"time"

	"consentry/internal/audit"
	"consentry/internal/consent/export"
	"consentry/internal/consent/models"
)

// CategoryStateResponse is one category's state inside a subject view.
type CategoryStateResponse struct {
	State     string    `json:"state"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// SubjectViewResponse is the body of GET /consent/{subject}.
type SubjectViewResponse struct {
	Subject       string                           `json:"subject"`
	Region        string                           `json:"region,omitempty"`
	PolicyVersion string                           `json:"policy_version"`
	Categories    map[string]CategoryStateResponse `json:"categories"`
}

// RecordResponse is the body of a successful mutation.
type RecordResponse struct {
	Subject       string    `json:"subject"`
	Category      string    `json:"category"`
	State         string    `json:"state"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
	PolicyVersion string    `json:"policy_version"`
	Method        string    `json:"method"`
	NoOp          bool      `json:"no_op,omitempty"`
}

// BulkResponse is the body of a successful bulk mutation.
type BulkResponse struct {
	Results []RecordResponse `json:"results"`
	Applied int              `json:"applied"`
}

// HistoryEntryResponse is one audit trail entry.
type HistoryEntryResponse struct {
	Seq           int64     `json:"seq"`
	EntryID       string    `json:"entry_id"`
	Kind          string    `json:"kind"`
	Category      string    `json:"category,omitempty"`
	PreviousState string    `json:"previous_state,omitempty"`
	NewState      string    `json:"new_state,omitempty"`
	Version       int64     `json:"version,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	Method        string    `json:"method,omitempty"`
	Source        string    `json:"source,omitempty"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	Region        string    `json:"region,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// HistoryResponse is the body of GET /consent/{subject}/history.
type HistoryResponse struct {
	Entries []HistoryEntryResponse `json:"entries"`
	// NextSeq cursors the following page; zero means the trail is exhausted.
	NextSeq int64 `json:"next_seq,omitempty"`
}

// ExportStartedResponse is the 202 body of POST /consent/{subject}/export.
type ExportStartedResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ExportJobResponse is the body of GET /consent/{subject}/export/{job_id}.
type ExportJobResponse struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func toViewResponse(view *models.SubjectView) *SubjectViewResponse {
	categories := make(map[string]CategoryStateResponse, len(view.Categories))
	for category, cs := range view.Categories {
		categories[category.String()] = CategoryStateResponse{
			State:     string(cs.State),
			Version:   cs.Version,
			UpdatedAt: cs.UpdatedAt,
		}
	}
	return &SubjectViewResponse{
		Subject:       view.Subject.String(),
		Region:        view.Region.String(),
		PolicyVersion: view.PolicyVersion,
		Categories:    categories,
	}
}

func toRecordResponse(result *models.ChangeResult) RecordResponse {
	record := result.Record
	if record == nil {
		// No-op on a category with no prior record.
		return RecordResponse{State: string(result.Previous), NoOp: true}
	}
	return RecordResponse{
		Subject:       record.Subject.String(),
		Category:      record.Category.String(),
		State:         string(record.State),
		Version:       record.Version,
		UpdatedAt:     record.UpdatedAt,
		PolicyVersion: record.PolicyVersion,
		Method:        record.Method,
		NoOp:          result.NoOp,
	}
}

func toBulkResponse(result *models.BulkResult) *BulkResponse {
	results := make([]RecordResponse, len(result.Results))
	for i, r := range result.Results {
		results[i] = toRecordResponse(r)
	}
	return &BulkResponse{Results: results, Applied: result.Applied}
}

func toHistoryEntryResponse(entry *audit.Entry) HistoryEntryResponse {
	return HistoryEntryResponse{
		Seq:           entry.Seq,
		EntryID:       entry.EntryID.String(),
		Kind:          string(entry.Kind),
		Category:      entry.Category.String(),
		PreviousState: string(entry.Previous),
		NewState:      string(entry.New),
		Version:       entry.Version,
		Actor:         entry.Actor,
		Method:        entry.Method,
		Source:        entry.Source,
		PolicyVersion: entry.PolicyVersion,
		Region:        entry.Region.String(),
		OccurredAt:    entry.OccurredAt,
		RecordedAt:    entry.RecordedAt,
	}
}

func toExportJobResponse(job *export.Job) *ExportJobResponse {
	return &ExportJobResponse{
		JobID:       job.ID.String(),
		Status:      string(job.Status),
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
		Result:      job.Result,
		Error:       job.Error,
	}
}
