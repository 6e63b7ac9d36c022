package handler

import (
	"net"
	"net/http"
	"strings"

	"consentry/internal/consent/models"
	id "consentry/pkg/domain"
)

// SetConsentRequest is the body of POST /consent/{subject}.
type SetConsentRequest struct {
	Category        string `json:"category"`
	State           string `json:"state"`
	ExpectedVersion int64  `json:"expected_version"`
	Method          string `json:"method,omitempty"`
	Source          string `json:"source,omitempty"`
	DebugRegion     string `json:"debug_region,omitempty"`
}

// BulkChange is one entry of a bulk mutation body.
type BulkChange struct {
	Category string `json:"category"`
	State    string `json:"state"`
}

// BulkSetConsentRequest is the body of POST /consent/{subject}/bulk.
type BulkSetConsentRequest struct {
	Changes          []BulkChange `json:"changes"`
	ExpectedVersions []int64      `json:"expected_versions"`
	Method           string       `json:"method,omitempty"`
	Source           string       `json:"source,omitempty"`
	DebugRegion      string       `json:"debug_region,omitempty"`
}

// MigrateRequest is the body of POST /consent/{subject}/migrate: the legacy
// single-boolean analytics flag.
type MigrateRequest struct {
	Enabled bool   `json:"enabled"`
	Source  string `json:"source,omitempty"`
}

func (r *SetConsentRequest) toModel(meta models.Metadata) models.SetRequest {
	return models.SetRequest{
		Change: models.Change{
			Category: id.CategoryID(r.Category),
			State:    models.State(r.State),
		},
		ExpectedVersion: r.ExpectedVersion,
		Metadata:        meta,
	}
}

func (r *BulkSetConsentRequest) toModel(meta models.Metadata) models.BulkSetRequest {
	changes := make([]models.Change, len(r.Changes))
	for i, c := range r.Changes {
		changes[i] = models.Change{
			Category: id.CategoryID(c.Category),
			State:    models.State(c.State),
		}
	}
	return models.BulkSetRequest{
		Changes:          changes,
		ExpectedVersions: r.ExpectedVersions,
		Metadata:         meta,
	}
}

// captureMetadata extracts request-scoped capture context. Raw IP and user
// agent go to the service, which hashes them before anything is persisted.
func captureMetadata(r *http.Request, method, source, debugRegion string) models.Metadata {
	return models.Metadata{
		Method:      method,
		Source:      source,
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
		DebugRegion: id.Region(debugRegion),
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the peer
// address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
