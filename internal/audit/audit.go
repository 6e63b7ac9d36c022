// Package audit is the append-only record of every consent change. Entries
// are immutable once appended; the only mutation is the separately-audited
// erasure operation, which redacts payload columns while preserving sequence
// integrity.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"consentry/internal/consent/models"
	id "consentry/pkg/domain"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindStateChange       Kind = "state_change"
	KindErasure           Kind = "erasure"
	KindDeletionCompleted Kind = "deletion_completed"
	KindLegacyMigration   Kind = "legacy_migration"
	KindRenewalNotice     Kind = "renewal_notice"
)

// Entry is one immutable audit record: a copy of a ChangeEvent plus capture
// context. Seq is assigned by the log in append order and doubles as the
// resume token for cursors.
type Entry struct {
	Seq           int64
	EntryID       uuid.UUID
	Kind          Kind
	Subject       id.SubjectID
	Category      id.CategoryID
	Previous      models.State
	New           models.State
	Version       int64
	Actor         string
	Method        string
	Source        string
	PolicyVersion string
	Region        id.Region
	Context       models.ContextHash
	OccurredAt    time.Time
	RecordedAt    time.Time
}

// NewEntry builds an entry with a fresh entry ID and recorded-at timestamp.
func NewEntry(kind Kind) *Entry {
	return &Entry{
		EntryID:    uuid.New(),
		Kind:       kind,
		RecordedAt: time.Now().UTC(),
	}
}

// FromChange copies a ChangeEvent into a state-change entry.
func FromChange(ev models.ChangeEvent, method string, ctx models.ContextHash) *Entry {
	e := NewEntry(KindStateChange)
	e.Subject = ev.Subject
	e.Category = ev.Category
	e.Previous = ev.Previous
	e.New = ev.New
	e.Version = ev.Version
	e.Source = ev.Source
	e.PolicyVersion = ev.PolicyVersion
	e.Region = ev.Region
	e.Method = method
	e.Context = ctx
	e.OccurredAt = ev.OccurredAt
	return e
}

// Range bounds a history query by occurrence time. Zero values mean unbounded.
type Range struct {
	Since time.Time
	Until time.Time
}

// Contains reports whether a timestamp falls in the range.
func (r Range) Contains(t time.Time) bool {
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && t.After(r.Until) {
		return false
	}
	return true
}

// Store is the audit persistence interface.
//
// Error Contract:
//   - Append never fails silently: a failed append must abort the surrounding
//     mutation, so implementations participating in a transaction return the
//     raw failure for the transaction to roll back on.
//   - Query returns entries ordered by Seq ascending, strictly after afterSeq,
//     at most limit long.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, subject id.SubjectID, rng Range, afterSeq int64, limit int) ([]*Entry, error)
	Export(ctx context.Context, subject id.SubjectID) ([]*Entry, error)
	CountBySubject(ctx context.Context, subject id.SubjectID) (int64, error)
	// RedactSubject blanks payload fields of a subject's entries in place,
	// keeping Seq, EntryID, Kind, and timestamps. Only the erasure flow calls
	// this, after appending its own erasure entry.
	RedactSubject(ctx context.Context, subject id.SubjectID) error
}

// Cursor lazily walks a subject's entries in time order. It is restartable:
// LastSeq can be persisted and fed back via NewCursorAfter to resume.
type Cursor struct {
	store    Store
	subject  id.SubjectID
	rng      Range
	lastSeq  int64
	pageSize int

	buf []*Entry
	pos int
	eof bool
}

const defaultCursorPageSize = 100

// NewCursor starts a cursor at the beginning of the range.
func NewCursor(store Store, subject id.SubjectID, rng Range) *Cursor {
	return NewCursorAfter(store, subject, rng, 0)
}

// NewCursorAfter resumes a cursor strictly after a previously seen sequence.
func NewCursorAfter(store Store, subject id.SubjectID, rng Range, afterSeq int64) *Cursor {
	return &Cursor{
		store:    store,
		subject:  subject,
		rng:      rng,
		lastSeq:  afterSeq,
		pageSize: defaultCursorPageSize,
	}
}

// Next returns the next entry. The boolean is false when the sequence is
// exhausted; the cursor is finite.
func (c *Cursor) Next(ctx context.Context) (*Entry, bool, error) {
	if c.pos >= len(c.buf) {
		if c.eof {
			return nil, false, nil
		}
		page, err := c.store.Query(ctx, c.subject, c.rng, c.lastSeq, c.pageSize)
		if err != nil {
			return nil, false, err
		}
		if len(page) == 0 {
			c.eof = true
			return nil, false, nil
		}
		if len(page) < c.pageSize {
			c.eof = true
		}
		c.buf = page
		c.pos = 0
	}
	entry := c.buf[c.pos]
	c.pos++
	c.lastSeq = entry.Seq
	return entry, true, nil
}

// LastSeq returns the resume token for the last entry handed out.
func (c *Cursor) LastSeq() int64 {
	return c.lastSeq
}
