package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"consentry/internal/audit"
	"consentry/internal/consent/capture"
	"consentry/internal/consent/models"
	"consentry/internal/consent/region"
	"consentry/internal/consent/store"
	"consentry/internal/consent/tracer"
	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
)

// Set applies one category transition for a subject. The record write and
// the audit append commit atomically; the cache is updated and the event
// published only after the commit.
func (s *Service) Set(ctx context.Context, subject id.SubjectID, req models.SetRequest) (*models.ChangeResult, error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanConsentSet,
		tracer.String(tracer.AttrCategory, req.Category.String()),
		tracer.String(tracer.AttrState, string(req.State)),
	)
	var err error
	defer func() { span.End(err) }()

	if err = subject.Validate(); err != nil {
		return nil, err
	}
	if err = req.Validate(); err != nil {
		s.countRejection(err)
		return nil, err
	}

	var bulk *models.BulkResult
	bulk, err = s.apply(ctx, subject,
		[]models.Change{req.Change},
		[]int64{req.ExpectedVersion},
		req.Metadata, audit.KindStateChange)
	if err != nil {
		return nil, err
	}
	result := bulk.Results[0]
	span.SetAttributes(tracer.Bool(tracer.AttrNoOp, result.NoOp))
	return result, nil
}

// SetBulk applies several transitions atomically: either every change is
// applied and audited, or none are. No-op changes contribute no audit
// entries and no events.
func (s *Service) SetBulk(ctx context.Context, subject id.SubjectID, req models.BulkSetRequest) (*models.BulkResult, error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanConsentBulkSet,
		tracer.Int64(tracer.AttrChangeCount, int64(len(req.Changes))),
	)
	var err error
	defer func() { span.End(err) }()

	if err = subject.Validate(); err != nil {
		return nil, err
	}
	if err = req.Validate(); err != nil {
		s.countRejection(err)
		return nil, err
	}
	var result *models.BulkResult
	result, err = s.apply(ctx, subject, req.Changes, req.ExpectedVersions, req.Metadata, audit.KindStateChange)
	return result, err
}

// MigrateLegacy maps the historical single tracking boolean onto the
// analytics category. The migration is idempotent: once any analytics record
// exists the call is a no-op and appends nothing.
func (s *Service) MigrateLegacy(ctx context.Context, subject id.SubjectID, enabled bool, meta models.Metadata) (*models.ChangeResult, error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanConsentMigrate, tracer.Bool("consent.legacy_enabled", enabled))
	var err error
	defer func() { span.End(err) }()

	if err = subject.Validate(); err != nil {
		return nil, err
	}
	meta.Method = models.MethodMigration
	meta.Normalize()

	existing, err := s.records.Get(ctx, subject, models.CategoryAnalytics)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		err = dErrors.Wrap(err, dErrors.CodeStorageFailure, "reading analytics record")
		return nil, err
	}
	if existing != nil {
		// Already migrated (or explicitly set since). Nothing to do.
		return &models.ChangeResult{Previous: existing.State, Record: existing, NoOp: true}, nil
	}

	state := models.StateDenied
	if enabled {
		state = models.StateGranted
	}
	var bulk *models.BulkResult
	bulk, err = s.apply(ctx, subject,
		[]models.Change{{Category: models.CategoryAnalytics, State: state}},
		[]int64{0},
		meta, audit.KindLegacyMigration)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncrementLegacyMigrations()
	}
	return bulk.Results[0], nil
}

// EraseSubject removes a subject's consent records and redacts the payloads
// of their prior audit entries, preserving sequence integrity. The erasure
// is itself audited before anything is removed, in the same transaction.
func (s *Service) EraseSubject(ctx context.Context, subject id.SubjectID, actor string) error {
	ctx, span := s.tracer.Start(ctx, tracer.SpanConsentErase)
	var err error
	defer func() { span.End(err) }()

	if err = subject.Validate(); err != nil {
		return err
	}
	if actor == "" {
		err = dErrors.New(dErrors.CodeValidation, "erasure actor is required")
		return err
	}

	err = s.tx.RunInTx(ctx, subject, func(records store.Store, trail audit.Store) error {
		entry := audit.NewEntry(audit.KindErasure)
		entry.Subject = subject
		entry.Actor = actor
		entry.OccurredAt = s.clock()
		if appendErr := trail.Append(ctx, entry); appendErr != nil {
			return dErrors.Wrap(appendErr, dErrors.CodeStorageFailure, "appending erasure entry")
		}
		if delErr := records.DeleteBySubject(ctx, subject); delErr != nil {
			return dErrors.Wrap(delErr, dErrors.CodeStorageFailure, "deleting consent records")
		}
		if redactErr := trail.RedactSubject(ctx, subject); redactErr != nil {
			return dErrors.Wrap(redactErr, dErrors.CodeStorageFailure, "redacting audit trail")
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.cache != nil {
		if invErr := s.cache.Invalidate(ctx, subject); invErr != nil {
			s.logger.WarnContext(ctx, "cache invalidation failed after erasure", "subject", subject, "error", invErr)
		}
	}
	if s.jobs != nil {
		if _, cancelErr := s.jobs.CancelBySubject(ctx, subject); cancelErr != nil {
			s.logger.WarnContext(ctx, "lifecycle job cancellation failed after erasure", "subject", subject, "error", cancelErr)
		}
	}
	if s.metrics != nil {
		s.metrics.IncrementErasures()
	}
	s.logger.InfoContext(ctx, "subject erased", "subject", subject, "actor", actor)
	return nil
}

// apply is the shared mutation pipeline. All changes validate against the
// resulting state set; writes and audit appends run inside one transaction;
// cache refresh and event publish happen after commit.
func (s *Service) apply(ctx context.Context, subject id.SubjectID, changes []models.Change, expected []int64, meta models.Metadata, kind audit.Kind) (*models.BulkResult, error) {
	start := time.Now()
	for _, c := range changes {
		if !s.registry.Known(c.Category) {
			err := dErrors.New(dErrors.CodeValidation, "unknown category: "+string(c.Category))
			s.countRejection(err)
			return nil, err
		}
	}

	capCtx := capture.FromRequest(meta.IP, meta.UserAgent)
	rgn := s.resolveRegion(ctx, subject, meta)
	ruleset := s.regions.Resolve(rgn)

	var (
		result *models.BulkResult
		events []models.ChangeEvent
		final  []*models.Record
	)
	err := s.tx.RunInTx(ctx, subject, func(records store.Store, trail audit.Store) error {
		var txErr error
		result, events, final, txErr = s.applyInTx(ctx, records, trail, subject, changes, expected, meta, capCtx, ruleset, kind)
		return txErr
	})
	if err != nil {
		s.countRejection(err)
		return nil, err
	}

	if result.Applied > 0 {
		s.putView(ctx, s.buildView(subject, rgn, final))
	}
	for _, ev := range events {
		if s.bus != nil {
			s.bus.Publish(ctx, ev)
		}
		if s.metrics != nil {
			s.metrics.IncrementMutations(ev.Category.String(), string(ev.New))
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveMutationLatency(time.Since(start).Seconds())
		if result.Applied == 0 {
			s.metrics.IncrementNoOpWrites()
		}
	}
	return result, nil
}

// applyInTx runs the version check, the invariant checks against the
// resulting state set, and the per-change CAS write plus audit append.
func (s *Service) applyInTx(
	ctx context.Context,
	records store.Store,
	trail audit.Store,
	subject id.SubjectID,
	changes []models.Change,
	expected []int64,
	meta models.Metadata,
	capCtx models.ContextHash,
	ruleset region.Ruleset,
	kind audit.Kind,
) (*models.BulkResult, []models.ChangeEvent, []*models.Record, error) {
	current, err := records.ListBySubject(ctx, subject)
	if err != nil {
		return nil, nil, nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "listing consent records")
	}
	byCategory := make(map[id.CategoryID]*models.Record, len(current))
	for _, r := range current {
		byCategory[r.Category] = r
	}

	now := s.clock()
	desired := make(map[id.CategoryID]models.State, len(changes))
	noOp := make([]bool, len(changes))
	for i, c := range changes {
		prev := byCategory[c.Category]
		prevState, prevVersion := models.StateNotSet, int64(0)
		if prev != nil {
			prevState, prevVersion = prev.State, prev.Version
		}
		if expected[i] != prevVersion {
			return nil, nil, nil, dErrors.New(dErrors.CodeConcurrencyConflict,
				fmt.Sprintf("category %q is at version %d, not %d", c.Category, prevVersion, expected[i]))
		}
		if c.State == prevState {
			noOp[i] = true
			continue
		}
		if s.cooldown > 0 && c.State == models.StateGranted && prevState == models.StateDenied &&
			now.Sub(prev.UpdatedAt) < s.cooldown {
			return nil, nil, nil, dErrors.New(dErrors.CodeValidation,
				fmt.Sprintf("category %q was denied %s ago; re-grant cooldown is %s",
					c.Category, now.Sub(prev.UpdatedAt).Round(time.Second), s.cooldown))
		}
		desired[c.Category] = c.State
	}

	resulting := models.EffectiveStates(current, desired)
	for i, c := range changes {
		if noOp[i] || c.State != models.StateGranted {
			continue
		}
		closure, closureErr := s.registry.DependencyClosure(c.Category)
		if closureErr != nil {
			return nil, nil, nil, closureErr
		}
		for _, dep := range closure {
			if resulting[dep] != models.StateGranted {
				return nil, nil, nil, dErrors.New(dErrors.CodeDependencyViolation,
					fmt.Sprintf("granting %q requires %q to be granted", c.Category, dep))
			}
		}
	}
	if violations := region.Validate(resulting, ruleset); len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Message
		}
		return nil, nil, nil, dErrors.New(dErrors.CodeRegionCompliance, strings.Join(msgs, "; "))
	}

	result := &models.BulkResult{Results: make([]*models.ChangeResult, len(changes))}
	var events []models.ChangeEvent
	for i, c := range changes {
		prev := byCategory[c.Category]
		prevState, prevVersion := models.StateNotSet, int64(0)
		if prev != nil {
			prevState, prevVersion = prev.State, prev.Version
		}
		if noOp[i] {
			result.Results[i] = &models.ChangeResult{Previous: prevState, Record: prev, NoOp: true}
			continue
		}

		record := &models.Record{
			Subject:       subject,
			Category:      c.Category,
			State:         c.State,
			Version:       prevVersion + 1,
			UpdatedAt:     now,
			PolicyVersion: s.policy,
			Method:        meta.Method,
			Context:       capCtx,
		}
		if casErr := records.CompareAndSet(ctx, record, prevVersion); casErr != nil {
			if errors.Is(casErr, sentinel.ErrVersionMismatch) {
				return nil, nil, nil, dErrors.Wrap(casErr, dErrors.CodeConcurrencyConflict,
					fmt.Sprintf("concurrent write to category %q", c.Category))
			}
			return nil, nil, nil, dErrors.Wrap(casErr, dErrors.CodeStorageFailure, "writing consent record")
		}
		byCategory[c.Category] = record

		event := models.ChangeEvent{
			Subject:       subject,
			Category:      c.Category,
			Previous:      prevState,
			New:           c.State,
			Version:       record.Version,
			OccurredAt:    now,
			Source:        meta.Source,
			PolicyVersion: s.policy,
			Region:        ruleset.Region,
		}
		entry := audit.FromChange(event, meta.Method, capCtx)
		entry.Kind = kind
		entry.Actor = subject.String()
		if appendErr := trail.Append(ctx, entry); appendErr != nil {
			return nil, nil, nil, dErrors.Wrap(appendErr, dErrors.CodeStorageFailure, "appending audit entry")
		}
		event.Seq = entry.Seq

		events = append(events, event)
		result.Results[i] = &models.ChangeResult{Previous: prevState, Record: record}
		result.Applied++
	}

	final := make([]*models.Record, 0, len(byCategory))
	for _, r := range byCategory {
		final = append(final, r)
	}
	return result, events, final, nil
}

// countRejection records a rejected mutation by domain code. Conflicts get
// their own counter.
func (s *Service) countRejection(err error) {
	if s.metrics == nil {
		return
	}
	code := dErrors.CodeOf(err)
	if code == dErrors.CodeConcurrencyConflict {
		s.metrics.IncrementConflicts()
		return
	}
	s.metrics.IncrementRejections(string(code))
}
