package main

import (
	"context"
	"log/slog"

	id "consentry/pkg/domain"
)

// loggingDeletionExecutor acknowledges deletion jobs without touching any
// data plane. Real deployments replace it with an adapter that fans the
// deletion out to the stores holding the category's data; the consent record
// itself stays, the collected data goes.
type loggingDeletionExecutor struct {
	logger *slog.Logger
}

func (e *loggingDeletionExecutor) DeleteData(ctx context.Context, subject id.SubjectID, category id.CategoryID) error {
	e.logger.InfoContext(ctx, "deletion job executed",
		"subject", subject, "category", category)
	return nil
}

// loggingReminderSender stands in for the notification pipeline that delivers
// renewal reminders. Replaced at deployment time the same way.
type loggingReminderSender struct {
	logger *slog.Logger
}

func (s *loggingReminderSender) SendReminder(ctx context.Context, subject id.SubjectID) error {
	s.logger.InfoContext(ctx, "renewal reminder sent", "subject", subject)
	return nil
}
