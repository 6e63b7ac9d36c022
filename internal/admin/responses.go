package admin

import (
	"time"

	"consentry/internal/bus/webhook"
)

// SubscriptionResponse is the API shape of a webhook subscription. The secret
// never leaves the store.
type SubscriptionResponse struct {
	ID             string    `json:"id"`
	ServiceID      string    `json:"service_id"`
	Endpoint       string    `json:"endpoint"`
	Categories     []string  `json:"categories,omitempty"`
	MaxAttempts    int       `json:"max_attempts,omitempty"`
	InitialBackoff string    `json:"initial_backoff,omitempty"`
	MaxBackoff     string    `json:"max_backoff,omitempty"`
	Timeout        string    `json:"timeout,omitempty"`
	Active         bool      `json:"active"`
	Cursor         int64     `json:"cursor"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreatedSubscriptionResponse is returned only by the create endpoint. It is
// the one place the signing secret crosses the API.
type CreatedSubscriptionResponse struct {
	SubscriptionResponse
	Secret string `json:"secret"`
}

// DeadLetterResponse is the API shape of a dead-lettered delivery.
type DeadLetterResponse struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	Subject        string    `json:"subject"`
	Category       string    `json:"category"`
	Seq            int64     `json:"seq"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	FirstAttemptAt time.Time `json:"first_attempt_at"`
	LastAttemptAt  time.Time `json:"last_attempt_at"`
}

func toSubscriptionResponse(sub *webhook.Subscription) SubscriptionResponse {
	resp := SubscriptionResponse{
		ID:          sub.ID.String(),
		ServiceID:   sub.ServiceID.String(),
		Endpoint:    sub.Endpoint,
		MaxAttempts: sub.MaxAttempts,
		Active:      sub.Active,
		Cursor:      sub.Cursor,
		CreatedAt:   sub.CreatedAt,
	}
	for _, c := range sub.Categories {
		resp.Categories = append(resp.Categories, c.String())
	}
	if sub.InitialBackoff > 0 {
		resp.InitialBackoff = sub.InitialBackoff.String()
	}
	if sub.MaxBackoff > 0 {
		resp.MaxBackoff = sub.MaxBackoff.String()
	}
	if sub.Timeout > 0 {
		resp.Timeout = sub.Timeout.String()
	}
	return resp
}

func toDeadLetterResponse(letter *webhook.DeadLetter) DeadLetterResponse {
	return DeadLetterResponse{
		ID:             letter.ID.String(),
		SubscriptionID: letter.SubscriptionID.String(),
		Subject:        letter.Event.Subject.String(),
		Category:       letter.Event.Category.String(),
		Seq:            letter.Event.Seq,
		Attempts:       letter.Attempts,
		LastError:      letter.LastError,
		FirstAttemptAt: letter.FirstAttemptAt,
		LastAttemptAt:  letter.LastAttemptAt,
	}
}
