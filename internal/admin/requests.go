package admin

import (
	"time"

	"consentry/internal/bus/webhook"
	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
	"consentry/pkg/secrets"
)

// CreateSubscriptionRequest registers a webhook subscription. An omitted
// secret is generated server-side and returned once in the create response.
// Backoff and timeout fields take Go duration strings ("500ms", "30s"); zero
// values fall back to the dispatcher defaults.
type CreateSubscriptionRequest struct {
	ServiceID      string   `json:"service_id"`
	Endpoint       string   `json:"endpoint"`
	Secret         string   `json:"secret"`
	Categories     []string `json:"categories,omitempty"`
	MaxAttempts    int      `json:"max_attempts,omitempty"`
	InitialBackoff string   `json:"initial_backoff,omitempty"`
	MaxBackoff     string   `json:"max_backoff,omitempty"`
	Timeout        string   `json:"timeout,omitempty"`
}

// EraseSubjectRequest names the operator performing an erasure. The actor is
// recorded on the erasure audit entry.
type EraseSubjectRequest struct {
	Actor string `json:"actor"`
}

func (r *CreateSubscriptionRequest) toModel() (*webhook.Subscription, error) {
	sub := &webhook.Subscription{
		ServiceID:   id.ServiceID(r.ServiceID),
		Endpoint:    r.Endpoint,
		Secret:      r.Secret,
		MaxAttempts: r.MaxAttempts,
		Active:      true,
	}
	if sub.Secret == "" {
		secret, err := secrets.Generate()
		if err != nil {
			return nil, err
		}
		sub.Secret = secret
	}
	for _, c := range r.Categories {
		category, err := id.ParseCategoryID(c)
		if err != nil {
			return nil, err
		}
		sub.Categories = append(sub.Categories, category)
	}
	var err error
	if sub.InitialBackoff, err = parseDuration(r.InitialBackoff, "initial_backoff"); err != nil {
		return nil, err
	}
	if sub.MaxBackoff, err = parseDuration(r.MaxBackoff, "max_backoff"); err != nil {
		return nil, err
	}
	if sub.Timeout, err = parseDuration(r.Timeout, "timeout"); err != nil {
		return nil, err
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return sub, nil
}

func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, dErrors.New(dErrors.CodeValidation, field+" must be a duration like \"30s\"")
	}
	return d, nil
}
