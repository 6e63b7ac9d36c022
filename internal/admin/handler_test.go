package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"consentry/internal/bus/webhook"
	"consentry/internal/consent/models"
	id "consentry/pkg/domain"
)

type fakeRequeuer struct {
	enqueued []models.ChangeEvent
}

func (f *fakeRequeuer) Enqueue(_ *webhook.Subscription, event models.ChangeEvent) {
	f.enqueued = append(f.enqueued, event)
}

type fakeEraser struct {
	subject id.SubjectID
	actor   string
}

func (f *fakeEraser) EraseSubject(_ context.Context, subject id.SubjectID, actor string) error {
	f.subject = subject
	f.actor = actor
	return nil
}

type AdminSuite struct {
	suite.Suite

	subs     *webhook.MemoryStore
	letters  *webhook.MemoryDeadLetterStore
	requeuer *fakeRequeuer
	eraser   *fakeEraser
	router   chi.Router
}

func (s *AdminSuite) SetupTest() {
	s.subs = webhook.NewMemoryStore()
	s.letters = webhook.NewMemoryDeadLetterStore()
	s.requeuer = &fakeRequeuer{}
	s.eraser = &fakeEraser{}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.router = chi.NewRouter()
	New(s.subs, s.letters, s.requeuer, s.eraser, logger).Register(s.router)
}

func (s *AdminSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *AdminSuite) createSubscription() SubscriptionResponse {
	rec := s.do(http.MethodPost, "/admin/subscriptions", CreateSubscriptionRequest{
		ServiceID:      "ads-service",
		Endpoint:       "https://ads.example.com/hooks/consent",
		Secret:         "sub-secret",
		Categories:     []string{"marketing"},
		MaxAttempts:    3,
		InitialBackoff: "500ms",
		Timeout:        "10s",
	})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var resp SubscriptionResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (s *AdminSuite) TestCreateAndGetSubscription() {
	created := s.createSubscription()
	s.NotEmpty(created.ID)
	s.True(created.Active)
	s.Equal([]string{"marketing"}, created.Categories)
	s.Equal("500ms", created.InitialBackoff)

	rec := s.do(http.MethodGet, "/admin/subscriptions/"+created.ID, nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	var got SubscriptionResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &got))
	s.Equal(created.ID, got.ID)
	s.Equal("ads-service", got.ServiceID)
}

func (s *AdminSuite) TestCreateGeneratesSecretWhenOmitted() {
	rec := s.do(http.MethodPost, "/admin/subscriptions", CreateSubscriptionRequest{
		ServiceID: "crm-service",
		Endpoint:  "https://crm.example.com/hooks/consent",
	})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())

	var created CreatedSubscriptionResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &created))
	s.NotEmpty(created.Secret)

	// The secret is returned once at creation and never on reads.
	rec = s.do(http.MethodGet, "/admin/subscriptions/"+created.ID, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.NotContains(rec.Body.String(), created.Secret)
}

func (s *AdminSuite) TestCreateRejectsBadEndpoint() {
	rec := s.do(http.MethodPost, "/admin/subscriptions", CreateSubscriptionRequest{
		ServiceID: "ads-service",
		Endpoint:  "not-a-url",
		Secret:    "sub-secret",
	})
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *AdminSuite) TestCreateRejectsBadDuration() {
	rec := s.do(http.MethodPost, "/admin/subscriptions", CreateSubscriptionRequest{
		ServiceID:      "ads-service",
		Endpoint:       "https://ads.example.com/hooks",
		Secret:         "sub-secret",
		InitialBackoff: "half a minute",
	})
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *AdminSuite) TestDeactivateAndReactivate() {
	created := s.createSubscription()

	rec := s.do(http.MethodPost, "/admin/subscriptions/"+created.ID+"/deactivate", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var resp SubscriptionResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.False(resp.Active)

	rec = s.do(http.MethodPost, "/admin/subscriptions/"+created.ID+"/reactivate", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.True(resp.Active)
}

func (s *AdminSuite) TestDeleteSubscription() {
	created := s.createSubscription()

	rec := s.do(http.MethodDelete, "/admin/subscriptions/"+created.ID, nil)
	s.Equal(http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/admin/subscriptions/"+created.ID, nil)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *AdminSuite) TestListDeadLettersNewestFirst() {
	created := s.createSubscription()
	subID, err := id.ParseSubscriptionID(created.ID)
	s.Require().NoError(err)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, seq := range []int64{1, 2} {
		s.Require().NoError(s.letters.Append(context.Background(), &webhook.DeadLetter{
			SubscriptionID: subID,
			Event:          models.ChangeEvent{Subject: "user-1", Category: "marketing", Seq: seq},
			Attempts:       3,
			LastError:      "webhook endpoint returned 502",
			LastAttemptAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rec := s.do(http.MethodGet, "/admin/deadletters", nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	var letters []DeadLetterResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &letters))
	s.Require().Len(letters, 2)
	s.Equal(int64(2), letters[0].Seq)
	s.Equal(int64(1), letters[1].Seq)
}

func (s *AdminSuite) TestRequeueDeadLetter() {
	created := s.createSubscription()
	subID, err := id.ParseSubscriptionID(created.ID)
	s.Require().NoError(err)

	letter := &webhook.DeadLetter{
		SubscriptionID: subID,
		Event:          models.ChangeEvent{Subject: "user-1", Category: "marketing", Seq: 9},
		Attempts:       3,
	}
	s.Require().NoError(s.letters.Append(context.Background(), letter))

	rec := s.do(http.MethodPost, "/admin/deadletters/"+letter.ID.String()+"/requeue", nil)
	s.Require().Equal(http.StatusAccepted, rec.Code)

	s.Require().Len(s.requeuer.enqueued, 1)
	s.Equal(int64(9), s.requeuer.enqueued[0].Seq)

	// Requeue consumes the dead letter.
	remaining, err := s.letters.List(context.Background(), 0)
	s.Require().NoError(err)
	s.Empty(remaining)
}

func (s *AdminSuite) TestRequeueUnknownDeadLetter() {
	rec := s.do(http.MethodPost, "/admin/deadletters/"+id.NewDeliveryID().String()+"/requeue", nil)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *AdminSuite) TestEraseSubjectRecordsActor() {
	rec := s.do(http.MethodPost, "/admin/subjects/user-9/erase", EraseSubjectRequest{Actor: "operator-7"})
	s.Equal(http.StatusNoContent, rec.Code)
	s.Equal(id.SubjectID("user-9"), s.eraser.subject)
	s.Equal("operator-7", s.eraser.actor)
}

func TestAdminSuite(t *testing.T) {
	suite.Run(t, new(AdminSuite))
}
