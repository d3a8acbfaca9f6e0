package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clinicdesk/backend/internal/domain/patient"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/clinicdesk/backend/internal/interfaces/http/dto"
	"github.com/clinicdesk/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	saved   map[string]*patient.WizardDraft
	ttls    map[string]time.Duration
	saveErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{saved: map[string]*patient.WizardDraft{}, ttls: map[string]time.Duration{}}
}

func (s *recordingStore) Save(_ context.Context, key patient.DraftKey, draft *patient.WizardDraft, ttl time.Duration) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved[key.String()] = draft
	s.ttls[key.String()] = ttl
	return nil
}

func (s *recordingStore) Load(_ context.Context, key patient.DraftKey) (*patient.WizardDraft, error) {
	if d, ok := s.saved[key.String()]; ok {
		return d, nil
	}
	return nil, shared.ErrNotFound
}

func (s *recordingStore) Delete(_ context.Context, key patient.DraftKey) error {
	delete(s.saved, key.String())
	return nil
}

func draftContext(method, body string, tenant uuid.UUID, user string) (*gin.Context, *httptest.ResponseRecorder) {
	c, w := newContext(method, "/patients/wizard/draft", tenant)
	if user != "" {
		c.Set(middleware.UserIDKey, user)
	}
	if body != "" {
		withBody(c, body)
	}
	return c, w
}

func TestDraftHandler_Save(t *testing.T) {
	tenant := uuid.New()
	fixed := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)

	t.Run("stores a valid draft under the caller's key", func(t *testing.T) {
		store := newRecordingStore()
		h := NewDraftHandler(store, 0)
		h.now = func() time.Time { return fixed }
		c, w := draftContext(http.MethodPut, `{"demographics":{"name":"Karim","age":41},"currentStep":1}`, tenant, "u-1")

		h.Save(c)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		key := patient.DraftKey{TenantID: tenant, UserID: "u-1", Feature: patient.WizardFeature}.String()
		require.Contains(t, store.saved, key)
		assert.Equal(t, fixed, store.saved[key].SavedAt)
		assert.Equal(t, patient.DefaultDraftTTL, store.ttls[key])
	})

	t.Run("validation failures list the fields", func(t *testing.T) {
		store := newRecordingStore()
		h := NewDraftHandler(store, time.Hour)
		c, w := draftContext(http.MethodPut, `{"demographics":{"age":151},"currentStep":0}`, tenant, "u-1")

		h.Save(c)

		require.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode(t, w)
		assert.Equal(t, dto.ErrCodeValidation, resp.Error.Code)
		fields := []string{}
		for _, d := range resp.Error.Details {
			fields = append(fields, d.Field)
		}
		assert.ElementsMatch(t, []string{"age", "currentStep"}, fields)
		assert.Empty(t, store.saved)
	})

	t.Run("missing user", func(t *testing.T) {
		h := NewDraftHandler(newRecordingStore(), time.Hour)
		c, w := draftContext(http.MethodPut, `{}`, tenant, "")

		h.Save(c)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("store failure is a 500", func(t *testing.T) {
		store := newRecordingStore()
		store.saveErr = errors.New("redis: connection pool timeout")
		h := NewDraftHandler(store, time.Hour)
		c, w := draftContext(http.MethodPut, `{"demographics":{},"currentStep":3}`, tenant, "u-1")

		h.Save(c)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestDraftHandler_LoadAndDiscard(t *testing.T) {
	tenant := uuid.New()
	store := newRecordingStore()
	h := NewDraftHandler(store, time.Hour)
	key := patient.DraftKey{TenantID: tenant, UserID: "u-1", Feature: patient.WizardFeature}
	require.NoError(t, store.Save(context.Background(), key, &patient.WizardDraft{
		Demographics: &patient.Demographics{},
		CurrentStep:  2,
	}, time.Hour))

	c, w := draftContext(http.MethodGet, "", tenant, "u-1")
	h.Load(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w).Data.(map[string]any)["currentStep"])

	c, w = draftContext(http.MethodGet, "", tenant, "u-2")
	h.Load(c)
	assert.Equal(t, http.StatusNotFound, w.Code)

	c, w = draftContext(http.MethodDelete, "", tenant, "u-1")
	h.Discard(c)
	c.Writer.WriteHeaderNow()
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, store.saved)
}
