package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWrite(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantDetail string
	}{
		{name: "not found", err: NotFound("Conversation not found."), wantStatus: http.StatusNotFound, wantDetail: "Conversation not found."},
		{name: "forbidden", err: Forbidden(), wantStatus: http.StatusForbidden, wantDetail: "Unauthorized"},
		{name: "bad request", err: BadRequest("invalid conversation id"), wantStatus: http.StatusBadRequest, wantDetail: "invalid conversation id"},
		{name: "upstream", err: Upstream(errors.New("dial tcp: connection refused")), wantStatus: http.StatusInternalServerError, wantDetail: "Error processing chat message"},
		{name: "plain error", err: errors.New("database is locked"), wantStatus: http.StatusInternalServerError, wantDetail: "Internal Server Error"},
		{name: "wrapped", err: fmt.Errorf("lookup: %w", NotFound("gone")), wantStatus: http.StatusNotFound, wantDetail: "gone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Write(rec, zap.NewNop(), tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantDetail, body["detail"])
		})
	}
}

func TestWrite_DoesNotLeakInternals(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	rec := httptest.NewRecorder()

	Write(rec, zap.New(core), Internal(errors.New("pq: password authentication failed")))

	assert.NotContains(t, rec.Body.String(), "password")
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zap.ErrorLevel, entry.Level)
	assert.Contains(t, entry.ContextMap()["error"], "password authentication failed")
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("chat: %w", Forbidden())

	assert.True(t, errors.Is(err, ErrForbidden))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(Upstream(errors.New("boom")), ErrUpstream))
}
