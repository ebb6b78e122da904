package mixer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Narrato/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPReporter_PatchesTrackStatus(t *testing.T) {
	const secret = "s3cret"
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/audio/tracks/42/mix-status", r.URL.Path)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		assert.NoError(t, VerifyToken(secret, token, 42))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rep := NewHTTPReporter(srv.URL+"/", secret, srv.Client())
	err := rep.Report(context.Background(), 42, model.MixUpdate{
		Status:   model.MixStatusCompleted,
		MixedURL: "https://cdn.test/k-mixed.mp3",
		MixedKey: "k-mixed.mp3",
	})
	require.NoError(t, err)

	assert.Equal(t, "completed", got["mix_status"])
	assert.Equal(t, "https://cdn.test/k-mixed.mp3", got["mixed_audio_url"])
	assert.Equal(t, "k-mixed.mp3", got["mixed_s3_key"])
	_, hasErr := got["error_message"]
	assert.False(t, hasErr)
}

func TestHTTPReporter_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "track not found", http.StatusNotFound)
	}))
	defer srv.Close()

	rep := NewHTTPReporter(srv.URL, "s3cret", nil)
	err := rep.Report(context.Background(), 7, model.MixUpdate{Status: model.MixStatusFailed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "track not found")
}

func TestToken(t *testing.T) {
	token, err := IssueToken("s3cret", 42, time.Minute)
	require.NoError(t, err)

	assert.NoError(t, VerifyToken("s3cret", token, 42))
	assert.ErrorIs(t, VerifyToken("s3cret", token, 43), ErrUnauthorized)
	assert.ErrorIs(t, VerifyToken("other", token, 42), ErrUnauthorized)
	assert.ErrorIs(t, VerifyToken("s3cret", "garbage", 42), ErrUnauthorized)

	expired, err := IssueToken("s3cret", 42, -time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyToken("s3cret", expired, 42), ErrUnauthorized)

	_, err = IssueToken("", 42, time.Minute)
	assert.Error(t, err)
}
