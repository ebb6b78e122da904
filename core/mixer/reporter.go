package mixer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Narrato/model"
	"Narrato/repository"
)

// HTTPReporter PATCHes the track status endpoint, as a worker running outside the API process does.
type HTTPReporter struct {
	baseURL  string
	secret   string
	client   *http.Client
	tokenTTL time.Duration
}

// NewHTTPReporter creates a callback reporter. client may be nil.
func NewHTTPReporter(baseURL, secret string, client *http.Client) *HTTPReporter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPReporter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		secret:   secret,
		client:   client,
		tokenTTL: 5 * time.Minute,
	}
}

// StatusPath is the callback route for a track.
func StatusPath(trackID int64) string {
	return fmt.Sprintf("/api/audio/tracks/%d/mix-status", trackID)
}

func (r *HTTPReporter) Report(ctx context.Context, trackID int64, update model.MixUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal mix update: %w", err)
	}
	token, err := IssueToken(r.secret, trackID, r.tokenTTL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, r.baseURL+StatusPath(trackID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("mix status callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mix status callback: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// RepositoryReporter writes directly to the track table when the worker shares the database.
type RepositoryReporter struct {
	tracks repository.TrackRepository
}

// NewRepositoryReporter creates a reporter backed by the track repository.
func NewRepositoryReporter(tracks repository.TrackRepository) *RepositoryReporter {
	return &RepositoryReporter{tracks: tracks}
}

func (r *RepositoryReporter) Report(ctx context.Context, trackID int64, update model.MixUpdate) error {
	return r.tracks.UpdateMix(ctx, trackID, update)
}
