// Package jobs defines the background tasks run by the worker.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/apicache/stackexchange"
)

const TaskRefreshRecent = "refresh:recent"

// RefreshRecentPayload carries no credential; the worker refreshes with its
// own configured key.
type RefreshRecentPayload struct {
	Site string `json:"site"`
}

// NewRefreshRecentTask builds a task that rebuilds the recent index of site.
func NewRefreshRecentTask(site string) (*asynq.Task, error) {
	if site == "" {
		return nil, fmt.Errorf("site required")
	}
	b, err := json.Marshal(RefreshRecentPayload{Site: site})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRefreshRecent, b), nil
}

// RecentRefresher is satisfied by *engine.Engine.
type RecentRefresher interface {
	GetRecentQuestions(ctx context.Context, apiKey, site string, expiry, maxAge time.Duration) ([]json.RawMessage, error)
}

// RefreshHandler processes TaskRefreshRecent tasks.
type RefreshHandler struct {
	Engine RecentRefresher
	APIKey string
	Log    zerolog.Logger
}

// ProcessTask implements asynq.Handler. A max age of zero forces the index
// to be fetched again.
func (h *RefreshHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p RefreshRecentPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.Log.Error().Err(err).Msg("bad refresh payload")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if p.Site == "" {
		return fmt.Errorf("refresh payload without site: %w", asynq.SkipRetry)
	}

	start := time.Now()
	items, err := h.Engine.GetRecentQuestions(ctx, h.APIKey, p.Site, 0, 0)
	if err != nil {
		h.Log.Warn().Err(err).Str("site", p.Site).Dur("took", time.Since(start)).Msg("refresh failed")
		if !isRetryableError(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	h.Log.Info().Str("site", p.Site).Int("items", len(items)).Dur("took", time.Since(start)).Msg("recent index refreshed")
	return nil
}

// isRetryableError determines if an error should trigger a task retry.
// Client errors from the upstream (bad key, unknown site) will not go away.
func isRetryableError(err error) bool {
	var ue *stackexchange.UpstreamError
	if errors.As(err, &ue) {
		return ue.Temporary() || ue.StatusCode >= 500
	}
	return true
}
