package fcp

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxAttempts bounds connection attempts per runner fetch.
const DefaultMaxAttempts = 3

// RenameError reports a fetch that succeeded but could not be moved into place.
// The fetched bytes remain at TempPath.
type RenameError struct {
	TempPath   string
	TargetPath string
	Err        error
}

func (e *RenameError) Error() string {
	return fmt.Sprintf("promote %q to %q: %v", e.TempPath, e.TargetPath, e.Err)
}

func (e *RenameError) Unwrap() error {
	return e.Err
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	MaxAttempts int
	Logger      zerolog.Logger
}

// Runner fetches into a private temp file and promotes it on success. Only
// connection establishment failures are retried.
type Runner struct {
	client      *Client
	maxAttempts int
	logger      zerolog.Logger
}

// NewRunner wraps client.
func NewRunner(client *Client, options RunnerOptions) *Runner {
	attempts := options.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return &Runner{
		client:      client,
		maxAttempts: attempts,
		logger:      options.Logger.With().Str("component", "fcp_runner").Logger(),
	}
}

// Fetch retrieves req.Key into req.TargetPath. A not-found answer is returned as
// is after a single attempt; use IsNotFound to tell it apart from failures.
func (r *Runner) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	if IsPlaceholderKey(req.Key) {
		return nil, ErrEmptyKey
	}
	if req.TargetPath == "" {
		return nil, errors.New("target path is required")
	}

	tempPath := req.TargetPath + ".part." + uuid.NewString()
	attemptReq := req
	attemptReq.TargetPath = tempPath

	var (
		result *FetchResult
		err    error
	)
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		result, err = r.client.Fetch(ctx, attemptReq)
		if err == nil {
			break
		}
		var dialErr *DialError
		if !errors.As(err, &dialErr) || ctx.Err() != nil {
			break
		}
		r.logger.Debug().Err(err).Int("attempt", attempt).Str("key", req.Key).Msg("node connection failed")
	}
	if err != nil {
		_ = removeIfExists(tempPath)
		return nil, err
	}

	if err := os.Rename(tempPath, req.TargetPath); err != nil {
		r.logger.Error().Err(err).Str("temp_path", tempPath).Msg("fetched file left in temp location")
		return result, &RenameError{TempPath: tempPath, TargetPath: req.TargetPath, Err: err}
	}
	return result, nil
}
