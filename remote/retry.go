package remote

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vinizap/lumi/mirror/domain"
	"github.com/vinizap/lumi/mirror/metrics"
	"github.com/vinizap/lumi/mirror/quota"
)

// Recorder observes every outbound call attempt.
type Recorder interface {
	RecordEndpoint(ctx context.Context, endpoint quota.Endpoint) error
}

const (
	DefaultAttempts = 3
	DefaultBackoff  = time.Second
)

type RetryOption func(*Retrying)

// WithAttempts sets the total number of attempts per call.
func WithAttempts(n int) RetryOption {
	return func(r *Retrying) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithBackoff sets the wait before the first retry. It doubles on every
// further retry.
func WithBackoff(d time.Duration) RetryOption {
	return func(r *Retrying) { r.backoff = d }
}

func WithLogger(l zerolog.Logger) RetryOption {
	return func(r *Retrying) { r.log = l }
}

// Retrying wraps a Client with bounded retry on transient failures and
// records every attempt with the Recorder.
type Retrying struct {
	client   Client
	recorder Recorder
	attempts int
	backoff  time.Duration
	log      zerolog.Logger
}

var _ Client = (*Retrying)(nil)

func NewRetrying(client Client, recorder Recorder, opts ...RetryOption) *Retrying {
	r := &Retrying{
		client:   client,
		recorder: recorder,
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		log:      log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Transient reports whether retrying err may succeed.
func Transient(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func call[T any](ctx context.Context, r *Retrying, endpoint quota.Endpoint, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if r.recorder != nil {
			if err := r.recorder.RecordEndpoint(ctx, endpoint); err != nil {
				r.log.Warn().Err(err).Str("endpoint", string(endpoint)).Msg("quota record failed")
			}
		}

		out, err := fn(ctx)
		metrics.RecordRemoteCall(string(endpoint), err)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil || !Transient(err) || attempt == r.attempts-1 {
			break
		}

		wait := r.backoff * (1 << uint(attempt))
		metrics.RecordRemoteRetry(string(endpoint))
		r.log.Warn().
			Err(err).
			Str("endpoint", string(endpoint)).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Msg("retrying remote call")

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}
	return zero, lastErr
}

func (r *Retrying) FetchMetadata(ctx context.Context, fileKey string) (Metadata, error) {
	return call(ctx, r, quota.EndpointFileMetadata, func(ctx context.Context) (Metadata, error) {
		return r.client.FetchMetadata(ctx, fileKey)
	})
}

func (r *Retrying) FetchNodeTree(ctx context.Context, fileKey, nodeID string) (*domain.Node, error) {
	return call(ctx, r, quota.EndpointNode, func(ctx context.Context) (*domain.Node, error) {
		return r.client.FetchNodeTree(ctx, fileKey, nodeID)
	})
}

func (r *Retrying) FetchPreviewImage(ctx context.Context, fileKey, nodeID string) ([]byte, error) {
	return call(ctx, r, quota.EndpointScreenshot, func(ctx context.Context) ([]byte, error) {
		return r.client.FetchPreviewImage(ctx, fileKey, nodeID)
	})
}

func (r *Retrying) FetchVariables(ctx context.Context, fileKey string) (map[string]any, error) {
	return call(ctx, r, quota.EndpointVariables, func(ctx context.Context) (map[string]any, error) {
		return r.client.FetchVariables(ctx, fileKey)
	})
}

func (r *Retrying) FetchVectorAssetsBatch(ctx context.Context, fileKey string, nodeIDs []string) (map[string]string, error) {
	return call(ctx, r, quota.EndpointSVGBatch, func(ctx context.Context) (map[string]string, error) {
		return r.client.FetchVectorAssetsBatch(ctx, fileKey, nodeIDs)
	})
}

func (r *Retrying) FetchRasterAssets(ctx context.Context, fileKey string, refs []domain.AssetRef) (map[domain.AssetRef][]byte, error) {
	return call(ctx, r, quota.EndpointImageFills, func(ctx context.Context) (map[domain.AssetRef][]byte, error) {
		return r.client.FetchRasterAssets(ctx, fileKey, refs)
	})
}
