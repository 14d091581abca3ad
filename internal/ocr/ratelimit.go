package ocr

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// RateLimited bounds the request rate of a remote engine shared by all workers.
type RateLimited struct {
	Engine
	limiter *rate.Limiter
}

// NewRateLimited wraps engine so it is called at most requestsPerSecond
// times per second, with the given burst.
func NewRateLimited(engine Engine, requestsPerSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		Engine:  engine,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// Recognize waits for a token from the limiter before delegating.
func (r *RateLimited) Recognize(ctx context.Context, page Page) ([]invoice.Token, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Engine.Recognize(ctx, page)
}
