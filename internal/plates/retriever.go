// Package plates downloads the per-detection plate sub-images that the
// recognition service keeps for an issued session token.
package plates

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/ncshot-verify/internal/imageformat"
	"github.com/example/ncshot-verify/internal/ncshot"
	"github.com/example/ncshot-verify/internal/observability"
)

// ErrSizeEnvelope marks a fetched plate image outside the accepted byte range.
var ErrSizeEnvelope = errors.New("plate image size outside accepted envelope")

// Fetcher downloads one plate image. *ncshot.Client implements it.
type Fetcher interface {
	FetchPlate(ctx context.Context, scheme ncshot.PlateScheme, token string, number int) ([]byte, error)
}

// Options configure a Retriever.
type Options struct {
	Primary  ncshot.PlateScheme
	Fallback *ncshot.PlateScheme
	MinBytes int
	MaxBytes int
}

// DefaultOptions uses the canonical scheme with no fallback.
func DefaultOptions() Options {
	return Options{
		Primary:  ncshot.DefaultPlateScheme,
		MinBytes: 64,
		MaxBytes: 2 << 20,
	}
}

// Retriever fetches plate images for a token.
type Retriever struct {
	fetcher Fetcher
	opts    Options
	logger  *zap.Logger
}

// NewRetriever builds a Retriever on top of fetcher.
func NewRetriever(fetcher Fetcher, opts Options, logger *zap.Logger) *Retriever {
	if opts.Primary.Path == "" {
		opts.Primary = ncshot.DefaultPlateScheme
	}
	return &Retriever{fetcher: fetcher, opts: opts, logger: logger.Named("plates")}
}

// Fetch returns exactly expected entries, in sequence order. Entries that
// could not be retrieved are nil.
//
// Number 1 doubles as the probe: if it answers 404 or 5xx on the primary scheme
// the fallback scheme is probed, and if the remaining scheme also answers 404
// or 5xx the rest of the indices are not requested.
func (r *Retriever) Fetch(ctx context.Context, token string, expected int) [][]byte {
	if expected <= 0 {
		return [][]byte{}
	}
	images := make([][]byte, expected)
	logger := r.logger.With(zap.String("token", token), zap.Int("expected", expected))

	scheme, first, err := r.probe(ctx, token)
	if err != nil && ncshot.NotFoundOrServerError(err) {
		observability.PlateFetches.WithLabelValues("short_circuit").Inc()
		logger.Warn("plate images unavailable, skipping retrieval", zap.Error(err))
		return images
	}
	images[0] = r.accept(logger, 1, first, err)

	for n := 2; n <= expected; n++ {
		if ctx.Err() != nil {
			logger.Warn("plate retrieval interrupted", zap.Int("number", n), zap.Error(ctx.Err()))
			break
		}
		data, err := r.fetcher.FetchPlate(ctx, scheme, token, n)
		images[n-1] = r.accept(logger, n, data, err)
	}
	return images
}

func (r *Retriever) probe(ctx context.Context, token string) (ncshot.PlateScheme, []byte, error) {
	data, err := r.fetcher.FetchPlate(ctx, r.opts.Primary, token, 1)
	if err == nil || !ncshot.NotFoundOrServerError(err) || r.opts.Fallback == nil {
		return r.opts.Primary, data, err
	}

	r.logger.Debug("primary plate scheme unavailable, probing fallback",
		zap.String("primary", r.opts.Primary.String()), zap.String("fallback", r.opts.Fallback.String()), zap.Error(err))
	data, err = r.fetcher.FetchPlate(ctx, *r.opts.Fallback, token, 1)
	return *r.opts.Fallback, data, err
}

func (r *Retriever) accept(logger *zap.Logger, number int, data []byte, err error) []byte {
	if err == nil {
		err = r.validate(data)
	}
	if err != nil {
		observability.PlateFetches.WithLabelValues("failed").Inc()
		logger.Warn("plate image dropped", zap.Int("number", number), zap.Error(err))
		return nil
	}
	if _, ok := imageformat.Detect(data); !ok {
		logger.Warn("plate image has no recognisable image signature", zap.Int("number", number), zap.Int("bytes", len(data)))
	}
	observability.PlateFetches.WithLabelValues("fetched").Inc()
	return data
}

func (r *Retriever) validate(data []byte) error {
	n := len(data)
	if n < r.opts.MinBytes || (r.opts.MaxBytes > 0 && n > r.opts.MaxBytes) {
		return fmt.Errorf("%w: %d bytes not in [%d, %d]", ErrSizeEnvelope, n, r.opts.MinBytes, r.opts.MaxBytes)
	}
	return nil
}
