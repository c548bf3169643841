package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ncshot-verify/internal/logging"
	"github.com/example/ncshot-verify/internal/ncshot"
	"github.com/example/ncshot-verify/internal/observability"
	"github.com/example/ncshot-verify/internal/result"
)

var (
	// ErrBatchTooLarge rejects a batch above the configured size limit.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	// ErrHostBusy means another batch holds the recognition host.
	ErrHostBusy = errors.New("recognition host is busy")
)

// Recognizer is the per-batch session against the recognition service.
// *ncshot.Manager implements it.
type Recognizer interface {
	PushConfiguration(ctx context.Context, blob string) error
	Submit(ctx context.Context, image []byte) (*ncshot.Session, error)
	Release(ctx context.Context, session *ncshot.Session) bool
}

// RecognizerFactory returns a fresh Recognizer for one batch.
type RecognizerFactory func(batchID string) Recognizer

// PlateRetriever fetches plate sub-images for an issued token.
type PlateRetriever interface {
	Fetch(ctx context.Context, token string, expected int) [][]byte
}

// BatchOptions tune the orchestrator.
type BatchOptions struct {
	MaxBatchSize         int
	ReleaseTimeout       time.Duration
	ReleaseLeakThreshold int
	LockKey              string
	LockTTL              time.Duration
	ConfigAttempts       int
	ConfigBackoff        time.Duration
}

// DefaultBatchOptions returns the limits used when nothing is configured.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{
		MaxBatchSize:         50,
		ReleaseTimeout:       5 * time.Second,
		ReleaseLeakThreshold: 3,
		LockKey:              "ncshot:host-lock",
		LockTTL:              10 * time.Minute,
		ConfigAttempts:       2,
		ConfigBackoff:        500 * time.Millisecond,
	}
}

// BatchUseCase runs image batches through the recognition service, one image
// at a time.
type BatchUseCase struct {
	newRecognizer RecognizerFactory
	retriever     PlateRetriever
	locker        Locker
	opts          BatchOptions
	logger        *zap.Logger
}

// NewBatchUseCase constructs the orchestrator. locker may be nil when only one
// process drives the recognition host.
func NewBatchUseCase(newRecognizer RecognizerFactory, retriever PlateRetriever, locker Locker, opts BatchOptions, logger *zap.Logger) *BatchUseCase {
	return &BatchUseCase{
		newRecognizer: newRecognizer,
		retriever:     retriever,
		locker:        locker,
		opts:          opts,
		logger:        logger.Named("batch_usecase"),
	}
}

// Run pushes configBlob once and then submits images strictly in order. The
// returned BatchResult is never nil. The error is non-nil only when the batch
// was refused (ErrBatchTooLarge, ErrHostBusy), the configuration was rejected
// (ncshot.ErrConfigRejected), the service failed systemically
// (ncshot.ErrSystemicFailure) or ctx was cancelled between images.
func (uc *BatchUseCase) Run(ctx context.Context, configBlob string, images [][]byte) (*BatchResult, error) {
	batchID := uuid.NewString()
	res := newBatchResult(batchID, len(images), time.Now().UTC())
	opLogger := logging.WithOperation(uc.logger, "usecase.run_batch", batchID)

	defer func() {
		res.tally(uc.opts.ReleaseLeakThreshold)
		res.Duration = time.Since(res.StartedAt)
		observability.Batches.WithLabelValues(res.state()).Inc()
		observability.BatchImages.Observe(float64(len(images)))
		if res.LeakSuspected {
			opLogger.Warn("session tokens may be leaking on the recognition service", zap.Int("release_failures", res.ReleaseFailures))
		}
		opLogger.Info("batch finished",
			zap.Int("images", len(images)),
			zap.Int("processed", res.Processed),
			zap.Int("failed", res.Failed),
			zap.Int("not_attempted", res.NotAttempted),
			zap.Bool("aborted", res.Aborted),
			zap.Bool("cancelled", res.Cancelled),
			zap.Duration("duration", res.Duration))
	}()

	if uc.opts.MaxBatchSize > 0 && len(images) > uc.opts.MaxBatchSize {
		err := fmt.Errorf("%w: %d images, limit %d", ErrBatchTooLarge, len(images), uc.opts.MaxBatchSize)
		res.Failure = &result.Failure{Kind: result.FailureBatchLimit, Message: err.Error()}
		opLogger.Warn("batch rejected", zap.Error(err))
		return res, logging.NewOperationError("usecase.run_batch", batchID, err)
	}

	if uc.locker != nil {
		unlock, err := uc.locker.Acquire(ctx, uc.opts.LockKey, uc.opts.LockTTL)
		if err != nil {
			if !errors.Is(err, ErrHostBusy) {
				err = fmt.Errorf("%w: %w", ErrHostBusy, err)
			}
			res.Failure = &result.Failure{Kind: result.FailureHostBusy, Message: err.Error()}
			opLogger.Warn("host lock unavailable", zap.Error(err))
			return res, logging.NewOperationError("usecase.acquire_host_lock", batchID, err)
		}
		defer func() {
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.opts.ReleaseTimeout)
			defer cancel()
			if err := unlock(unlockCtx); err != nil {
				opLogger.Warn("failed to release host lock", zap.Error(err))
			}
		}()
	}

	recognizer := uc.newRecognizer(batchID)
	policy := retryPolicy{attempts: uc.opts.ConfigAttempts, initialBackoff: uc.opts.ConfigBackoff, maxBackoff: uc.opts.ConfigBackoff}
	if err := uc.withRetry(ctx, policy, batchID, "usecase.push_configuration", func() error {
		return recognizer.PushConfiguration(ctx, configBlob)
	}); err != nil {
		res.Failure = &result.Failure{Kind: result.FailureConfig, Message: err.Error(), Snippet: statusSnippet(err)}
		return res, err
	}

	for i, image := range images {
		if err := ctx.Err(); err != nil {
			res.Cancelled = true
			res.Failure = &result.Failure{Kind: result.FailureCancelled, Message: err.Error()}
			opLogger.Info("batch cancelled", zap.Int("next_index", i))
			return res, logging.NewOperationError("usecase.run_batch", batchID, err)
		}

		outcome, err := uc.processImage(context.WithoutCancel(ctx), recognizer, batchID, i, image)
		res.Items[i] = outcome
		if err != nil {
			res.Aborted = true
			res.Failure = outcome.Failure
			opLogger.Error("batch aborted after systemic failure", zap.Int("index", i), zap.Error(err))
			return res, err
		}
	}
	return res, nil
}

// processImage runs one submit, parse, retrieve, release cycle. It returns an
// error only for a systemic failure. ctx must not be cancellable: a started
// image always runs to completion, bounded by per-call timeouts.
func (uc *BatchUseCase) processImage(ctx context.Context, recognizer Recognizer, batchID string, index int, image []byte) (outcome ImageOutcome, err error) {
	outcome = ImageOutcome{Index: index}
	logger := logging.WithOperation(uc.logger, "usecase.process_image", batchID).With(zap.Int("index", index))

	session, err := recognizer.Submit(ctx, image)
	if err != nil {
		failure := &result.Failure{Message: err.Error(), Snippet: statusSnippet(err)}
		if errors.Is(err, ncshot.ErrSystemicFailure) {
			failure.Kind = result.FailureSystemic
			outcome.Status = StatusSystemicFailure
			outcome.Failure = failure
			return outcome, err
		}
		failure.Kind = result.FailureSubmission
		outcome.Status = StatusSubmissionFailed
		outcome.Failure = failure
		logger.Warn("image submission failed", zap.Error(err))
		return outcome, nil
	}

	outcome.Token = session.Token
	defer func() {
		releaseCtx, cancel := context.WithTimeout(ctx, uc.opts.ReleaseTimeout)
		defer cancel()
		if !recognizer.Release(releaseCtx, session) {
			outcome.ReleaseFailed = true
		}
	}()

	parsed := result.Parse(session.RawPayload)
	outcome.Result = parsed
	if parsed.Error != nil {
		outcome.Status = StatusParseFailed
		outcome.Failure = parsed.Error
		logger.Warn("recognition payload could not be parsed", zap.String("reason", parsed.Error.Message))
		return outcome, nil
	}

	outcome.PlateImages = uc.fetchPlates(ctx, logger, session.Token, len(parsed.Plates))
	outcome.Status = StatusCompleted
	return outcome, nil
}

// fetchPlates never panics and always returns expected entries.
func (uc *BatchUseCase) fetchPlates(ctx context.Context, logger *zap.Logger, token string, expected int) (images [][]byte) {
	if expected <= 0 || uc.retriever == nil {
		return make([][]byte, max(expected, 0))
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("plate retrieval panicked", zap.Any("panic", r), zap.String("token", token))
			images = make([][]byte, expected)
		}
	}()

	images = uc.retriever.Fetch(ctx, token, expected)
	if len(images) != expected {
		resized := make([][]byte, expected)
		copy(resized, images)
		images = resized
	}
	return images
}

func statusSnippet(err error) string {
	var statusErr *ncshot.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Snippet
	}
	return ""
}
