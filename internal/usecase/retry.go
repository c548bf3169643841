package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/ncshot-verify/internal/logging"
	"github.com/example/ncshot-verify/internal/ncshot"
)

type retryPolicy struct {
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func (uc *BatchUseCase) withRetry(ctx context.Context, policy retryPolicy, batchID, operation string, fn func() error) error {
	if policy.attempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, batchID, err)
	}

	backoff := policy.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, batchID)
	var err error
	for attempt := 0; attempt < policy.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, batchID, errors.Join(err, ctx.Err()))
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= policy.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == policy.attempts-1 {
			opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, batchID, err)
		}

		opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, batchID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	var statusErr *ncshot.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 500 {
		return true
	}

	return false
}
