// retry.go — ограниченные повторы временных ошибок.
package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// RetryPolicy — параметры повторов.
type RetryPolicy struct {
	// Attempts — общее число попыток (включая первую), минимум 1
	Attempts int
	// Delay — начальная задержка между попытками
	Delay time.Duration
	// MaxDelay — верхняя граница задержки
	MaxDelay time.Duration
}

// DefaultRetryPolicy — политика по умолчанию.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 4,
	Delay:    500 * time.Millisecond,
	MaxDelay: 10 * time.Second,
}

// Retrier повторяет операцию, пока ошибка временная и бюджет не исчерпан.
type Retrier struct {
	policy RetryPolicy
	clock  clock.Clock
	logger *slog.Logger
}

// NewRetrier создаёт Retrier. clk == nil — используются настенные часы.
func NewRetrier(policy RetryPolicy, clk clock.Clock, logger *slog.Logger) *Retrier {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Delay <= 0 {
		policy.Delay = DefaultRetryPolicy.Delay
	}
	if policy.MaxDelay < policy.Delay {
		policy.MaxDelay = policy.Delay
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Retrier{
		policy: policy,
		clock:  clk,
		logger: logger.With(slog.String("component", "retrier")),
	}
}

// Do выполняет fn с повторами временных ошибок (см. IsTransient).
// Возвращает последнюю ошибку fn, а при отмене ctx — ctx.Err().
func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !IsTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			r.logger.Warn("Временная ошибка, повтор",
				slog.String("operation", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
		Attempts:    r.policy.Attempts,
		Delay:       r.policy.Delay,
		MaxDelay:    r.policy.MaxDelay,
		BackoffFunc: retry.ExpBackoff(r.policy.Delay, r.policy.MaxDelay, 2, true),
		Clock:       r.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}

	if retry.IsRetryStopped(err) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		if last := retry.LastError(err); last != nil {
			return last
		}
	}
	return err
}
