package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/ioko18/magflow-erp-sub004/internal/emag"
)

// Retrier превращает одиночный потенциально-временный удаленный вызов
// в устойчивый, не маскируя постоянные отказы.
// Классификация ошибок описана в пакете emag: повторяются только
// rate_limited, server_error и network; auth и validation фатальны.
type Retrier struct {
	MaxRetries int           // максимальное число попыток (не повторов)
	BaseDelay  time.Duration // стартовая задержка, удваивается с каждой попыткой
	MaxDelay   time.Duration // потолок задержки

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// NewRetrier создает движок повторов с заданным профилем.
// Документированные профили: заказы 3 попытки / 1с / 10с,
// массовая синхронизация 5 попыток / 2с / 30с.
func NewRetrier(maxRetries int, baseDelay, maxDelay time.Duration) *Retrier {
	return &Retrier{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
		sleep:      sleepCtx,
		jitter: func(d time.Duration) time.Duration {
			// до 25% поверх базовой задержки
			return d + time.Duration(rand.Int63n(int64(d)/4+1))
		},
	}
}

// Do выполняет op с экспоненциальной выдержкой.
// Операция должна быть идемпотентной - это ответственность вызывающего.
// Исчерпание попыток возвращает последнюю ошибку с проставленным числом
// попыток; фатальные ошибки возвращаются сразу.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	delay := r.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= r.MaxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		apiErr, ok := emag.AsAPIError(err)
		if !ok || !apiErr.Retryable() {
			if ok {
				apiErr.Attempts = attempt
			}
			return err
		}
		apiErr.Attempts = attempt

		if attempt == r.MaxRetries {
			break
		}

		// между попытками не держим ни транзакций, ни блокировок
		if err := r.sleep(ctx, r.jitter(delay)); err != nil {
			return lastErr
		}
		delay *= 2
		if delay > r.MaxDelay {
			delay = r.MaxDelay
		}
	}
	return lastErr
}

// NextDelay возвращает задержку перед попыткой attempt (с нуля), без джиттера.
// Вынесена отдельно, чтобы профиль выдержки был проверяем.
func (r *Retrier) NextDelay(attempt int) time.Duration {
	delay := r.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > r.MaxDelay {
			return r.MaxDelay
		}
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
