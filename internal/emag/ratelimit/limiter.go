package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ResourceClass - класс ресурса API eMAG со своим бюджетом запросов
type ResourceClass string

const (
	// ClassOrders - эндпоинты заказов (12/с, 720/мин по документации eMAG)
	ClassOrders ResourceClass = "orders"
	// ClassOther - все остальные эндпоинты (3/с, 180/мин)
	ClassOther ResourceClass = "other"
)

const acquireJitterMax = 100 * time.Millisecond

// Budget - бюджет запросов для одного класса ресурса
type Budget struct {
	PerSecond int
	PerMinute int
}

// classLimiter хранит механизмы ограничения для одного класса:
// token bucket размазывает запросы внутри секунды, а два скользящих
// окна (секундное и минутное) жестко ограничивают число выдач.
// Окна авторитетны: ни одно скользящее окно длиной в свой горизонт
// не наблюдает больше выдач, чем его бюджет.
type classLimiter struct {
	bucket *rate.Limiter

	mu     sync.Mutex
	second slidingWindow
	minute slidingWindow
}

// slidingWindow - моменты выдачи за последний горизонт
type slidingWindow struct {
	horizon time.Duration
	cap     int
	stamps  []time.Time
}

// Limiter следит за тем, чтобы исходящие вызовы не превышали бюджет
// своего класса ресурса при любом числе конкурентных вызывающих.
// Счетчики принадлежат только лимитеру и снаружи не изменяются.
type Limiter struct {
	classes map[ResourceClass]*classLimiter
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() time.Duration
}

// NewLimiter создает лимитер с заданными бюджетами по классам
func NewLimiter(budgets map[ResourceClass]Budget) *Limiter {
	l := &Limiter{
		classes: make(map[ResourceClass]*classLimiter, len(budgets)),
		now:     time.Now,
		sleep:   sleepCtx,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(acquireJitterMax)))
		},
	}
	for class, b := range budgets {
		l.classes[class] = &classLimiter{
			bucket: rate.NewLimiter(rate.Every(time.Second/time.Duration(b.PerSecond)), b.PerSecond),
			second: slidingWindow{horizon: time.Second, cap: b.PerSecond},
			minute: slidingWindow{horizon: time.Minute, cap: b.PerMinute},
		}
	}
	return l
}

// Acquire блокирует вызывающего до тех пор, пока оба лимита класса не
// позволят выполнить запрос. Никогда не отказывает, кроме отмены контекста.
// Ожидание кооперативное и не держит внутреннюю блокировку.
// После выдачи токена добавляется случайная задержка 0-100мс, чтобы
// одновременно проснувшиеся вызывающие не выстрелили синхронным залпом.
func (l *Limiter) Acquire(ctx context.Context, class ResourceClass) error {
	cl, ok := l.classes[class]
	if !ok {
		return fmt.Errorf("ratelimit: unknown resource class %q", class)
	}

	if err := cl.bucket.Wait(ctx); err != nil {
		return err
	}

	for {
		wait, granted := cl.tryReserve(l.now())
		if granted {
			break
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}

	if j := l.jitter(); j > 0 {
		if err := l.sleep(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

// tryReserve пытается занять слот сразу в обоих окнах класса; выдача
// атомарна, поэтому переполнение одного окна в обход другого невозможно.
// Если хотя бы одно окно заполнено, возвращает время до освобождения
// самого позднего из мешающих слотов.
// Блокировка держится только на время обновления счетчиков.
func (cl *classLimiter) tryReserve(now time.Time) (time.Duration, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.second.trim(now)
	cl.minute.trim(now)

	if cl.second.hasRoom() && cl.minute.hasRoom() {
		cl.second.stamps = append(cl.second.stamps, now)
		cl.minute.stamps = append(cl.minute.stamps, now)
		return 0, true
	}

	var wait time.Duration
	if !cl.second.hasRoom() {
		wait = cl.second.nextFree(now)
	}
	if !cl.minute.hasRoom() {
		if w := cl.minute.nextFree(now); w > wait {
			wait = w
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

func (w *slidingWindow) hasRoom() bool {
	return len(w.stamps) < w.cap
}

// nextFree возвращает время до выхода самого старого слота из окна
func (w *slidingWindow) nextFree(now time.Time) time.Duration {
	return w.stamps[0].Add(w.horizon).Sub(now)
}

// trim выбрасывает из окна выдачи старше горизонта
func (w *slidingWindow) trim(now time.Time) {
	cutoff := now.Add(-w.horizon)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Utilization возвращает долю использования минутного бюджета класса (0..1).
// Используется трекером здоровья.
func (l *Limiter) Utilization(class ResourceClass) float64 {
	cl, ok := l.classes[class]
	if !ok {
		return 0
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.minute.trim(l.now())
	if cl.minute.cap == 0 {
		return 0
	}
	return float64(len(cl.minute.stamps)) / float64(cl.minute.cap)
}

// MaxUtilization возвращает максимальную загрузку среди всех классов
func (l *Limiter) MaxUtilization() float64 {
	var max float64
	for class := range l.classes {
		if u := l.Utilization(class); u > max {
			max = u
		}
	}
	return max
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
