package appserver

import (
	"sync"
	"time"
)

// TimerID идентификатор таймера, задается сервисом и уникален в пределах транзакции
type TimerID string

// TimerEvent событие срабатывания таймера
type TimerEvent struct {
	ID        TimerID
	Payload   any
	Duration  time.Duration
	Scheduled time.Time
}

// TimerPayload возвращает полезную нагрузку таймера нужного типа
func TimerPayload[T any](ev TimerEvent) (T, bool) {
	v, ok := ev.Payload.(T)
	return v, ok
}

type timerEntry struct {
	gen       uint64
	payload   any
	duration  time.Duration
	scheduled time.Time
	timer     *time.Timer
}

// timerRegistry управляет таймерами транзакции.
//
// Каждый запуск получает номер поколения. Срабатывание доставляется
// в сериализатор транзакции через fire, а take отбрасывает срабатывания
// уже замененных или отмененных таймеров.
type timerRegistry struct {
	mu     sync.Mutex
	timers map[TimerID]*timerEntry
	gen    uint64
	max    int
	fire   func(id TimerID, gen uint64)
}

func newTimerRegistry(max int, fire func(id TimerID, gen uint64)) *timerRegistry {
	return &timerRegistry{
		timers: make(map[TimerID]*timerEntry),
		max:    max,
		fire:   fire,
	}
}

// schedule запускает таймер. Если таймер с таким id уже запущен,
// он останавливается и заменяется новым под той же блокировкой.
func (r *timerRegistry) schedule(id TimerID, payload any, d time.Duration) bool {
	if d <= 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.timers[id]; ok {
		old.timer.Stop()
	} else if r.max > 0 && len(r.timers) >= r.max {
		return false
	}

	r.gen++
	gen := r.gen
	e := &timerEntry{
		gen:       gen,
		payload:   payload,
		duration:  d,
		scheduled: time.Now(),
	}
	e.timer = time.AfterFunc(d, func() {
		r.fire(id, gen)
	})
	r.timers[id] = e
	return true
}

// cancel останавливает таймер, повторный вызов ничего не делает
func (r *timerRegistry) cancel(id TimerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.timers[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.timers, id)
	return true
}

func (r *timerRegistry) isRunning(id TimerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.timers[id]
	return ok
}

// take забирает сработавший таймер. Возвращает false для устаревшего поколения.
func (r *timerRegistry) take(id TimerID, gen uint64) (TimerEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.timers[id]
	if !ok || e.gen != gen {
		return TimerEvent{}, false
	}
	delete(r.timers, id)
	return TimerEvent{
		ID:        id,
		Payload:   e.payload,
		Duration:  e.duration,
		Scheduled: e.scheduled,
	}, true
}

// stopAll останавливает все таймеры транзакции
func (r *timerRegistry) stopAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.timers)
	for id, e := range r.timers {
		e.timer.Stop()
		delete(r.timers, id)
	}
	return n
}

func (r *timerRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
