package appserver

import (
	"log/slog"
	"runtime/debug"
)

// invoke вызывает код сервиса и восстанавливается после паники.
// Транзакция после паники завершается ответом 500.
func (t *Transaction) invoke(callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.metrics.Panic()
			t.log.Error("PANIC восстановлен в колбэке сервиса",
				slog.String("callback", callback),
				slog.Any("panic_value", r),
				slog.String("stack_trace", string(debug.Stack())))
			t.failClosed()
		}
	}()
	fn()
}

// onPanic паника вне колбэка сервиса, внутри задачи сериализатора
func (t *Transaction) onPanic(v any) {
	t.metrics.Panic()
	t.log.Error("PANIC восстановлен в задаче транзакции",
		slog.Any("panic_value", v),
		slog.String("stack_trace", string(debug.Stack())))
	t.inCallback = false
	t.failClosed()
	t.maybeDestroy()
}

func (t *Transaction) failClosed() {
	if t.finalSent || t.Phase() == PhaseCompleted {
		return
	}
	t.metrics.Synthesized(StatusInternalServerError, "panic")
	t.sendFinal(t.synthesize(StatusInternalServerError), "panic")
}
