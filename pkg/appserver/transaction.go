package appserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// TxKind тип входящего запроса транзакции
type TxKind string

const (
	TxInitial  TxKind = "initial"
	TxInDialog TxKind = "in_dialog"
)

// Transaction обработка одного входящего запроса: вызовы сервиса, форки,
// таймеры и итоговый ответ наверх.
//
// Все входящие события (запрос, ответы, отказы форков, отмена, таймеры)
// проходят через сериализатор, поэтому сервис никогда не вызывается
// конкурентно для одной транзакции. Состояние ниже меняется только из
// цепочки сериализатора.
type Transaction struct {
	id      string
	trail   uint64
	kind    TxKind
	engine  *Engine
	svc     AppServer
	tsx     AppServerTsx
	orig    *sip.Request
	up      Upstream
	log     *slog.Logger
	metrics *Metrics
	created time.Time

	phase  *fsm.FSM
	exec   serializer
	forks  forkTable
	timers *timerRegistry
	msgs   *messageArena

	inCallback bool
	callback   string
	finalSent  bool
	destroyed  bool

	mu          sync.Mutex
	dialogID    string
	finalStatus int

	done chan struct{}
}

func newTransaction(e *Engine, id string, kind TxKind, svc AppServer, req *sip.Request, up Upstream) *Transaction {
	t := &Transaction{
		id:      id,
		kind:    kind,
		engine:  e,
		svc:     svc,
		orig:    req,
		up:      up,
		metrics: e.metrics,
		created: time.Now(),
		done:    make(chan struct{}),
	}
	t.trail = e.trails.Add(1)

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	t.log = e.log.With(
		slog.String("txID", id),
		slog.Uint64("trail", t.trail),
		slog.String("service", svc.Name()),
		slog.String("callID", callID))

	t.phase = newPhaseMachine(func(from, to Phase) {
		t.log.Debug("Transaction.phase", slog.String("from", from.String()), slog.String("to", to.String()))
		t.metrics.StateTransition(from, to)
	})
	t.exec.onPanic = t.onPanic
	t.timers = newTimerRegistry(e.cfg.MaxTimers, func(timerID TimerID, gen uint64) {
		t.exec.Do(func() { t.handleTimer(timerID, gen) })
	})
	t.msgs = newMessageArena(e.cfg.StrictHandles, t.log)
	t.msgs.onMisuse = t.metrics.HandleMisuse
	t.msgs.onLeak = t.metrics.HandleLeaks
	return t
}

// ID идентификатор транзакции
func (t *Transaction) ID() string {
	return t.id
}

// Kind тип запроса транзакции
func (t *Transaction) Kind() TxKind {
	return t.kind
}

// Phase текущая фаза
func (t *Transaction) Phase() Phase {
	return Phase(t.phase.Current())
}

// Request исходный запрос. Не изменять.
func (t *Transaction) Request() *sip.Request {
	return t.orig
}

// FinalStatus код отправленного наверх финального ответа, 0 пока его нет
func (t *Transaction) FinalStatus() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalStatus
}

// Done закрывается после уничтожения транзакции
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

func (t *Transaction) setPhase(to Phase) {
	from := t.Phase()
	if from == to {
		return
	}
	if err := t.phase.Event(context.TODO(), formEventName(from, to)); err != nil {
		t.log.Error("Transaction.setPhase",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.Any("error", err))
	}
}

func (t *Transaction) start() {
	t.exec.Do(t.handleRequest)
}

// DeliverResponse ответ по форку от транспорта
func (t *Transaction) DeliverResponse(forkID int, rsp *sip.Response) {
	t.exec.Do(func() {
		t.handleResponse(forkID, rsp)
	})
}

// DeliverForkFailure отказ транспорта или таймаут форка. Сервис получит
// синтезированный ответ со статусом status через OnResponse.
func (t *Transaction) DeliverForkFailure(forkID int, status int) {
	t.exec.Do(func() {
		t.handleForkFailure(forkID, status)
	})
}

// DeliverCancel отмена со стороны вызывающего: 487 для CANCEL,
// 408 при отказе входящего транспорта
func (t *Transaction) DeliverCancel(status int) {
	t.exec.Do(func() {
		t.handleCancel(status)
	})
}

func (t *Transaction) handleRequest() {
	defer t.maybeDestroy()

	t.setPhase(PhaseActive)
	t.runCallback("OnRequest", func() {
		req := t.msgs.wrapRequest(cloneRequest(t.orig))
		if t.tsx == nil {
			t.tsx = t.svc.GetAppTsx(t, req)
			if t.tsx == nil {
				t.log.Debug("Transaction.handleRequest service declined, passing through")
				t.tsx = &passThroughTsx{BaseTsx: NewBaseTsx(t)}
			}
		}

		if t.kind == TxInDialog {
			t.tsx.OnInDialogRequest(req)
		} else {
			t.tsx.OnInitialRequest(req)
		}
	})
	t.enforcePolicy()
}

func (t *Transaction) handleResponse(forkID int, rsp *sip.Response) {
	defer t.maybeDestroy()

	if t.Phase() != PhaseActive {
		t.log.Debug("Transaction.handleResponse discarded",
			slog.Int("forkID", forkID),
			slog.Int("status", rsp.StatusCode),
			slog.String("phase", t.Phase().String()))
		return
	}

	f, ok := t.forks.get(forkID)
	if !ok {
		t.log.Warn("Transaction.handleResponse unknown fork",
			slog.Int("forkID", forkID),
			slog.Int("status", rsp.StatusCode))
		return
	}
	if f.State.Terminal() {
		t.log.Debug("Transaction.handleResponse late response on terminal fork",
			slog.Int("forkID", forkID),
			slog.String("forkState", f.State.String()),
			slog.Int("status", rsp.StatusCode))
		return
	}

	if rsp.StatusCode < 200 {
		t.forks.markProvisional(f, rsp.StatusCode)
	} else {
		t.forks.markFinal(f, rsp)
		t.metrics.ForkOutcome("final")
	}

	t.runCallback("OnResponse", func() {
		t.tsx.OnResponse(t.msgs.wrapResponse(rsp), forkID)
	})
	t.enforcePolicy()
}

func (t *Transaction) handleForkFailure(forkID int, status int) {
	f, ok := t.forks.get(forkID)
	if !ok {
		t.log.Warn("Transaction.handleForkFailure unknown fork", slog.Int("forkID", forkID))
		return
	}

	rsp := sip.NewResponseFromRequest(f.Request, status, ReasonPhrase(status), nil)
	if t.Phase() == PhaseActive && f.State == ForkPending {
		t.metrics.Synthesized(status, "fork_failure")
		t.log.Debug("Transaction.handleForkFailure",
			slog.Int("forkID", forkID),
			slog.Int("status", status))
	}
	t.handleResponse(forkID, rsp)
}

func (t *Transaction) handleCancel(status int) {
	defer t.maybeDestroy()

	if t.Phase() != PhaseActive {
		t.log.Debug("Transaction.handleCancel ignored", slog.String("phase", t.Phase().String()))
		return
	}

	t.setPhase(PhaseCancelling)
	t.runCallback("OnCancel", func() {
		t.tsx.OnCancel(status)
	})

	if !t.finalSent {
		t.sendFinal(t.synthesize(status), "cancel")
		return
	}
	t.finish(status, ReasonPhrase(status))
}

func (t *Transaction) handleTimer(id TimerID, gen uint64) {
	defer t.maybeDestroy()

	if t.Phase() != PhaseActive {
		return
	}
	ev, ok := t.timers.take(id, gen)
	if !ok {
		return
	}

	t.metrics.TimerFired()
	t.log.Debug("Transaction.handleTimer", slog.String("timerID", string(id)))
	t.runCallback("OnTimerExpiry", func() {
		t.tsx.OnTimerExpiry(ev)
	})
	t.enforcePolicy()
}

// runCallback вызывает сервис внутри области колбэка. Хендлы,
// не использованные сервисом, освобождаются при выходе.
func (t *Transaction) runCallback(name string, fn func()) {
	t.inCallback = true
	t.callback = name
	t.msgs.beginScope()

	t.invoke(name, fn)

	t.msgs.endScope()
	t.inCallback = false
	t.callback = ""
}

// enforcePolicy не дает транзакции зависнуть: если после колбэка
// не осталось ожидающих форков и финальный ответ не отправлен, движок
// отправляет лучший полученный финальный ответ, а без него 503.
func (t *Transaction) enforcePolicy() {
	if t.Phase() != PhaseActive || t.finalSent || t.forks.pendingCount() > 0 {
		return
	}

	t.metrics.Error(KindPolicyViolation)
	if best := t.forks.best; best != nil {
		t.log.Warn("Transaction policy violation: no decision after last fork completed, relaying best response",
			slog.Int("status", best.StatusCode),
			slog.Int("forks", t.forks.len()))
		t.sendFinal(best, "policy")
		return
	}

	t.log.Warn("Transaction policy violation: service neither forked nor responded",
		slog.Int("forks", t.forks.len()))
	t.metrics.Synthesized(StatusServiceUnavailable, "policy")
	t.sendFinal(t.synthesize(StatusServiceUnavailable), "policy")
}

func (t *Transaction) synthesize(status int) *sip.Response {
	return sip.NewResponseFromRequest(t.orig, status, ReasonPhrase(status), nil)
}

// relay отправляет ответ наверх
func (t *Transaction) relay(rsp *sip.Response) {
	t.metrics.ResponseRelayed(rsp.StatusCode)
	if t.up == nil {
		return
	}
	if err := t.up.Respond(rsp); err != nil {
		t.log.Error("Transaction.relay",
			slog.Int("status", rsp.StatusCode),
			slog.Any("error", err))
	}
}

// sendFinal фиксирует итог транзакции, отправляет его наверх
// и отменяет проигравшие форки
func (t *Transaction) sendFinal(rsp *sip.Response, cause string) {
	t.finalSent = true
	t.mu.Lock()
	t.finalStatus = rsp.StatusCode
	t.mu.Unlock()

	t.log.Debug("Transaction.sendFinal",
		slog.Int("status", rsp.StatusCode),
		slog.String("cause", cause))
	t.relay(rsp)

	if t.kind == TxInDialog && t.orig.Method == sip.BYE && rsp.StatusCode < 300 {
		t.dropDialog()
	}

	if rsp.StatusCode < 300 {
		t.finish(rsp.StatusCode, "Call completed elsewhere")
		return
	}
	t.finish(StatusRequestTerminated, ReasonPhrase(StatusRequestTerminated))
}

// finish отменяет ожидающие форки, останавливает таймеры и завершает транзакцию
func (t *Transaction) finish(cancelStatus int, cancelReason string) {
	for _, f := range t.forks.pending() {
		t.cancelFork(f, cancelStatus, cancelReason)
	}
	t.timers.stopAll()
	t.setPhase(PhaseCompleted)
}

func (t *Transaction) cancelFork(f *Fork, status int, reason string) {
	if !t.forks.markCancelled(f) {
		return
	}
	t.metrics.ForkOutcome("cancelled")
	t.log.Debug("Transaction.cancelFork",
		slog.Int("forkID", f.ID),
		slog.Int("status", status),
		slog.String("reason", reason))

	down := t.engine.getDownstream()
	if down == nil {
		return
	}
	if err := down.TransmitCancel(t, f.ID, status, reason); err != nil {
		t.log.Warn("Transaction.cancelFork transmit failed",
			slog.Int("forkID", f.ID),
			slog.Any("error", err))
	}
}

func (t *Transaction) dropDialog() {
	id := t.DialogID()
	if id == "" {
		return
	}
	if err := t.engine.dialogs.Delete(context.Background(), id); err != nil {
		t.log.Warn("Transaction.dropDialog", slog.String("dialogID", id), slog.Any("error", err))
	}
}

// maybeDestroy уничтожает транзакцию, когда итог отправлен и все форки
// терминальные
func (t *Transaction) maybeDestroy() {
	if t.destroyed || t.Phase() != PhaseCompleted || t.forks.pendingCount() > 0 {
		return
	}
	t.destroyed = true

	t.timers.stopAll()
	if n := t.msgs.releaseAll(); n > 0 {
		t.log.Debug("Transaction.destroy released messages", slog.Int("count", n))
	}
	t.engine.remove(t)
	close(t.done)

	t.log.Debug("Transaction.destroy",
		slog.Int("forks", t.forks.len()),
		slog.Int("finalStatus", t.FinalStatus()),
		slog.Duration("lifetime", time.Since(t.created)))
}
