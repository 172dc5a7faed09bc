package appserver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Операции Helper. Вызываются сервисом только изнутри колбэков транзакции,
// то есть из цепочки сериализатора.

// TransactionID идентификатор транзакции
func (t *Transaction) TransactionID() string {
	return t.id
}

// Trail номер транзакции в пределах движка
func (t *Transaction) Trail() uint64 {
	return t.trail
}

// Logger логгер транзакции
func (t *Transaction) Logger() *slog.Logger {
	return t.log
}

// DialogID идентификатор диалога, пустой пока сервис не добавлен в диалог
func (t *Transaction) DialogID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialogID
}

// fail логирует ошибку операции сервиса и возвращает ее
func (t *Transaction) fail(op string, forkID int, sentinel error, detail string) error {
	err := newTxError(op, t.id, forkID, sentinel, detail)
	t.metrics.Error(err.Kind)
	t.log.Warn("Transaction."+op+" failed",
		slog.String("kind", string(err.Kind)),
		slog.Int("forkID", forkID),
		slog.String("detail", detail),
		slog.String("phase", t.Phase().String()))
	return err
}

// checkMessage проверяет хендл и дописывает в ошибку идентификатор транзакции
func (t *Transaction) checkMessage(op string, m *Message) error {
	err := t.msgs.check(op, m)
	var te *TxError
	if errors.As(err, &te) {
		te.TxID = t.id
		t.metrics.Error(te.Kind)
	}
	return err
}

func (t *Transaction) requireCallback(op string) error {
	if !t.inCallback {
		return t.fail(op, -1, ErrInvalidState, "called outside of a service callback")
	}
	return nil
}

// OriginalRequest новый хендл с копией исходного запроса
func (t *Transaction) OriginalRequest() (*Message, error) {
	const op = "OriginalRequest"
	if err := t.requireCallback(op); err != nil {
		return nil, err
	}
	return t.msgs.wrapRequest(cloneRequest(t.orig)), nil
}

// AddToDialog регистрирует сервис в диалоге, чтобы получать запросы внутри
// него. Пустой dialogID означает идентификатор по умолчанию.
func (t *Transaction) AddToDialog(dialogID string) (string, error) {
	const op = "AddToDialog"
	if err := t.requireCallback(op); err != nil {
		return "", err
	}
	if t.Phase() == PhaseCompleted {
		return "", t.fail(op, -1, ErrInvalidState, "transaction completed")
	}
	if current := t.DialogID(); current != "" {
		return "", t.fail(op, -1, ErrInvalidState, "already in dialog "+current)
	}

	id := t.engine.allocator.AllocateDialogID(t.orig, dialogID)
	entry := DialogEntry{
		ID:      id,
		Service: t.svc.Name(),
		Created: time.Now(),
	}
	if h := t.orig.CallID(); h != nil {
		entry.CallID = h.Value()
	}
	if err := t.engine.dialogs.Put(context.Background(), entry); err != nil {
		t.log.Error("Transaction.AddToDialog", slog.String("dialogID", id), slog.Any("error", err))
		return "", err
	}

	t.mu.Lock()
	t.dialogID = id
	t.mu.Unlock()

	t.log.Debug("Transaction.AddToDialog", slog.String("dialogID", id))
	return id, nil
}

// CloneRequest независимая копия запроса
func (t *Transaction) CloneRequest(req *Message) (*Message, error) {
	const op = "CloneRequest"
	if err := t.requireCallback(op); err != nil {
		return nil, err
	}
	if err := t.checkMessage(op, req); err != nil {
		return nil, err
	}
	if !req.IsRequest() {
		return nil, t.fail(op, -1, ErrInvalidState, "message is not a request")
	}
	return t.msgs.wrapRequest(cloneRequest(req.req)), nil
}

// CreateResponse новый ответ на запрос req
func (t *Transaction) CreateResponse(req *Message, status int, reason string) (*Message, error) {
	const op = "CreateResponse"
	if err := t.requireCallback(op); err != nil {
		return nil, err
	}
	if err := t.checkMessage(op, req); err != nil {
		return nil, err
	}
	if !req.IsRequest() {
		return nil, t.fail(op, -1, ErrInvalidState, "message is not a request")
	}
	if status < 100 || status > 699 {
		return nil, t.fail(op, -1, ErrInvalidState, "status code out of range")
	}

	rsp := sip.NewResponseFromRequest(req.req, status, reasonOr(status, reason), nil)
	return t.msgs.wrapResponse(rsp), nil
}

// Release освобождает хендл
func (t *Transaction) Release(m *Message) error {
	const op = "Release"
	if err := t.requireCallback(op); err != nil {
		return err
	}
	if err := t.checkMessage(op, m); err != nil {
		return err
	}
	t.msgs.consume(m)
	return nil
}

// AddTarget создает форк и отправляет запрос. nil означает копию исходного
// запроса. Хендл req после вызова использовать нельзя.
func (t *Transaction) AddTarget(req *Message) (int, error) {
	const op = "AddTarget"
	if err := t.requireCallback(op); err != nil {
		return -1, err
	}
	if phase := t.Phase(); phase != PhaseActive {
		return -1, t.fail(op, -1, ErrInvalidState, "transaction is "+phase.String())
	}
	if t.kind == TxInDialog && t.forks.len() >= 1 {
		return -1, t.fail(op, -1, ErrInvalidState, "in-dialog request allows a single fork")
	}
	if limit := t.engine.cfg.MaxForks; limit > 0 && t.forks.len() >= limit {
		return -1, t.fail(op, -1, ErrInvalidState, "fork limit reached")
	}

	var out *sip.Request
	if req == nil {
		out = cloneRequest(t.orig)
	} else {
		if err := t.checkMessage(op, req); err != nil {
			return -1, err
		}
		if !req.IsRequest() {
			return -1, t.fail(op, -1, ErrInvalidState, "message is not a request")
		}
		out = req.req
		t.msgs.consume(req)
	}

	f := t.forks.add(out)
	t.metrics.ForkCreated()
	t.log.Debug("Transaction.AddTarget",
		slog.Int("forkID", f.ID),
		slog.String("target", out.Recipient.String()))

	down := t.engine.getDownstream()
	var err error
	if down == nil {
		err = errors.New("no downstream transport")
	} else {
		err = down.Transmit(t, f.ID, out)
	}
	if err != nil {
		t.log.Warn("Transaction.AddTarget transmit failed",
			slog.Int("forkID", f.ID),
			slog.Any("error", err))
		forkID := f.ID
		t.exec.Do(func() {
			t.handleForkFailure(forkID, StatusRequestTimeout)
		})
	}
	return f.ID, nil
}

// SendRequest синоним AddTarget
func (t *Transaction) SendRequest(req *Message) (int, error) {
	return t.AddTarget(req)
}

// SendResponse отправляет ответ наверх. Предварительный ответ пересылается
// сразу, финальный становится итогом транзакции, после чего ожидающие
// форки отменяются. 100 Trying не пересылается.
func (t *Transaction) SendResponse(rsp *Message) error {
	const op = "SendResponse"
	if err := t.requireCallback(op); err != nil {
		return err
	}
	if t.finalSent || t.Phase() == PhaseCompleted {
		return t.fail(op, -1, ErrInvalidState, "final response already sent")
	}
	if err := t.checkMessage(op, rsp); err != nil {
		return err
	}
	if rsp.IsRequest() {
		return t.fail(op, -1, ErrInvalidState, "message is not a response")
	}

	out := rsp.rsp
	t.msgs.consume(rsp)

	if out.StatusCode < 200 {
		if out.StatusCode == StatusTrying || t.Phase() == PhaseCancelling {
			return nil
		}
		t.relay(out)
		return nil
	}

	t.sendFinal(out, "service")
	return nil
}

// Reject отвечает на исходный запрос финальным ответом
func (t *Transaction) Reject(status int, reason string) error {
	const op = "Reject"
	if err := t.requireCallback(op); err != nil {
		return err
	}
	if status < 200 || status > 699 {
		return t.fail(op, -1, ErrInvalidState, "reject requires a final status")
	}
	if t.finalSent || t.Phase() == PhaseCompleted {
		return t.fail(op, -1, ErrInvalidState, "final response already sent")
	}

	rsp := sip.NewResponseFromRequest(t.orig, status, reasonOr(status, reason), nil)
	t.sendFinal(rsp, "reject")
	return nil
}

// CancelFork отменяет ожидающий форк. Для терминального форка ничего не делает.
func (t *Transaction) CancelFork(forkID int, status int, reason string) error {
	const op = "CancelFork"
	if err := t.requireCallback(op); err != nil {
		return err
	}
	if t.Phase() == PhaseCompleted {
		return t.fail(op, forkID, ErrInvalidState, "transaction completed")
	}
	f, ok := t.forks.get(forkID)
	if !ok {
		return t.fail(op, forkID, ErrUnknownFork, "")
	}
	if status == 0 {
		status = StatusRequestTerminated
	}
	t.cancelFork(f, status, reasonOr(status, reason))
	return nil
}

// BestResponse копия лучшего финального ответа среди форков
func (t *Transaction) BestResponse() *Message {
	if !t.inCallback || t.forks.best == nil {
		return nil
	}
	return t.msgs.wrapResponse(t.forks.best.Clone())
}

// Forks снимок таблицы форков
func (t *Transaction) Forks() []ForkInfo {
	return t.forks.snapshot()
}

// ScheduleTimer запускает или перезапускает таймер
func (t *Transaction) ScheduleTimer(id TimerID, payload any, d time.Duration) bool {
	if !t.inCallback || t.Phase() != PhaseActive {
		return false
	}
	ok := t.timers.schedule(id, payload, d)
	t.log.Debug("Transaction.ScheduleTimer",
		slog.String("timerID", string(id)),
		slog.Duration("duration", d),
		slog.Bool("accepted", ok))
	return ok
}

// CancelTimer останавливает таймер, повторный вызов ничего не делает
func (t *Transaction) CancelTimer(id TimerID) {
	t.timers.cancel(id)
}

// IsTimerRunning true, если таймер запущен и еще не сработал
func (t *Transaction) IsTimerRunning(id TimerID) bool {
	return t.timers.isRunning(id)
}

var _ Helper = (*Transaction)(nil)
