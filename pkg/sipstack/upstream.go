package sipstack

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// serverUpstream отправляет ответы транзакции движка во входящую
// серверную транзакцию
type serverUpstream struct {
	tx     serverTx
	branch string
	log    *slog.Logger
}

// Respond снимает верхний Via, добавленный при отправке форка.
// Ответы, сформированные движком, уже содержат Via входящего запроса.
// Финальный ответ отмененной транзакции не отправляется: на CANCEL
// транзакционный уровень sipgo сам отвечает 487.
func (u *serverUpstream) Respond(rsp *sip.Response) error {
	if rsp.StatusCode >= 200 && errors.Is(u.tx.Err(), sip.ErrTransactionCanceled) {
		u.log.Debug("serverUpstream.Respond transaction canceled, final already sent",
			slog.Int("status", rsp.StatusCode))
		return nil
	}
	out := rsp
	if topBranch(rsp) != u.branch {
		out = rsp.Clone()
		out.RemoveHeader("Via")
	}
	if err := u.tx.Respond(out); err != nil {
		u.log.Warn("serverUpstream.Respond",
			slog.Int("status", out.StatusCode),
			slog.Any("error", err))
		return err
	}
	return nil
}
