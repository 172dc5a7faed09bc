package appserver

import "github.com/emiago/sipgo/sip"

// Upstream серверная сторона транзакции: сюда уходят ответы на входящий запрос
type Upstream interface {
	Respond(rsp *sip.Response) error
}

// UpstreamFunc адаптер функции к Upstream
type UpstreamFunc func(rsp *sip.Response) error

// Respond вызывает f(rsp)
func (f UpstreamFunc) Respond(rsp *sip.Response) error {
	return f(rsp)
}

// Downstream клиентская сторона: отправка форков и их отмена.
//
// Transmit не должен блокироваться. Ответы по форку реализация доставляет
// через txn.DeliverResponse в порядке получения, ошибку транспорта или
// таймаут через txn.DeliverForkFailure.
type Downstream interface {
	Transmit(txn *Transaction, forkID int, req *sip.Request) error
	TransmitCancel(txn *Transaction, forkID int, status int, reason string) error
}
