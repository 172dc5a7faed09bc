package sipstack

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/sip_appserver/pkg/appserver"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// cancelWait сколько ждать ответа на исходящий CANCEL
const cancelWait = 32 * time.Second

type forkKey struct {
	txID   string
	forkID int
}

// outboundFork клиентская транзакция одного форка. tx появляется, когда
// pump открыл транзакцию, до этого отмена только запоминается.
type outboundFork struct {
	req *sip.Request

	mu       sync.Mutex
	tx       clientTx
	canceled *pendingCancel
}

type pendingCancel struct {
	status int
	reason string
}

// Transmit регистрирует форк и возвращается сразу: клиентская транзакция
// открывается в pump, ответы и ошибки приходят в транзакцию движка
func (s *Stack) Transmit(txn *appserver.Transaction, forkID int, req *sip.Request) error {
	// sipgo дописывает Via в отправляемый запрос, а запрос форка читает движок
	out := req.Clone()
	if body := req.Body(); body != nil {
		out.SetBody(body)
	}

	key := forkKey{txID: txn.ID(), forkID: forkID}
	fork := &outboundFork{req: out}
	s.mu.Lock()
	s.outbound[key] = fork
	s.mu.Unlock()

	s.log.Debug("Stack.Transmit",
		slog.String("txID", txn.ID()),
		slog.Int("forkID", forkID),
		slog.String("method", string(req.Method)),
		slog.String("target", req.Recipient.String()))

	go s.pump(txn, key, fork)
	return nil
}

// pump открывает клиентскую транзакцию форка и читает ее ответы
func (s *Stack) pump(txn *appserver.Transaction, key forkKey, fork *outboundFork) {
	defer func() {
		s.mu.Lock()
		if s.outbound[key] == fork {
			delete(s.outbound, key)
		}
		s.mu.Unlock()
	}()

	fork.mu.Lock()
	canceled := fork.canceled != nil
	fork.mu.Unlock()
	if canceled {
		return
	}

	tx, err := s.out.Request(s.ctx, fork.req, true)
	if err != nil {
		s.log.Warn("Stack.pump transmit failed",
			slog.String("txID", key.txID),
			slog.Int("forkID", key.forkID),
			slog.Any("error", err))
		txn.DeliverForkFailure(key.forkID, appserver.StatusRequestTimeout)
		return
	}

	fork.mu.Lock()
	fork.tx = tx
	pending := fork.canceled
	fork.mu.Unlock()
	if pending != nil {
		if err := s.terminate(fork, tx, pending.status, pending.reason); err != nil {
			s.log.Warn("Stack.pump cancel failed", slog.String("txID", key.txID), slog.Any("error", err))
		}
	}

	var timeout <-chan time.Time
	if s.cfg.ForkTimeout > 0 {
		t := time.NewTimer(s.cfg.ForkTimeout)
		defer t.Stop()
		timeout = t.C
	}

	final := false
	for {
		select {
		case rsp, ok := <-tx.Responses():
			if !ok {
				if !final {
					txn.DeliverForkFailure(key.forkID, appserver.StatusRequestTimeout)
				}
				return
			}
			if rsp.StatusCode >= 200 {
				final = true
			}
			txn.DeliverResponse(key.forkID, rsp)

		case <-tx.Done():
			if !final {
				s.log.Debug("Stack.pump fork transaction failed",
					slog.String("txID", key.txID),
					slog.Int("forkID", key.forkID),
					slog.Any("error", tx.Err()))
				txn.DeliverForkFailure(key.forkID, appserver.StatusRequestTimeout)
			}
			return

		case <-timeout:
			if final {
				return
			}
			s.log.Debug("Stack.pump fork timeout",
				slog.String("txID", key.txID),
				slog.Int("forkID", key.forkID))
			if err := s.terminate(fork, tx, appserver.StatusRequestTimeout, appserver.ReasonPhrase(appserver.StatusRequestTimeout)); err != nil {
				s.log.Warn("Stack.pump cancel failed", slog.String("txID", key.txID), slog.Any("error", err))
			}
			txn.DeliverForkFailure(key.forkID, appserver.StatusRequestTimeout)
			return

		case <-txn.Done():
			return
		}
	}
}

// TransmitCancel отменяет форк: CANCEL для INVITE, для остальных
// методов клиентская транзакция просто прекращается
func (s *Stack) TransmitCancel(txn *appserver.Transaction, forkID int, status int, reason string) error {
	key := forkKey{txID: txn.ID(), forkID: forkID}
	s.mu.Lock()
	fork, ok := s.outbound[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	fork.mu.Lock()
	tx := fork.tx
	if tx == nil {
		fork.canceled = &pendingCancel{status: status, reason: reason}
	}
	fork.mu.Unlock()
	if tx == nil {
		return nil
	}
	return s.terminate(fork, tx, status, reason)
}

func (s *Stack) terminate(fork *outboundFork, tx clientTx, status int, reason string) error {
	if fork.req.Method != sip.INVITE {
		tx.Terminate()
		return nil
	}

	cancelReq := newCancelRequest(fork.req, status, reason)
	cancelTx, err := s.out.Request(s.ctx, cancelReq, false)
	if err != nil {
		return errors.Wrap(err, "send CANCEL")
	}
	go s.awaitCancel(cancelTx)
	return nil
}

// awaitCancel дожидается финального ответа на CANCEL
func (s *Stack) awaitCancel(tx clientTx) {
	t := time.NewTimer(cancelWait)
	defer t.Stop()
	for {
		select {
		case rsp, ok := <-tx.Responses():
			if !ok || rsp.StatusCode >= 200 {
				return
			}
		case <-tx.Done():
			return
		case <-t.C:
			tx.Terminate()
			return
		}
	}
}

// newCancelRequest строит CANCEL для отправленного INVITE. Via берется
// верхний, с тем же branch, что у INVITE.
func newCancelRequest(invite *sip.Request, status int, reason string) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancelReq.SipVersion = invite.SipVersion

	if via := invite.Via(); via != nil {
		cancelReq.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, cancelReq)

	maxForwards := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxForwards)

	if h := invite.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		cancelReq.AppendHeader(cseq)
	}
	if status > 0 {
		cancelReq.AppendHeader(sip.NewHeader("Reason", reasonHeader(status, reason)))
	}

	cancelReq.SetTransport(invite.Transport())
	cancelReq.SetSource(invite.Source())
	cancelReq.SetDestination(invite.Destination())
	return cancelReq
}

func reasonHeader(status int, text string) string {
	if text == "" {
		return fmt.Sprintf("SIP;cause=%d", status)
	}
	return fmt.Sprintf("SIP;cause=%d;text=%q", status, text)
}
