package appserver

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

// Message хендл запроса или ответа, которым сервис обменивается с движком.
//
// Хендл принадлежит транзакции до тех пор, пока сервис не отправит его
// (AddTarget, SendResponse) или не освободит (Release). После этого любые
// операции с ним возвращают ErrUseAfterRelease.
type Message struct {
	id       uint64
	req      *sip.Request
	rsp      *sip.Response
	arena    *messageArena
	scope    uint64
	released bool
}

// Request возвращает запрос или nil, если хендл содержит ответ или уже освобожден
func (m *Message) Request() *sip.Request {
	if m == nil || m.released {
		return nil
	}
	return m.req
}

// Response возвращает ответ или nil, если хендл содержит запрос или уже освобожден
func (m *Message) Response() *sip.Response {
	if m == nil || m.released {
		return nil
	}
	return m.rsp
}

// IsRequest true для хендла запроса
func (m *Message) IsRequest() bool {
	return m != nil && m.req != nil
}

// StatusCode код ответа, 0 для запросов
func (m *Message) StatusCode() int {
	if m == nil || m.rsp == nil {
		return 0
	}
	return m.rsp.StatusCode
}

// Method метод запроса или метод из CSeq ответа
func (m *Message) Method() sip.RequestMethod {
	switch {
	case m == nil:
		return ""
	case m.req != nil:
		return m.req.Method
	case m.rsp != nil:
		if cseq := m.rsp.CSeq(); cseq != nil {
			return cseq.MethodName
		}
	}
	return ""
}

// Released true, если хендл отправлен или освобожден
func (m *Message) Released() bool {
	return m == nil || m.released
}

// cloneRequest копия запроса вместе с телом. Clone в sipgo тело не копирует
// и фиксирует адрес назначения по исходному Request-URI, поэтому
// переносится только явно заданный адрес: копия с новым Recipient
// уходит на новую цель.
func cloneRequest(req *sip.Request) *sip.Request {
	out := req.Clone()
	if body := req.Body(); body != nil {
		out.SetBody(append([]byte(nil), body...))
	}
	out.SetDestination(req.MessageData.Destination())
	return out
}

// messageArena учитывает все хендлы одной транзакции.
// Доступ только из сериализованной цепочки колбэков транзакции.
type messageArena struct {
	nextID uint64
	live   map[uint64]*Message
	scope  uint64
	strict bool
	log    *slog.Logger

	onMisuse func(op string)
	onLeak   func(n int)
}

func newMessageArena(strict bool, log *slog.Logger) *messageArena {
	return &messageArena{
		live:   make(map[uint64]*Message),
		strict: strict,
		log:    log,
	}
}

func (a *messageArena) track(m *Message) *Message {
	a.nextID++
	m.id = a.nextID
	m.arena = a
	m.scope = a.scope
	a.live[m.id] = m
	return m
}

func (a *messageArena) wrapRequest(req *sip.Request) *Message {
	return a.track(&Message{req: req})
}

func (a *messageArena) wrapResponse(rsp *sip.Response) *Message {
	return a.track(&Message{rsp: rsp})
}

// check проверяет, что хендл жив и принадлежит этой транзакции
func (a *messageArena) check(op string, m *Message) error {
	var detail string
	switch {
	case m == nil:
		detail = "nil message"
	case m.arena != a:
		detail = "message belongs to another transaction"
	case m.released:
		detail = "message already released"
	default:
		return nil
	}

	if a.onMisuse != nil {
		a.onMisuse(op)
	}
	if a.strict {
		panic("appserver: " + op + ": " + detail)
	}
	a.log.Warn("Message misuse", slog.String("op", op), slog.String("detail", detail))
	return newTxError(op, "", -1, ErrUseAfterRelease, detail)
}

// consume помечает хендл использованным: он отправлен или освобожден
func (a *messageArena) consume(m *Message) {
	m.released = true
	delete(a.live, m.id)
}

// beginScope открывает область колбэка: хендлы, созданные в ней,
// должны быть использованы до выхода из колбэка
func (a *messageArena) beginScope() {
	a.scope++
}

// endScope освобождает хендлы, забытые сервисом в текущем колбэке
func (a *messageArena) endScope() int {
	leaked := 0
	for id, m := range a.live {
		if m.scope != a.scope {
			continue
		}
		m.released = true
		delete(a.live, id)
		leaked++
	}

	if leaked > 0 {
		if a.onLeak != nil {
			a.onLeak(leaked)
		}
		if a.strict {
			a.log.Warn("Message leak", slog.Int("count", leaked))
		} else {
			a.log.Debug("Message leak", slog.Int("count", leaked))
		}
	}
	return leaked
}

// releaseAll освобождает все хендлы при уничтожении транзакции
func (a *messageArena) releaseAll() int {
	n := len(a.live)
	for id, m := range a.live {
		m.released = true
		delete(a.live, id)
	}
	return n
}

func (a *messageArena) liveCount() int {
	return len(a.live)
}
