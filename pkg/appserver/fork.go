package appserver

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

// ForkState состояние исходящей ветки
type ForkState int

const (
	ForkPending ForkState = iota
	ForkFinalReceived
	ForkCancelled
)

// String возвращает строковое представление состояния форка
func (s ForkState) String() string {
	switch s {
	case ForkPending:
		return "Pending"
	case ForkFinalReceived:
		return "FinalReceived"
	case ForkCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal true для FinalReceived и Cancelled
func (s ForkState) Terminal() bool {
	return s != ForkPending
}

// Fork одна исходящая ветка транзакции
type Fork struct {
	ID              int
	State           ForkState
	Request         *sip.Request
	LastProvisional int // последний полученный 1xx
	FinalStatus     int // финальный код, 0 пока не получен
	Created         time.Time
}

// ForkInfo снимок состояния форка для внешних наблюдателей
type ForkInfo struct {
	ID              int
	State           ForkState
	LastProvisional int
	FinalStatus     int
}

// forkTable таблица форков транзакции. Идентификатор форка совпадает
// с индексом в срезе, поэтому идентификаторы строго возрастают с 0
// и никогда не переиспользуются.
type forkTable struct {
	forks []*Fork
	best  *sip.Response
}

func (ft *forkTable) add(req *sip.Request) *Fork {
	f := &Fork{
		ID:      len(ft.forks),
		State:   ForkPending,
		Request: req,
		Created: time.Now(),
	}
	ft.forks = append(ft.forks, f)
	return f
}

func (ft *forkTable) get(id int) (*Fork, bool) {
	if id < 0 || id >= len(ft.forks) {
		return nil, false
	}
	return ft.forks[id], true
}

// markProvisional запоминает 1xx, состояние форка не меняется
func (ft *forkTable) markProvisional(f *Fork, status int) {
	f.LastProvisional = status
}

// markFinal переводит форк в FinalReceived и обновляет лучший ответ.
// Возвращает false, если форк уже терминальный.
func (ft *forkTable) markFinal(f *Fork, rsp *sip.Response) bool {
	if f.State.Terminal() {
		return false
	}
	f.State = ForkFinalReceived
	f.FinalStatus = rsp.StatusCode
	if ft.best == nil || preferred(rsp.StatusCode, ft.best.StatusCode) {
		ft.best = rsp
	}
	return true
}

// markCancelled переводит форк в Cancelled. Возвращает false для терминального форка.
func (ft *forkTable) markCancelled(f *Fork) bool {
	if f.State.Terminal() {
		return false
	}
	f.State = ForkCancelled
	return true
}

func (ft *forkTable) pending() []*Fork {
	var out []*Fork
	for _, f := range ft.forks {
		if f.State == ForkPending {
			out = append(out, f)
		}
	}
	return out
}

func (ft *forkTable) pendingCount() int {
	n := 0
	for _, f := range ft.forks {
		if f.State == ForkPending {
			n++
		}
	}
	return n
}

func (ft *forkTable) len() int {
	return len(ft.forks)
}

func (ft *forkTable) snapshot() []ForkInfo {
	out := make([]ForkInfo, 0, len(ft.forks))
	for _, f := range ft.forks {
		out = append(out, ForkInfo{
			ID:              f.ID,
			State:           f.State,
			LastProvisional: f.LastProvisional,
			FinalStatus:     f.FinalStatus,
		})
	}
	return out
}

// preferred сравнивает финальные коды: 2xx лучше всех, дальше по возрастанию,
// 6xx в конце
func preferred(code, than int) bool {
	return code < than
}
