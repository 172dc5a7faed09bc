package appserver

import (
	"context"

	"github.com/looplab/fsm"
)

// Phase фаза жизненного цикла транзакции
type Phase string

const (
	PhaseAwaitingInitial Phase = "AwaitingInitial"
	PhaseActive          Phase = "Active"
	PhaseCancelling      Phase = "Cancelling"
	PhaseCompleted       Phase = "Completed"
)

// String возвращает строковое представление фазы
func (p Phase) String() string {
	return string(p)
}

func formEventName(src, dst Phase) string {
	return string(src) + "_to_" + string(dst)
}

// newPhaseMachine создает машину состояний транзакции.
// onChange вызывается после каждого перехода и не должен менять состояние.
func newPhaseMachine(onChange func(from, to Phase)) *fsm.FSM {
	return fsm.NewFSM(
		string(PhaseAwaitingInitial),
		fsm.Events{
			{Name: formEventName(PhaseAwaitingInitial, PhaseActive), Src: []string{string(PhaseAwaitingInitial)}, Dst: string(PhaseActive)},
			{Name: formEventName(PhaseAwaitingInitial, PhaseCompleted), Src: []string{string(PhaseAwaitingInitial)}, Dst: string(PhaseCompleted)},
			{Name: formEventName(PhaseActive, PhaseCancelling), Src: []string{string(PhaseActive)}, Dst: string(PhaseCancelling)},
			{Name: formEventName(PhaseActive, PhaseCompleted), Src: []string{string(PhaseActive)}, Dst: string(PhaseCompleted)},
			{Name: formEventName(PhaseCancelling, PhaseCompleted), Src: []string{string(PhaseCancelling)}, Dst: string(PhaseCompleted)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(Phase(e.Src), Phase(e.Dst))
				}
			},
		},
	)
}
