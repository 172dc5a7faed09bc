package services

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/arzzra/sip_appserver/pkg/appserver"
	"github.com/emiago/sipgo/sip"
)

const noAnswerTimer appserver.TimerID = "no-answer"

const (
	defaultNoAnswer  = 20 * time.Second
	noAnswerStatus   = appserver.StatusRequestTimeout
	noAnswerCancelRC = appserver.StatusRequestTerminated
)

// Sequential перебирает цели по одной. На каждую цель запускается таймер
// неответа: по его срабатыванию ветка отменяется и пробуется следующая цель.
// Отказ цели тоже переводит к следующей. Когда цели кончились,
// наверх уходит лучший полученный ответ.
type Sequential struct {
	name     string
	targets  []sip.Uri
	noAnswer time.Duration
}

// NewSequential создает сервис последовательного форкинга
func NewSequential(name string, targets []string, noAnswer time.Duration) (*Sequential, error) {
	uris, err := parseTargets(targets)
	if err != nil {
		return nil, err
	}
	if noAnswer < 0 {
		return nil, fmt.Errorf("service %s: negative no-answer timeout", name)
	}
	if noAnswer == 0 {
		noAnswer = defaultNoAnswer
	}
	return &Sequential{name: name, targets: uris, noAnswer: noAnswer}, nil
}

func (s *Sequential) Name() string {
	return s.name
}

func (s *Sequential) GetAppTsx(h appserver.Helper, _ *appserver.Message) appserver.AppServerTsx {
	return &sequentialTsx{BaseTsx: appserver.NewBaseTsx(h), svc: s, current: -1}
}

type sequentialTsx struct {
	appserver.BaseTsx
	svc     *Sequential
	next    int // индекс следующей цели
	current int // форк текущей цели
}

func (t *sequentialTsx) OnInitialRequest(req *appserver.Message) {
	joinDialog(t, req)
	_ = t.Release(req)
	t.advance()
}

// advance отправляет запрос следующей цели. Если цели кончились,
// пересылает лучший ответ.
func (t *sequentialTsx) advance() {
	for t.next < len(t.svc.targets) {
		target := t.svc.targets[t.next]
		t.next++

		req, err := t.OriginalRequest()
		if err != nil {
			break
		}
		forkID, err := forkTo(t, req, target)
		_ = t.Release(req)
		if err != nil {
			t.Logger().Warn("sequentialTsx.advance",
				slog.String("target", target.String()),
				slog.Any("error", err))
			continue
		}

		t.current = forkID
		t.ScheduleTimer(noAnswerTimer, forkID, t.svc.noAnswer)
		t.Logger().Debug("sequentialTsx.advance",
			slog.Int("forkID", forkID),
			slog.String("target", target.String()))
		return
	}

	t.current = -1
	relayBest(t, noAnswerStatus)
}

func (t *sequentialTsx) OnResponse(rsp *appserver.Message, forkID int) {
	status := rsp.StatusCode()
	switch {
	case forkID != t.current:
		_ = t.Release(rsp)
	case status < 200:
		if err := t.SendResponse(rsp); err != nil {
			_ = t.Release(rsp)
		}
	case status < 300:
		t.CancelTimer(noAnswerTimer)
		if err := t.SendResponse(rsp); err != nil {
			_ = t.Release(rsp)
		}
	default:
		t.CancelTimer(noAnswerTimer)
		_ = t.Release(rsp)
		t.advance()
	}
}

func (t *sequentialTsx) OnTimerExpiry(ev appserver.TimerEvent) {
	forkID, ok := appserver.TimerPayload[int](ev)
	if !ok || ev.ID != noAnswerTimer || forkID != t.current {
		return
	}
	t.Logger().Debug("sequentialTsx.OnTimerExpiry no answer", slog.Int("forkID", forkID))
	if err := t.CancelFork(forkID, noAnswerCancelRC, ""); err != nil {
		t.Logger().Warn("sequentialTsx.OnTimerExpiry", slog.Any("error", err))
	}
	t.advance()
}
