package services

import (
	"log/slog"

	"github.com/arzzra/sip_appserver/pkg/appserver"
	"github.com/emiago/sipgo/sip"
)

// Fork отправляет запрос всем целям параллельно. Первый 2xx пересылается
// наверх, остальные ветки движок отменяет. Если все цели отказали,
// пересылается лучший из отказов.
type Fork struct {
	name    string
	targets []sip.Uri
}

// NewFork создает сервис параллельного форкинга
func NewFork(name string, targets []string) (*Fork, error) {
	uris, err := parseTargets(targets)
	if err != nil {
		return nil, err
	}
	return &Fork{name: name, targets: uris}, nil
}

func (f *Fork) Name() string {
	return f.name
}

func (f *Fork) GetAppTsx(h appserver.Helper, _ *appserver.Message) appserver.AppServerTsx {
	return &forkTsx{BaseTsx: appserver.NewBaseTsx(h), svc: f}
}

type forkTsx struct {
	appserver.BaseTsx
	svc *Fork
}

func (t *forkTsx) OnInitialRequest(req *appserver.Message) {
	joinDialog(t, req)

	sent := 0
	for _, target := range t.svc.targets {
		forkID, err := forkTo(t, req, target)
		if err != nil {
			t.Logger().Warn("forkTsx.OnInitialRequest",
				slog.String("target", target.String()),
				slog.Any("error", err))
			continue
		}
		t.Logger().Debug("forkTsx.OnInitialRequest",
			slog.Int("forkID", forkID),
			slog.String("target", target.String()))
		sent++
	}
	_ = t.Release(req)

	if sent == 0 {
		_ = t.Reject(appserver.StatusServiceUnavailable, "")
	}
}

func (t *forkTsx) OnResponse(rsp *appserver.Message, forkID int) {
	if rsp.StatusCode() < 300 {
		if err := t.SendResponse(rsp); err != nil {
			_ = t.Release(rsp)
		}
		return
	}

	t.Logger().Debug("forkTsx.OnResponse branch failed",
		slog.Int("forkID", forkID),
		slog.Int("status", rsp.StatusCode()))
	_ = t.Release(rsp)
	if pendingForks(t) == 0 {
		relayBest(t, appserver.StatusServiceUnavailable)
	}
}
