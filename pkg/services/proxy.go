package services

import (
	"log/slog"

	"github.com/arzzra/sip_appserver/pkg/appserver"
)

// Proxy пересылает запрос на исходную цель и остается в диалоге,
// чтобы получать запросы внутри него. Ответы пересылаются без изменений.
type Proxy struct {
	name string
}

// NewProxy создает прокси-сервис
func NewProxy(name string) *Proxy {
	return &Proxy{name: name}
}

func (p *Proxy) Name() string {
	return p.name
}

func (p *Proxy) GetAppTsx(h appserver.Helper, _ *appserver.Message) appserver.AppServerTsx {
	return &proxyTsx{BaseTsx: appserver.NewBaseTsx(h)}
}

type proxyTsx struct {
	appserver.BaseTsx
}

func (t *proxyTsx) OnInitialRequest(req *appserver.Message) {
	joinDialog(t, req)
	forward(t, req)
}

// forward отправляет запрос дальше, при отказе отвечает 500
func forward(h appserver.Helper, req *appserver.Message) {
	if _, err := h.SendRequest(req); err != nil {
		h.Logger().Warn("forward", slog.Any("error", err))
		_ = h.Reject(appserver.StatusInternalServerError, "")
	}
}
