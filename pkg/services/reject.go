package services

import (
	"fmt"

	"github.com/arzzra/sip_appserver/pkg/appserver"
)

// Reject отвечает на любой запрос финальным отказом
type Reject struct {
	name   string
	status int
	reason string
}

// NewReject создает сервис отказа. Нулевой статус означает 404 "Who?".
func NewReject(name string, status int, reason string) (*Reject, error) {
	if status == 0 {
		status, reason = appserver.StatusNotFound, "Who?"
	}
	if status < 300 || status > 699 {
		return nil, fmt.Errorf("service %s: reject status %d is not a failure", name, status)
	}
	return &Reject{name: name, status: status, reason: reason}, nil
}

func (r *Reject) Name() string {
	return r.name
}

func (r *Reject) GetAppTsx(h appserver.Helper, _ *appserver.Message) appserver.AppServerTsx {
	return &rejectTsx{BaseTsx: appserver.NewBaseTsx(h), svc: r}
}

type rejectTsx struct {
	appserver.BaseTsx
	svc *Reject
}

func (t *rejectTsx) OnInitialRequest(req *appserver.Message) {
	t.reject(req)
}

func (t *rejectTsx) OnInDialogRequest(req *appserver.Message) {
	t.reject(req)
}

func (t *rejectTsx) reject(req *appserver.Message) {
	_ = t.Reject(t.svc.status, t.svc.reason)
	_ = t.Release(req)
}
