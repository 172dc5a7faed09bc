// Package services содержит типовые сервисы прикладного сервера:
// прокси, отказ, параллельный и последовательный форкинг, контроль медиа.
package services

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arzzra/sip_appserver/pkg/appserver"
	"github.com/emiago/sipgo/sip"
)

// Kind тип сервиса в конфигурации
type Kind string

const (
	KindProxy       Kind = "proxy"
	KindReject      Kind = "reject"
	KindFork        Kind = "fork"
	KindSequential  Kind = "sequential"
	KindMediaPolicy Kind = "media_policy"
)

// Definition описание сервиса в файле конфигурации
type Definition struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`

	// fork, sequential
	Targets []string `yaml:"targets,omitempty"`
	// sequential: сколько ждать финального ответа от одной цели
	NoAnswer time.Duration `yaml:"no_answer,omitempty"`

	// reject
	Status int    `yaml:"status,omitempty"`
	Reason string `yaml:"reason,omitempty"`

	// media_policy
	Media  []string `yaml:"media,omitempty"`
	Codecs []string `yaml:"codecs,omitempty"`
}

// Build создает сервис по описанию
func Build(def Definition) (appserver.AppServer, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("service name is empty")
	}

	switch def.Kind {
	case KindProxy:
		return NewProxy(def.Name), nil
	case KindReject:
		return NewReject(def.Name, def.Status, def.Reason)
	case KindFork:
		return NewFork(def.Name, def.Targets)
	case KindSequential:
		return NewSequential(def.Name, def.Targets, def.NoAnswer)
	case KindMediaPolicy:
		return NewMediaPolicy(def.Name, def.Media, def.Codecs), nil
	default:
		return nil, fmt.Errorf("service %s: unknown kind %q", def.Name, def.Kind)
	}
}

// BuildAll создает и регистрирует сервисы в движке
func BuildAll(engine *appserver.Engine, defs []Definition) error {
	for _, def := range defs {
		svc, err := Build(def)
		if err != nil {
			return err
		}
		if err := engine.Register(svc); err != nil {
			return err
		}
	}
	return nil
}

func parseTargets(raw []string) ([]sip.Uri, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no targets")
	}
	out := make([]sip.Uri, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		var uri sip.Uri
		if err := sip.ParseUri(s, &uri); err != nil {
			return nil, fmt.Errorf("target %q: %w", s, err)
		}
		out = append(out, uri)
	}
	return out, nil
}

// forkTo отправляет копию запроса req на target
func forkTo(h appserver.Helper, req *appserver.Message, target sip.Uri) (int, error) {
	clone, err := h.CloneRequest(req)
	if err != nil {
		return -1, err
	}
	clone.Request().Recipient = target
	return h.SendRequest(clone)
}

// pendingForks количество форков без финального ответа
func pendingForks(h appserver.Helper) int {
	n := 0
	for _, f := range h.Forks() {
		if f.State == appserver.ForkPending {
			n++
		}
	}
	return n
}

// relayBest отправляет наверх лучший финальный ответ, а без него fallback
func relayBest(h appserver.Helper, fallback int) {
	if best := h.BestResponse(); best != nil {
		if err := h.SendResponse(best); err != nil {
			h.Logger().Warn("relayBest", slog.Any("error", err))
		}
		return
	}
	if err := h.Reject(fallback, ""); err != nil {
		h.Logger().Warn("relayBest", slog.Any("error", err))
	}
}

// joinDialog регистрирует сервис в диалоге, создаваемом INVITE
func joinDialog(h appserver.Helper, req *appserver.Message) {
	if req.Method() != sip.INVITE {
		return
	}
	if _, err := h.AddToDialog(""); err != nil {
		h.Logger().Warn("joinDialog", slog.Any("error", err))
	}
}
