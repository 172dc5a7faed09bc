package appserver

import (
	"log/slog"
	"time"
)

// AppServer сервис прикладного сервера. Создает обработчик для каждой
// транзакции, которую сервис берет на себя.
type AppServer interface {
	// Name имя сервиса, по нему выбирается сервис для запроса
	Name() string

	// GetAppTsx возвращает обработчик транзакции или nil, если сервис
	// не заинтересован в запросе. Тогда запрос проксируется без изменений.
	GetAppTsx(h Helper, req *Message) AppServerTsx
}

// AppServerTsx обработчик одной транзакции. Движок вызывает методы строго
// последовательно, поэтому реализация может не заботиться о блокировках.
type AppServerTsx interface {
	// OnInitialRequest первичный запрос. До возврата сервис обязан
	// отправить форк или финальный ответ, иначе движок ответит 503.
	OnInitialRequest(req *Message)

	// OnInDialogRequest запрос внутри диалога, допускается не больше одного форка
	OnInDialogRequest(req *Message)

	// OnResponse ответ по форку forkID, включая синтезированный 408
	OnResponse(rsp *Message, forkID int)

	// OnCancel транзакция отменена: 487 по CANCEL, 408 при отказе транспорта.
	// После возврата колбэки больше не вызываются.
	OnCancel(status int)

	// OnTimerExpiry срабатывание таймера
	OnTimerExpiry(ev TimerEvent)
}

// Helper операции движка, доступные сервису внутри колбэков
type Helper interface {
	TransactionID() string
	// Trail возрастающий номер транзакции для сквозной корреляции в логах
	Trail() uint64
	Logger() *slog.Logger

	// OriginalRequest новый хендл с копией исходного запроса
	OriginalRequest() (*Message, error)

	// AddToDialog регистрирует сервис в диалоге; пустой id выбирает движок
	AddToDialog(dialogID string) (string, error)
	DialogID() string

	CloneRequest(req *Message) (*Message, error)
	CreateResponse(req *Message, status int, reason string) (*Message, error)
	Release(m *Message) error

	// AddTarget создает форк; nil означает исходный запрос
	AddTarget(req *Message) (int, error)
	SendRequest(req *Message) (int, error)
	SendResponse(rsp *Message) error
	Reject(status int, reason string) error
	CancelFork(forkID int, status int, reason string) error

	// BestResponse копия лучшего из полученных финальных ответов или nil
	BestResponse() *Message
	Forks() []ForkInfo

	ScheduleTimer(id TimerID, payload any, d time.Duration) bool
	CancelTimer(id TimerID)
	IsTimerRunning(id TimerID) bool
}

// BaseTsx поведение по умолчанию для обработчиков: запросы в диалоге
// и ответы пересылаются дальше. Встраивается в обработчики сервисов.
type BaseTsx struct {
	Helper
}

// NewBaseTsx создает BaseTsx поверх Helper
func NewBaseTsx(h Helper) BaseTsx {
	return BaseTsx{Helper: h}
}

// OnInDialogRequest пересылает запрос по маршруту диалога
func (b BaseTsx) OnInDialogRequest(req *Message) {
	if _, err := b.SendRequest(req); err != nil {
		b.Logger().Warn("BaseTsx.OnInDialogRequest", slog.Any("error", err))
	}
}

// OnResponse пересылает ответ наверх
func (b BaseTsx) OnResponse(rsp *Message, forkID int) {
	if err := b.SendResponse(rsp); err != nil {
		b.Logger().Warn("BaseTsx.OnResponse",
			slog.Int("forkID", forkID),
			slog.Any("error", err))
	}
}

// OnCancel ничего не делает
func (b BaseTsx) OnCancel(status int) {}

// OnTimerExpiry ничего не делает
func (b BaseTsx) OnTimerExpiry(ev TimerEvent) {}

// passThroughTsx используется, когда сервис отказался от запроса
type passThroughTsx struct {
	BaseTsx
}

func (p *passThroughTsx) OnInitialRequest(req *Message) {
	if _, err := p.SendRequest(req); err != nil {
		p.Logger().Warn("passThroughTsx.OnInitialRequest", slog.Any("error", err))
	}
}
