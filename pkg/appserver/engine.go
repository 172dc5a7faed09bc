package appserver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Option опция движка
type Option func(*Engine) error

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) error {
		if l == nil {
			return fmt.Errorf("logger is nil")
		}
		e.log = l
		return nil
	}
}

// WithMetrics задает сборщик метрик
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithDialogStore задает реестр диалогов
func WithDialogStore(s DialogStore) Option {
	return func(e *Engine) error {
		if s == nil {
			return fmt.Errorf("dialog store is nil")
		}
		e.dialogs = s
		return nil
	}
}

// WithDialogAllocator задает генератор идентификаторов диалогов
func WithDialogAllocator(a DialogAllocator) Option {
	return func(e *Engine) error {
		if a == nil {
			return fmt.Errorf("dialog allocator is nil")
		}
		e.allocator = a
		return nil
	}
}

// WithSelector задает выбор сервиса для первичных запросов
func WithSelector(s ServiceSelector) Option {
	return func(e *Engine) error {
		if s == nil {
			return fmt.Errorf("selector is nil")
		}
		e.selector = s
		return nil
	}
}

// WithDownstream задает транспорт для форков
func WithDownstream(d Downstream) Option {
	return func(e *Engine) error {
		e.SetDownstream(d)
		return nil
	}
}

// Stats текущее состояние движка
type Stats struct {
	ActiveTransactions int
	Services           []string
}

// Engine прикладной сервер: реестр сервисов, транзакции и диалоги
type Engine struct {
	cfg       Config
	log       *slog.Logger
	metrics   *Metrics
	selector  ServiceSelector
	dialogs   DialogStore
	allocator DialogAllocator

	mu         sync.RWMutex
	services   map[string]AppServer
	downstream Downstream

	txns   *shardedMap[*Transaction]
	closed atomic.Bool
	trails atomic.Uint64
}

// NewEngine создает движок
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		log:       slog.Default(),
		selector:  RouteSelector(cfg.HomeDomain, cfg.DefaultService),
		dialogs:   NewMemoryDialogStore(),
		allocator: DefaultDialogAllocator,
		services:  make(map[string]AppServer),
		txns:      newShardedMap[*Transaction](),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("engine option: %w", err)
		}
	}
	return e, nil
}

// Register регистрирует сервис
func (e *Engine) Register(svc AppServer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := svc.Name()
	if name == "" {
		return fmt.Errorf("service name is empty")
	}
	if _, ok := e.services[name]; ok {
		return fmt.Errorf("service %q already registered", name)
	}
	e.services[name] = svc
	e.log.Info("Engine.Register", slog.String("service", name))
	return nil
}

// Service возвращает сервис по имени
func (e *Engine) Service(name string) (AppServer, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	svc, ok := e.services[name]
	return svc, ok
}

// Services имена зарегистрированных сервисов
func (e *Engine) Services() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.services))
	for name := range e.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetDownstream задает транспорт форков. Транспорт обычно создается
// после движка, потому что сам ссылается на него.
func (e *Engine) SetDownstream(d Downstream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.downstream = d
}

func (e *Engine) getDownstream() Downstream {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.downstream
}

// HandleRequest создает транзакцию для входящего запроса и передает
// запрос сервису. Запросы с тегом в To считаются запросами внутри диалога
// и маршрутизируются по реестру диалогов.
//
// Если транзакцию создать нельзя, движок сам отвечает в up и возвращает ошибку.
func (e *Engine) HandleRequest(ctx context.Context, req *sip.Request, up Upstream) (*Transaction, error) {
	if e.closed.Load() {
		e.respond(up, req, StatusServiceUnavailable)
		return nil, ErrShutdown
	}

	kind := TxInitial
	dialogID := ""
	var svc AppServer

	if isInDialog(req) {
		callID := ""
		if h := req.CallID(); h != nil {
			callID = h.Value()
		}
		entry, ok, err := e.dialogs.LookupCallID(ctx, callID)
		if err != nil {
			e.log.Error("Engine.HandleRequest dialog lookup failed",
				slog.String("callID", callID),
				slog.Any("error", err))
			e.respond(up, req, StatusInternalServerError)
			return nil, fmt.Errorf("dialog lookup: %w", err)
		}
		if !ok {
			e.respond(up, req, StatusCallTransactionDoesNotExist)
			return nil, fmt.Errorf("%w: no dialog for call-id %s", ErrNoService, callID)
		}
		if svc, ok = e.Service(entry.Service); !ok {
			e.respond(up, req, StatusCallTransactionDoesNotExist)
			return nil, fmt.Errorf("%w: dialog %s service %s", ErrNoService, entry.ID, entry.Service)
		}
		kind = TxInDialog
		dialogID = entry.ID
	} else {
		name := e.selector(req)
		var ok bool
		if svc, ok = e.Service(name); !ok {
			e.log.Warn("Engine.HandleRequest no service",
				slog.String("service", name),
				slog.String("method", string(req.Method)))
			e.respond(up, req, StatusNotFound)
			return nil, fmt.Errorf("%w: %q", ErrNoService, name)
		}
	}

	t := newTransaction(e, uuid.NewString(), kind, svc, req, up)
	t.dialogID = dialogID
	e.txns.Set(t.id, t)
	e.metrics.TransactionStarted(string(kind), svc.Name())

	t.log.Debug("Engine.HandleRequest",
		slog.String("method", string(req.Method)),
		slog.String("kind", string(kind)))

	t.start()
	return t, nil
}

// Transaction возвращает живую транзакцию по идентификатору
func (e *Engine) Transaction(id string) (*Transaction, bool) {
	return e.txns.Get(id)
}

// Stats возвращает текущее состояние
func (e *Engine) Stats() Stats {
	return Stats{
		ActiveTransactions: e.txns.Count(),
		Services:           e.Services(),
	}
}

// Shutdown прекращает прием запросов и отменяет живые транзакции с 503.
// Ждет их завершения или отмены ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closed.Store(true)

	e.txns.ForEach(func(_ string, t *Transaction) bool {
		t.DeliverCancel(StatusServiceUnavailable)
		return true
	})

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for e.txns.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (e *Engine) remove(t *Transaction) {
	if e.txns.Delete(t.id) {
		e.metrics.TransactionDestroyed(time.Since(t.created))
	}
}

func (e *Engine) respond(up Upstream, req *sip.Request, status int) {
	if up == nil {
		return
	}
	rsp := sip.NewResponseFromRequest(req, status, ReasonPhrase(status), nil)
	if err := up.Respond(rsp); err != nil {
		e.log.Error("Engine.respond", slog.Int("status", status), slog.Any("error", err))
	}
}

func isInDialog(req *sip.Request) bool {
	if to := req.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			return true
		}
	}
	return false
}
