package sipstack

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arzzra/sip_appserver/pkg/appserver"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// serverTx часть серверной транзакции sipgo, нужная стеку
type serverTx interface {
	Respond(res *sip.Response) error
	Done() <-chan struct{}
	Err() error
}

// cancelNotifier серверная транзакция, сообщающая о CANCEL
type cancelNotifier interface {
	OnCancel(f sip.FnTxCancel) bool
}

// clientTx часть клиентской транзакции sipgo, нужная стеку
type clientTx interface {
	Responses() <-chan *sip.Response
	Done() <-chan struct{}
	Err() error
	Terminate()
}

// requester отправка исходящих запросов
type requester interface {
	// Request открывает клиентскую транзакцию. addVia добавляет Via
	// прикладного сервера поверх существующих.
	Request(ctx context.Context, req *sip.Request, addVia bool) (clientTx, error)
	// Write отправляет запрос вне транзакции (ACK на 2xx)
	Write(req *sip.Request) error
}

type sipgoRequester struct {
	client *sipgo.Client
}

func (r sipgoRequester) Request(ctx context.Context, req *sip.Request, addVia bool) (clientTx, error) {
	var (
		tx  sip.ClientTransaction
		err error
	)
	if addVia {
		tx, err = r.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	} else {
		tx, err = r.client.TransactionRequest(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (r sipgoRequester) Write(req *sip.Request) error {
	return r.client.WriteRequest(req, sipgo.ClientRequestAddVia)
}

// Stack связывает движок прикладного сервера с транспортом sipgo:
// входящие запросы передаются в Engine.HandleRequest, форки уходят
// через клиентские транзакции, ответы и отмены возвращаются в транзакции
// движка.
type Stack struct {
	cfg    Config
	engine *appserver.Engine
	log    *slog.Logger
	ctx    context.Context

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client
	out    requester

	mu       sync.Mutex
	inbound  map[string]*appserver.Transaction // branch входящего INVITE
	outbound map[forkKey]*outboundFork
}

// New создает стек и подключает его к движку как транспорт форков
func New(cfg Config, engine *appserver.Engine, log *slog.Logger) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "sip stack config")
	}
	if log == nil {
		log = slog.Default()
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.Hostname),
	)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка создания User Agent")
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.Hostname))
	if err != nil {
		return nil, errors.Wrap(err, "ошибка создания клиента")
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка создания сервера")
	}

	s := newStack(cfg, engine, log, sipgoRequester{client: client})
	s.ua = ua
	s.client = client
	s.server = server
	s.registerHandlers()
	return s, nil
}

func newStack(cfg Config, engine *appserver.Engine, log *slog.Logger, out requester) *Stack {
	s := &Stack{
		cfg:      cfg,
		engine:   engine,
		log:      log.With(slog.String("component", "sipstack")),
		ctx:      context.Background(),
		out:      out,
		inbound:  make(map[string]*appserver.Transaction),
		outbound: make(map[forkKey]*outboundFork),
	}
	engine.SetDownstream(s)
	return s
}

// registerHandlers регистрирует обработчики входящих запросов
func (s *Stack) registerHandlers() {
	onRequest := func(req *sip.Request, tx sip.ServerTransaction) {
		s.handleRequest(req, tx)
	}
	s.server.OnInvite(onRequest)
	s.server.OnBye(onRequest)
	s.server.OnOptions(onRequest)
	s.server.OnUpdate(onRequest)
	s.server.OnNotify(onRequest)
	s.server.OnRegister(onRequest)
	s.server.OnRefer(onRequest)

	s.server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		s.handleCancel(req, tx)
	})
	s.server.OnAck(func(req *sip.Request, _ sip.ServerTransaction) {
		s.handleAck(req)
	})
}

// ListenAndServe запускает все слушатели и блокирует до ctx.Done()
// или ошибки одного из них
func (s *Stack) ListenAndServe(ctx context.Context) error {
	if s.server == nil {
		return errors.New("sip server is not initialized")
	}
	s.ctx = ctx

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range s.cfg.Listeners {
		g.Go(func() error {
			s.log.Info("Запуск SIP сервера",
				slog.String("network", l.Network()),
				slog.String("address", l.Addr()))
			if err := s.server.ListenAndServe(gctx, l.Network(), l.Addr()); err != nil {
				return errors.Wrapf(err, "listen %s %s", l.Network(), l.Addr())
			}
			return nil
		})
	}
	return g.Wait()
}

// Close закрывает сервер и клиент sipgo
func (s *Stack) Close() error {
	var errs []error
	if s.server != nil {
		if err := s.server.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "ошибка закрытия сервера"))
		}
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "ошибка закрытия клиента"))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// handleRequest передает входящий запрос движку
func (s *Stack) handleRequest(req *sip.Request, tx serverTx) {
	branch := topBranch(req)
	up := &serverUpstream{tx: tx, branch: branch, log: s.log}

	txn, err := s.engine.HandleRequest(s.ctx, req, up)
	if err != nil {
		s.log.Debug("Stack.handleRequest rejected",
			slog.String("method", string(req.Method)),
			slog.Any("error", err))
		return
	}

	if req.Method == sip.INVITE && branch != "" {
		s.mu.Lock()
		s.inbound[branch] = txn
		s.mu.Unlock()

		if n, ok := tx.(cancelNotifier); ok {
			n.OnCancel(func(*sip.Request) {
				txn.DeliverCancel(appserver.StatusRequestTerminated)
			})
		}
	}
	go s.watchInbound(branch, txn, tx)
}

// watchInbound сообщает транзакции движка об отказе входящей транзакции
// и убирает ее из индекса по branch
func (s *Stack) watchInbound(branch string, txn *appserver.Transaction, tx serverTx) {
	select {
	case <-txn.Done():
	case <-tx.Done():
		if txn.FinalStatus() == 0 {
			s.log.Debug("Stack.watchInbound server transaction terminated before final response",
				slog.String("txID", txn.ID()),
				slog.Any("error", tx.Err()))
			txn.DeliverCancel(appserver.StatusRequestTimeout)
		}
	}

	s.mu.Lock()
	if s.inbound[branch] == txn {
		delete(s.inbound, branch)
	}
	s.mu.Unlock()
}

// handleCancel сопоставляет CANCEL с INVITE по branch
func (s *Stack) handleCancel(req *sip.Request, tx serverTx) {
	branch := topBranch(req)
	s.mu.Lock()
	txn, ok := s.inbound[branch]
	s.mu.Unlock()

	if !ok {
		resp := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists,
			appserver.ReasonPhrase(appserver.StatusCallTransactionDoesNotExist), nil)
		if err := tx.Respond(resp); err != nil {
			s.log.Error("Stack.handleCancel", slog.Any("error", err))
		}
		return
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		s.log.Debug("Stack.handleCancel respond", slog.Any("error", err))
	}
	txn.DeliverCancel(appserver.StatusRequestTerminated)
}

// handleAck пересылает ACK на 2xx. ACK на отказы поглощается
// транзакционным уровнем sipgo.
func (s *Stack) handleAck(req *sip.Request) {
	ack := req.Clone()
	if err := s.out.Write(ack); err != nil {
		s.log.Warn("Stack.handleAck forward failed",
			slog.String("target", ack.Recipient.String()),
			slog.Any("error", err))
	}
}

func topBranch(m interface{ Via() *sip.ViaHeader }) string {
	via := m.Via()
	if via == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}
