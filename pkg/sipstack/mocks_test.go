package sipstack

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arzzra/sip_appserver/pkg/appserver"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

// mockServerTransaction для тестирования
type mockServerTransaction struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
	err       error
	onCancel  sip.FnTxCancel
}

func newMockServerTransaction() *mockServerTransaction {
	return &mockServerTransaction{done: make(chan struct{})}
}

func (m *mockServerTransaction) Respond(res *sip.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, res)
	return nil
}

func (m *mockServerTransaction) Done() <-chan struct{} {
	return m.done
}

func (m *mockServerTransaction) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mockServerTransaction) OnCancel(f sip.FnTxCancel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCancel = f
	return true
}

// cancel ошибка как после CANCEL, поглощенного транзакционным уровнем.
// Транзакция еще не завершена.
func (m *mockServerTransaction) cancel() {
	m.mu.Lock()
	m.err = sip.ErrTransactionCanceled
	m.mu.Unlock()
}

func (m *mockServerTransaction) terminate(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	close(m.done)
}

func (m *mockServerTransaction) Statuses() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.responses))
	for _, r := range m.responses {
		out = append(out, r.StatusCode)
	}
	return out
}

func (m *mockServerTransaction) Responses() []*sip.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*sip.Response(nil), m.responses...)
}

// mockClientTransaction для тестирования
type mockClientTransaction struct {
	req        *sip.Request
	responses  chan *sip.Response
	done       chan struct{}
	doneOnce   sync.Once
	err        error
	terminated bool
	mu         sync.Mutex
}

func newMockClientTransaction(req *sip.Request) *mockClientTransaction {
	return &mockClientTransaction{
		req:       req,
		responses: make(chan *sip.Response, 10),
		done:      make(chan struct{}),
	}
}

func (m *mockClientTransaction) Responses() <-chan *sip.Response {
	return m.responses
}

func (m *mockClientTransaction) Done() <-chan struct{} {
	return m.done
}

func (m *mockClientTransaction) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mockClientTransaction) Terminate() {
	m.mu.Lock()
	m.terminated = true
	m.mu.Unlock()
	m.fail(nil)
}

func (m *mockClientTransaction) Terminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

func (m *mockClientTransaction) fail(err error) {
	m.doneOnce.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.done)
	})
}

// respond отвечает так, как ответил бы следующий узел: с Via форка сверху
func (m *mockClientTransaction) respond(status int) {
	m.responses <- sip.NewResponseFromRequest(m.req, status, appserver.ReasonPhrase(status), nil)
}

type sentRequest struct {
	req    *sip.Request
	addVia bool
	tx     *mockClientTransaction
}

// mockRequester запоминает исходящие запросы
type mockRequester struct {
	mu      sync.Mutex
	sent    []sentRequest
	written []*sip.Request
	fail    bool

	// gate задерживает открытие транзакций, пока не закрыт
	gate    chan struct{}
	waiting atomic.Int32
}

func (r *mockRequester) Request(_ context.Context, req *sip.Request, addVia bool) (clientTx, error) {
	if r.gate != nil {
		r.waiting.Add(1)
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errors.New("network is unreachable")
	}
	if addVia {
		req.PrependHeader(&sip.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       "UDP",
			Host:            "as.example.com",
			Port:            5060,
			Params:          sip.NewParams().Add("branch", "z9hG4bK-fork"),
		})
	}
	tx := newMockClientTransaction(req)
	r.sent = append(r.sent, sentRequest{req: req, addVia: addVia, tx: tx})
	return tx, nil
}

func (r *mockRequester) Write(req *sip.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written = append(r.written, req)
	return nil
}

func (r *mockRequester) Sent() []sentRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentRequest(nil), r.sent...)
}

// waitMethod ждет n открытых клиентских транзакций метода
func (r *mockRequester) waitMethod(t *testing.T, method sip.RequestMethod, n int) []sentRequest {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.Method(method)) == n }, 2*time.Second, time.Millisecond)
	return r.Method(method)
}

// sentTo форк, отправленный пользователю user
func sentTo(t *testing.T, sent []sentRequest, user string) sentRequest {
	t.Helper()
	for _, s := range sent {
		if s.req.Recipient.User == user {
			return s
		}
	}
	t.Fatalf("нет запроса к %s", user)
	return sentRequest{}
}

func (r *mockRequester) Method(method sip.RequestMethod) []sentRequest {
	var out []sentRequest
	for _, s := range r.Sent() {
		if s.req.Method == method {
			out = append(out, s)
		}
	}
	return out
}

// forkService отправляет запрос на каждого из targets
type forkService struct {
	targets []string
}

func (s *forkService) Name() string {
	return "fork"
}

func (s *forkService) GetAppTsx(h appserver.Helper, _ *appserver.Message) appserver.AppServerTsx {
	if len(s.targets) == 0 {
		return nil
	}
	return &forkTsx{BaseTsx: appserver.NewBaseTsx(h), targets: s.targets}
}

type forkTsx struct {
	appserver.BaseTsx
	targets []string
}

func (f *forkTsx) OnInitialRequest(req *appserver.Message) {
	for _, user := range f.targets {
		clone, err := f.CloneRequest(req)
		if err != nil {
			return
		}
		clone.Request().Recipient = sip.Uri{Scheme: "sip", User: user, Host: "example.com"}
		if _, err := f.SendRequest(clone); err != nil {
			return
		}
	}
	_ = f.Release(req)
}

type testStack struct {
	stack  *Stack
	engine *appserver.Engine
	out    *mockRequester
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStack(t *testing.T, cfg Config, targets ...string) *testStack {
	t.Helper()
	log := discard()
	engine, err := appserver.NewEngine(appserver.Config{DefaultService: "fork"}, appserver.WithLogger(log))
	require.NoError(t, err)
	require.NoError(t, engine.Register(&forkService{targets: targets}))

	out := &mockRequester{}
	return &testStack{stack: newStack(cfg, engine, log, out), engine: engine, out: out}
}

func newTestRequest(method sip.RequestMethod, callID, toTag string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.1",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", "z9hG4bK-"+callID),
	})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"},
		Params:  sip.NewParams().Add("tag", "from-"+callID),
	})
	to := &sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"},
		Params:  sip.NewParams(),
	}
	if toTag != "" {
		to.Params = to.Params.Add("tag", toTag)
	}
	req.AppendHeader(to)
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	return req
}

// cancelFor CANCEL к запросу req с тем же branch
func cancelFor(req *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, req.Recipient)
	cancel.AppendHeader(sip.HeaderClone(req.Via()))
	cancel.AppendHeader(sip.HeaderClone(req.From()))
	cancel.AppendHeader(sip.HeaderClone(req.To()))
	cancel.AppendHeader(sip.HeaderClone(req.CallID()))
	cancel.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.CANCEL})
	return cancel
}
