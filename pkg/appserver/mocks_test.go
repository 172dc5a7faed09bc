package appserver

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// recordingUpstream запоминает ответы, отправленные наверх
type recordingUpstream struct {
	mu        sync.Mutex
	responses []*sip.Response
}

func (u *recordingUpstream) Respond(rsp *sip.Response) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.responses = append(u.responses, rsp)
	return nil
}

func (u *recordingUpstream) Statuses() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]int, 0, len(u.responses))
	for _, r := range u.responses {
		out = append(out, r.StatusCode)
	}
	return out
}

func (u *recordingUpstream) Finals() []int {
	var out []int
	for _, s := range u.Statuses() {
		if s >= 200 {
			out = append(out, s)
		}
	}
	return out
}

type transmitRecord struct {
	txn    *Transaction
	forkID int
	req    *sip.Request
}

type cancelRecord struct {
	forkID int
	status int
	reason string
}

// fakeDownstream запоминает отправленные форки и отмены
type fakeDownstream struct {
	mu           sync.Mutex
	transmits    []transmitRecord
	cancels      []cancelRecord
	failTransmit bool
}

func (d *fakeDownstream) Transmit(txn *Transaction, forkID int, req *sip.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failTransmit {
		return errors.New("connection refused")
	}
	d.transmits = append(d.transmits, transmitRecord{txn: txn, forkID: forkID, req: req})
	return nil
}

func (d *fakeDownstream) TransmitCancel(_ *Transaction, forkID int, status int, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels, cancelRecord{forkID: forkID, status: status, reason: reason})
	return nil
}

func (d *fakeDownstream) Transmits() []transmitRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transmitRecord(nil), d.transmits...)
}

func (d *fakeDownstream) CancelledForks() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, 0, len(d.cancels))
	for _, c := range d.cancels {
		out = append(out, c.forkID)
	}
	return out
}

func (d *fakeDownstream) Cancels() []cancelRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]cancelRecord(nil), d.cancels...)
}

// testService сервис, создающий обработчики через newTsx
type testService struct {
	name   string
	newTsx func(h Helper) AppServerTsx
}

func (s *testService) Name() string {
	return s.name
}

func (s *testService) GetAppTsx(h Helper, _ *Message) AppServerTsx {
	if s.newTsx == nil {
		return nil
	}
	return s.newTsx(h)
}

// funcTsx обработчик, поведение которого задается функциями
type funcTsx struct {
	BaseTsx
	onInitial  func(h Helper, req *Message)
	onInDialog func(h Helper, req *Message)
	onResponse func(h Helper, rsp *Message, forkID int)
	onCancel   func(h Helper, status int)
	onTimer    func(h Helper, ev TimerEvent)
}

func (f *funcTsx) OnInitialRequest(req *Message) {
	if f.onInitial != nil {
		f.onInitial(f.Helper, req)
	}
}

func (f *funcTsx) OnInDialogRequest(req *Message) {
	if f.onInDialog != nil {
		f.onInDialog(f.Helper, req)
		return
	}
	f.BaseTsx.OnInDialogRequest(req)
}

func (f *funcTsx) OnResponse(rsp *Message, forkID int) {
	if f.onResponse != nil {
		f.onResponse(f.Helper, rsp, forkID)
		return
	}
	f.BaseTsx.OnResponse(rsp, forkID)
}

func (f *funcTsx) OnCancel(status int) {
	if f.onCancel != nil {
		f.onCancel(f.Helper, status)
	}
}

func (f *funcTsx) OnTimerExpiry(ev TimerEvent) {
	if f.onTimer != nil {
		f.onTimer(f.Helper, ev)
	}
}

// serviceOf оборачивает конструктор обработчика в сервис "test"
func serviceOf(build func(tsx *funcTsx)) *testService {
	return &testService{
		name: "test",
		newTsx: func(h Helper) AppServerTsx {
			tsx := &funcTsx{BaseTsx: NewBaseTsx(h)}
			build(tsx)
			return tsx
		},
	}
}

type testEnv struct {
	engine  *Engine
	down    *fakeDownstream
	metrics *Metrics
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, cfg Config, services ...AppServer) *testEnv {
	t.Helper()

	if cfg.DefaultService == "" {
		cfg.DefaultService = "test"
	}
	down := &fakeDownstream{}
	metrics := NewMetrics(prometheus.NewRegistry())
	engine, err := NewEngine(cfg,
		WithLogger(discardLogger()),
		WithMetrics(metrics),
		WithDownstream(down))
	require.NoError(t, err)

	for _, svc := range services {
		require.NoError(t, engine.Register(svc))
	}
	return &testEnv{engine: engine, down: down, metrics: metrics}
}

func (env *testEnv) handle(t *testing.T, req *sip.Request) (*Transaction, *recordingUpstream) {
	t.Helper()
	up := &recordingUpstream{}
	txn, err := env.engine.HandleRequest(t.Context(), req, up)
	require.NoError(t, err)
	return txn, up
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
		DisplayName: "Alice",
		Address:     sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"},
		Params:      sip.NewParams().Add("tag", "from-"+callID),
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

func newTestResponse(req *sip.Request, status int) *sip.Response {
	return sip.NewResponseFromRequest(req, status, ReasonPhrase(status), nil)
}
