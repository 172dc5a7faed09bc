package services

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/sip_appserver/pkg/appserver"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

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

func (u *recordingUpstream) Responses() []*sip.Response {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*sip.Response(nil), u.responses...)
}

func (u *recordingUpstream) Statuses() []int {
	var out []int
	for _, r := range u.Responses() {
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

type sentFork struct {
	txn    *appserver.Transaction
	forkID int
	req    *sip.Request
}

type sentCancel struct {
	forkID int
	status int
}

// fakeDownstream запоминает форки и отмены вместо отправки в сеть
type fakeDownstream struct {
	mu      sync.Mutex
	forks   []sentFork
	cancels []sentCancel
}

func (d *fakeDownstream) Transmit(txn *appserver.Transaction, forkID int, req *sip.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forks = append(d.forks, sentFork{txn: txn, forkID: forkID, req: req})
	return nil
}

func (d *fakeDownstream) TransmitCancel(_ *appserver.Transaction, forkID int, status int, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels, sentCancel{forkID: forkID, status: status})
	return nil
}

func (d *fakeDownstream) Forks() []sentFork {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentFork(nil), d.forks...)
}

func (d *fakeDownstream) Cancels() []sentCancel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentCancel(nil), d.cancels...)
}

// respond доставляет ответ status на i-й отправленный форк
func (d *fakeDownstream) respond(i int, status int) {
	f := d.Forks()[i]
	rsp := sip.NewResponseFromRequest(f.req, status, appserver.ReasonPhrase(status), nil)
	f.txn.DeliverResponse(f.forkID, rsp)
}

func (d *fakeDownstream) Recipients() []string {
	var out []string
	for _, f := range d.Forks() {
		out = append(out, f.req.Recipient.User)
	}
	return out
}

type testEnv struct {
	engine *appserver.Engine
	down   *fakeDownstream
}

func newTestEnv(t *testing.T, svc appserver.AppServer) *testEnv {
	t.Helper()

	cfg := appserver.DefaultConfig()
	cfg.DefaultService = svc.Name()
	down := &fakeDownstream{}
	engine, err := appserver.NewEngine(cfg,
		appserver.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		appserver.WithDownstream(down))
	require.NoError(t, err)
	require.NoError(t, engine.Register(svc))
	return &testEnv{engine: engine, down: down}
}

func (env *testEnv) handle(t *testing.T, req *sip.Request) (*appserver.Transaction, *recordingUpstream) {
	t.Helper()
	up := &recordingUpstream{}
	txn, err := env.engine.HandleRequest(t.Context(), req, up)
	require.NoError(t, err)
	return txn, up
}

// waitDone ждет завершения транзакции движка
func waitDone(t *testing.T, txn *appserver.Transaction) {
	t.Helper()
	select {
	case <-txn.Done():
	case <-time.After(time.Second):
		t.Fatalf("транзакция %s не завершилась, фаза %s", txn.ID(), txn.Phase())
	}
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
