package ua

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipua/pkg/sdpneg"
	"github.com/arzzra/sipua/pkg/sipmsg"
)

// fakeClientTx клиентская транзакция без сети: ответы подаются тестом
// напрямую в рабочий цикл.
type fakeClientTx struct {
	responses chan *sip.Response
	done      chan struct{}
	once      sync.Once
}

func newFakeClientTx() *fakeClientTx {
	return &fakeClientTx{responses: make(chan *sip.Response), done: make(chan struct{})}
}

func (f *fakeClientTx) Responses() <-chan *sip.Response { return f.responses }
func (f *fakeClientTx) Done() <-chan struct{}           { return f.done }
func (f *fakeClientTx) Err() error                      { return nil }
func (f *fakeClientTx) Terminate()                      { f.once.Do(func() { close(f.done) }) }

// fakeServerTx запоминает отправленные ответы.
type fakeServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	onCancel  sip.FnTxCancel
	done      chan struct{}
	once      sync.Once
}

func newFakeServerTx() *fakeServerTx {
	return &fakeServerTx{done: make(chan struct{})}
}

func (f *fakeServerTx) Respond(res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, res)
	return nil
}

func (f *fakeServerTx) Acks() <-chan *sip.Request { return nil }
func (f *fakeServerTx) Done() <-chan struct{}     { return f.done }
func (f *fakeServerTx) Err() error                { return nil }
func (f *fakeServerTx) Terminate()                { f.once.Do(func() { close(f.done) }) }

func (f *fakeServerTx) OnCancel(fn sip.FnTxCancel) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCancel = fn
	return true
}

func (f *fakeServerTx) cancelHooked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onCancel != nil
}

// stackCancel ведет себя как стек sipgo: отвечает 487 на INVITE сам и
// только потом сообщает подписчику.
func (f *fakeServerTx) stackCancel(invite, cancel *sip.Request) {
	f.mu.Lock()
	f.responses = append(f.responses, sip.NewResponseFromRequest(invite, 487, "Request Terminated", nil))
	fn := f.onCancel
	f.mu.Unlock()
	if fn != nil {
		fn(cancel)
	}
}

func (f *fakeServerTx) codes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.responses))
	for _, r := range f.responses {
		out = append(out, r.StatusCode)
	}
	return out
}

func (f *fakeServerTx) last() *sip.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return nil
	}
	return f.responses[len(f.responses)-1]
}

// fakeTransport транспорт в памяти.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*sip.Request
	written []*sip.Request
	fail    error
}

func (t *fakeTransport) Request(_ context.Context, req *sip.Request) (ClientTx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return nil, t.fail
	}
	t.sent = append(t.sent, req)
	return newFakeClientTx(), nil
}

func (t *fakeTransport) Write(req *sip.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, req)
	return nil
}

func (t *fakeTransport) lastSent() *sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return nil
	}
	return t.sent[len(t.sent)-1]
}

func (t *fakeTransport) sentMethods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sent))
	for _, r := range t.sent {
		out = append(out, r.Method.String())
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var u sip.Uri
	require.NoError(t, sip.ParseUri(s, &u))
	return u
}

func testConfig() Config {
	return Config{
		Via:            sipmsg.Via{Host: "10.0.0.5", Port: 5060},
		From:           sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"},
		DisplayName:    "Alice",
		SupportedEvent: "presence",
	}
}

// newTestEngine движок без рабочего цикла: тест сам вызывает step.
func newTestEngine(t *testing.T, opts ...Option) (*Engine, *fakeTransport, *fakeClock) {
	t.Helper()
	tr := &fakeTransport{}
	clk := newFakeClock()
	all := append([]Option{WithTransport(tr), WithClock(clk.Now)}, opts...)
	e, err := New(testConfig(), all...)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e, tr, clk
}

// txFor находит транзакцию отправленного запроса.
func txFor(t *testing.T, e *Engine, req *sip.Request) *Transaction {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tx := range e.state.txs {
		if tx.Request == req {
			return tx
		}
	}
	t.Fatalf("no transaction for %s", req.Method)
	return nil
}

func respond(e *Engine, tx *Transaction, res *sip.Response) {
	e.step(&wireEvent{kind: wireResponse, tx: tx, res: res})
}

func killTx(e *Engine, tx *Transaction, err error) {
	e.step(&wireEvent{kind: wireKill, tx: tx, err: err})
}

// receive подает входящий запрос и возвращает его серверную транзакцию.
func receive(e *Engine, req *sip.Request) *fakeServerTx {
	srv := newFakeServerTx()
	var server ServerTx = srv
	if sipmsg.MethodOf(req) == sipmsg.MethodAck {
		server = nil
	}
	e.step(&wireEvent{kind: wireRequest, req: req, server: server})
	return srv
}

func drain(e *Engine) []*Event {
	var out []*Event
	for ev := e.WaitEvent(0); ev != nil; ev = e.WaitEvent(0) {
		out = append(out, ev)
	}
	return out
}

func types(evs []*Event) []EventType {
	out := make([]EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func findEvent(evs []*Event, t EventType) *Event {
	for _, ev := range evs {
		if ev.Type == t {
			return ev
		}
	}
	return nil
}

// remoteSDP предложение удаленной стороны с адресом addr.
func remoteSDP(t *testing.T, addr string, port int) []byte {
	t.Helper()
	neg, err := sdpneg.NewNegotiator(sdpneg.Config{Codecs: sdpneg.DefaultCodecs(), LocalIP: addr, Username: "bob"})
	require.NoError(t, err)
	offer, err := neg.Offer(&sdpneg.Context{LocalPort: port})
	require.NoError(t, err)
	body, err := sdpneg.Marshal(offer)
	require.NoError(t, err)
	return body
}

func holdSDP(t *testing.T, addr string, port int) []byte {
	return []byte(strings.ReplaceAll(string(remoteSDP(t, addr, port)), "IN IP4 "+addr, "IN IP4 0.0.0.0"))
}

// answer ответ удаленной стороны на наш запрос.
func answer(req *sip.Request, code int, tag string, body []byte) *sip.Response {
	p := sipmsg.ResponseParams{
		Code:    code,
		ToTag:   tag,
		Contact: &sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.10", Port: 5060},
	}
	if len(body) > 0 {
		p.ContentType, p.Body = "application/sdp", body
	}
	return sipmsg.NewResponse(req, p)
}

// bobRequest запрос от удаленной стороны к alice.
func bobRequest(t *testing.T, method sipmsg.Method, mutate func(p *sipmsg.RequestParams)) *sip.Request {
	t.Helper()
	p := sipmsg.RequestParams{
		Method:  method,
		Target:  sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.5", Port: 5060},
		From:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.org"},
		FromTag: "bobtag",
		To:      sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"},
		CallID:  "call-from-bob",
		CSeq:    1,
		Contact: &sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.10", Port: 5060},
		Via:     sipmsg.Via{Host: "192.0.2.10", Port: 5060},
		Expires: -1,
	}
	if mutate != nil {
		mutate(&p)
	}
	req, err := sipmsg.NewRequest(p)
	require.NoError(t, err)
	return req
}
