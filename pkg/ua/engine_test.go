package ua

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Via: sipmsg.Via{Host: "10.0.0.5"}})
	assert.Error(t, err)

	_, err = New(Config{From: sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}})
	assert.Error(t, err)

	e, err := New(testConfig())
	require.NoError(t, err)
	assert.Equal(t, "sip:alice@10.0.0.5:5060", e.cfg.Contact.String())
	assert.Equal(t, defaultUserAgent, e.cfg.UserAgent)
	assert.True(t, IsEngineError(e.Start(context.Background()), ErrorCodeTransport))
}

func TestStartStop(t *testing.T) {
	tr := &fakeTransport{}
	e, err := New(testConfig(), WithTransport(tr))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Start(ctx))

	_, err = e.SendMessage("sip:bob@example.org", "text/plain", []byte("hi"))
	require.NoError(t, err)

	e.Stop()
	e.Stop()

	_, err = e.InitiateCall(CallParams{To: "sip:bob@example.org"})
	assert.True(t, IsEngineError(err, ErrorCodeStopped))
	assert.True(t, IsEngineError(e.Start(ctx), ErrorCodeStopped))
	assert.Nil(t, e.WaitEvent(10*time.Millisecond))
}

func TestServeStopsOnCancel(t *testing.T) {
	e, err := New(testConfig(), WithTransport(&fakeTransport{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestWorkerLoopDeliversIncomingRequests(t *testing.T) {
	e, err := New(testConfig(), WithTransport(&fakeTransport{}))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	msg := bobRequest(t, sipmsg.MethodMessage, func(p *sipmsg.RequestParams) {
		p.ContentType, p.Body = "text/plain", []byte("over the loop")
	})
	again := bobRequest(t, sipmsg.MethodMessage, func(p *sipmsg.RequestParams) {
		p.ContentType, p.Body, p.CSeq = "text/plain", []byte("over the loop"), 2
	})
	first, second := newFakeServerTx(), newFakeServerTx()
	go e.receive(msg, first)
	go e.receive(again, second)

	var got []*Event
	for len(got) < 2 {
		ev := e.WaitEvent(2 * time.Second)
		require.NotNil(t, ev, "timed out waiting for events")
		got = append(got, ev)
	}
	for _, ev := range got {
		assert.Equal(t, MessageNew, ev.Type)
		assert.Equal(t, "over the loop", ev.Body)
	}
	// Завершение серверной транзакции снимает блокировку Receive.
	first.Terminate()
	second.Terminate()
}

func TestCancelAnsweredByStack(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	invite := bobRequest(t, sipmsg.MethodInvite, nil)
	srv := newFakeServerTx()
	go e.receive(invite, srv)
	defer srv.Terminate()

	inv := e.WaitEvent(2 * time.Second)
	require.NotNil(t, inv)
	require.Equal(t, CallInvite, inv.Type)
	require.Eventually(t, srv.cancelHooked, time.Second, 5*time.Millisecond)

	cancelReq, err := sipmsg.BuildCancel(invite)
	require.NoError(t, err)
	srv.stackCancel(invite, cancelReq)

	ev := e.WaitEvent(2 * time.Second)
	require.NotNil(t, ev)
	assert.Equal(t, CallCancelled, ev.Type)
	assert.Equal(t, inv.CID, ev.CID)

	// После CANCEL ответить на INVITE уже нельзя.
	assert.True(t, IsEngineError(e.AnswerCall(inv.TID, 200), ErrorCodeBadState))
	assert.Equal(t, []int{100, 487}, srv.codes())
}

func TestEventCallback(t *testing.T) {
	var (
		mu  sync.Mutex
		got []EventType
	)
	e, _, _ := newTestEngine(t, WithEventCallback(func(ev *Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	}))

	receive(e, bobRequest(t, sipmsg.MethodMessage, nil))
	assert.Nil(t, e.WaitEvent(0))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{MessageNew}, got)
}

func TestEventQueueDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	e, err := New(cfg, WithTransport(&fakeTransport{}), WithClock(newFakeClock().Now))
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	for i := 1; i <= 3; i++ {
		receive(e, bobRequest(t, sipmsg.MethodMessage, func(p *sipmsg.RequestParams) {
			p.CSeq = uint32(i)
			p.ContentType, p.Body = "text/plain", []byte{byte('0' + i)}
		}))
	}
	assert.Equal(t, 2, e.PendingEvents())
	evs := drain(e)
	require.Len(t, evs, 2)
	assert.Equal(t, "2", evs[0].Body)
	assert.Equal(t, "3", evs[1].Body)

	assert.Equal(t, uint64(1), e.DroppedEvents())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.eventsDropped.WithLabelValues(MessageNew.String())))
}

func TestEventQueueWaitTimeout(t *testing.T) {
	q := newEventQueue(4)
	start := time.Now()
	assert.Nil(t, q.wait(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	go q.push(newEvent(MessageNew))
	ev := q.wait(time.Second)
	require.NotNil(t, ev)
	assert.Equal(t, MessageNew, ev.Type)
	assert.Equal(t, -1, ev.PayloadType)
}

func TestFindDialogSnapshot(t *testing.T) {
	e, _, _ := newTestEngine(t)
	invite := bobRequest(t, sipmsg.MethodInvite, func(p *sipmsg.RequestParams) {
		p.ContentType, p.Body = "application/sdp", remoteSDP(t, "192.0.2.10", 4000)
	})
	srv := receive(e, invite)
	inv := findEvent(drain(e), CallInvite)
	require.NotNil(t, inv)
	require.NoError(t, e.AnswerCall(inv.TID, 180))
	require.NoError(t, e.AnswerCall(inv.TID, 200))

	call, ok := e.FindCall(inv.CID)
	require.True(t, ok)
	require.Len(t, call.Dialogs, 1)

	got, ok := e.FindDialog(call.Dialogs[0])
	require.True(t, ok)
	want := DialogInfo{
		ID:           call.Dialogs[0],
		State:        DialogEstablished,
		CallID:       "call-from-bob",
		LocalTag:     sipmsg.ToTag(srv.last()),
		RemoteTag:    "bobtag",
		RemoteTarget: "sip:bob@192.0.2.10:5060",
		RemoteCSeq:   1,
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(DialogInfo{}, "LocalCSeq")); diff != "" {
		t.Errorf("dialog snapshot mismatch (-want +got):\n%s", diff)
	}

	_, ok = e.FindDialog(call.Dialogs[0] + 1000)
	assert.False(t, ok)
}
