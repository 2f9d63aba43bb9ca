package ua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipua/pkg/auth"
	"github.com/arzzra/sipua/pkg/sipmsg"
)

// startCall отправляет INVITE и возвращает вызов, запрос и транзакцию.
func startCall(t *testing.T, e *Engine, tr *fakeTransport, p CallParams) (int, *sip.Request, *Transaction) {
	t.Helper()
	if p.To == "" {
		p.To = "Bob <sip:bob@example.org>"
	}
	cid, err := e.InitiateCall(p)
	require.NoError(t, err)
	require.Positive(t, cid)
	invite := tr.lastSent()
	require.NotNil(t, invite)
	return cid, invite, txFor(t, e, invite)
}

func TestOutgoingCallAnswered(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	cid, invite, tx := startCall(t, e, tr, CallParams{Subject: "lunch"})

	assert.Equal(t, uint32(initialInviteCSeq), sipmsg.CSeqNo(invite))
	assert.True(t, sipmsg.HasSDP(invite))
	assert.Equal(t, "lunch", sipmsg.HeaderValue(invite, "Subject"))
	assert.Empty(t, drain(e))

	respond(e, tx, answer(invite, 180, "bob-a", nil))
	evs := drain(e)
	ringing := findEvent(evs, CallRinging)
	require.NotNil(t, ringing, "events: %v", types(evs))
	assert.Equal(t, cid, ringing.CID)
	assert.Positive(t, ringing.DID)

	respond(e, tx, answer(invite, 200, "bob-a", remoteSDP(t, "192.0.2.10", 4000)))
	evs = drain(e)
	assert.Equal(t, []EventType{CallAnswered, CallStartAudio}, types(evs))
	answered := evs[0]
	assert.Equal(t, ringing.DID, answered.DID)
	require.NotNil(t, answered.Ack)
	assert.Equal(t, uint32(initialInviteCSeq), sipmsg.CSeqNo(answered.Ack))

	start := evs[1]
	assert.Equal(t, "192.0.2.10", start.RemoteAddr)
	assert.Equal(t, 4000, start.RemotePort)
	assert.Equal(t, 0, start.PayloadType)
	assert.Equal(t, "PCMU", start.PayloadName)

	require.NoError(t, e.SendAck(answered.DID))
	require.Len(t, tr.written, 1)
	ack := tr.written[0]
	assert.Equal(t, sip.ACK, ack.Method)
	assert.Equal(t, uint32(initialInviteCSeq), sipmsg.CSeqNo(ack))
	assert.Equal(t, "bob-a", sipmsg.ToTag(ack))
	assert.Empty(t, ack.Body())

	pt, name, err := e.RetrieveNegotiatedPayload(cid)
	require.NoError(t, err)
	assert.Equal(t, 0, pt)
	assert.Equal(t, "PCMU", name)

	info, ok := e.FindDialog(answered.DID)
	require.True(t, ok)
	assert.Equal(t, DialogEstablished, info.State)
	assert.True(t, info.UAC)
	assert.Equal(t, "sip:bob@192.0.2.10:5060", info.RemoteTarget)
}

func TestAckCarriesAnswerWhenInviteHadNoOffer(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	_, invite, tx := startCall(t, e, tr, CallParams{NoSDP: true})
	assert.False(t, sipmsg.HasSDP(invite))

	respond(e, tx, answer(invite, 200, "bob-a", remoteSDP(t, "192.0.2.10", 4000)))
	answered := findEvent(drain(e), CallAnswered)
	require.NotNil(t, answered)

	require.NoError(t, e.SendAck(answered.DID))
	require.Len(t, tr.written, 1)
	ack := tr.written[0]
	assert.Equal(t, "application/sdp", sipmsg.ContentType(ack))
	assert.Contains(t, string(ack.Body()), "m=audio")
}

func TestSendAckWithoutAnswer(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	_, invite, tx := startCall(t, e, tr, CallParams{})
	respond(e, tx, answer(invite, 180, "bob-a", nil))
	ringing := findEvent(drain(e), CallRinging)
	require.NotNil(t, ringing)

	err := e.SendAck(ringing.DID)
	assert.True(t, IsEngineError(err, ErrorCodeBadState))
	assert.True(t, IsEngineError(e.SendAck(9999), ErrorCodeNotFound))
}

func TestForkedAnswerRebuildsEarlyDialog(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	cid, invite, tx := startCall(t, e, tr, CallParams{})

	respond(e, tx, answer(invite, 180, "branch-a", nil))
	ringing := findEvent(drain(e), CallRinging)
	require.NotNil(t, ringing)

	ok200 := answer(invite, 200, "branch-b", remoteSDP(t, "192.0.2.20", 5000))
	ok200.AppendHeader(&sip.RecordRouteHeader{Address: mustURI(t, "sip:p1.example.org;lr")})
	ok200.AppendHeader(&sip.RecordRouteHeader{Address: mustURI(t, "sip:p2.example.org;lr")})
	respond(e, tx, ok200)

	answered := findEvent(drain(e), CallAnswered)
	require.NotNil(t, answered)
	assert.Equal(t, ringing.DID, answered.DID)

	info, ok := e.FindDialog(answered.DID)
	require.True(t, ok)
	assert.Equal(t, "branch-b", info.RemoteTag)
	p2, p1 := mustURI(t, "sip:p2.example.org;lr"), mustURI(t, "sip:p1.example.org;lr")
	assert.Equal(t, []string{p2.String(), p1.String()}, info.RouteSet)

	// Повтор 2xx той же ветви не создает второй диалог.
	respond(e, tx, ok200)
	again := findEvent(drain(e), CallAnswered)
	require.NotNil(t, again)
	assert.Equal(t, answered.DID, again.DID)

	call, ok := e.FindCall(cid)
	require.True(t, ok)
	assert.Equal(t, []int{answered.DID}, call.Dialogs)
}

func TestTerminateCallDefersCancelUntilProvisional(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	cid, invite, tx := startCall(t, e, tr, CallParams{})

	require.NoError(t, e.TerminateCall(cid, 0))
	assert.Equal(t, []string{"INVITE"}, tr.sentMethods())

	respond(e, tx, answer(invite, 180, "bob-a", nil))
	assert.Equal(t, []string{"INVITE", "CANCEL"}, tr.sentMethods())
	cancel := tr.lastSent()
	assert.Equal(t, sipmsg.Branch(invite), sipmsg.Branch(cancel))
	assert.Equal(t, sipmsg.CSeqNo(invite), sipmsg.CSeqNo(cancel))

	respond(e, txFor(t, e, cancel), answer(cancel, 200, "", nil))
	respond(e, tx, answer(invite, 487, "bob-a", nil))
	evs := drain(e)
	assert.NotNil(t, findEvent(evs, CallRequestFailure))
	assert.Nil(t, findEvent(evs, CallMessageAnswered))

	killTx(e, tx, nil)
	assert.NotNil(t, findEvent(drain(e), CallReleased))
	_, ok := e.FindCall(cid)
	assert.False(t, ok)
}

func TestTerminateEstablishedCallSendsBye(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	cid, invite, tx := startCall(t, e, tr, CallParams{})
	respond(e, tx, answer(invite, 200, "bob-a", remoteSDP(t, "192.0.2.10", 4000)))
	answered := findEvent(drain(e), CallAnswered)
	require.NotNil(t, answered)

	require.NoError(t, e.TerminateCall(cid, 0))
	bye := tr.lastSent()
	assert.Equal(t, sip.BYE, bye.Method)
	assert.Equal(t, uint32(initialInviteCSeq+1), sipmsg.CSeqNo(bye))
	assert.Equal(t, "bob-a", sipmsg.ToTag(bye))

	err := e.TerminateCall(cid, 0)
	assert.True(t, IsEngineError(err, ErrorCodeTransactionPending))
}

func TestInviteTimeoutReleasesCall(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	cid, _, tx := startCall(t, e, tr, CallParams{})

	killTx(e, tx, errors.Wrap(sip.ErrTransactionTimeout, "timer b"))
	evs := drain(e)
	assert.Equal(t, []EventType{CallTimeout, CallReleased}, types(evs))
	assert.Equal(t, cid, evs[1].CID)

	_, ok := e.FindCall(cid)
	assert.False(t, ok)
	assert.True(t, IsEngineError(e.TerminateCall(cid, 0), ErrorCodeNotFound))
}

func TestCallAuthRetryWithDefaultAction(t *testing.T) {
	e, tr, _ := newTestEngine(t, WithAuthInfo(auth.Info{Username: "alice", Password: "secret", Realm: "example.org"}))
	cid, invite, tx := startCall(t, e, tr, CallParams{})

	challenge := answer(invite, 401, "", nil)
	challenge.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.org", nonce="abc123", algorithm=MD5`))
	respond(e, tx, challenge)
	failure := findEvent(drain(e), CallRequestFailure)
	require.NotNil(t, failure)
	assert.Equal(t, 401, failure.StatusCode)

	// Вызов ждет повтора и не освобождается с транзакцией.
	killTx(e, tx, nil)
	assert.Nil(t, findEvent(drain(e), CallReleased))

	require.NoError(t, e.DefaultAction(failure))
	retry := tr.lastSent()
	require.NotSame(t, invite, retry)
	assert.Equal(t, sip.INVITE, retry.Method)
	assert.Equal(t, uint32(initialInviteCSeq+1), sipmsg.CSeqNo(retry))
	assert.Equal(t, sipmsg.CallID(invite), sipmsg.CallID(retry))
	assert.Contains(t, sipmsg.HeaderValue(retry, "Authorization"), `realm="example.org"`)

	// Второй раз для того же realm учетные данные не прикладываются.
	retryTx := txFor(t, e, retry)
	respond(e, retryTx, challenge)
	again := findEvent(drain(e), CallRequestFailure)
	require.NotNil(t, again)
	assert.True(t, IsEngineError(e.DefaultAction(again), ErrorCodeBadState))

	killTx(e, retryTx, nil)
	released := findEvent(drain(e), CallReleased)
	require.NotNil(t, released)
	assert.Equal(t, cid, released.CID)
}

func TestRedirectFollowedByDefaultAction(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	_, invite, tx := startCall(t, e, tr, CallParams{})

	moved := sipmsg.NewResponse(invite, sipmsg.ResponseParams{
		Code:    302,
		Contact: &sip.Uri{Scheme: "sip", User: "bob", Host: "mobile.example.org"},
	})
	respond(e, tx, moved)
	redirected := findEvent(drain(e), CallRedirected)
	require.NotNil(t, redirected)

	require.NoError(t, e.DefaultAction(redirected))
	next := tr.lastSent()
	assert.Equal(t, "mobile.example.org", next.Recipient.Host)
	assert.Equal(t, sipmsg.CSeqNo(invite)+1, sipmsg.CSeqNo(next))
}

func TestIncomingCallAnsweredAndClosed(t *testing.T) {
	e, _, _ := newTestEngine(t)
	invite := bobRequest(t, sipmsg.MethodInvite, func(p *sipmsg.RequestParams) {
		p.ContentType, p.Body = "application/sdp", remoteSDP(t, "192.0.2.10", 4000)
	})
	srv := receive(e, invite)
	assert.Equal(t, []int{100}, srv.codes())

	evs := drain(e)
	require.Len(t, evs, 1)
	inv := evs[0]
	assert.Equal(t, CallInvite, inv.Type)
	assert.Positive(t, inv.CID)
	assert.Positive(t, inv.TID)
	assert.Equal(t, "192.0.2.10", inv.RemoteAddr)

	require.NoError(t, e.AnswerCall(inv.TID, 180))
	require.NoError(t, e.AnswerCall(inv.TID, 200))
	assert.Equal(t, []int{100, 180, 200}, srv.codes())
	ok200 := srv.last()
	assert.Equal(t, "application/sdp", sipmsg.ContentType(ok200))
	localTag := sipmsg.ToTag(ok200)
	require.NotEmpty(t, localTag)

	// Повторный финальный ответ недопустим.
	assert.True(t, IsEngineError(e.AnswerCall(inv.TID, 486), ErrorCodeBadState))

	call, ok := e.FindCall(inv.CID)
	require.True(t, ok)
	require.Len(t, call.Dialogs, 1)
	did := call.Dialogs[0]

	ack := bobRequest(t, sipmsg.MethodAck, func(p *sipmsg.RequestParams) { p.ToTag = localTag })
	receive(e, ack)
	acked := findEvent(drain(e), CallAck)
	require.NotNil(t, acked)
	assert.Equal(t, did, acked.DID)

	bye := bobRequest(t, sipmsg.MethodBye, func(p *sipmsg.RequestParams) {
		p.ToTag, p.CSeq = localTag, 2
	})
	byeSrv := receive(e, bye)
	assert.Equal(t, []int{200}, byeSrv.codes())
	closed := findEvent(drain(e), CallClosed)
	require.NotNil(t, closed)
	assert.Equal(t, did, closed.DID)

	dinfo, ok := e.FindDialog(did)
	require.True(t, ok)
	assert.True(t, dinfo.Closed)
}

func TestIncomingCallWithUnsupportedCodecs(t *testing.T) {
	e, _, _ := newTestEngine(t)
	offer := "v=0\r\no=bob 1 1 IN IP4 192.0.2.10\r\ns=-\r\nc=IN IP4 192.0.2.10\r\nt=0 0\r\n" +
		"m=audio 4000 RTP/AVP 98\r\na=rtpmap:98 L16/16000\r\n"
	invite := bobRequest(t, sipmsg.MethodInvite, func(p *sipmsg.RequestParams) {
		p.ContentType, p.Body = "application/sdp", []byte(offer)
	})
	srv := receive(e, invite)
	assert.Equal(t, []int{488}, srv.codes())
	assert.Empty(t, drain(e))
}

func TestCancelIncomingInvite(t *testing.T) {
	e, _, _ := newTestEngine(t)
	invite := bobRequest(t, sipmsg.MethodInvite, nil)
	srv := receive(e, invite)
	inv := findEvent(drain(e), CallInvite)
	require.NotNil(t, inv)

	stray := bobRequest(t, sipmsg.MethodCancel, func(p *sipmsg.RequestParams) { p.CallID = "other" })
	straySrv := receive(e, stray)
	assert.Equal(t, []int{481}, straySrv.codes())

	cancel, err := sipmsg.BuildCancel(invite)
	require.NoError(t, err)
	cancelSrv := receive(e, cancel)
	assert.Equal(t, []int{200}, cancelSrv.codes())
	assert.Equal(t, []int{100, 487}, srv.codes())

	cancelled := findEvent(drain(e), CallCancelled)
	require.NotNil(t, cancelled)
	assert.Equal(t, inv.CID, cancelled.CID)
}

func TestCancelMatchedWithoutBranchCookie(t *testing.T) {
	e, _, _ := newTestEngine(t)
	invite := bobRequest(t, sipmsg.MethodInvite, nil)
	invite.Via().Params.Add("branch", "legacy-1")
	srv := receive(e, invite)
	require.NotNil(t, findEvent(drain(e), CallInvite))

	// Тег только с одной стороны не совпадает.
	tagged := bobRequest(t, sipmsg.MethodCancel, func(p *sipmsg.RequestParams) { p.ToTag = "stray" })
	tagged.Via().Params.Add("branch", "legacy-1")
	assert.Equal(t, []int{481}, receive(e, tagged).codes())

	cancel, err := sipmsg.BuildCancel(invite)
	require.NoError(t, err)
	assert.Equal(t, []int{200}, receive(e, cancel).codes())
	assert.Equal(t, []int{100, 487}, srv.codes())
}

func TestCancelAfterAnswerIsRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	invite := bobRequest(t, sipmsg.MethodInvite, nil)
	receive(e, invite)
	inv := findEvent(drain(e), CallInvite)
	require.NotNil(t, inv)
	require.NoError(t, e.AnswerCall(inv.TID, 200))

	cancel, err := sipmsg.BuildCancel(invite)
	require.NoError(t, err)
	assert.Equal(t, []int{481}, receive(e, cancel).codes())
}

func TestDeclineIncomingCall(t *testing.T) {
	e, _, _ := newTestEngine(t)
	srv := receive(e, bobRequest(t, sipmsg.MethodInvite, nil))
	inv := findEvent(drain(e), CallInvite)
	require.NotNil(t, inv)

	require.NoError(t, e.TerminateCall(inv.CID, 0))
	assert.Equal(t, []int{100, 603}, srv.codes())

	e.step(&wireEvent{kind: wireKill, server: srv})
	assert.NotNil(t, findEvent(drain(e), CallReleased))
	_, ok := e.FindCall(inv.CID)
	assert.False(t, ok)
}

// establishIncoming принимает входящий вызов и возвращает его событие и To тег.
func establishIncoming(t *testing.T, e *Engine) (*Event, string) {
	t.Helper()
	invite := bobRequest(t, sipmsg.MethodInvite, func(p *sipmsg.RequestParams) {
		p.ContentType, p.Body = "application/sdp", remoteSDP(t, "192.0.2.10", 4000)
	})
	srv := receive(e, invite)
	inv := findEvent(drain(e), CallInvite)
	require.NotNil(t, inv)
	require.NoError(t, e.AnswerCall(inv.TID, 200))
	return inv, sipmsg.ToTag(srv.last())
}

func TestRemoteHoldDetection(t *testing.T) {
	e, _, _ := newTestEngine(t)
	inv, tag := establishIncoming(t, e)

	hold := bobRequest(t, sipmsg.MethodInvite, func(p *sipmsg.RequestParams) {
		p.ToTag, p.CSeq = tag, 2
		p.ContentType, p.Body = "application/sdp", holdSDP(t, "192.0.2.10", 4000)
	})
	receive(e, hold)
	evs := drain(e)
	assert.Equal(t, []EventType{CallReinvite, CallHold}, types(evs))
	require.NoError(t, e.AnswerCall(evs[0].TID, 200))

	call, ok := e.FindCall(inv.CID)
	require.True(t, ok)
	assert.True(t, call.RemoteHold)

	resume := bobRequest(t, sipmsg.MethodInvite, func(p *sipmsg.RequestParams) {
		p.ToTag, p.CSeq = tag, 3
		p.ContentType, p.Body = "application/sdp", remoteSDP(t, "192.0.2.10", 4000)
	})
	receive(e, resume)
	assert.Equal(t, []EventType{CallReinvite, CallOffHold}, types(drain(e)))
}

func TestReinviteWithStaleCSeqRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, tag := establishIncoming(t, e)

	stale := bobRequest(t, sipmsg.MethodInvite, func(p *sipmsg.RequestParams) { p.ToTag = tag })
	assert.Equal(t, []int{500}, receive(e, stale).codes())
}

func TestHoldSendsSendonlyOffer(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	_, invite, tx := startCall(t, e, tr, CallParams{})
	respond(e, tx, answer(invite, 200, "bob-a", remoteSDP(t, "192.0.2.10", 4000)))
	answered := findEvent(drain(e), CallAnswered)
	require.NotNil(t, answered)

	require.NoError(t, e.Hold(answered.DID))
	reinvite := tr.lastSent()
	assert.Equal(t, sip.INVITE, reinvite.Method)
	assert.Equal(t, "bob-a", sipmsg.ToTag(reinvite))
	assert.Contains(t, string(reinvite.Body()), "a=sendonly")

	assert.True(t, IsEngineError(e.Resume(answered.DID), ErrorCodeTransactionPending))
}

func TestIncomingOptionsAnsweredByEngine(t *testing.T) {
	e, _, _ := newTestEngine(t)
	srv := receive(e, bobRequest(t, sipmsg.MethodOptions, nil))
	assert.Equal(t, []int{200}, srv.codes())
	assert.NotEmpty(t, sipmsg.HeaderValue(srv.last(), "Allow"))
	assert.Equal(t, []EventType{MessageNew}, types(drain(e)))
}

func TestUnsupportedMethod(t *testing.T) {
	e, _, _ := newTestEngine(t)
	srv := receive(e, bobRequest(t, sipmsg.MethodPrack, nil))
	assert.Equal(t, []int{501}, srv.codes())

	_, tag := establishIncoming(t, e)
	inDialog := bobRequest(t, sipmsg.MethodPrack, func(p *sipmsg.RequestParams) {
		p.ToTag, p.CSeq = tag, 2
	})
	assert.Equal(t, []int{405}, receive(e, inDialog).codes())
}

func TestInDialogRequestWithoutDialog(t *testing.T) {
	e, _, _ := newTestEngine(t)
	bye := bobRequest(t, sipmsg.MethodBye, func(p *sipmsg.RequestParams) { p.ToTag = "nobody" })
	assert.Equal(t, []int{481}, receive(e, bye).codes())
}

func TestTransferAndReferStatus(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	_, invite, tx := startCall(t, e, tr, CallParams{})
	respond(e, tx, answer(invite, 200, "bob-a", remoteSDP(t, "192.0.2.10", 4000)))
	answered := findEvent(drain(e), CallAnswered)
	require.NotNil(t, answered)

	require.NoError(t, e.Transfer(answered.DID, "sip:carol@example.org"))
	refer := tr.lastSent()
	assert.Equal(t, sip.REFER, refer.Method)
	assert.Equal(t, "<sip:carol@example.org>", sipmsg.HeaderValue(refer, "Refer-To"))
	assert.True(t, IsEngineError(e.Transfer(answered.DID, "sip:dave@example.org"), ErrorCodeTransactionPending))

	respond(e, txFor(t, e, refer), answer(refer, 202, "", nil))
	assert.NotNil(t, findEvent(drain(e), CallMessageAnswered))

	n := bobRequest(t, sipmsg.MethodNotify, func(p *sipmsg.RequestParams) {
		p.CallID = sipmsg.CallID(invite)
		p.FromTag = "bob-a"
		p.ToTag = sipmsg.FromTag(invite)
		p.CSeq = 5
		p.Event = "refer"
		p.ContentType, p.Body = sipfragType, sipmsg.Sipfrag(200, "OK")
	})
	srv := receive(e, n)
	assert.Equal(t, []int{200}, srv.codes())
	status := findEvent(drain(e), CallReferStatus)
	require.NotNil(t, status)
	assert.Equal(t, 200, status.SipfragStatus)
}

func TestFreeCallIsIdempotent(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	cid, invite, tx := startCall(t, e, tr, CallParams{})
	respond(e, tx, answer(invite, 180, "bob-a", nil))
	drain(e)

	e.mu.Lock()
	call, ok := e.callByID(cid)
	require.True(t, ok)
	e.freeCall(call)
	e.freeCall(call)
	e.mu.Unlock()

	assert.Equal(t, float64(0), testutil.ToFloat64(e.metrics.calls))
	assert.Equal(t, float64(0), testutil.ToFloat64(e.metrics.dialogs))
	_, ok = e.FindCall(cid)
	assert.False(t, ok)
}
