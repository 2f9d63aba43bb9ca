package ua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

// EstablishedCallSuite исходящий вызов, принятый bob, с отправленным ACK.
type EstablishedCallSuite struct {
	suite.Suite

	e      *Engine
	tr     *fakeTransport
	invite *sip.Request
	cid    int
	did    int
}

func TestEstablishedCallSuite(t *testing.T) {
	suite.Run(t, new(EstablishedCallSuite))
}

func (s *EstablishedCallSuite) SetupTest() {
	s.e, s.tr, _ = newTestEngine(s.T())
	cid, invite, tx := startCall(s.T(), s.e, s.tr, CallParams{})
	respond(s.e, tx, answer(invite, 200, "bob-a", remoteSDP(s.T(), "192.0.2.10", 4000)))
	answered := findEvent(drain(s.e), CallAnswered)
	s.Require().NotNil(answered)
	s.Require().NoError(s.e.SendAck(answered.DID))
	s.invite, s.cid, s.did = invite, cid, answered.DID
}

// fromBob запрос bob внутри установленного диалога.
func (s *EstablishedCallSuite) fromBob(method sipmsg.Method, cseq uint32, mutate func(p *sipmsg.RequestParams)) *sip.Request {
	return bobRequest(s.T(), method, func(p *sipmsg.RequestParams) {
		p.CallID = sipmsg.CallID(s.invite)
		p.FromTag = "bob-a"
		p.ToTag = sipmsg.FromTag(s.invite)
		p.CSeq = cseq
		if mutate != nil {
			mutate(p)
		}
	})
}

func (s *EstablishedCallSuite) TestSendInfo() {
	s.Require().NoError(s.e.SendCallInfo(s.did, "application/dtmf-relay", []byte("Signal=5\r\nDuration=160\r\n")))
	info := s.tr.lastSent()
	s.Equal(sip.INFO, info.Method)
	s.Equal("bob-a", sipmsg.ToTag(info))
	s.Equal(uint32(initialInviteCSeq+1), sipmsg.CSeqNo(info))
	s.True(IsEngineError(s.e.SendCallInfo(s.did, "", nil), ErrorCodeTransactionPending))

	// Запрос другого метода не ждет INFO.
	s.Require().NoError(s.e.SendCallOptions(s.did))
	s.Equal(uint32(initialInviteCSeq+2), sipmsg.CSeqNo(s.tr.lastSent()))

	respond(s.e, txFor(s.T(), s.e, info), answer(info, 200, "bob-a", nil))
	evs := drain(s.e)
	s.Require().Len(evs, 1)
	s.Equal(CallMessageAnswered, evs[0].Type)
	s.Equal(s.cid, evs[0].CID)
	s.Equal(s.did, evs[0].DID)
}

func (s *EstablishedCallSuite) TestInfoPendingUntilTerminated() {
	s.Require().NoError(s.e.SendCallInfo(s.did, "", nil))
	info := s.tr.lastSent()
	tx := txFor(s.T(), s.e, info)
	respond(s.e, tx, answer(info, 200, "bob-a", nil))
	drain(s.e)
	s.Equal(TxCompleted, tx.State)

	// Завершенная ответом, но не уничтоженная транзакция еще занимает метод.
	s.True(IsEngineError(s.e.SendCallInfo(s.did, "", nil), ErrorCodeTransactionPending))

	killTx(s.e, tx, nil)
	drain(s.e)
	s.Require().NoError(s.e.SendCallInfo(s.did, "", nil))
	s.NotSame(info, s.tr.lastSent())
}

func (s *EstablishedCallSuite) TestIncomingInfoAnsweredByApplication() {
	srv := receive(s.e, s.fromBob(sipmsg.MethodInfo, 1, func(p *sipmsg.RequestParams) {
		p.ContentType, p.Body = "application/dtmf-relay", []byte("Signal=1\r\n")
	}))
	ev := findEvent(drain(s.e), CallMessageNew)
	s.Require().NotNil(ev)
	s.Equal(s.did, ev.DID)
	s.Empty(srv.codes())

	s.Require().NoError(s.e.AnswerMessage(ev.TID, 200, "", nil))
	s.Equal([]int{200}, srv.codes())

	// Повтор старого CSeq внутри диалога отклоняется.
	s.Equal([]int{500}, receive(s.e, s.fromBob(sipmsg.MethodInfo, 1, nil)).codes())
}

func (s *EstablishedCallSuite) TestIncomingReferAndProgress() {
	srv := receive(s.e, s.fromBob(sipmsg.MethodRefer, 1, func(p *sipmsg.RequestParams) {
		p.Headers = []sip.Header{sip.NewHeader("Refer-To", "<sip:carol@example.org>")}
	}))
	ev := findEvent(drain(s.e), CallMessageNew)
	s.Require().NotNil(ev)
	s.Require().NoError(s.e.AnswerMessage(ev.TID, 202, "", nil))
	s.Equal([]int{202}, srv.codes())

	s.Require().NoError(s.e.SendCallNotify(s.did, 100, "Trying"))
	progress := s.tr.lastSent()
	s.Equal(sip.NOTIFY, progress.Method)
	s.Equal("refer", sipmsg.EventPackage(progress))
	s.Equal("message/sipfrag", sipmsg.ContentType(progress))
	s.Equal(sipfragType, sipmsg.HeaderValue(progress, "Content-Type"))
	s.Contains(sipmsg.HeaderValue(progress, "Subscription-State"), "active")
	s.Contains(string(progress.Body()), "SIP/2.0 100 Trying")

	progressTx := txFor(s.T(), s.e, progress)
	respond(s.e, progressTx, answer(progress, 200, "bob-a", nil))
	killTx(s.e, progressTx, nil)
	drain(s.e)

	s.Require().NoError(s.e.SendCallNotify(s.did, 200, "OK"))
	final := s.tr.lastSent()
	s.Equal("terminated;reason=noresource", sipmsg.HeaderValue(final, "Subscription-State"))
}

func (s *EstablishedCallSuite) TestReferWithoutReferToRejected() {
	srv := receive(s.e, s.fromBob(sipmsg.MethodRefer, 1, nil))
	s.Equal([]int{400}, srv.codes())
	s.Empty(drain(s.e))
}

func (s *EstablishedCallSuite) TestResumeAfterHold() {
	s.Require().NoError(s.e.Hold(s.did))
	hold := s.tr.lastSent()
	s.Contains(string(hold.Body()), "a=sendonly")

	respond(s.e, txFor(s.T(), s.e, hold), answer(hold, 200, "bob-a", holdSDP(s.T(), "192.0.2.10", 4000)))
	drain(s.e)
	info, ok := s.e.FindCall(s.cid)
	s.Require().True(ok)
	s.True(info.LocalHold)

	s.Require().NoError(s.e.Resume(s.did))
	resume := s.tr.lastSent()
	s.NotSame(hold, resume)
	s.NotContains(string(resume.Body()), "a=sendonly")
	s.Greater(sipmsg.CSeqNo(resume), sipmsg.CSeqNo(hold))
}

func (s *EstablishedCallSuite) TestRemoteByeClosesDialog() {
	srv := receive(s.e, s.fromBob(sipmsg.MethodBye, 1, nil))
	s.Equal([]int{200}, srv.codes())
	closed := findEvent(drain(s.e), CallClosed)
	s.Require().NotNil(closed)
	s.Equal(s.did, closed.DID)

	s.True(IsEngineError(s.e.SendCallInfo(s.did, "", nil), ErrorCodeBadState))
	s.True(IsEngineError(s.e.Hold(s.did), ErrorCodeBadState))
}
