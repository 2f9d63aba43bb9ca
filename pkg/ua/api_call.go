package ua

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/sdpneg"
	"github.com/arzzra/sipua/pkg/sipmsg"
)

// initialInviteCSeq начальный CSeq исходящего INVITE.
const initialInviteCSeq = 20

const sipfragType = "message/sipfrag;version=2.0"

// CallParams параметры нового вызова.
type CallParams struct {
	// To адрес вызываемого, например "Bob <sip:bob@example.com>".
	To      string
	Subject string
	// Route маршрут вместо настроенного в Config.Routes.
	Route string
	// NoSDP INVITE без предложения; SDP ответ уходит в ACK.
	NoSDP   bool
	AppData any
}

func parseRoute(route string) ([]sip.Uri, error) {
	if route == "" {
		return nil, nil
	}
	u, _, err := sipmsg.ParseAddress(route)
	if err != nil {
		return nil, err
	}
	return []sip.Uri{u}, nil
}

// InitiateCall отправляет INVITE и возвращает идентификатор вызова.
func (e *Engine) InitiateCall(p CallParams) (int, error) {
	const op = "InitiateCall"
	to, _, err := sipmsg.ParseAddress(p.To)
	if err != nil {
		return 0, wrapError(ErrorCodeMalformed, op, 0, err)
	}
	routes, err := parseRoute(p.Route)
	if err != nil {
		return 0, wrapError(ErrorCodeMalformed, op, 0, err)
	}
	farEnd := e.farEnd(to.Host)

	if err := e.enter(op); err != nil {
		return 0, err
	}
	defer e.leave()

	call := e.newCall()
	call.Subject = p.Subject
	call.AppData = p.AppData
	call.sdp.FarEnd = farEnd

	params := e.baseParams(sipmsg.MethodInvite, to)
	params.CSeq = initialInviteCSeq
	params.Subject = p.Subject
	if routes != nil {
		params.Routes = routes
	}
	var body []byte
	if p.NoSDP {
		call.AckSDP = true
	} else {
		offer, err := e.negotiator.Offer(call.sdp)
		if err == nil {
			body, err = sdpneg.Marshal(offer)
		}
		if err != nil {
			e.freeCall(call)
			return 0, wrapError(ErrorCodeMalformed, op, 0, err)
		}
	}
	req, err := sipmsg.BuildInvite(params, body)
	if err != nil {
		e.freeCall(call)
		return 0, wrapError(ErrorCodeMalformed, op, 0, err)
	}
	tx, err := e.createTransaction(req, CallContext{Call: call})
	if err != nil {
		e.freeCall(call)
		return 0, err
	}
	call.inviteOut = tx
	call.invite = req
	e.state.assignIDs()
	e.log.Info("call initiated", "cid", call.ID, "to", to.String())
	return call.ID, nil
}

// AnswerCall отвечает на входящий INVITE или re-INVITE транзакции tid.
// Ответы 183 и 2xx несут SDP: ответ на предложение или собственное
// предложение, если INVITE пришел без SDP.
func (e *Engine) AnswerCall(tid, code int) error {
	const op = "AnswerCall"
	if code < 101 || code > 699 {
		return newError(ErrorCodeMalformed, op, tid)
	}
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()

	tx, ok := e.state.txs[tid]
	if !ok || tx.Kind != IST {
		return newError(ErrorCodeNotFound, op, tid)
	}
	cc, ok := tx.ctx.(CallContext)
	if !ok || cc.Call == nil || cc.Call.freed {
		return newError(ErrorCodeNotFound, op, tid)
	}
	call := cc.Call
	contact := e.cfg.Contact
	params := sipmsg.ResponseParams{
		Code:      code,
		ToTag:     call.uasTag,
		Contact:   &contact,
		UserAgent: e.cfg.UserAgent,
	}
	if code == 183 || (code >= 200 && code < 300) {
		body, err := e.answerBody(call, tx.Request)
		if err != nil {
			return wrapError(ErrorCodeBadState, op, tid, err)
		}
		params.ContentType, params.Body = "application/sdp", body
	}
	return e.respond(tx, sipmsg.NewResponse(tx.Request, params))
}

// answerBody SDP для ответа на INVITE.
func (e *Engine) answerBody(call *Call, req *sip.Request) ([]byte, error) {
	if call.sdp == nil {
		return nil, sdpneg.NewSDPError(sdpneg.ErrorCodeNotFound, "call has no media context")
	}
	if sipmsg.HasSDP(req) {
		if call.sdp.LocalAnswer == nil {
			return nil, sdpneg.NewSDPError(sdpneg.ErrorCodeNotFound, "no local answer")
		}
		return sdpneg.Marshal(call.sdp.LocalAnswer)
	}
	offer, err := e.negotiator.Offer(call.sdp)
	if err != nil {
		return nil, err
	}
	return sdpneg.Marshal(offer)
}

// SendAck отправляет подготовленный ACK на 2xx. Если INVITE ушел без
// предложения, ACK несет согласованный SDP ответ.
func (e *Engine) SendAck(did int) error {
	const op = "SendAck"
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()

	call, d, err := e.callDialog(op, did)
	if err != nil {
		return err
	}
	if d.pendingAck == nil {
		return newError(ErrorCodeBadState, op, did)
	}
	ack := d.pendingAck
	if call.AckSDP && call.sdp != nil && call.sdp.LocalAnswer != nil && len(ack.Body()) == 0 {
		body, err := sdpneg.Marshal(call.sdp.LocalAnswer)
		if err != nil {
			return wrapError(ErrorCodeMalformed, op, did, err)
		}
		ack = ack.Clone()
		ct := sip.ContentTypeHeader("application/sdp")
		ack.AppendHeader(&ct)
		ack.SetBody(body)
		d.pendingAck = ack
	}
	if e.transport == nil {
		return newError(ErrorCodeTransport, op, did)
	}
	if err := e.transport.Write(ack); err != nil {
		return wrapError(ErrorCodeTransport, op, did, err)
	}
	e.log.Debug("ack sent", "cid", call.ID, "did", d.ID)
	return nil
}

// TerminateCall завершает вызов по состоянию: BYE в установленном диалоге,
// CANCEL для исходящего INVITE без финального ответа, 603 на входящий
// INVITE без ответа. did = 0 выбирает установленный диалог вызова.
func (e *Engine) TerminateCall(cid, did int) error {
	const op = "TerminateCall"
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()

	call, ok := e.callByID(cid)
	if !ok {
		return newError(ErrorCodeNotFound, op, cid)
	}
	var d *Dialog
	if did > 0 {
		if d = call.dialogByID(did); d == nil {
			return newError(ErrorCodeNotFound, op, did)
		}
	} else {
		d = call.established()
	}

	switch {
	case d != nil && d.State() == DialogEstablished && !d.Closed():
		if d.pendingOut(sipmsg.MethodBye) != nil {
			return newError(ErrorCodeTransactionPending, op, d.ID)
		}
		p, err := e.dialogParams(d, sipmsg.MethodBye)
		if err != nil {
			return err
		}
		req, err := sipmsg.BuildBye(p)
		if err != nil {
			return wrapError(ErrorCodeMalformed, op, d.ID, err)
		}
		tx, err := e.createTransaction(req, CallContext{Call: call, Dialog: d})
		if err != nil {
			return err
		}
		d.addOut(tx)
		return nil
	case call.inviteOut.awaiting():
		if call.inviteOut.LastResponse == nil {
			// CANCEL до первого предварительного ответа не отправляется.
			call.cancelPending = true
			return nil
		}
		return e.sendCancel(call)
	case call.inviteIn.awaiting():
		e.reply(call.inviteIn, 603, call.uasTag)
		return nil
	}
	return newError(ErrorCodeBadState, op, cid)
}

func (e *Engine) sendCancel(call *Call) error {
	req, err := sipmsg.BuildCancel(call.inviteOut.Request)
	if err != nil {
		return wrapError(ErrorCodeMalformed, "sendCancel", call.ID, err)
	}
	_, err = e.createTransaction(req, CallContext{Call: call})
	return err
}

// Hold отправляет re-INVITE с направлением sendonly.
func (e *Engine) Hold(did int) error {
	return e.reinvite("Hold", did, true)
}

// Resume снимает удержание.
func (e *Engine) Resume(did int) error {
	return e.reinvite("Resume", did, false)
}

func (e *Engine) reinvite(op string, did int, hold bool) error {
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()

	call, d, err := e.establishedDialog(op, did)
	if err != nil {
		return err
	}
	if d.pendingOut(sipmsg.MethodInvite) != nil || call.findLastIncomingInvite(d).awaiting() {
		return newError(ErrorCodeTransactionPending, op, did)
	}
	call.sdp.LocalHold = hold
	offer, err := e.negotiator.Offer(call.sdp)
	if err != nil {
		return wrapError(ErrorCodeMalformed, op, did, err)
	}
	body, err := sdpneg.Marshal(offer)
	if err != nil {
		return wrapError(ErrorCodeMalformed, op, did, err)
	}
	p, err := e.dialogParams(d, sipmsg.MethodInvite)
	if err != nil {
		return err
	}
	req, err := sipmsg.BuildInvite(p, body)
	if err != nil {
		return wrapError(ErrorCodeMalformed, op, did, err)
	}
	tx, err := e.createTransaction(req, CallContext{Call: call, Dialog: d})
	if err != nil {
		return err
	}
	d.addOut(tx)
	return nil
}

// Transfer отправляет REFER на адрес referTo.
func (e *Engine) Transfer(did int, referTo string) error {
	const op = "Transfer"
	target, _, err := sipmsg.ParseAddress(referTo)
	if err != nil {
		return wrapError(ErrorCodeMalformed, op, did, err)
	}
	return e.inDialogRequest(op, did, sipmsg.MethodRefer, func(p sipmsg.RequestParams) (*sip.Request, error) {
		return sipmsg.BuildRefer(p, target)
	})
}

// SendCallInfo отправляет INFO внутри вызова.
func (e *Engine) SendCallInfo(did int, contentType string, body []byte) error {
	return e.inDialogRequest("SendCallInfo", did, sipmsg.MethodInfo, func(p sipmsg.RequestParams) (*sip.Request, error) {
		return sipmsg.BuildInfo(p, contentType, body)
	})
}

// SendCallOptions отправляет OPTIONS внутри вызова.
func (e *Engine) SendCallOptions(did int) error {
	return e.inDialogRequest("SendCallOptions", did, sipmsg.MethodOptions, sipmsg.BuildOptions)
}

// SendCallNotify сообщает о ходе принятого REFER телом message/sipfrag.
// Финальный код завершает неявную подписку.
func (e *Engine) SendCallNotify(did, code int, reason string) error {
	state := sipmsg.SubscriptionState{State: string(SubActive), Expires: defaultSubExpires}
	if code >= 200 {
		state = sipmsg.SubscriptionState{State: string(SubTerminated), Expires: -1, Reason: "noresource"}
	}
	return e.inDialogRequest("SendCallNotify", did, sipmsg.MethodNotify, func(p sipmsg.RequestParams) (*sip.Request, error) {
		p.ContentType, p.Body = sipfragType, sipmsg.Sipfrag(code, reason)
		return sipmsg.BuildNotify(p, "refer", state)
	})
}

// inDialogRequest отправляет запрос внутри установленного диалога вызова.
// Новая транзакция метода создается только после завершения предыдущей.
func (e *Engine) inDialogRequest(op string, did int, method sipmsg.Method, build func(sipmsg.RequestParams) (*sip.Request, error)) error {
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()

	call, d, err := e.establishedDialog(op, did)
	if err != nil {
		return err
	}
	if call.findLastTx(d, method, false).outstanding() {
		return newError(ErrorCodeTransactionPending, op, did)
	}
	p, err := e.dialogParams(d, method)
	if err != nil {
		return err
	}
	req, err := build(p)
	if err != nil {
		return wrapError(ErrorCodeMalformed, op, did, err)
	}
	tx, err := e.createTransaction(req, CallContext{Call: call, Dialog: d})
	if err != nil {
		return err
	}
	d.addOut(tx)
	return nil
}

// RetrieveNegotiatedPayload номер и имя согласованной аудио нагрузки вызова.
func (e *Engine) RetrieveNegotiatedPayload(cid int) (int, string, error) {
	const op = "RetrieveNegotiatedPayload"
	if err := e.enter(op); err != nil {
		return -1, "", err
	}
	defer e.leave()

	call, ok := e.callByID(cid)
	if !ok || call.sdp == nil {
		return -1, "", newError(ErrorCodeNotFound, op, cid)
	}
	pt, name, err := sdpneg.RetrieveNegotiatedPayload(call.sdp)
	if err != nil {
		return -1, "", wrapError(ErrorCodeNotFound, op, cid, err)
	}
	return pt, name, nil
}

// callDialog находит диалог вызова по идентификатору.
func (e *Engine) callDialog(op string, did int) (*Call, *Dialog, error) {
	d, ok := e.state.dialogs.get(did)
	if !ok {
		return nil, nil, newError(ErrorCodeNotFound, op, did)
	}
	call, ok := d.owner.(*Call)
	if !ok || call.freed {
		return nil, nil, newError(ErrorCodeNotFound, op, did)
	}
	return call, d, nil
}

func (e *Engine) establishedDialog(op string, did int) (*Call, *Dialog, error) {
	call, d, err := e.callDialog(op, did)
	if err != nil {
		return nil, nil, err
	}
	if d.Closed() || d.State() != DialogEstablished {
		return nil, nil, newError(ErrorCodeBadState, op, did)
	}
	return call, d, nil
}
