package ua

import (
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/sipua/pkg/sdpneg"
	"github.com/arzzra/sipua/pkg/sipmsg"
)

// Наборы событий по классу ответа: 1xx, 2xx, 3xx, 4xx, 5xx, 6xx.
var (
	callEvents = [6]EventType{
		CallProceeding, CallAnswered, CallRedirected,
		CallRequestFailure, CallServerFailure, CallGlobalFailure,
	}
	callMessageEvents = [6]EventType{
		CallMessageProceeding, CallMessageAnswered, CallMessageRedirected,
		CallMessageRequestFailure, CallMessageServerFailure, CallMessageGlobalFailure,
	}
	messageEvents = [6]EventType{
		MessageProceeding, MessageAnswered, MessageRedirected,
		MessageRequestFailure, MessageServerFailure, MessageGlobalFailure,
	}
	subscriptionEvents = [6]EventType{
		SubscriptionProceeding, SubscriptionAnswered, SubscriptionRedirected,
		SubscriptionRequestFailure, SubscriptionServerFailure, SubscriptionGlobalFailure,
	}
)

func classEvent(code int, set [6]EventType) EventType {
	c := sipmsg.ClassOf(code)
	if c == sipmsg.ClassNone {
		return EventNone
	}
	return set[int(c)-1]
}

func isAuthChallenge(code int) bool {
	return code == 401 || code == 407
}

func withResponse(res *sip.Response) func(ev *Event) {
	return func(ev *Event) {
		ev.Response = res
		ev.StatusCode = res.StatusCode
		ev.Reason = res.Reason
		ev.Body = string(res.Body())
	}
}

func withRequest(req *sip.Request) func(ev *Event) {
	return func(ev *Event) {
		ev.Request = req
		ev.Body = string(req.Body())
	}
}

// fillMedia добавляет в событие адрес удаленного аудио и согласованную нагрузку.
func (e *Engine) fillMedia(ev *Event, call *Call) {
	if call == nil || call.sdp == nil {
		return
	}
	remote := call.sdp.RemoteAnswer
	if remote == nil {
		remote = call.sdp.RemoteOffer
	}
	ev.RemoteAddr, ev.RemotePort = sdpneg.RemoteMedia(remote)
	if pt, name, err := sdpneg.RetrieveNegotiatedPayload(call.sdp); err == nil {
		ev.PayloadType, ev.PayloadName = pt, name
	}
}

// callContext возвращает живой контекст вызова транзакции.
func (e *Engine) callContext(tx *Transaction, where string) (CallContext, bool) {
	cc, ok := tx.ctx.(CallContext)
	if !ok || cc.Call == nil || cc.Call.freed {
		e.missingContext(tx, where)
		return CallContext{}, false
	}
	return cc, true
}

// remoteHost адрес удаленной стороны по Contact или верхнему Via.
func remoteHost(req *sip.Request) string {
	if c, ok := sipmsg.ContactURI(req); ok && c.Host != "" {
		return c.Host
	}
	if via := req.Via(); via != nil {
		if received, ok := via.Params.Get("received"); ok && received != "" {
			return received
		}
		return via.Host
	}
	return ""
}

func parseBody(msg sip.Message) (*sdp.SessionDescription, error) {
	if !sipmsg.HasSDP(msg) {
		return nil, nil
	}
	return sdpneg.Parse(msg.Body())
}

// onRequest классифицирует входящий запрос. ACK на 2xx не входит ни в
// одну транзакцию и обрабатывается отдельно.
func (e *Engine) onRequest(req *sip.Request, server ServerTx) {
	method := sipmsg.MethodOf(req)
	if method == sipmsg.MethodAck {
		e.onAck(req)
		return
	}
	if err := validateIncoming(req, method); err != nil {
		e.log.Warn("malformed request", "request", req, "error", err)
		if server != nil {
			res := sipmsg.NewResponse(req, sipmsg.ResponseParams{Code: 400, UserAgent: e.cfg.UserAgent})
			if err := server.Respond(res); err != nil {
				e.log.Debug("could not respond", "error", err)
			}
		}
		return
	}
	if server == nil {
		e.log.Warn("request without server transaction dropped", "request", req)
		return
	}
	tx := e.createServerTransaction(req, server)
	e.dispatch(PhaseRequestRecv, tx, wireEvent{kind: wireRequest, req: req, server: server})
}

// onInviteRequest новый вызов или re-INVITE.
func (e *Engine) onInviteRequest(tx *Transaction, w wireEvent) {
	req := w.req
	if sipmsg.ToTag(req) != "" {
		e.onReinvite(tx, req)
		return
	}
	offer, err := parseBody(req)
	if err != nil {
		e.log.Warn("bad sdp in invite", "request", req, "error", err)
		e.reply(tx, 400, "")
		return
	}

	call := e.newCall()
	call.Subject = sipmsg.HeaderValue(req, "Subject")
	call.uasTag = sipmsg.NewTag()
	call.inviteIn = tx
	call.sdp.FarEnd = e.farEnd(remoteHost(req))
	attachContext(tx, CallContext{Call: call})

	if offer != nil {
		if _, err := e.negotiator.BuildAnswer(offer, call.sdp); err != nil {
			e.log.Info("offer not acceptable", "request", req, "error", err)
			e.reply(tx, 488, call.uasTag)
			e.freeCall(call)
			return
		}
	}
	e.reply(tx, 100, "")
	e.emit(CallInvite, eventRefs{tx: tx, call: call}, func(ev *Event) {
		withRequest(req)(ev)
		e.fillMedia(ev, call)
	})
}

// onReinvite пересогласование внутри установленного диалога.
func (e *Engine) onReinvite(tx *Transaction, req *sip.Request) {
	call, d := e.findCallDialog(req)
	if d == nil {
		e.reply(tx, 481, "")
		return
	}
	if !d.acceptRemoteCSeq(req) {
		e.reply(tx, 500, "")
		return
	}
	attachContext(tx, CallContext{Call: call, Dialog: d})
	d.addIn(tx)

	if d.pendingOut(sipmsg.MethodInvite) != nil {
		e.reply(tx, 491, "")
		return
	}
	for _, other := range d.inTx {
		if other != tx && other.Method == sipmsg.MethodInvite && other.finalCode() == 0 && !other.terminated() {
			res := sipmsg.NewResponse(req, sipmsg.ResponseParams{
				Code:      500,
				UserAgent: e.cfg.UserAgent,
				Headers:   []sip.Header{sip.NewHeader("Retry-After", "5")},
			})
			if err := e.respond(tx, res); err != nil {
				e.log.Warn("could not respond", "tid", tx.ID, "error", err)
			}
			return
		}
	}
	d.updateTarget(req)

	offer, err := parseBody(req)
	if err != nil {
		e.reply(tx, 400, "")
		return
	}
	change := sdpneg.HoldNone
	if offer != nil {
		change = sdpneg.ClassifyHold(call.sdp.RemoteHold, offer)
		if _, err := e.negotiator.BuildAnswer(offer, call.sdp); err != nil {
			e.reply(tx, 488, "")
			return
		}
	}

	refs := eventRefs{tx: tx, call: call, dialog: d}
	e.emit(CallReinvite, refs, func(ev *Event) {
		withRequest(req)(ev)
		e.fillMedia(ev, call)
	})
	switch change {
	case sdpneg.HoldStart:
		e.emit(CallHold, refs, withRequest(req))
	case sdpneg.HoldStop:
		e.emit(CallOffHold, refs, withRequest(req))
	}
}

// onAck ACK на наш 2xx. ACK может нести SDP ответ, если 2xx нес предложение.
func (e *Engine) onAck(req *sip.Request) {
	call, d := e.findCallDialog(req)
	if d == nil {
		e.log.Debug("ack outside of dialog", "request", req)
		return
	}
	if answer, err := parseBody(req); err != nil {
		e.log.Warn("bad sdp in ack", "request", req, "error", err)
	} else if answer != nil && call.sdp != nil {
		if err := e.negotiator.ProcessAnswer(answer, call.sdp); err != nil {
			e.log.Warn("sdp answer in ack rejected", "cid", call.ID, "error", err)
		}
	}
	tx := call.findLastIncomingInvite(d)
	if tx != nil && tx.State == TxCompleted {
		tx.State = TxConfirmed
	}
	e.emit(CallAck, eventRefs{tx: tx, call: call, dialog: d}, func(ev *Event) {
		withRequest(req)(ev)
		e.fillMedia(ev, call)
	})
}

// onByeRequest удаленная сторона завершает вызов. Диалог остается в вызове,
// но его протокольная часть освобождается.
func (e *Engine) onByeRequest(tx *Transaction, w wireEvent) {
	call, d := e.findCallDialog(w.req)
	if d == nil {
		e.reply(tx, 481, "")
		return
	}
	if !d.acceptRemoteCSeq(w.req) {
		e.reply(tx, 500, "")
		return
	}
	attachContext(tx, CallContext{Call: call, Dialog: d})
	d.addIn(tx)
	e.reply(tx, 200, "")

	for _, other := range d.inTx {
		if other != tx && other.Kind == IST && other.finalCode() == 0 && !other.terminated() {
			e.reply(other, 487, "")
		}
	}
	d.handle = nil
	d.fire("terminate")
	e.emit(CallClosed, eventRefs{tx: tx, call: call, dialog: d}, withRequest(w.req))
}

// onCancelRequest ищет INVITE по branch верхнего Via; для запросов без
// branch RFC 3261 сравниваются Call-ID, теги, CSeq и Via.
func (e *Engine) onCancelRequest(tx *Transaction, w wireEvent) {
	target := e.matchCancel(w.req)
	if target == nil || target.finalCode() != 0 || target.terminated() {
		e.reply(tx, 481, "")
		return
	}
	e.reply(tx, 200, "")
	e.cancelInvite(target, w.req, true)
}

// onStackCancelled CANCEL, на который стек уже ответил 200, а INVITE 487.
// Движок только фиксирует финальный ответ и сообщает приложению.
func (e *Engine) onStackCancelled(tx *Transaction, w wireEvent) {
	if tx.Kind != IST || tx.finalCode() != 0 || tx.terminated() {
		return
	}
	e.cancelInvite(tx, w.req, false)
}

// cancelInvite завершает входящий INVITE ответом 487. Если send ложно, ответ
// уже отправлен стеком и только записывается в транзакцию.
func (e *Engine) cancelInvite(target *Transaction, cancel *sip.Request, send bool) {
	target.cancelled = true

	var (
		call   *Call
		dialog *Dialog
		tag    string
	)
	if cc, ok := target.ctx.(CallContext); ok && cc.Call != nil {
		call, dialog, tag = cc.Call, cc.Dialog, cc.Call.uasTag
	}
	if send {
		e.reply(target, 487, tag)
	} else {
		res := sipmsg.NewResponse(target.Request, sipmsg.ResponseParams{
			Code:      487,
			ToTag:     tag,
			UserAgent: e.cfg.UserAgent,
		})
		target.onResponse(res)
		e.dispatch(PhaseResponseSent, target, wireEvent{res: res})
	}
	e.emit(CallCancelled, eventRefs{tx: target, call: call, dialog: dialog}, withRequest(cancel))
}

const branchCookie = "z9hG4bK"

func (e *Engine) matchCancel(req *sip.Request) *Transaction {
	branch := sipmsg.Branch(req)
	if strings.HasPrefix(branch, branchCookie) {
		for _, tx := range e.state.txs {
			if tx.Kind == IST && !tx.released && sipmsg.Branch(tx.Request) == branch {
				return tx
			}
		}
		return nil
	}

	callID := sipmsg.CallID(req)
	for _, tx := range e.state.txs {
		if tx.Kind != IST || tx.released {
			continue
		}
		inv := tx.Request
		if sipmsg.CallID(inv) != callID ||
			sipmsg.FromTag(inv) != sipmsg.FromTag(req) ||
			sipmsg.ToTag(inv) != sipmsg.ToTag(req) ||
			sipmsg.CSeqNo(inv) != sipmsg.CSeqNo(req) {
			continue
		}
		if sameVia(inv.Via(), req.Via()) {
			return tx
		}
	}
	return nil
}

func sameVia(a, b *sip.ViaHeader) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, _ := a.Params.Get("branch")
	bb, _ := b.Params.Get("branch")
	return strings.EqualFold(a.Host, b.Host) && a.Port == b.Port && ab == bb
}

// onInviteAnswered наш ответ 1xx или 2xx на INVITE создает или обновляет диалог.
func (e *Engine) onInviteAnswered(tx *Transaction, w wireEvent) {
	res := w.res
	if res.StatusCode == 100 {
		return
	}
	cc, ok := e.callContext(tx, "invite answered")
	if !ok {
		return
	}
	call, d := cc.Call, cc.Dialog
	if d == nil {
		d = call.matchDialog(sipmsg.CallID(res), sipmsg.ToTag(res), sipmsg.FromTag(res))
	}
	if d == nil {
		nd, err := initAsUAS(tx.Request, res)
		if err != nil {
			e.log.Warn("could not create dialog", "tid", tx.ID, "error", err)
			return
		}
		e.addDialog(call, nd)
		d = nd
		attachContext(tx, CallContext{Call: call, Dialog: d})
	} else {
		d.applyStatus(res.StatusCode)
	}
	d.setFinalAnswer(res)
}

// onInviteDeclined наш отрицательный ответ на INVITE. Ранний диалог
// переходит в состояние ошибки; вызов освобождается по завершении транзакции.
func (e *Engine) onInviteDeclined(tx *Transaction, w wireEvent) {
	cc, ok := tx.ctx.(CallContext)
	if !ok || cc.Call == nil || cc.Call.freed {
		return
	}
	d := cc.Dialog
	if d == nil {
		d = cc.Call.matchDialog(sipmsg.CallID(w.res), sipmsg.ToTag(w.res), sipmsg.FromTag(w.res))
	}
	if d != nil && d.State() != DialogEstablished {
		d.applyStatus(w.res.StatusCode)
	}
}

// onInvite1xx предварительный ответ на наш INVITE. Диалог создает только
// первый ответ с тегом; ответы других ветвей его не заменяют.
func (e *Engine) onInvite1xx(tx *Transaction, w wireEvent) {
	cc, ok := e.callContext(tx, "invite 1xx")
	if !ok {
		return
	}
	call, res := cc.Call, w.res
	if call.cancelPending && call.inviteOut == tx {
		call.cancelPending = false
		if err := e.sendCancel(call); err != nil {
			e.log.Warn("deferred cancel failed", "cid", call.ID, "error", err)
		}
	}
	d := cc.Dialog
	tag := sipmsg.ToTag(res)
	switch {
	case res.StatusCode > 100 && tag != "" && d == nil && len(call.dialogs) == 0:
		nd, err := initAsUAC(tx.Request, res)
		if err != nil {
			e.log.Warn("could not create early dialog", "tid", tx.ID, "error", err)
			break
		}
		e.addDialog(call, nd)
		d = nd
		attachContext(tx, CallContext{Call: call, Dialog: d})
	case d != nil && d.RemoteTag() == tag && d.State() != DialogEstablished:
		d.applyStatus(res.StatusCode)
		d.updateTarget(res)
	}

	if sipmsg.HasSDP(res) && sipmsg.HasSDP(tx.Request) && call.sdp.RemoteAnswer == nil {
		if answer, err := sdpneg.Parse(res.Body()); err == nil {
			if err := e.negotiator.ProcessAnswer(answer, call.sdp); err != nil {
				e.log.Info("early media answer rejected", "cid", call.ID, "error", err)
			}
		}
	}

	t := CallProceeding
	if res.StatusCode == 180 || res.StatusCode == 183 {
		t = CallRinging
	}
	e.emit(t, eventRefs{tx: tx, call: call, dialog: d}, func(ev *Event) {
		withResponse(res)(ev)
		e.fillMedia(ev, call)
	})
}

// onInvite2xx вызов принят. Если 2xx пришел от другой ветви, протокольная
// часть раннего диалога перестраивается. ACK готовится, но отправляется
// приложением через SendAck.
func (e *Engine) onInvite2xx(tx *Transaction, w wireEvent) {
	cc, ok := e.callContext(tx, "invite 2xx")
	if !ok {
		return
	}
	call, res := cc.Call, w.res
	initial := call.inviteOut == tx
	d := call.matchDialog(sipmsg.CallID(res), sipmsg.FromTag(res), sipmsg.ToTag(res))
	if d == nil && initial {
		for _, early := range call.dialogs {
			if early.UAC && !early.Closed() && early.State() != DialogEstablished {
				if err := early.rebuild(tx.Request, res); err != nil {
					e.log.Warn("could not rebuild dialog", "tid", tx.ID, "error", err)
					return
				}
				d = early
				break
			}
		}
		if d == nil {
			nd, err := initAsUAC(tx.Request, res)
			if err != nil {
				e.log.Warn("could not create dialog", "tid", tx.ID, "error", err)
				return
			}
			e.addDialog(call, nd)
			d = nd
		}
	}
	if d == nil {
		e.log.Warn("2xx does not match any dialog", "tid", tx.ID, "response", res)
		return
	}
	attachContext(tx, CallContext{Call: call, Dialog: d})
	d.setFinalAnswer(res)
	d.updateTarget(res)
	call.pendingAuth = nil
	clear(call.authTried)

	negotiated := false
	if remote, err := parseBody(res); err != nil {
		e.log.Warn("bad sdp in 2xx", "cid", call.ID, "error", err)
	} else if remote != nil {
		if sipmsg.HasSDP(tx.Request) {
			err = e.negotiator.ProcessAnswer(remote, call.sdp)
		} else {
			_, err = e.negotiator.BuildAnswer(remote, call.sdp)
		}
		if err != nil {
			e.log.Warn("sdp negotiation failed", "cid", call.ID, "error", err)
		} else {
			negotiated = true
		}
	}

	p, err := e.dialogParams(d, sipmsg.MethodAck)
	if err != nil {
		e.log.Warn("could not build ack", "did", d.ID, "error", err)
		return
	}
	p.CSeq = sipmsg.CSeqNo(tx.Request)
	ack, err := sipmsg.BuildAck(p, nil)
	if err != nil {
		e.log.Warn("could not build ack", "did", d.ID, "error", err)
		return
	}
	d.pendingAck = ack

	refs := eventRefs{tx: tx, call: call, dialog: d}
	e.emit(CallAnswered, refs, func(ev *Event) {
		withResponse(res)(ev)
		ev.Ack = ack
		e.fillMedia(ev, call)
	})
	if initial && negotiated {
		e.emit(CallStartAudio, refs, func(ev *Event) { e.fillMedia(ev, call) })
	}
}

// onInviteFailure отрицательный ответ на наш INVITE.
func (e *Engine) onInviteFailure(tx *Transaction, w wireEvent) {
	cc, ok := e.callContext(tx, "invite failure")
	if !ok {
		return
	}
	call, res := cc.Call, w.res
	code := res.StatusCode
	d := cc.Dialog
	if d == nil {
		d = call.matchDialog(sipmsg.CallID(res), sipmsg.FromTag(res), sipmsg.ToTag(res))
	}
	if d != nil && d.State() != DialogEstablished {
		d.applyStatus(code)
	}
	if code >= 300 && code < 400 {
		if contact, ok := sipmsg.ContactURI(res); ok {
			call.RedirectContact = contact.String()
		}
	}
	if isAuthChallenge(code) {
		call.pendingAuth = e.prepareAuth(tx, res, call.authTried)
	}
	e.emit(classEvent(code, callEvents), eventRefs{tx: tx, call: call, dialog: d}, withResponse(res))
}

// onInviteClientKilled наша INVITE транзакция завершилась. Вызов без
// установленного диалога освобождается.
func (e *Engine) onInviteClientKilled(tx *Transaction, w wireEvent) {
	cc, ok := tx.ctx.(CallContext)
	if !ok || cc.Call == nil || cc.Call.freed {
		return
	}
	call := cc.Call
	if call.inviteOut != tx || call.established() != nil {
		return
	}
	refs := eventRefs{tx: tx, call: call}
	if call.retryable() {
		// Вызов ждет DefaultAction: ранние диалоги закрываются, вызов остается.
		for len(call.dialogs) > 0 {
			e.freeDialog(call.dialogs[0])
		}
		e.retire(tx)
		return
	}
	if tx.finalCode() == 0 {
		t := CallNoAnswer
		if tx.LastResponse == nil && isTimeout(w.err) {
			t = CallTimeout
		}
		e.emit(t, refs, nil)
	}
	e.emit(CallReleased, refs, nil)
	e.freeCall(call)
}

// onInviteServerKilled входящая INVITE транзакция завершилась без
// установленного диалога.
func (e *Engine) onInviteServerKilled(tx *Transaction, _ wireEvent) {
	cc, ok := tx.ctx.(CallContext)
	if !ok || cc.Call == nil || cc.Call.freed {
		return
	}
	call := cc.Call
	if call.inviteIn != tx || call.established() != nil {
		return
	}
	refs := eventRefs{tx: tx, call: call}
	if tx.finalCode() == 0 && !tx.cancelled {
		e.emit(CallCancelled, refs, nil)
	}
	e.emit(CallReleased, refs, nil)
	e.freeCall(call)
}

// releaseCalls освобождает вызовы, у которых все диалоги закрыты и не
// осталось живых транзакций.
func (e *Engine) releaseCalls() {
	var done []*Call
	now := e.now()
	e.state.calls.each(func(c *Call) bool {
		if c.inviteIn != nil || c.inviteOut != nil {
			return true
		}
		if len(c.dialogs) == 0 {
			// Вызов, ожидавший повтора после 401/407 или 3xx, снимается по возрасту.
			if c.retryable() && now.Sub(c.Created) > e.cfg.TxMaxAge {
				done = append(done, c)
			}
			return true
		}
		for _, d := range c.dialogs {
			if !d.Closed() {
				return true
			}
			for _, tx := range append(append([]*Transaction{}, d.outTx...), d.inTx...) {
				if !tx.terminated() {
					return true
				}
			}
		}
		done = append(done, c)
		return true
	})
	for _, c := range done {
		e.emit(CallReleased, eventRefs{call: c}, nil)
		e.freeCall(c)
	}
}

// closeDialog освобождает протокольную часть диалога вызова.
func (e *Engine) closeDialog(d *Dialog) {
	if d == nil || d.Closed() {
		return
	}
	d.handle = nil
	d.pendingAck = nil
	d.fire("terminate")
}
