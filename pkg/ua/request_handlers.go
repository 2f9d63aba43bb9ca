package ua

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/auth"
	"github.com/arzzra/sipua/pkg/sdpneg"
	"github.com/arzzra/sipua/pkg/sipmsg"
)

// inCallRequest находит диалог вызова для запроса с To тегом и привязывает
// к нему транзакцию. Без диалога отвечает 481.
func (e *Engine) inCallRequest(tx *Transaction, req *sip.Request) (*Call, *Dialog, bool) {
	call, d := e.findCallDialog(req)
	if d == nil {
		e.reply(tx, 481, "")
		return nil, nil, false
	}
	if !d.acceptRemoteCSeq(req) {
		e.reply(tx, 500, "")
		return nil, nil, false
	}
	attachContext(tx, CallContext{Call: call, Dialog: d})
	d.addIn(tx)
	return call, d, true
}

// onOptionsRequest на OPTIONS движок отвечает сам, приложение получает событие.
func (e *Engine) onOptionsRequest(tx *Transaction, w wireEvent) {
	req := w.req
	refs := eventRefs{tx: tx}
	t := MessageNew
	if sipmsg.ToTag(req) != "" {
		call, d, ok := e.inCallRequest(tx, req)
		if !ok {
			return
		}
		refs.call, refs.dialog = call, d
		t = CallMessageNew
	} else {
		attachContext(tx, MessageContext{})
	}
	res := sipmsg.NewResponse(req, sipmsg.ResponseParams{
		Code:      200,
		UserAgent: e.cfg.UserAgent,
		Headers: []sip.Header{
			sip.NewHeader("Allow", sipmsg.AllowHeader()),
			sip.NewHeader("Accept", "application/sdp"),
		},
	})
	if err := e.respond(tx, res); err != nil {
		e.log.Warn("could not answer options", "tid", tx.ID, "error", err)
	}
	e.emit(t, refs, withRequest(req))
}

// onInfoRequest INFO допустим только внутри вызова; отвечает приложение.
func (e *Engine) onInfoRequest(tx *Transaction, w wireEvent) {
	call, d, ok := e.inCallRequest(tx, w.req)
	if !ok {
		return
	}
	e.emit(CallMessageNew, eventRefs{tx: tx, call: call, dialog: d}, withRequest(w.req))
}

// onReferRequest REFER внутри вызова требует Refer-To.
func (e *Engine) onReferRequest(tx *Transaction, w wireEvent) {
	req := w.req
	if sipmsg.ToTag(req) == "" {
		attachContext(tx, MessageContext{})
		e.emit(MessageNew, eventRefs{tx: tx}, withRequest(req))
		return
	}
	if sipmsg.HeaderValue(req, "Refer-To") == "" {
		e.reply(tx, 400, "")
		return
	}
	call, d, ok := e.inCallRequest(tx, req)
	if !ok {
		return
	}
	e.emit(CallMessageNew, eventRefs{tx: tx, call: call, dialog: d}, withRequest(req))
}

// onUpdateRequest UPDATE внутри вызова. Предложение в UPDATE обрабатывается
// сразу, ответ отправляет движок.
func (e *Engine) onUpdateRequest(tx *Transaction, w wireEvent) {
	req := w.req
	call, d, ok := e.inCallRequest(tx, req)
	if !ok {
		return
	}
	offer, err := parseBody(req)
	if err != nil {
		e.reply(tx, 400, "")
		return
	}
	params := sipmsg.ResponseParams{Code: 200, UserAgent: e.cfg.UserAgent}
	change := sdpneg.HoldNone
	if offer != nil {
		change = sdpneg.ClassifyHold(call.sdp.RemoteHold, offer)
		answer, err := e.negotiator.BuildAnswer(offer, call.sdp)
		if err != nil {
			e.reply(tx, 488, "")
			return
		}
		body, err := sdpneg.Marshal(answer)
		if err != nil {
			e.reply(tx, 500, "")
			return
		}
		params.ContentType, params.Body = "application/sdp", body
	}
	if err := e.respond(tx, sipmsg.NewResponse(req, params)); err != nil {
		e.log.Warn("could not answer update", "tid", tx.ID, "error", err)
	}
	refs := eventRefs{tx: tx, call: call, dialog: d}
	e.emit(CallMessageNew, refs, withRequest(req))
	switch change {
	case sdpneg.HoldStart:
		e.emit(CallHold, refs, withRequest(req))
	case sdpneg.HoldStop:
		e.emit(CallOffHold, refs, withRequest(req))
	}
}

// onMessageRequest MESSAGE внутри вызова или вне диалога.
func (e *Engine) onMessageRequest(tx *Transaction, w wireEvent) {
	req := w.req
	if sipmsg.ToTag(req) != "" {
		call, d, ok := e.inCallRequest(tx, req)
		if !ok {
			return
		}
		e.emit(CallMessageNew, eventRefs{tx: tx, call: call, dialog: d}, withRequest(req))
		return
	}
	attachContext(tx, MessageContext{})
	e.emit(MessageNew, eventRefs{tx: tx}, withRequest(req))
}

// onUnsupportedRequest метод вне таблицы: 405 внутри диалога, иначе 501.
func (e *Engine) onUnsupportedRequest(tx *Transaction, w wireEvent) {
	req := w.req
	if sipmsg.ToTag(req) != "" {
		_, cd := e.findCallDialog(req)
		_, nd := e.findNotifyDialog(req)
		_, sd := e.findSubscribeDialog(req)
		if cd != nil || nd != nil || sd != nil {
			res := sipmsg.NewResponse(req, sipmsg.ResponseParams{
				Code:      405,
				UserAgent: e.cfg.UserAgent,
				Headers:   []sip.Header{sip.NewHeader("Allow", sipmsg.AllowHeader())},
			})
			if err := e.respond(tx, res); err != nil {
				e.log.Warn("could not respond", "tid", tx.ID, "error", err)
			}
			return
		}
	}
	e.reply(tx, 501, "")
}

// onMessageResponse ответы на запросы внутри вызова и на MESSAGE/OPTIONS
// вне диалога.
func (e *Engine) onMessageResponse(tx *Transaction, w wireEvent) {
	res := w.res
	code := res.StatusCode
	if tx.Method == sipmsg.MethodCancel {
		// Итог CANCEL приходит ответом 487 на INVITE.
		return
	}
	switch c := tx.ctx.(type) {
	case CallContext:
		if c.Call == nil || c.Call.freed {
			e.missingContext(tx, "call message response")
			return
		}
		switch {
		case isAuthChallenge(code):
			c.Call.pendingAuth = e.prepareAuth(tx, res, c.Call.authTried)
		case code >= 200 && code < 300:
			clear(c.Call.authTried)
		}
		refs := eventRefs{tx: tx, call: c.Call, dialog: c.Dialog}
		e.emit(classEvent(code, callMessageEvents), refs, withResponse(res))
		if code < 200 || isAuthChallenge(code) {
			return
		}
		// BYE завершает диалог при любом финальном ответе; 481 и 408
		// означают, что диалога больше нет (RFC 3261 12.2.1.2).
		if tx.Method == sipmsg.MethodBye || code == 481 || code == 408 {
			if c.Dialog != nil && !c.Dialog.Closed() {
				e.closeDialog(c.Dialog)
				if tx.Method != sipmsg.MethodBye {
					e.emit(CallClosed, refs, nil)
				}
			}
		}
	case MessageContext:
		e.emit(classEvent(code, messageEvents), eventRefs{tx: tx}, withResponse(res))
	default:
		e.missingContext(tx, "message response")
	}
}

// onTransportError ошибка транспорта. Подписка без диалога снимается.
func (e *Engine) onTransportError(tx *Transaction, w wireEvent) {
	switch c := tx.ctx.(type) {
	case SubscribeContext:
		if c.Subscribe != nil && !c.Subscribe.freed && c.Subscribe.firstDialog() == nil {
			e.emit(SubscriptionReleased, eventRefs{tx: tx, sub: c.Subscribe}, nil)
			e.freeSubscribe(c.Subscribe)
		}
	case NotifyContext:
		if c.Notify != nil && !c.Notify.freed && c.Notify.firstDialog() == nil {
			e.freeNotify(c.Notify)
		}
	}
}

// onRegisterTransportError ошибка транспорта для REGISTER не фатальна:
// повтор выполнит периодическое обновление.
func (e *Engine) onRegisterTransportError(tx *Transaction, w wireEvent) {
	e.log.Warn("register transport error, will retry", "tid", tx.ID, "error", w.err)
	if rc, ok := tx.ctx.(RegistrationContext); ok && rc.Registration != nil {
		rc.Registration.ok = false
	}
}

// onClientKilled не-INVITE транзакция завершилась. Если финального ответа
// не было, приложение получает событие об отсутствии ответа.
func (e *Engine) onClientKilled(tx *Transaction, w wireEvent) {
	answered := tx.finalCode() != 0
	if tx.Method == sipmsg.MethodCancel {
		return
	}
	timeout := func(ev *Event) { ev.Reason = "timeout" }
	switch c := tx.ctx.(type) {
	case RegistrationContext:
		r := c.Registration
		if r == nil || answered || r.last != tx {
			return
		}
		r.ok = false
		e.emit(RegistrationFailure, eventRefs{tx: tx, reg: r}, timeout)
	case PublicationContext:
		if c.Publication == nil || answered || c.Publication.last != tx {
			return
		}
		e.emit(PublicationFailure, eventRefs{tx: tx, pub: c.Publication}, timeout)
	case SubscribeContext:
		e.onSubscribeKilled(tx, c, answered)
	case NotifyContext:
		if c.Notify == nil || c.Notify.freed || answered {
			return
		}
		e.emit(NotificationNoAnswer, eventRefs{tx: tx, notify: c.Notify, dialog: c.Dialog}, timeout)
	case CallContext:
		if c.Call == nil || c.Call.freed || answered {
			return
		}
		refs := eventRefs{tx: tx, call: c.Call, dialog: c.Dialog}
		if tx.Method == sipmsg.MethodBye {
			e.closeDialog(c.Dialog)
			return
		}
		e.emit(CallMessageRequestFailure, refs, timeout)
	case MessageContext:
		if !answered {
			e.emit(MessageRequestFailure, eventRefs{tx: tx}, timeout)
		}
	}
}

// prepareAuth готовит копию запроса с учетными данными для повторной
// отправки приложением. nil означает, что ответить на вызов нечем.
func (e *Engine) prepareAuth(tx *Transaction, res *sip.Response, tried map[string]bool) *sip.Request {
	req := sipmsg.CloneRequest(tx.Request)
	username := ""
	if from := req.From(); from != nil {
		username = from.Address.User
	}
	if _, err := auth.Attach(req, res, e.auth, username, tried); err != nil {
		e.metrics.authAttempts.WithLabelValues("failed").Inc()
		e.log.Info("challenge not answered", "tid", tx.ID, "user", username, "error", err)
		return nil
	}
	e.metrics.authAttempts.WithLabelValues("prepared").Inc()
	return req
}
