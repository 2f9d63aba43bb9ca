package ua

import (
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

// subscriptionGrace запас после истечения исходящей подписки, после
// которого она считается потерянной.
const subscriptionGrace = 32 * time.Second

func (e *Engine) badEvent(tx *Transaction) {
	res := sipmsg.NewResponse(tx.Request, sipmsg.ResponseParams{
		Code:      489,
		UserAgent: e.cfg.UserAgent,
		Headers:   []sip.Header{sip.NewHeader("Allow-Events", e.cfg.SupportedEvent)},
	})
	if err := e.respond(tx, res); err != nil {
		e.log.Warn("could not respond", "tid", tx.ID, "error", err)
	}
}

// onSubscribeRequest входящая подписка или ее обновление.
func (e *Engine) onSubscribeRequest(tx *Transaction, w wireEvent) {
	req := w.req
	event := sipmsg.EventPackage(req)
	if event == "" || event != strings.ToLower(e.cfg.SupportedEvent) {
		e.badEvent(tx)
		return
	}
	expires := sipmsg.Expires(req, defaultSubExpires)

	if sipmsg.ToTag(req) == "" {
		n := e.newNotify(event)
		n.inTx = tx
		n.setExpiry(e.now(), expires)
		attachContext(tx, NotifyContext{Notify: n})
		e.emit(InSubscriptionNew, eventRefs{tx: tx, notify: n}, withRequest(req))
		return
	}

	n, d := e.findNotifyDialog(req)
	if d == nil {
		e.reply(tx, 481, "")
		return
	}
	if !d.acceptRemoteCSeq(req) {
		e.reply(tx, 500, "")
		return
	}
	attachContext(tx, NotifyContext{Notify: n, Dialog: d})
	d.addIn(tx)
	d.updateTarget(req)
	res := sipmsg.NewResponse(req, sipmsg.ResponseParams{
		Code:      200,
		UserAgent: e.cfg.UserAgent,
		Headers:   []sip.Header{sip.NewHeader("Expires", strconv.Itoa(expires))},
	})
	if err := e.respond(tx, res); err != nil {
		e.log.Warn("could not answer subscribe refresh", "tid", tx.ID, "error", err)
	}
	if expires > 0 {
		n.setExpiry(e.now(), expires)
		return
	}
	n.state.fire(triggerTerminate)
	if _, err := e.sendNotify(n, d, SubTerminated, "timeout", "", nil); err != nil {
		e.log.Warn("could not send final notify", "nid", n.ID, "error", err)
	}
	e.emit(InSubscriptionReleased, eventRefs{tx: tx, notify: n, dialog: d}, withRequest(req))
	e.freeNotify(n)
}

// onSubscribeAnswered наш 2xx на SUBSCRIBE создает диалог входящей подписки.
func (e *Engine) onSubscribeAnswered(tx *Transaction, w wireEvent) {
	nc, ok := tx.ctx.(NotifyContext)
	if !ok || nc.Notify == nil || nc.Notify.freed || nc.Dialog != nil {
		return
	}
	n := nc.Notify
	d, err := initAsUAS(tx.Request, w.res)
	if err != nil {
		e.log.Warn("could not create subscription dialog", "tid", tx.ID, "error", err)
		return
	}
	e.addDialog(n, d)
	attachContext(tx, NotifyContext{Notify: n, Dialog: d})
	if w.res.StatusCode == 202 {
		n.state.fire(triggerPending)
	} else {
		n.state.fire(triggerActive)
	}
}

// onSubscribeServerKilled входящая подписка, так и не принятая приложением,
// освобождается вместе с транзакцией.
func (e *Engine) onSubscribeServerKilled(tx *Transaction, _ wireEvent) {
	nc, ok := tx.ctx.(NotifyContext)
	if !ok || nc.Notify == nil || nc.Notify.freed {
		return
	}
	if nc.Notify.inTx == tx && nc.Notify.firstDialog() == nil {
		e.freeNotify(nc.Notify)
	}
}

// onNotifyRequest NOTIFY по нашей подписке или о ходе REFER внутри вызова.
func (e *Engine) onNotifyRequest(tx *Transaction, w wireEvent) {
	req := w.req
	event := sipmsg.EventPackage(req)
	if event == "refer" {
		if call, d := e.findCallDialog(req); d != nil {
			if !d.acceptRemoteCSeq(req) {
				e.reply(tx, 500, "")
				return
			}
			attachContext(tx, CallContext{Call: call, Dialog: d})
			d.addIn(tx)
			e.reply(tx, 200, "")
			code, reason := sipmsg.ParseSipfragStatus(req.Body())
			e.emit(CallReferStatus, eventRefs{tx: tx, call: call, dialog: d}, func(ev *Event) {
				withRequest(req)(ev)
				ev.SipfragStatus = code
				ev.Reason = reason
			})
			return
		}
	}

	sub, d := e.findSubscribeDialog(req)
	if sub == nil {
		e.reply(tx, 481, "")
		return
	}
	if event != sub.Event {
		e.badEvent(tx)
		return
	}
	st := sipmsg.ParseSubscriptionState(sipmsg.HeaderValue(req, "Subscription-State"))
	if st.State == "" {
		e.reply(tx, 400, "")
		return
	}
	if d == nil {
		// NOTIFY пришел раньше 2xx на SUBSCRIBE.
		initial := sub.findLastOutgoingSubscribe(nil)
		if initial == nil {
			e.reply(tx, 481, "")
			return
		}
		h, err := newUACHandleFromRequest(initial.Request, req)
		if err != nil {
			e.reply(tx, 400, "")
			return
		}
		d = newDialog(h, true)
		d.fire("establish")
		e.addDialog(sub, d)
	} else if !d.acceptRemoteCSeq(req) {
		e.reply(tx, 500, "")
		return
	}
	attachContext(tx, SubscribeContext{Subscribe: sub, Dialog: d})
	d.addIn(tx)
	d.updateTarget(req)

	sub.state.apply(st.State)
	if st.Expires >= 0 {
		sub.setExpiry(e.now(), st.Expires)
	}
	e.reply(tx, 200, "")

	refs := eventRefs{tx: tx, sub: sub, dialog: d}
	e.emit(SubscriptionNotify, refs, func(ev *Event) {
		withRequest(req)(ev)
		ev.Reason = st.Reason
	})
	if sub.state.terminated() {
		e.emit(SubscriptionReleased, refs, func(ev *Event) { ev.Reason = st.Reason })
		e.freeSubscribe(sub)
	}
}

// onSubscribeResponse ответ на наш SUBSCRIBE.
func (e *Engine) onSubscribeResponse(tx *Transaction, w wireEvent) {
	sc, ok := tx.ctx.(SubscribeContext)
	if !ok || sc.Subscribe == nil || sc.Subscribe.freed {
		e.missingContext(tx, "subscribe response")
		return
	}
	sub, res := sc.Subscribe, w.res
	code := res.StatusCode
	d := sc.Dialog

	switch {
	case code < 200:
	case code < 300:
		if d == nil {
			d = sub.matchDialog(sipmsg.CallID(res), sipmsg.FromTag(res), sipmsg.ToTag(res))
		}
		if d == nil {
			nd, err := initAsUAC(tx.Request, res)
			if err != nil {
				e.log.Warn("could not create subscription dialog", "tid", tx.ID, "error", err)
				break
			}
			e.addDialog(sub, nd)
			d = nd
		}
		d.setFinalAnswer(res)
		attachContext(tx, SubscribeContext{Subscribe: sub, Dialog: d})
		sub.setExpiry(e.now(), sipmsg.Expires(res, sipmsg.Expires(tx.Request, sub.Expires)))
		sub.pendingAuth = nil
		clear(sub.authTried)
		if sub.State() == SubInit {
			sub.state.fire(triggerPending)
		}
	case isAuthChallenge(code):
		sub.pendingAuth = e.prepareAuth(tx, res, sub.authTried)
	}

	refs := eventRefs{tx: tx, sub: sub, dialog: d}
	e.emit(classEvent(code, subscriptionEvents), refs, withResponse(res))
	if code == 481 {
		e.emit(SubscriptionReleased, refs, nil)
		e.freeSubscribe(sub)
	}
}

// onSubscribeKilled завершение нашего SUBSCRIBE. Начальный SUBSCRIBE без
// диалога и без ожидающей авторизации снимает подписку.
func (e *Engine) onSubscribeKilled(tx *Transaction, sc SubscribeContext, answered bool) {
	sub := sc.Subscribe
	if sub == nil || sub.freed {
		return
	}
	refs := eventRefs{tx: tx, sub: sub, dialog: sc.Dialog}
	if !answered {
		e.emit(SubscriptionNoAnswer, refs, func(ev *Event) { ev.Reason = "timeout" })
	}
	code := tx.finalCode()
	if sub.outTx == tx && sub.firstDialog() == nil && sub.pendingAuth == nil && (code == 0 || code >= 300) {
		e.emit(SubscriptionReleased, refs, nil)
		e.freeSubscribe(sub)
	}
}

// onNotifyResponse ответ на наш NOTIFY.
func (e *Engine) onNotifyResponse(tx *Transaction, w wireEvent) {
	if _, ok := tx.ctx.(CallContext); ok {
		e.onMessageResponse(tx, w)
		return
	}
	nc, ok := tx.ctx.(NotifyContext)
	if !ok || nc.Notify == nil {
		e.missingContext(tx, "notify response")
		return
	}
	if nc.Notify.freed {
		return
	}
	n, res := nc.Notify, w.res
	code := res.StatusCode
	if code < 200 {
		return
	}
	refs := eventRefs{tx: tx, notify: n, dialog: nc.Dialog}
	if code < 300 {
		e.emit(NotificationAnswered, refs, withResponse(res))
		if n.state.terminated() {
			e.emit(InSubscriptionReleased, refs, nil)
			e.freeNotify(n)
		}
		return
	}
	e.emit(NotificationRequestFailure, refs, withResponse(res))
	if code == 481 || code == 408 {
		e.emit(InSubscriptionReleased, refs, nil)
		e.freeNotify(n)
	}
}

// refreshSubscriptions обновляет исходящие подписки, у которых прошла
// половина срока, и снимает потерянные.
func (e *Engine) refreshSubscriptions(now time.Time) {
	var lost []*Subscribe
	e.state.subscribes.each(func(s *Subscribe) bool {
		d := s.firstDialog()
		if d == nil || d.pendingOut(sipmsg.MethodSubscribe) != nil || s.pendingAuth != nil {
			return true
		}
		if !s.expiresAt.IsZero() && now.After(s.expiresAt.Add(subscriptionGrace)) {
			lost = append(lost, s)
			return true
		}
		if s.needsRefresh(now) {
			if _, err := e.sendSubscribe(s, d, s.Expires); err != nil {
				e.log.Warn("subscription refresh failed", "sid", s.ID, "error", err)
			}
		}
		return true
	})
	for _, s := range lost {
		e.emit(SubscriptionReleased, eventRefs{sub: s}, func(ev *Event) { ev.Reason = "timeout" })
		e.freeSubscribe(s)
	}
}

// expireNotifies завершает входящие подписки с истекшим сроком.
func (e *Engine) expireNotifies(now time.Time) {
	var expired []*Notify
	e.state.notifies.each(func(n *Notify) bool {
		if n.expired(now) && n.firstDialog() != nil {
			expired = append(expired, n)
		}
		return true
	})
	for _, n := range expired {
		d := n.firstDialog()
		n.state.fire(triggerTerminate)
		if _, err := e.sendNotify(n, d, SubTerminated, "timeout", "", nil); err != nil {
			e.log.Warn("could not send final notify", "nid", n.ID, "error", err)
		}
		e.emit(InSubscriptionReleased, eventRefs{notify: n, dialog: d}, func(ev *Event) { ev.Reason = "timeout" })
		e.freeNotify(n)
	}
}

// sendSubscribe отправляет SUBSCRIBE внутри диалога подписки.
func (e *Engine) sendSubscribe(s *Subscribe, d *Dialog, expires int) (*Transaction, error) {
	p, err := e.dialogParams(d, sipmsg.MethodSubscribe)
	if err != nil {
		return nil, err
	}
	req, err := sipmsg.BuildSubscribe(p, s.Event, expires)
	if err != nil {
		return nil, wrapError(ErrorCodeMalformed, "sendSubscribe", s.ID, err)
	}
	tx, err := e.createTransaction(req, SubscribeContext{Subscribe: s, Dialog: d})
	if err != nil {
		return nil, err
	}
	d.addOut(tx)
	return tx, nil
}

// sendNotify отправляет NOTIFY внутри диалога входящей подписки.
func (e *Engine) sendNotify(n *Notify, d *Dialog, state SubState, reason, contentType string, body []byte) (*Transaction, error) {
	if d == nil {
		return nil, newError(ErrorCodeBadState, "sendNotify", n.ID)
	}
	p, err := e.dialogParams(d, sipmsg.MethodNotify)
	if err != nil {
		return nil, err
	}
	p.ContentType, p.Body = contentType, body
	st := sipmsg.SubscriptionState{State: string(state), Expires: n.remaining(e.now()), Reason: reason}
	req, err := sipmsg.BuildNotify(p, n.Event, st)
	if err != nil {
		return nil, wrapError(ErrorCodeMalformed, "sendNotify", n.ID, err)
	}
	tx, err := e.createTransaction(req, NotifyContext{Notify: n, Dialog: d})
	if err != nil {
		return nil, err
	}
	d.addOut(tx)
	return tx, nil
}
