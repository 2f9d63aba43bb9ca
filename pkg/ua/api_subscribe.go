package ua

import (
	"strconv"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

// SubscribeParams параметры исходящей подписки.
type SubscribeParams struct {
	To    string
	Event string
	Route string
	// Expires запрошенный срок; 0 означает 600 секунд.
	Expires int
}

// Subscribe отправляет SUBSCRIBE и возвращает идентификатор подписки.
func (e *Engine) Subscribe(p SubscribeParams) (int, error) {
	const op = "Subscribe"
	if p.Event == "" {
		return 0, newError(ErrorCodeMalformed, op, 0)
	}
	to, _, err := sipmsg.ParseAddress(p.To)
	if err != nil {
		return 0, wrapError(ErrorCodeMalformed, op, 0, err)
	}
	routes, err := parseRoute(p.Route)
	if err != nil {
		return 0, wrapError(ErrorCodeMalformed, op, 0, err)
	}
	expires := p.Expires
	if expires <= 0 {
		expires = defaultSubExpires
	}

	if err := e.enter(op); err != nil {
		return 0, err
	}
	defer e.leave()

	s := e.newSubscribe(p.Event, to, expires)
	params := e.baseParams(sipmsg.MethodSubscribe, to)
	if routes != nil {
		params.Routes = routes
	}
	s.callID, s.localTag = params.CallID, params.FromTag
	req, err := sipmsg.BuildSubscribe(params, p.Event, expires)
	if err != nil {
		e.state.subscribes.remove(s)
		return 0, wrapError(ErrorCodeMalformed, op, 0, err)
	}
	tx, err := e.createTransaction(req, SubscribeContext{Subscribe: s})
	if err != nil {
		e.state.subscribes.remove(s)
		return 0, err
	}
	s.outTx = tx
	e.state.assignIDs()
	return s.ID, nil
}

// RefreshSubscribe немедленно обновляет подписку. Если последний ответ был
// вызовом авторизации, уходит подготовленный запрос с учетными данными.
func (e *Engine) RefreshSubscribe(sid int) error {
	const op = "RefreshSubscribe"
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()

	s, ok := e.state.subscribes.get(sid)
	if !ok {
		return newError(ErrorCodeNotFound, op, sid)
	}
	if s.pendingAuth != nil {
		return e.resubmitSubscribe(s)
	}
	d := s.firstDialog()
	if d == nil {
		return newError(ErrorCodeBadState, op, sid)
	}
	if d.pendingOut(sipmsg.MethodSubscribe) != nil {
		return newError(ErrorCodeTransactionPending, op, sid)
	}
	_, err := e.sendSubscribe(s, d, s.Expires)
	return err
}

// resubmitSubscribe отправляет SUBSCRIBE, дополненный учетными данными.
func (e *Engine) resubmitSubscribe(s *Subscribe) error {
	req := s.pendingAuth
	d := s.firstDialog()
	if d != nil && d.pendingOut(sipmsg.MethodSubscribe) != nil {
		return newError(ErrorCodeTransactionPending, "resubmitSubscribe", s.ID)
	}
	tx, err := e.createTransaction(req, SubscribeContext{Subscribe: s, Dialog: d})
	if err != nil {
		return err
	}
	s.pendingAuth = nil
	if d != nil {
		d.syncLocalCSeq(sipmsg.CSeqNo(req))
		d.addOut(tx)
		return nil
	}
	if s.outTx != nil {
		e.retire(s.outTx)
	}
	s.outTx = tx
	return nil
}

// Unsubscribe отправляет SUBSCRIBE с Expires: 0. Подписка снимается по
// NOTIFY с состоянием terminated; подписка без диалога снимается сразу.
func (e *Engine) Unsubscribe(sid int) error {
	const op = "Unsubscribe"
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()

	s, ok := e.state.subscribes.get(sid)
	if !ok {
		return newError(ErrorCodeNotFound, op, sid)
	}
	d := s.firstDialog()
	if d == nil {
		e.emit(SubscriptionReleased, eventRefs{sub: s}, nil)
		e.freeSubscribe(s)
		return nil
	}
	if d.pendingOut(sipmsg.MethodSubscribe) != nil {
		return newError(ErrorCodeTransactionPending, op, sid)
	}
	s.Expires, s.granted = 0, 0
	_, err := e.sendSubscribe(s, d, 0)
	return err
}

// AnswerSubscribe отвечает на начальный входящий SUBSCRIBE. 2xx создает
// диалог, после чего приложение отправляет NOTIFY через Notify.
// Отказ освобождает входящую подписку.
func (e *Engine) AnswerSubscribe(tid, code int) error {
	const op = "AnswerSubscribe"
	if code < 200 || code > 699 {
		return newError(ErrorCodeMalformed, op, tid)
	}
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()

	tx, ok := e.state.txs[tid]
	if !ok || tx.Method != sipmsg.MethodSubscribe || tx.Kind != NIST {
		return newError(ErrorCodeNotFound, op, tid)
	}
	nc, ok := tx.ctx.(NotifyContext)
	if !ok || nc.Notify == nil || nc.Notify.freed {
		return newError(ErrorCodeNotFound, op, tid)
	}
	if nc.Dialog != nil {
		return newError(ErrorCodeBadState, op, tid)
	}
	n := nc.Notify
	contact := e.cfg.Contact
	params := sipmsg.ResponseParams{
		Code:      code,
		ToTag:     sipmsg.NewTag(),
		Contact:   &contact,
		UserAgent: e.cfg.UserAgent,
	}
	if code < 300 {
		params.Headers = []sip.Header{sip.NewHeader("Expires", strconv.Itoa(n.remaining(e.now())))}
	}
	if err := e.respond(tx, sipmsg.NewResponse(tx.Request, params)); err != nil {
		return err
	}
	if code >= 300 {
		e.freeNotify(n)
	}
	return nil
}

// Notify отправляет NOTIFY по входящей подписке nid и переводит ее в
// состояние state. NOTIFY с terminated освобождает подписку после ответа.
func (e *Engine) Notify(nid int, state SubState, reason, contentType string, body []byte) error {
	const op = "Notify"
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()

	n, ok := e.state.notifies.get(nid)
	if !ok {
		return newError(ErrorCodeNotFound, op, nid)
	}
	d := n.firstDialog()
	if d == nil {
		return newError(ErrorCodeBadState, op, nid)
	}
	if n.findLastOutgoingNotify(d).awaiting() {
		return newError(ErrorCodeTransactionPending, op, nid)
	}
	switch state {
	case SubPending:
		n.state.fire(triggerPending)
	case SubActive:
		n.state.fire(triggerActive)
	case SubTerminated:
		n.state.fire(triggerTerminate)
	default:
		return newError(ErrorCodeMalformed, op, nid)
	}
	_, err := e.sendNotify(n, d, n.State(), reason, contentType, body)
	return err
}
