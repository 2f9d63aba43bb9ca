package ua

import (
	"github.com/arzzra/sipua/pkg/sipmsg"
)

// DefaultAction выполняет действие по умолчанию для события отказа:
// повторяет запрос, дополненный учетными данными после 401/407, или
// следует перенаправлению 3xx для вызова. Для остальных событий
// возвращает ошибку ErrorCodeBadState.
func (e *Engine) DefaultAction(ev *Event) error {
	const op = "DefaultAction"
	if ev == nil {
		return newError(ErrorCodeMalformed, op, 0)
	}
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()

	switch {
	case ev.RID > 0:
		r, ok := e.state.registrations.get(ev.RID)
		if !ok {
			return newError(ErrorCodeNotFound, op, ev.RID)
		}
		if r.pendingAuth == nil {
			return newError(ErrorCodeBadState, op, ev.RID)
		}
		return e.refreshRegistration(op, r)

	case ev.PID > 0:
		p, ok := e.state.publications.get(ev.PID)
		if !ok {
			return newError(ErrorCodeNotFound, op, ev.PID)
		}
		if p.pendingAuth == nil {
			return newError(ErrorCodeBadState, op, ev.PID)
		}
		if p.last.awaiting() {
			return newError(ErrorCodeTransactionPending, op, ev.PID)
		}
		_, err := e.submitPublish(p, p.pendingAuth)
		return err

	case ev.SID > 0:
		s, ok := e.state.subscribes.get(ev.SID)
		if !ok {
			return newError(ErrorCodeNotFound, op, ev.SID)
		}
		if s.pendingAuth == nil {
			return newError(ErrorCodeBadState, op, ev.SID)
		}
		return e.resubmitSubscribe(s)

	case ev.CID > 0:
		call, ok := e.callByID(ev.CID)
		if !ok {
			return newError(ErrorCodeNotFound, op, ev.CID)
		}
		switch {
		case call.pendingAuth != nil:
			return e.resubmitCallRequest(call, ev.DID)
		case call.RedirectContact != "" && ev.Type == CallRedirected:
			return e.followRedirect(call)
		}
		return newError(ErrorCodeBadState, op, ev.CID)
	}
	return newError(ErrorCodeBadState, op, 0)
}

// resubmitCallRequest повторяет запрос вызова с учетными данными: начальный
// INVITE заменяет прежнюю попытку, запрос внутри диалога добавляется к диалогу.
func (e *Engine) resubmitCallRequest(call *Call, did int) error {
	const op = "resubmitCallRequest"
	req := call.pendingAuth
	method := sipmsg.MethodOf(req)

	var d *Dialog
	if sipmsg.ToTag(req) != "" {
		if d = call.dialogByID(did); d == nil {
			d = call.established()
		}
		if d == nil || d.Closed() {
			return newError(ErrorCodeBadState, op, call.ID)
		}
		if d.pendingOut(method) != nil {
			return newError(ErrorCodeTransactionPending, op, d.ID)
		}
	} else {
		if call.established() != nil || call.inviteOut.awaiting() {
			return newError(ErrorCodeBadState, op, call.ID)
		}
		e.dropEarlyDialogs(call)
	}

	tx, err := e.createTransaction(req, CallContext{Call: call, Dialog: d})
	if err != nil {
		return err
	}
	call.pendingAuth = nil
	if d != nil {
		d.syncLocalCSeq(sipmsg.CSeqNo(req))
		d.addOut(tx)
		return nil
	}
	if call.inviteOut != nil {
		e.retire(call.inviteOut)
	}
	call.inviteOut = tx
	call.invite = req
	call.RedirectContact = ""
	return nil
}

// followRedirect отправляет INVITE на адрес из Contact ответа 3xx.
func (e *Engine) followRedirect(call *Call) error {
	const op = "followRedirect"
	if call.invite == nil || call.established() != nil || call.inviteOut.awaiting() {
		return newError(ErrorCodeBadState, op, call.ID)
	}
	target, _, err := sipmsg.ParseAddress(call.RedirectContact)
	if err != nil {
		return wrapError(ErrorCodeMalformed, op, call.ID, err)
	}
	req := sipmsg.CloneRequest(call.invite)
	req.Recipient = target
	sipmsg.StripAuthorization(req)
	sipmsg.BumpCSeq(req)
	e.dropEarlyDialogs(call)

	tx, err := e.createTransaction(req, CallContext{Call: call})
	if err != nil {
		return err
	}
	if call.inviteOut != nil {
		e.retire(call.inviteOut)
	}
	call.inviteOut = tx
	call.invite = req
	call.RedirectContact = ""
	clear(call.authTried)
	e.log.Info("following redirect", "cid", call.ID, "target", target.String())
	return nil
}

// dropEarlyDialogs освобождает неустановленные диалоги прежней попытки.
func (e *Engine) dropEarlyDialogs(call *Call) {
	for _, d := range append([]*Dialog{}, call.dialogs...) {
		if d.State() != DialogEstablished {
			e.freeDialog(d)
		}
	}
}
