package ua

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

// SendMessage отправляет MESSAGE вне диалога и возвращает идентификатор
// транзакции. Ответ приходит событиями Message*.
func (e *Engine) SendMessage(to, contentType string, body []byte) (int, error) {
	return e.outOfDialog("SendMessage", to, func(p sipmsg.RequestParams) (*sip.Request, error) {
		if contentType == "" {
			contentType = "text/plain"
		}
		return sipmsg.BuildMessage(p, contentType, body)
	})
}

// SendOptions отправляет OPTIONS вне диалога.
func (e *Engine) SendOptions(to string) (int, error) {
	return e.outOfDialog("SendOptions", to, sipmsg.BuildOptions)
}

func (e *Engine) outOfDialog(op, to string, build func(sipmsg.RequestParams) (*sip.Request, error)) (int, error) {
	target, _, err := sipmsg.ParseAddress(to)
	if err != nil {
		return 0, wrapError(ErrorCodeMalformed, op, 0, err)
	}
	if err := e.enter(op); err != nil {
		return 0, err
	}
	defer e.leave()

	p := e.baseParams(sipmsg.MethodUnknown, target)
	p.Contact = nil
	req, err := build(p)
	if err != nil {
		return 0, wrapError(ErrorCodeMalformed, op, 0, err)
	}
	tx, err := e.createTransaction(req, MessageContext{})
	if err != nil {
		return 0, err
	}
	return tx.ID, nil
}

// AnswerMessage отвечает на входящий запрос, который движок не отвечает
// сам: MESSAGE, INFO и REFER внутри вызова или вне диалога.
func (e *Engine) AnswerMessage(tid, code int, contentType string, body []byte) error {
	const op = "AnswerMessage"
	if code < 101 || code > 699 {
		return newError(ErrorCodeMalformed, op, tid)
	}
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()

	tx, ok := e.state.txs[tid]
	if !ok || tx.Kind != NIST {
		return newError(ErrorCodeNotFound, op, tid)
	}
	params := sipmsg.ResponseParams{
		Code:        code,
		UserAgent:   e.cfg.UserAgent,
		ContentType: contentType,
		Body:        body,
	}
	switch c := tx.ctx.(type) {
	case CallContext:
		if c.Call == nil || c.Call.freed {
			return newError(ErrorCodeNotFound, op, tid)
		}
	case MessageContext:
		params.ToTag = sipmsg.NewTag()
	default:
		return newError(ErrorCodeBadState, op, tid)
	}
	return e.respond(tx, sipmsg.NewResponse(tx.Request, params))
}
