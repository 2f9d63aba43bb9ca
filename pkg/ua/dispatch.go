package ua

import (
	"github.com/arzzra/sipua/pkg/sipmsg"
)

// Phase фаза жизненного цикла сообщения или транзакции.
type Phase int

const (
	PhaseRequestRecv Phase = iota
	PhaseRequestSent
	PhaseResponseRecv
	PhaseResponseSent
	PhaseTransportError
	PhaseKill
)

func (p Phase) String() string {
	switch p {
	case PhaseRequestRecv:
		return "request_received"
	case PhaseRequestSent:
		return "request_sent"
	case PhaseResponseRecv:
		return "response_received"
	case PhaseResponseSent:
		return "response_sent"
	case PhaseTransportError:
		return "transport_error"
	case PhaseKill:
		return "kill"
	}
	return "unknown"
}

// routeKey ключ таблицы разбора. MethodUnknown и ClassNone работают как
// подстановка "любой".
type routeKey struct {
	kind   TxKind
	method sipmsg.Method
	class  sipmsg.Class
}

type handlerFunc func(e *Engine, tx *Transaction, w wireEvent)

type routeTable map[Phase]map[routeKey]handlerFunc

func (t routeTable) add(phase Phase, kind TxKind, method sipmsg.Method, class sipmsg.Class, h handlerFunc) {
	m, ok := t[phase]
	if !ok {
		m = map[routeKey]handlerFunc{}
		t[phase] = m
	}
	m[routeKey{kind: kind, method: method, class: class}] = h
}

func (t routeTable) lookup(phase Phase, kind TxKind, method sipmsg.Method, class sipmsg.Class) handlerFunc {
	m := t[phase]
	for _, k := range []routeKey{
		{kind, method, class},
		{kind, method, sipmsg.ClassNone},
		{kind, sipmsg.MethodUnknown, class},
		{kind, sipmsg.MethodUnknown, sipmsg.ClassNone},
	} {
		if h, ok := m[k]; ok {
			return h
		}
	}
	return nil
}

var failureClasses = []sipmsg.Class{sipmsg.Class3xx, sipmsg.Class4xx, sipmsg.Class5xx, sipmsg.Class6xx}

// newRouteTable собирает таблицу разбора всех фаз.
func newRouteTable() routeTable {
	t := routeTable{}

	// Входящие запросы.
	t.add(PhaseRequestRecv, IST, sipmsg.MethodInvite, sipmsg.ClassNone, (*Engine).onInviteRequest)
	t.add(PhaseRequestRecv, NIST, sipmsg.MethodBye, sipmsg.ClassNone, (*Engine).onByeRequest)
	t.add(PhaseRequestRecv, NIST, sipmsg.MethodCancel, sipmsg.ClassNone, (*Engine).onCancelRequest)
	t.add(PhaseRequestRecv, NIST, sipmsg.MethodOptions, sipmsg.ClassNone, (*Engine).onOptionsRequest)
	t.add(PhaseRequestRecv, NIST, sipmsg.MethodInfo, sipmsg.ClassNone, (*Engine).onInfoRequest)
	t.add(PhaseRequestRecv, NIST, sipmsg.MethodRefer, sipmsg.ClassNone, (*Engine).onReferRequest)
	t.add(PhaseRequestRecv, NIST, sipmsg.MethodUpdate, sipmsg.ClassNone, (*Engine).onUpdateRequest)
	t.add(PhaseRequestRecv, NIST, sipmsg.MethodMessage, sipmsg.ClassNone, (*Engine).onMessageRequest)
	t.add(PhaseRequestRecv, NIST, sipmsg.MethodSubscribe, sipmsg.ClassNone, (*Engine).onSubscribeRequest)
	t.add(PhaseRequestRecv, NIST, sipmsg.MethodNotify, sipmsg.ClassNone, (*Engine).onNotifyRequest)
	t.add(PhaseRequestRecv, NIST, sipmsg.MethodUnknown, sipmsg.ClassNone, (*Engine).onUnsupportedRequest)

	// Отправленные запросы.
	t.add(PhaseRequestSent, ICT, sipmsg.MethodUnknown, sipmsg.ClassNone, (*Engine).onRequestSent)
	t.add(PhaseRequestSent, NICT, sipmsg.MethodUnknown, sipmsg.ClassNone, (*Engine).onRequestSent)

	// Ответы на наши INVITE.
	t.add(PhaseResponseRecv, ICT, sipmsg.MethodInvite, sipmsg.Class1xx, (*Engine).onInvite1xx)
	t.add(PhaseResponseRecv, ICT, sipmsg.MethodInvite, sipmsg.Class2xx, (*Engine).onInvite2xx)
	for _, c := range failureClasses {
		t.add(PhaseResponseRecv, ICT, sipmsg.MethodInvite, c, (*Engine).onInviteFailure)
	}

	// Ответы на не-INVITE запросы.
	t.add(PhaseResponseRecv, NICT, sipmsg.MethodRegister, sipmsg.ClassNone, (*Engine).onRegisterResponse)
	t.add(PhaseResponseRecv, NICT, sipmsg.MethodPublish, sipmsg.ClassNone, (*Engine).onPublishResponse)
	t.add(PhaseResponseRecv, NICT, sipmsg.MethodSubscribe, sipmsg.ClassNone, (*Engine).onSubscribeResponse)
	t.add(PhaseResponseRecv, NICT, sipmsg.MethodNotify, sipmsg.ClassNone, (*Engine).onNotifyResponse)
	t.add(PhaseResponseRecv, NICT, sipmsg.MethodUnknown, sipmsg.ClassNone, (*Engine).onMessageResponse)

	// Отправленные ответы.
	t.add(PhaseResponseSent, IST, sipmsg.MethodInvite, sipmsg.Class1xx, (*Engine).onInviteAnswered)
	t.add(PhaseResponseSent, IST, sipmsg.MethodInvite, sipmsg.Class2xx, (*Engine).onInviteAnswered)
	for _, c := range failureClasses {
		t.add(PhaseResponseSent, IST, sipmsg.MethodInvite, c, (*Engine).onInviteDeclined)
	}
	t.add(PhaseResponseSent, NIST, sipmsg.MethodSubscribe, sipmsg.Class2xx, (*Engine).onSubscribeAnswered)

	// Ошибки транспорта.
	t.add(PhaseTransportError, NICT, sipmsg.MethodRegister, sipmsg.ClassNone, (*Engine).onRegisterTransportError)
	t.add(PhaseTransportError, NICT, sipmsg.MethodUnknown, sipmsg.ClassNone, (*Engine).onTransportError)
	t.add(PhaseTransportError, ICT, sipmsg.MethodInvite, sipmsg.ClassNone, (*Engine).onTransportError)

	// Завершение транзакций.
	t.add(PhaseKill, ICT, sipmsg.MethodInvite, sipmsg.ClassNone, (*Engine).onInviteClientKilled)
	t.add(PhaseKill, IST, sipmsg.MethodInvite, sipmsg.ClassNone, (*Engine).onInviteServerKilled)
	t.add(PhaseKill, NICT, sipmsg.MethodUnknown, sipmsg.ClassNone, (*Engine).onClientKilled)
	t.add(PhaseKill, NIST, sipmsg.MethodSubscribe, sipmsg.ClassNone, (*Engine).onSubscribeServerKilled)

	return t
}

// dispatch находит обработчик по фазе, виду транзакции, методу и классу ответа.
func (e *Engine) dispatch(phase Phase, tx *Transaction, w wireEvent) {
	class := sipmsg.ClassNone
	if w.res != nil {
		class = sipmsg.ClassOf(w.res.StatusCode)
	}
	h := e.routes.lookup(phase, tx.Kind, tx.Method, class)
	if h == nil {
		e.log.Debug("no route", "phase", phase.String(), "kind", tx.Kind.String(),
			"method", tx.Method.String(), "class", class.String())
		return
	}
	h(e, tx, w)
}

// process обрабатывает одно событие транспорта под блокировкой движка.
func (e *Engine) process(w wireEvent) {
	switch w.kind {
	case wireRequest:
		e.onRequest(w.req, w.server)
	case wireResponse:
		if w.tx == nil || w.tx.released {
			e.log.Debug("response for released transaction dropped")
			return
		}
		w.tx.onResponse(w.res)
		e.dispatch(PhaseResponseRecv, w.tx, w)
	case wireTransportError:
		if w.tx == nil || w.tx.released {
			return
		}
		e.log.Error("transport error", "tid", w.tx.ID, "method", w.tx.Method.String(), "error", w.err)
		e.dispatch(PhaseTransportError, w.tx, w)
	case wireKill:
		tx := w.tx
		if tx == nil {
			tx = e.serverTransaction(w.server)
		}
		if tx == nil {
			return
		}
		e.kill(tx, w.err)
	case wireCancel:
		tx := e.serverTransaction(w.server)
		if tx == nil || tx.released {
			return
		}
		e.onStackCancelled(tx, w)
	}
}

func (e *Engine) onRequestSent(tx *Transaction, _ wireEvent) {
	e.log.Debug("request sent", "tid", tx.ID, "request", tx.Request)
}

// missingContext событие без контекста приложения отбрасывается.
func (e *Engine) missingContext(tx *Transaction, where string) {
	e.log.Warn("no application context, event dropped",
		"tid", tx.ID, "method", tx.Method.String(), "where", where)
}
