package ua

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

// TxKind вид транзакции по RFC 3261.
type TxKind int

const (
	// ICT клиентская INVITE транзакция.
	ICT TxKind = iota
	// IST серверная INVITE транзакция.
	IST
	// NICT клиентская не-INVITE транзакция.
	NICT
	// NIST серверная не-INVITE транзакция.
	NIST
)

func (k TxKind) String() string {
	switch k {
	case ICT:
		return "ict"
	case IST:
		return "ist"
	case NICT:
		return "nict"
	case NIST:
		return "nist"
	}
	return "unknown"
}

func (k TxKind) client() bool { return k == ICT || k == NICT }

// TxState состояние транзакции, как его видит адаптер.
type TxState int

const (
	TxTrying TxState = iota
	TxProceeding
	TxCompleted
	// TxConfirmed IST получила ACK на отрицательный ответ.
	TxConfirmed
	TxTerminated
)

func (s TxState) String() string {
	switch s {
	case TxTrying:
		return "Trying"
	case TxProceeding:
		return "Proceeding"
	case TxCompleted:
		return "Completed"
	case TxConfirmed:
		return "Confirmed"
	case TxTerminated:
		return "Terminated"
	}
	return "Unknown"
}

// TxContext контекст приложения, привязанный к транзакции.
// Реализации: CallContext, SubscribeContext, NotifyContext,
// RegistrationContext, PublicationContext, MessageContext.
type TxContext interface {
	txContext()
}

// CallContext транзакция вызова; Dialog пуст до создания диалога.
type CallContext struct {
	Call   *Call
	Dialog *Dialog
}

// SubscribeContext транзакция исходящей подписки.
type SubscribeContext struct {
	Subscribe *Subscribe
	Dialog    *Dialog
}

// NotifyContext транзакция входящей подписки.
type NotifyContext struct {
	Notify *Notify
	Dialog *Dialog
}

// RegistrationContext транзакция REGISTER.
type RegistrationContext struct {
	Registration *Registration
}

// PublicationContext транзакция PUBLISH.
type PublicationContext struct {
	Publication *Publication
}

// MessageContext MESSAGE или OPTIONS вне диалога.
type MessageContext struct{}

func (CallContext) txContext()         {}
func (SubscribeContext) txContext()    {}
func (NotifyContext) txContext()       {}
func (RegistrationContext) txContext() {}
func (PublicationContext) txContext()  {}
func (MessageContext) txContext()      {}

// Transaction транзакция с привязанным контекстом.
type Transaction struct {
	ID     int
	Kind   TxKind
	State  TxState
	Method sipmsg.Method

	Request      *sip.Request
	LastResponse *sip.Response
	Created      time.Time

	ctx    TxContext
	client ClientTx
	server ServerTx
	cancel context.CancelFunc

	// pooled транзакция передана в общий пул завершенных.
	pooled bool
	// released транзакция освобождена сборщиком.
	released bool
	// cancelled для IST получен CANCEL.
	cancelled bool
}

// attachContext привязывает контекст к транзакции, заменяя прежний.
func attachContext(tx *Transaction, ctx TxContext) {
	tx.ctx = ctx
}

// detachContext отвязывает и возвращает контекст.
func detachContext(tx *Transaction) TxContext {
	ctx := tx.ctx
	tx.ctx = nil
	return ctx
}

// Context возвращает привязанный контекст или nil.
func (tx *Transaction) Context() TxContext {
	return tx.ctx
}

func (tx *Transaction) terminated() bool {
	return tx.State == TxTerminated
}

// finalCode код последнего финального ответа или 0.
func (tx *Transaction) finalCode() int {
	if tx.LastResponse == nil || tx.LastResponse.StatusCode < 200 {
		return 0
	}
	return tx.LastResponse.StatusCode
}

// onResponse обновляет состояние по полученному или отправленному ответу.
func (tx *Transaction) onResponse(res *sip.Response) {
	tx.LastResponse = res
	switch {
	case res.StatusCode < 200:
		if tx.State == TxTrying {
			tx.State = TxProceeding
		}
	case tx.Kind == ICT && res.StatusCode < 300:
		// 2xx завершает ICT, ACK идет отдельно.
		tx.State = TxTerminated
	default:
		tx.State = TxCompleted
	}
}

// awaiting транзакция жива и еще не получила финального ответа.
func (tx *Transaction) awaiting() bool {
	return tx != nil && !tx.terminated() && tx.finalCode() == 0
}

// outstanding транзакция еще не завершена, даже если финальный ответ уже есть.
func (tx *Transaction) outstanding() bool {
	return tx != nil && !tx.terminated()
}

func (tx *Transaction) age(now time.Time) time.Duration {
	return now.Sub(tx.Created)
}

func kindFor(method sipmsg.Method, client bool) TxKind {
	switch {
	case method == sipmsg.MethodInvite && client:
		return ICT
	case method == sipmsg.MethodInvite:
		return IST
	case client:
		return NICT
	}
	return NIST
}

// validateRequest проверяет заголовки, без которых транзакция невозможна.
func validateRequest(req *sip.Request) error {
	if req == nil {
		return sipmsg.ErrMissingHeader
	}
	if req.Via() == nil || req.CSeq() == nil || req.CallID() == nil || req.From() == nil || req.To() == nil {
		return sipmsg.ErrMissingHeader
	}
	return nil
}

// validateIncoming проверяет входящий запрос. CANCEL сопоставляется по
// branch, поэтому для него достаточно Via и CSeq.
func validateIncoming(req *sip.Request, method sipmsg.Method) error {
	if req == nil || req.Via() == nil || req.CSeq() == nil {
		return sipmsg.ErrMissingHeader
	}
	if method == sipmsg.MethodCancel {
		return nil
	}
	return validateRequest(req)
}
