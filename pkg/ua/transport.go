package ua

import (
	"context"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// ClientTx клиентская транзакция внешнего движка. sip.ClientTransaction
// удовлетворяет этому интерфейсу.
type ClientTx interface {
	Responses() <-chan *sip.Response
	Done() <-chan struct{}
	Err() error
	Terminate()
}

// ServerTx серверная транзакция внешнего движка. sip.ServerTransaction
// удовлетворяет этому интерфейсу.
type ServerTx interface {
	Respond(res *sip.Response) error
	Acks() <-chan *sip.Request
	Done() <-chan struct{}
	Err() error
	Terminate()
	// OnCancel вызывает fn, когда стек сам ответил на CANCEL этой транзакции
	// (200 на CANCEL и 487 на INVITE). Возвращает false, если транзакция
	// уже завершена.
	OnCancel(fn sip.FnTxCancel) bool
}

// Transport отправка запросов. Таймеры повторной передачи и таймауты
// транзакций остаются на стороне реализации.
type Transport interface {
	// Request создает клиентскую транзакцию и отправляет запрос.
	Request(ctx context.Context, req *sip.Request) (ClientTx, error)
	// Write отправляет запрос вне транзакции (ACK на 2xx).
	Write(req *sip.Request) error
}

// SipgoTransport транспорт поверх sipgo.Client.
type SipgoTransport struct {
	client *sipgo.Client
}

// NewSipgoTransport оборачивает клиента sipgo.
func NewSipgoTransport(client *sipgo.Client) *SipgoTransport {
	return &SipgoTransport{client: client}
}

func (t *SipgoTransport) Request(ctx context.Context, req *sip.Request) (ClientTx, error) {
	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "transaction request %s", req.Method)
	}
	return tx, nil
}

func (t *SipgoTransport) Write(req *sip.Request) error {
	return errors.Wrapf(t.client.WriteRequest(req), "write %s", req.Method)
}

// isTimeout сообщает, что транзакция завершилась по таймеру B/F.
func isTimeout(err error) bool {
	return errors.Is(err, sip.ErrTransactionTimeout) || errors.Is(err, context.DeadlineExceeded)
}
