package ua

import (
	"context"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

type wireKind int

const (
	wireRequest wireKind = iota
	wireResponse
	wireTransportError
	wireKill
	wireCancel
)

// wireEvent событие от транспорта, обрабатываемое рабочим циклом.
type wireEvent struct {
	kind   wireKind
	tx     *Transaction
	req    *sip.Request
	res    *sip.Response
	server ServerTx
	err    error
}

// createTransaction создает клиентскую транзакцию и отправляет запрос.
// При ошибке ничего не регистрируется.
func (e *Engine) createTransaction(req *sip.Request, tctx TxContext) (*Transaction, error) {
	if err := validateRequest(req); err != nil {
		return nil, wrapError(ErrorCodeMalformed, "createTransaction", 0, err)
	}
	if e.transport == nil {
		return nil, newError(ErrorCodeTransport, "createTransaction", 0)
	}
	method := sipmsg.MethodOf(req)
	tx := &Transaction{
		ID:      e.state.nextTxID(),
		Kind:    kindFor(method, true),
		State:   TxTrying,
		Method:  method,
		Request: req,
		Created: e.now(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	client, err := e.transport.Request(ctx, req)
	if err != nil {
		cancel()
		return nil, wrapError(ErrorCodeTransport, "createTransaction", 0, err)
	}
	tx.client = client
	tx.cancel = cancel
	attachContext(tx, tctx)
	e.register(tx)
	e.dispatch(PhaseRequestSent, tx, wireEvent{req: req})

	e.wg.Add(1)
	go e.watch(tx, client)
	return tx, nil
}

// createServerTransaction оборачивает серверную транзакцию входящего запроса.
func (e *Engine) createServerTransaction(req *sip.Request, server ServerTx) *Transaction {
	method := sipmsg.MethodOf(req)
	tx := &Transaction{
		ID:      e.state.nextTxID(),
		Kind:    kindFor(method, false),
		State:   TxTrying,
		Method:  method,
		Request: req,
		Created: e.now(),
		server:  server,
	}
	if tx.Kind == IST {
		tx.State = TxProceeding
	}
	e.register(tx)
	return tx
}

func (e *Engine) register(tx *Transaction) {
	e.state.txs[tx.ID] = tx
	e.metrics.transactions.WithLabelValues(tx.Kind.String()).Inc()
	e.metrics.activeTransactions.Inc()
	e.log.Debug("transaction created",
		"tid", tx.ID, "kind", tx.Kind.String(), "method", tx.Method.String())
}

// respond отправляет ответ в серверной транзакции и проводит его через
// таблицу разбора как отправленный.
func (e *Engine) respond(tx *Transaction, res *sip.Response) error {
	if tx == nil || tx.server == nil {
		return newError(ErrorCodeBadState, "respond", 0)
	}
	if tx.terminated() || tx.finalCode() != 0 {
		return newError(ErrorCodeBadState, "respond", tx.ID)
	}
	if err := tx.server.Respond(res); err != nil {
		return wrapError(ErrorCodeTransport, "respond", tx.ID, err)
	}
	tx.onResponse(res)
	e.dispatch(PhaseResponseSent, tx, wireEvent{res: res})
	return nil
}

// reply строит и отправляет простой ответ на запрос транзакции.
func (e *Engine) reply(tx *Transaction, code int, toTag string) {
	res := sipmsg.NewResponse(tx.Request, sipmsg.ResponseParams{
		Code:      code,
		ToTag:     toTag,
		UserAgent: e.cfg.UserAgent,
	})
	if err := e.respond(tx, res); err != nil {
		e.log.Warn("could not respond", "tid", tx.ID, "code", code, "error", err)
	}
}

// retire передает транзакцию в пул завершенных, убирая ее из списков
// владельца. Контекст остается привязанным до сборки.
func (e *Engine) retire(tx *Transaction) {
	if tx == nil || tx.pooled || tx.released {
		return
	}
	switch c := tx.ctx.(type) {
	case CallContext:
		if c.Dialog != nil {
			c.Dialog.dropTx(tx)
		}
		if c.Call != nil {
			c.Call.dropTx(tx)
		}
	case SubscribeContext:
		if c.Dialog != nil {
			c.Dialog.dropTx(tx)
		}
		if c.Subscribe != nil {
			c.Subscribe.dropTx(tx)
		}
	case NotifyContext:
		if c.Dialog != nil {
			c.Dialog.dropTx(tx)
		}
		if c.Notify != nil {
			c.Notify.dropTx(tx)
		}
	}
	tx.pooled = true
	e.state.pool = append(e.state.pool, tx)
}

// release окончательно освобождает транзакцию. Выполняется ровно один раз.
func (e *Engine) release(tx *Transaction, reason string) {
	if tx.released {
		return
	}
	tx.released = true
	detachContext(tx)
	if tx.cancel != nil {
		tx.cancel()
	}
	if tx.client != nil {
		tx.client.Terminate()
	}
	if tx.server != nil {
		tx.server.Terminate()
	}
	tx.State = TxTerminated
	delete(e.state.txs, tx.ID)
	e.metrics.activeTransactions.Dec()
	e.metrics.transactionDuration.Observe(tx.age(e.now()).Seconds())
	e.metrics.harvested.WithLabelValues(reason).Inc()
	e.log.Debug("transaction released", "tid", tx.ID, "reason", reason)
}

// harvest собирает пул: завершенные транзакции и транзакции старше
// TxMaxAge освобождаются. Зависшие транзакции вне пула принудительно
// завершаются через фазу Kill.
func (e *Engine) harvest() {
	now := e.now()
	kept := e.state.pool[:0]
	for _, tx := range e.state.pool {
		switch {
		case tx.terminated():
			e.release(tx, "terminated")
		case tx.age(now) > e.cfg.TxMaxAge:
			e.release(tx, "expired")
		default:
			kept = append(kept, tx)
		}
	}
	for i := len(kept); i < len(e.state.pool); i++ {
		e.state.pool[i] = nil
	}
	e.state.pool = kept

	var stuck []*Transaction
	for _, tx := range e.state.txs {
		if !tx.pooled && !tx.terminated() && tx.age(now) > e.cfg.TxMaxAge {
			stuck = append(stuck, tx)
		}
	}
	for _, tx := range stuck {
		e.log.Warn("transaction stuck, forcing kill", "tid", tx.ID, "method", tx.Method.String())
		e.kill(tx, nil)
	}
}

// kill обрабатывает завершение транзакции.
func (e *Engine) kill(tx *Transaction, err error) {
	if tx.released {
		return
	}
	tx.State = TxTerminated
	e.dispatch(PhaseKill, tx, wireEvent{err: err})
	e.retire(tx)
}

// watch переводит каналы клиентской транзакции в события рабочего цикла.
func (e *Engine) watch(tx *Transaction, client ClientTx) {
	defer e.wg.Done()
	responses := client.Responses()
	for {
		select {
		case res, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			if !e.enqueue(wireEvent{kind: wireResponse, tx: tx, res: res}) {
				return
			}
		case <-client.Done():
			// Ответы, пришедшие вместе с завершением, обрабатываются раньше Kill.
			for drained := false; !drained && responses != nil; {
				select {
				case res := <-responses:
					if res == nil || !e.enqueue(wireEvent{kind: wireResponse, tx: tx, res: res}) {
						drained = true
					}
				default:
					drained = true
				}
			}
			err := client.Err()
			if err != nil && !isTimeout(err) {
				e.enqueue(wireEvent{kind: wireTransportError, tx: tx, err: err})
			}
			e.enqueue(wireEvent{kind: wireKill, tx: tx, err: err})
			return
		case <-e.quit:
			return
		}
	}
}

// enqueue передает событие рабочему циклу. Возвращает false после остановки.
func (e *Engine) enqueue(w wireEvent) bool {
	select {
	case e.ingress <- w:
		return true
	case <-e.quit:
		return false
	}
}

func (e *Engine) serverTransaction(server ServerTx) *Transaction {
	if server == nil {
		return nil
	}
	for _, tx := range e.state.txs {
		if tx.server == server {
			return tx
		}
	}
	return nil
}
