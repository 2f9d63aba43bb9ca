package ua

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/sdpneg"
	"github.com/arzzra/sipua/pkg/sipmsg"
)

// Call вызов и все его диалоги.
type Call struct {
	ID      int
	Subject string
	// AckSDP ACK на 2xx должен нести SDP ответ (INVITE был без предложения).
	AckSDP bool
	// AppData ссылка приложения, движок ее не трогает.
	AppData any
	Created time.Time

	dialogs []*Dialog

	// Слоты уровня вызова используются, пока диалога еще нет.
	inviteIn   *Transaction
	inviteOut  *Transaction
	optionsIn  *Transaction
	optionsOut *Transaction

	sdp       *sdpneg.Context
	LocalPort int
	// uasTag наш To тег для ответов на входящий INVITE.
	uasTag string
	// cancelPending CANCEL отложен до первого предварительного ответа.
	cancelPending bool
	// RedirectContact Contact из последнего 3xx.
	RedirectContact string

	// invite последний отправленный начальный INVITE, основа для повтора.
	invite      *sip.Request
	authTried   map[string]bool
	pendingAuth *sip.Request

	freed bool
}

func (c *Call) ident() *int { return &c.ID }

func newCall(localPort int) *Call {
	return &Call{
		ID:        -1,
		Created:   time.Now(),
		sdp:       &sdpneg.Context{LocalPort: localPort},
		LocalPort: localPort,
		authTried: map[string]bool{},
	}
}

// retryable вызов может быть повторен через DefaultAction.
func (c *Call) retryable() bool {
	return c.pendingAuth != nil || c.RedirectContact != ""
}

// Dialogs диалоги вызова.
func (c *Call) Dialogs() []*Dialog {
	return c.dialogs
}

func (c *Call) addDialog(d *Dialog) {
	d.owner = c
	c.dialogs = append(c.dialogs, d)
}

func (c *Call) removeDialog(d *Dialog) {
	for i, x := range c.dialogs {
		if x == d {
			c.dialogs = append(c.dialogs[:i], c.dialogs[i+1:]...)
			return
		}
	}
}

// established возвращает первый установленный диалог.
func (c *Call) established() *Dialog {
	for _, d := range c.dialogs {
		if d.State() == DialogEstablished && !d.Closed() {
			return d
		}
	}
	return nil
}

func (c *Call) dialogByID(id int) *Dialog {
	for _, d := range c.dialogs {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// findLastTx ищет последнюю транзакцию метода: сначала в списке диалога,
// затем в слоте уровня вызова.
func (c *Call) findLastTx(d *Dialog, method sipmsg.Method, incoming bool) *Transaction {
	if d != nil {
		list := d.outTx
		if incoming {
			list = d.inTx
		}
		if tx := findLast(list, method); tx != nil {
			return tx
		}
	}
	switch {
	case method == sipmsg.MethodInvite && incoming:
		return c.inviteIn
	case method == sipmsg.MethodInvite:
		return c.inviteOut
	case method == sipmsg.MethodOptions && incoming:
		return c.optionsIn
	case method == sipmsg.MethodOptions:
		return c.optionsOut
	}
	return nil
}

func (c *Call) findLastIncomingInvite(d *Dialog) *Transaction {
	return c.findLastTx(d, sipmsg.MethodInvite, true)
}

func (c *Call) findLastOutgoingInvite(d *Dialog) *Transaction {
	return c.findLastTx(d, sipmsg.MethodInvite, false)
}

func (c *Call) findLastOutgoingOptions(d *Dialog) *Transaction {
	return c.findLastTx(d, sipmsg.MethodOptions, false)
}

func (c *Call) findLastIncomingOptions(d *Dialog) *Transaction {
	return c.findLastTx(d, sipmsg.MethodOptions, true)
}

func (c *Call) findLastOutgoingInfo(d *Dialog) *Transaction {
	return c.findLastTx(d, sipmsg.MethodInfo, false)
}

func (c *Call) findLastOutgoingRefer(d *Dialog) *Transaction {
	return c.findLastTx(d, sipmsg.MethodRefer, false)
}

func (c *Call) findLastIncomingRefer(d *Dialog) *Transaction {
	return c.findLastTx(d, sipmsg.MethodRefer, true)
}

// dropTx убирает транзакцию из слотов вызова.
func (c *Call) dropTx(tx *Transaction) bool {
	switch tx {
	case c.inviteIn:
		c.inviteIn = nil
	case c.inviteOut:
		c.inviteOut = nil
	case c.optionsIn:
		c.optionsIn = nil
	case c.optionsOut:
		c.optionsOut = nil
	default:
		return false
	}
	return true
}

// matchDialog находит диалог вызова по идентификаторам сообщения.
func (c *Call) matchDialog(callID, localTag, remoteTag string) *Dialog {
	for _, d := range c.dialogs {
		if d.matches(callID, localTag, remoteTag) {
			return d
		}
	}
	return nil
}

// newCall регистрирует вызов.
func (e *Engine) newCall() *Call {
	c := newCall(e.cfg.AudioPort)
	c.Created = e.now()
	e.state.calls.add(c)
	e.metrics.calls.Inc()
	return c
}

// freeCall освобождает вызов: все диалоги, транзакции уровня вызова и
// контекст SDP. Повторный вызов ничего не делает.
func (e *Engine) freeCall(c *Call) {
	if c == nil || c.freed {
		return
	}
	c.freed = true
	for len(c.dialogs) > 0 {
		e.freeDialog(c.dialogs[0])
	}
	for _, tx := range []*Transaction{c.inviteIn, c.inviteOut, c.optionsIn, c.optionsOut} {
		if tx != nil {
			e.retire(tx)
		}
	}
	c.inviteIn, c.inviteOut, c.optionsIn, c.optionsOut = nil, nil, nil, nil
	c.sdp = nil
	c.pendingAuth = nil
	if e.state.calls.remove(c) {
		e.metrics.calls.Dec()
	}
	e.log.Debug("call freed", "cid", c.ID)
}

// freeDialog освобождает диалог: транзакции переходят в пул завершенных,
// контексты отвязываются, диалог отсоединяется от владельца.
func (e *Engine) freeDialog(d *Dialog) {
	if d == nil || d.freed {
		return
	}
	d.freed = true
	owner := d.owner
	d.owner = nil
	if owner != nil {
		owner.removeDialog(d)
	}
	txs := append(append([]*Transaction{}, d.outTx...), d.inTx...)
	d.outTx, d.inTx = nil, nil
	for _, tx := range txs {
		e.retire(tx)
	}
	d.handle = nil
	d.pending200, d.pendingAck = nil, nil
	d.fire("terminate")
	if e.state.dialogs.remove(d) {
		e.metrics.dialogs.Dec()
	}
}

// addDialog регистрирует диалог у владельца.
func (e *Engine) addDialog(owner interface{ addDialog(*Dialog) }, d *Dialog) {
	owner.addDialog(d)
	e.state.dialogs.add(d)
	e.metrics.dialogs.Inc()
}

// callByID возвращает живой вызов.
func (e *Engine) callByID(id int) (*Call, bool) {
	return e.state.calls.get(id)
}

// findCallDialog находит вызов и диалог входящего запроса внутри диалога.
func (e *Engine) findCallDialog(req *sip.Request) (*Call, *Dialog) {
	callID := sipmsg.CallID(req)
	local, remote := sipmsg.ToTag(req), sipmsg.FromTag(req)
	var (
		call   *Call
		dialog *Dialog
	)
	e.state.calls.find(func(c *Call) bool {
		if d := c.matchDialog(callID, local, remote); d != nil {
			call, dialog = c, d
			return true
		}
		return false
	})
	return call, dialog
}
