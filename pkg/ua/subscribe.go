package ua

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

// Subscribe исходящая подписка.
type Subscribe struct {
	ID      int
	Event   string
	Target  sip.Uri
	Expires int
	Created time.Time

	state *subscriptionState
	// expiresAt момент истечения по последнему ответу или NOTIFY.
	expiresAt time.Time
	granted   int

	callID   string
	localTag string

	dialogs []*Dialog
	// outTx начальный SUBSCRIBE до появления диалога.
	outTx *Transaction

	authTried   map[string]bool
	pendingAuth *sip.Request

	freed bool
}

func (s *Subscribe) ident() *int { return &s.ID }

// State состояние подписки.
func (s *Subscribe) State() SubState { return s.state.State() }

func (s *Subscribe) addDialog(d *Dialog) {
	d.owner = s
	s.dialogs = append(s.dialogs, d)
}

func (s *Subscribe) removeDialog(d *Dialog) {
	for i, x := range s.dialogs {
		if x == d {
			s.dialogs = append(s.dialogs[:i], s.dialogs[i+1:]...)
			return
		}
	}
}

func (s *Subscribe) matchDialog(callID, localTag, remoteTag string) *Dialog {
	for _, d := range s.dialogs {
		if d.matches(callID, localTag, remoteTag) {
			return d
		}
	}
	return nil
}

func (s *Subscribe) firstDialog() *Dialog {
	for _, d := range s.dialogs {
		if !d.Closed() {
			return d
		}
	}
	return nil
}

// findLastOutgoingSubscribe последний SUBSCRIBE: из диалога, иначе начальный.
func (s *Subscribe) findLastOutgoingSubscribe(d *Dialog) *Transaction {
	if d != nil {
		if tx := findLast(d.outTx, sipmsg.MethodSubscribe); tx != nil {
			return tx
		}
	}
	return s.outTx
}

func (s *Subscribe) dropTx(tx *Transaction) bool {
	if s.outTx == tx {
		s.outTx = nil
		return true
	}
	return false
}

// setExpiry запоминает выданный срок подписки.
func (s *Subscribe) setExpiry(now time.Time, seconds int) {
	if seconds < 0 {
		return
	}
	s.granted = seconds
	s.expiresAt = now.Add(time.Duration(seconds) * time.Second)
}

// needsRefresh осталось меньше половины выданного срока.
func (s *Subscribe) needsRefresh(now time.Time) bool {
	if s.granted <= 0 || s.state.terminated() || s.expiresAt.IsZero() {
		return false
	}
	return s.expiresAt.Sub(now) < time.Duration(s.granted)*time.Second/2
}

// Notify входящая подписка, которую обслуживает приложение.
type Notify struct {
	ID      int
	Event   string
	Created time.Time

	state     *subscriptionState
	expiresAt time.Time

	dialogs []*Dialog
	// inTx начальный входящий SUBSCRIBE.
	inTx *Transaction

	freed bool
}

func (n *Notify) ident() *int { return &n.ID }

// State состояние подписки.
func (n *Notify) State() SubState { return n.state.State() }

func (n *Notify) addDialog(d *Dialog) {
	d.owner = n
	n.dialogs = append(n.dialogs, d)
}

func (n *Notify) removeDialog(d *Dialog) {
	for i, x := range n.dialogs {
		if x == d {
			n.dialogs = append(n.dialogs[:i], n.dialogs[i+1:]...)
			return
		}
	}
}

func (n *Notify) matchDialog(callID, localTag, remoteTag string) *Dialog {
	for _, d := range n.dialogs {
		if d.matches(callID, localTag, remoteTag) {
			return d
		}
	}
	return nil
}

func (n *Notify) firstDialog() *Dialog {
	for _, d := range n.dialogs {
		if !d.Closed() {
			return d
		}
	}
	return nil
}

func (n *Notify) findLastIncomingSubscribe(d *Dialog) *Transaction {
	if d != nil {
		if tx := findLast(d.inTx, sipmsg.MethodSubscribe); tx != nil {
			return tx
		}
	}
	return n.inTx
}

func (n *Notify) findLastOutgoingNotify(d *Dialog) *Transaction {
	if d == nil {
		return nil
	}
	return findLast(d.outTx, sipmsg.MethodNotify)
}

func (n *Notify) dropTx(tx *Transaction) bool {
	if n.inTx == tx {
		n.inTx = nil
		return true
	}
	return false
}

func (n *Notify) setExpiry(now time.Time, seconds int) {
	n.expiresAt = now.Add(time.Duration(seconds) * time.Second)
}

func (n *Notify) expired(now time.Time) bool {
	return !n.expiresAt.IsZero() && now.After(n.expiresAt) && !n.state.terminated()
}

// remaining секунды до истечения для Subscription-State.
func (n *Notify) remaining(now time.Time) int {
	if n.expiresAt.IsZero() {
		return 0
	}
	left := int(n.expiresAt.Sub(now) / time.Second)
	if left < 0 {
		return 0
	}
	return left
}

func (e *Engine) newSubscribe(event string, target sip.Uri, expires int) *Subscribe {
	s := &Subscribe{
		ID:        -1,
		Event:     event,
		Target:    target,
		Expires:   expires,
		Created:   e.now(),
		state:     newSubscriptionState(),
		authTried: map[string]bool{},
	}
	e.state.subscribes.add(s)
	return s
}

func (e *Engine) newNotify(event string) *Notify {
	n := &Notify{
		ID:      -1,
		Event:   event,
		Created: e.now(),
		state:   newSubscriptionState(),
	}
	e.state.notifies.add(n)
	return n
}

// freeSubscribe освобождает исходящую подписку. Повторный вызов ничего не делает.
func (e *Engine) freeSubscribe(s *Subscribe) {
	if s == nil || s.freed {
		return
	}
	s.freed = true
	for len(s.dialogs) > 0 {
		e.freeDialog(s.dialogs[0])
	}
	if s.outTx != nil {
		e.retire(s.outTx)
	}
	s.outTx = nil
	s.pendingAuth = nil
	e.state.subscribes.remove(s)
}

// freeNotify освобождает входящую подписку.
func (e *Engine) freeNotify(n *Notify) {
	if n == nil || n.freed {
		return
	}
	n.freed = true
	for len(n.dialogs) > 0 {
		e.freeDialog(n.dialogs[0])
	}
	if n.inTx != nil {
		e.retire(n.inTx)
	}
	n.inTx = nil
	e.state.notifies.remove(n)
}

// findSubscribeDialog ищет исходящую подписку для входящего NOTIFY.
// Если диалога еще нет, подписка ищется по начальному SUBSCRIBE.
func (e *Engine) findSubscribeDialog(req *sip.Request) (*Subscribe, *Dialog) {
	callID := sipmsg.CallID(req)
	local, remote := sipmsg.ToTag(req), sipmsg.FromTag(req)
	var (
		sub    *Subscribe
		dialog *Dialog
	)
	e.state.subscribes.find(func(s *Subscribe) bool {
		if d := s.matchDialog(callID, local, remote); d != nil {
			sub, dialog = s, d
			return true
		}
		return false
	})
	if sub != nil {
		return sub, dialog
	}
	e.state.subscribes.find(func(s *Subscribe) bool {
		if s.callID == callID && s.localTag == local {
			sub = s
			return true
		}
		return false
	})
	return sub, nil
}

// findNotifyDialog ищет входящую подписку для запроса внутри ее диалога.
func (e *Engine) findNotifyDialog(req *sip.Request) (*Notify, *Dialog) {
	callID := sipmsg.CallID(req)
	local, remote := sipmsg.ToTag(req), sipmsg.FromTag(req)
	var (
		notify *Notify
		dialog *Dialog
	)
	e.state.notifies.find(func(n *Notify) bool {
		if d := n.matchDialog(callID, local, remote); d != nil {
			notify, dialog = n, d
			return true
		}
		return false
	})
	return notify, dialog
}
