package ua

import (
	"time"
)

// CallInfo снимок вызова.
type CallInfo struct {
	ID         int
	Subject    string
	AppData    any
	Created    time.Time
	Dialogs    []int
	LocalPort  int
	RemoteAddr string
	RemotePort int
	LocalHold  bool
	RemoteHold bool
}

// DialogInfo снимок диалога.
type DialogInfo struct {
	ID           int
	UAC          bool
	State        DialogState
	Closed       bool
	CallID       string
	LocalTag     string
	RemoteTag    string
	RemoteTarget string
	RouteSet     []string
	LocalCSeq    uint32
	RemoteCSeq   uint32
}

// SubscribeInfo снимок исходящей подписки.
type SubscribeInfo struct {
	ID      int
	Event   string
	Target  string
	State   SubState
	Expires int
	Dialogs []int
}

// NotifyInfo снимок входящей подписки.
type NotifyInfo struct {
	ID        int
	Event     string
	State     SubState
	Remaining int
	Dialogs   []int
}

// RegistrationInfo снимок регистрации.
type RegistrationInfo struct {
	ID         int
	AOR        string
	Registrar  string
	Contact    string
	Period     int
	Registered bool
}

// PublicationInfo снимок публикации.
type PublicationInfo struct {
	ID      int
	AOR     string
	Event   string
	Expires int
	ETag    string
}

func dialogIDs(list []*Dialog) []int {
	out := make([]int, 0, len(list))
	for _, d := range list {
		out = append(out, d.ID)
	}
	return out
}

// FindCall возвращает снимок вызова. После освобождения вызова ok = false.
func (e *Engine) FindCall(cid int) (CallInfo, bool) {
	if e.enter("FindCall") != nil {
		return CallInfo{}, false
	}
	defer e.leave()
	c, ok := e.callByID(cid)
	if !ok {
		return CallInfo{}, false
	}
	info := CallInfo{
		ID:        c.ID,
		Subject:   c.Subject,
		AppData:   c.AppData,
		Created:   c.Created,
		Dialogs:   dialogIDs(c.dialogs),
		LocalPort: c.LocalPort,
	}
	if c.sdp != nil {
		ev := &Event{}
		e.fillMedia(ev, c)
		info.RemoteAddr, info.RemotePort = ev.RemoteAddr, ev.RemotePort
		info.LocalHold, info.RemoteHold = c.sdp.LocalHold, c.sdp.RemoteHold
	}
	return info, true
}

// FindDialog возвращает снимок диалога вызова или подписки.
func (e *Engine) FindDialog(did int) (DialogInfo, bool) {
	if e.enter("FindDialog") != nil {
		return DialogInfo{}, false
	}
	defer e.leave()
	d, ok := e.state.dialogs.get(did)
	if !ok {
		return DialogInfo{}, false
	}
	info := DialogInfo{
		ID:     d.ID,
		UAC:    d.UAC,
		State:  d.State(),
		Closed: d.Closed(),
	}
	if h := d.handle; h != nil {
		info.CallID = h.CallID
		info.LocalTag = h.LocalTag
		info.RemoteTag = h.RemoteTag
		info.RemoteTarget = h.RemoteTarget.String()
		info.LocalCSeq, info.RemoteCSeq = h.LocalCSeq, h.RemoteCSeq
		for _, r := range h.RouteSet {
			info.RouteSet = append(info.RouteSet, r.String())
		}
	}
	return info, true
}

// FindSubscribe возвращает снимок исходящей подписки.
func (e *Engine) FindSubscribe(sid int) (SubscribeInfo, bool) {
	if e.enter("FindSubscribe") != nil {
		return SubscribeInfo{}, false
	}
	defer e.leave()
	s, ok := e.state.subscribes.get(sid)
	if !ok {
		return SubscribeInfo{}, false
	}
	return SubscribeInfo{
		ID:      s.ID,
		Event:   s.Event,
		Target:  s.Target.String(),
		State:   s.State(),
		Expires: s.granted,
		Dialogs: dialogIDs(s.dialogs),
	}, true
}

// FindNotify возвращает снимок входящей подписки.
func (e *Engine) FindNotify(nid int) (NotifyInfo, bool) {
	if e.enter("FindNotify") != nil {
		return NotifyInfo{}, false
	}
	defer e.leave()
	n, ok := e.state.notifies.get(nid)
	if !ok {
		return NotifyInfo{}, false
	}
	return NotifyInfo{
		ID:        n.ID,
		Event:     n.Event,
		State:     n.State(),
		Remaining: n.remaining(e.now()),
		Dialogs:   dialogIDs(n.dialogs),
	}, true
}

// FindRegistration возвращает снимок регистрации.
func (e *Engine) FindRegistration(rid int) (RegistrationInfo, bool) {
	if e.enter("FindRegistration") != nil {
		return RegistrationInfo{}, false
	}
	defer e.leave()
	r, ok := e.state.registrations.get(rid)
	if !ok {
		return RegistrationInfo{}, false
	}
	return RegistrationInfo{
		ID:         r.ID,
		AOR:        r.AOR.String(),
		Registrar:  r.Registrar.String(),
		Contact:    r.Contact.String(),
		Period:     r.Period,
		Registered: r.Registered,
	}, true
}

// FindPublication возвращает снимок публикации.
func (e *Engine) FindPublication(pid int) (PublicationInfo, bool) {
	if e.enter("FindPublication") != nil {
		return PublicationInfo{}, false
	}
	defer e.leave()
	p, ok := e.state.publications.get(pid)
	if !ok {
		return PublicationInfo{}, false
	}
	return PublicationInfo{
		ID:      p.ID,
		AOR:     p.AOR.String(),
		Event:   p.Event,
		Expires: p.Expires,
		ETag:    p.ETag,
	}, true
}
