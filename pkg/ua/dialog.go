package ua

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

// DialogState состояние диалога.
type DialogState string

const (
	DialogEmpty         DialogState = "empty"
	DialogInitialized   DialogState = "initialized"
	DialogTrying        DialogState = "trying"
	DialogQueued        DialogState = "queued"
	DialogRinging       DialogState = "ringing"
	DialogEstablished   DialogState = "established"
	DialogRedirected    DialogState = "redirected"
	DialogAuthRequired  DialogState = "auth_required"
	DialogClientError   DialogState = "client_error"
	DialogServerError   DialogState = "server_error"
	DialogGlobalFailure DialogState = "global_failure"
	DialogTerminated    DialogState = "terminated"
)

var earlyStates = []string{
	string(DialogEmpty), string(DialogInitialized), string(DialogTrying),
	string(DialogQueued), string(DialogRinging),
}

var notTerminated = []string{
	string(DialogEmpty), string(DialogInitialized), string(DialogTrying),
	string(DialogQueued), string(DialogRinging), string(DialogEstablished),
	string(DialogRedirected), string(DialogAuthRequired), string(DialogClientError),
	string(DialogServerError), string(DialogGlobalFailure),
}

func newDialogFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(DialogEmpty),
		fsm.Events{
			{Name: "init", Src: []string{string(DialogEmpty)}, Dst: string(DialogInitialized)},
			{Name: "try", Src: []string{string(DialogEmpty), string(DialogInitialized)}, Dst: string(DialogTrying)},
			{Name: "queue", Src: earlyStates, Dst: string(DialogQueued)},
			{Name: "ring", Src: earlyStates, Dst: string(DialogRinging)},
			{Name: "establish", Src: earlyStates, Dst: string(DialogEstablished)},
			{Name: "redirect", Src: earlyStates, Dst: string(DialogRedirected)},
			{Name: "auth", Src: earlyStates, Dst: string(DialogAuthRequired)},
			{Name: "client_error", Src: earlyStates, Dst: string(DialogClientError)},
			{Name: "server_error", Src: earlyStates, Dst: string(DialogServerError)},
			{Name: "global_failure", Src: earlyStates, Dst: string(DialogGlobalFailure)},
			{Name: "terminate", Src: notTerminated, Dst: string(DialogTerminated)},
		},
		nil,
	)
}

// dialogHandle протокольная часть диалога (RFC 3261 §12).
type dialogHandle struct {
	CallID    string
	LocalTag  string
	RemoteTag string

	LocalURI      sip.Uri
	LocalDisplay  string
	RemoteURI     sip.Uri
	RemoteDisplay string
	RemoteTarget  sip.Uri
	RouteSet      []sip.Uri

	LocalCSeq  uint32
	RemoteCSeq uint32
}

// dialogOwner владелец диалога: *Call, *Subscribe или *Notify.
type dialogOwner interface {
	removeDialog(d *Dialog)
}

// Dialog диалог вызова или подписки.
type Dialog struct {
	ID int
	// UAC диалог создан на стороне инициатора.
	UAC     bool
	Created time.Time

	handle *dialogHandle
	fsm    *fsm.FSM

	// pending200 копия последнего 2xx (полученного или отправленного).
	pending200 *sip.Response
	// pendingAck подготовленный ACK на 2xx.
	pendingAck *sip.Request

	outTx []*Transaction
	inTx  []*Transaction

	owner dialogOwner
	freed bool
}

func (d *Dialog) ident() *int { return &d.ID }

// State текущее состояние.
func (d *Dialog) State() DialogState {
	return DialogState(d.fsm.Current())
}

// CallID Call-ID диалога или пустая строка после закрытия.
func (d *Dialog) CallID() string {
	if d.handle == nil {
		return ""
	}
	return d.handle.CallID
}

// LocalTag наш тег.
func (d *Dialog) LocalTag() string {
	if d.handle == nil {
		return ""
	}
	return d.handle.LocalTag
}

// RemoteTag тег удаленной стороны.
func (d *Dialog) RemoteTag() string {
	if d.handle == nil {
		return ""
	}
	return d.handle.RemoteTag
}

// RemoteTarget адрес из Contact удаленной стороны.
func (d *Dialog) RemoteTarget() sip.Uri {
	if d.handle == nil {
		return sip.Uri{}
	}
	return d.handle.RemoteTarget
}

// RouteSet маршрут диалога.
func (d *Dialog) RouteSet() []sip.Uri {
	if d.handle == nil {
		return nil
	}
	return d.handle.RouteSet
}

// Closed протокольная часть освобождена (после BYE).
func (d *Dialog) Closed() bool {
	return d.handle == nil
}

// fire выполняет переход; недопустимый переход (например, 180 после 4xx)
// игнорируется.
func (d *Dialog) fire(event string) bool {
	return d.fsm.Event(context.Background(), event) == nil
}

// applyStatus переводит диалог по коду ответа на инициирующий запрос.
func (d *Dialog) applyStatus(code int) {
	switch {
	case code == 100:
		d.fire("try")
	case code == 182:
		d.fire("queue")
	case code < 200:
		d.fire("ring")
	case code < 300:
		d.fire("establish")
	case code < 400:
		d.fire("redirect")
	case code == 401 || code == 407:
		d.fire("auth")
	case code < 500:
		d.fire("client_error")
	case code < 600:
		d.fire("server_error")
	default:
		d.fire("global_failure")
	}
}

func (d *Dialog) matches(callID, localTag, remoteTag string) bool {
	h := d.handle
	return h != nil && h.CallID == callID && h.LocalTag == localTag && h.RemoteTag == remoteTag
}

// matchesLocal совпадение без удаленного тега.
func (d *Dialog) matchesLocal(callID, localTag string) bool {
	h := d.handle
	return h != nil && h.CallID == callID && h.LocalTag == localTag
}

// newUACHandle строит протокольную часть из ответа на наш запрос.
func newUACHandle(req *sip.Request, res *sip.Response) (*dialogHandle, error) {
	if res.Via() == nil || res.CSeq() == nil {
		return nil, errors.Wrap(sipmsg.ErrMissingHeader, "Via/CSeq in response")
	}
	from, to := res.From(), res.To()
	if from == nil || to == nil {
		return nil, errors.Wrap(sipmsg.ErrMissingHeader, "From/To in response")
	}
	remoteTag := sipmsg.ToTag(res)
	if remoteTag == "" {
		return nil, errors.Wrap(sipmsg.ErrMissingHeader, "To tag")
	}
	h := &dialogHandle{
		CallID:        sipmsg.CallID(res),
		LocalTag:      sipmsg.FromTag(res),
		RemoteTag:     remoteTag,
		LocalURI:      from.Address,
		LocalDisplay:  from.DisplayName,
		RemoteURI:     to.Address,
		RemoteDisplay: to.DisplayName,
		RouteSet:      sipmsg.RouteSetUAC(res),
		LocalCSeq:     sipmsg.CSeqNo(req),
	}
	if contact, ok := sipmsg.ContactURI(res); ok {
		h.RemoteTarget = contact
	} else {
		h.RemoteTarget = *req.Recipient.Clone()
	}
	return h, nil
}

// newUACHandleFromRequest строит диалог подписки из NOTIFY, пришедшего
// раньше ответа на SUBSCRIBE.
func newUACHandleFromRequest(sub *sip.Request, req *sip.Request) (*dialogHandle, error) {
	if req.Via() == nil || req.CSeq() == nil {
		return nil, errors.Wrap(sipmsg.ErrMissingHeader, "Via/CSeq in request")
	}
	from, to := req.From(), req.To()
	if from == nil || to == nil {
		return nil, errors.Wrap(sipmsg.ErrMissingHeader, "From/To in request")
	}
	h := &dialogHandle{
		CallID:        sipmsg.CallID(req),
		LocalTag:      sipmsg.ToTag(req),
		RemoteTag:     sipmsg.FromTag(req),
		LocalURI:      to.Address,
		LocalDisplay:  to.DisplayName,
		RemoteURI:     from.Address,
		RemoteDisplay: from.DisplayName,
		RouteSet:      sipmsg.RouteSetUAS(req),
		LocalCSeq:     sipmsg.CSeqNo(sub),
		RemoteCSeq:    sipmsg.CSeqNo(req),
	}
	if contact, ok := sipmsg.ContactURI(req); ok {
		h.RemoteTarget = contact
	} else {
		h.RemoteTarget = from.Address
	}
	return h, nil
}

// newUASHandle строит протокольную часть из принятого запроса и нашего ответа.
func newUASHandle(req *sip.Request, res *sip.Response) (*dialogHandle, error) {
	if req.Via() == nil || req.CSeq() == nil {
		return nil, errors.Wrap(sipmsg.ErrMissingHeader, "Via/CSeq in request")
	}
	from, to := req.From(), req.To()
	if from == nil || to == nil {
		return nil, errors.Wrap(sipmsg.ErrMissingHeader, "From/To in request")
	}
	localTag := sipmsg.ToTag(res)
	if localTag == "" {
		return nil, errors.Wrap(sipmsg.ErrMissingHeader, "To tag in response")
	}
	h := &dialogHandle{
		CallID:        sipmsg.CallID(req),
		LocalTag:      localTag,
		RemoteTag:     sipmsg.FromTag(req),
		LocalURI:      to.Address,
		LocalDisplay:  to.DisplayName,
		RemoteURI:     from.Address,
		RemoteDisplay: from.DisplayName,
		RouteSet:      sipmsg.RouteSetUAS(req),
		RemoteCSeq:    sipmsg.CSeqNo(req),
	}
	if contact, ok := sipmsg.ContactURI(req); ok {
		h.RemoteTarget = contact
	} else {
		h.RemoteTarget = from.Address
	}
	return h, nil
}

func newDialog(h *dialogHandle, uac bool) *Dialog {
	return &Dialog{
		ID:      -1,
		UAC:     uac,
		Created: time.Now(),
		handle:  h,
		fsm:     newDialogFSM(),
	}
}

// initAsUAC создает диалог по ответу >100 на наш запрос.
func initAsUAC(req *sip.Request, res *sip.Response) (*Dialog, error) {
	if res.StatusCode <= 100 {
		return nil, errors.Errorf("response %d does not create a dialog", res.StatusCode)
	}
	h, err := newUACHandle(req, res)
	if err != nil {
		return nil, err
	}
	d := newDialog(h, true)
	d.applyStatus(res.StatusCode)
	return d, nil
}

// initAsUAS создает диалог по входящему запросу и нашему ответу >100.
func initAsUAS(req *sip.Request, res *sip.Response) (*Dialog, error) {
	if res.StatusCode <= 100 {
		return nil, errors.Errorf("response %d does not create a dialog", res.StatusCode)
	}
	h, err := newUASHandle(req, res)
	if err != nil {
		return nil, err
	}
	d := newDialog(h, false)
	d.fire("init")
	d.applyStatus(res.StatusCode)
	return d, nil
}

// setFinalAnswer сохраняет копию финального ответа и для 2xx
// переводит диалог в Established.
func (d *Dialog) setFinalAnswer(res *sip.Response) {
	if res.StatusCode < 200 {
		return
	}
	if res.StatusCode < 300 {
		d.pending200 = res
		d.fire("establish")
	}
}

// rebuild заменяет протокольную часть по 2xx с другим удаленным тегом.
func (d *Dialog) rebuild(req *sip.Request, res *sip.Response) error {
	h, err := newUACHandle(req, res)
	if err != nil {
		return err
	}
	if d.handle != nil && d.handle.LocalCSeq > h.LocalCSeq {
		h.LocalCSeq = d.handle.LocalCSeq
	}
	d.handle = h
	return nil
}

// updateTarget обновляет remote target и route set по ответу на re-INVITE
// или повторному 2xx.
func (d *Dialog) updateTarget(msg sip.Message) {
	if d.handle == nil {
		return
	}
	if contact, ok := sipmsg.ContactURI(msg); ok {
		d.handle.RemoteTarget = contact
	}
}

// acceptRemoteCSeq проверяет и запоминает CSeq входящего запроса.
// Запрос с номером меньше или равным последнему отклоняется.
func (d *Dialog) acceptRemoteCSeq(req *sip.Request) bool {
	if d.handle == nil {
		return false
	}
	n := sipmsg.CSeqNo(req)
	if d.handle.RemoteCSeq != 0 && n <= d.handle.RemoteCSeq {
		return false
	}
	d.handle.RemoteCSeq = n
	return true
}

// requestParams параметры нового запроса внутри диалога. CSeq увеличивается.
func (d *Dialog) requestParams(method sipmsg.Method) (sipmsg.RequestParams, error) {
	h := d.handle
	if h == nil {
		return sipmsg.RequestParams{}, errors.New("dialog is closed")
	}
	if method != sipmsg.MethodAck && method != sipmsg.MethodCancel {
		h.LocalCSeq++
	}
	return sipmsg.RequestParams{
		Method:      method,
		Target:      h.RemoteTarget,
		From:        h.LocalURI,
		FromDisplay: h.LocalDisplay,
		FromTag:     h.LocalTag,
		To:          h.RemoteURI,
		ToDisplay:   h.RemoteDisplay,
		ToTag:       h.RemoteTag,
		CallID:      h.CallID,
		CSeq:        h.LocalCSeq,
		Routes:      h.RouteSet,
		Expires:     -1,
	}, nil
}

// syncLocalCSeq учитывает CSeq запроса, повторенного с учетными данными.
func (d *Dialog) syncLocalCSeq(n uint32) {
	if d.handle != nil && n > d.handle.LocalCSeq {
		d.handle.LocalCSeq = n
	}
}

func (d *Dialog) addOut(tx *Transaction) { d.outTx = append(d.outTx, tx) }
func (d *Dialog) addIn(tx *Transaction)  { d.inTx = append(d.inTx, tx) }

// pendingOut возвращает исходящую транзакцию метода, ждущую финального ответа.
func (d *Dialog) pendingOut(method sipmsg.Method) *Transaction {
	if tx := findLast(d.outTx, method); tx.awaiting() {
		return tx
	}
	return nil
}

func (d *Dialog) dropTx(tx *Transaction) bool {
	var ok bool
	if d.outTx, ok = removeTx(d.outTx, tx); ok {
		return true
	}
	d.inTx, ok = removeTx(d.inTx, tx)
	return ok
}
