package sipmsg

import (
	"strconv"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// MaxForwards значение Max-Forwards для исходящих запросов.
const MaxForwards = 70

// Via локальный адрес, помещаемый в Via исходящих запросов.
type Via struct {
	Transport string
	Host      string
	Port      int
}

// RequestParams параметры построения запроса.
type RequestParams struct {
	Method Method
	// Target Request-URI.
	Target sip.Uri

	From        sip.Uri
	FromDisplay string
	FromTag     string
	To          sip.Uri
	ToDisplay   string
	ToTag       string

	CallID string
	CSeq   uint32

	Contact *sip.Uri
	// Routes маршрут (route set диалога или предзагруженный outbound proxy).
	Routes []sip.Uri
	Via    Via

	UserAgent   string
	ContentType string
	Body        []byte
	// Expires значение заголовка Expires; отрицательное значение не добавляет заголовок.
	Expires int
	Event   string
	Subject string
	// Headers дополнительные заголовки.
	Headers []sip.Header
}

// NewRequest строит запрос с полной цепочкой заголовков:
// Via, Max-Forwards, Route, From, To, Call-ID, CSeq, Contact.
func NewRequest(p RequestParams) (*sip.Request, error) {
	if p.Method == MethodUnknown {
		return nil, ErrBadMethod
	}
	if p.CallID == "" {
		return nil, errors.Wrap(ErrMissingHeader, "Call-ID")
	}
	if p.Target.Host == "" {
		return nil, errors.Wrap(ErrMissingHeader, "Request-URI host")
	}

	req := sip.NewRequest(p.Method.SIP(), *p.Target.Clone())

	transport := p.Via.Transport
	if transport == "" {
		transport = "UDP"
	}
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       transport,
		Host:            p.Via.Host,
		Port:            p.Via.Port,
		Params:          sip.NewParams().Add("branch", NewBranch()),
	})

	maxFwd := sip.MaxForwardsHeader(MaxForwards)
	req.AppendHeader(&maxFwd)

	for _, r := range p.Routes {
		req.AppendHeader(&sip.RouteHeader{Address: *r.Clone()})
	}

	from := &sip.FromHeader{
		DisplayName: p.FromDisplay,
		Address:     *p.From.Clone(),
		Params:      sip.NewParams(),
	}
	if p.FromTag != "" {
		from.Params.Add("tag", p.FromTag)
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		DisplayName: p.ToDisplay,
		Address:     *p.To.Clone(),
		Params:      sip.NewParams(),
	}
	if p.ToTag != "" {
		to.Params.Add("tag", p.ToTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(p.CallID)
	req.AppendHeader(&callID)

	cseqMethod := p.Method
	req.AppendHeader(&sip.CSeqHeader{SeqNo: p.CSeq, MethodName: cseqMethod.SIP()})

	if p.Contact != nil {
		req.AppendHeader(&sip.ContactHeader{Address: *p.Contact.Clone()})
	}
	if p.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", p.UserAgent))
	}
	if p.Expires >= 0 {
		req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(p.Expires)))
	}
	if p.Event != "" {
		req.AppendHeader(sip.NewHeader("Event", p.Event))
	}
	if p.Subject != "" {
		req.AppendHeader(sip.NewHeader("Subject", p.Subject))
	}
	switch p.Method {
	case MethodInvite, MethodUpdate, MethodSubscribe, MethodRefer, MethodOptions:
		req.AppendHeader(sip.NewHeader("Allow", AllowHeader()))
	}
	for _, h := range p.Headers {
		req.AppendHeader(h)
	}

	if len(p.Body) > 0 {
		ct := sip.ContentTypeHeader(p.ContentType)
		req.AppendHeader(&ct)
		req.SetBody(p.Body)
	}
	return req, nil
}

// BuildInvite строит INVITE, опционально с SDP предложением.
func BuildInvite(p RequestParams, sdp []byte) (*sip.Request, error) {
	p.Method = MethodInvite
	p.Expires = -1
	if len(sdp) > 0 {
		p.ContentType = "application/sdp"
		p.Body = sdp
	}
	return NewRequest(p)
}

// BuildBye строит BYE внутри диалога.
func BuildBye(p RequestParams) (*sip.Request, error) {
	p.Method = MethodBye
	p.Expires = -1
	return NewRequest(p)
}

// BuildRefer строит REFER с заголовками Refer-To и Referred-By.
func BuildRefer(p RequestParams, referTo sip.Uri) (*sip.Request, error) {
	p.Method = MethodRefer
	p.Expires = -1
	p.Headers = append(p.Headers, sip.NewHeader("Refer-To", "<"+referTo.String()+">"))
	if p.Contact != nil {
		p.Headers = append(p.Headers, sip.NewHeader("Referred-By", "<"+p.Contact.String()+">"))
	}
	return NewRequest(p)
}

// BuildSubscribe строит SUBSCRIBE для пакета событий event.
func BuildSubscribe(p RequestParams, event string, expires int) (*sip.Request, error) {
	p.Method = MethodSubscribe
	p.Event = event
	p.Expires = expires
	return NewRequest(p)
}

// BuildNotify строит NOTIFY с заголовком Subscription-State.
func BuildNotify(p RequestParams, event string, state SubscriptionState) (*sip.Request, error) {
	p.Method = MethodNotify
	p.Event = event
	p.Expires = -1
	value := state.State
	if state.Expires >= 0 && state.State != "terminated" {
		value += ";expires=" + strconv.Itoa(state.Expires)
	}
	if state.Reason != "" {
		value += ";reason=" + state.Reason
	}
	p.Headers = append(p.Headers, sip.NewHeader("Subscription-State", value))
	return NewRequest(p)
}

// BuildRegister строит REGISTER. Request-URI это регистратор, From и To это AOR.
func BuildRegister(p RequestParams, expires int) (*sip.Request, error) {
	p.Method = MethodRegister
	p.Expires = expires
	p.To = p.From
	p.ToTag = ""
	return NewRequest(p)
}

// BuildPublish строит PUBLISH. Непустой etag добавляется как SIP-If-Match.
func BuildPublish(p RequestParams, event string, expires int, etag string) (*sip.Request, error) {
	p.Method = MethodPublish
	p.Event = event
	p.Expires = expires
	if etag != "" {
		p.Headers = append(p.Headers, sip.NewHeader("SIP-If-Match", etag))
	}
	return NewRequest(p)
}

// BuildMessage строит MESSAGE вне диалога.
func BuildMessage(p RequestParams, contentType string, body []byte) (*sip.Request, error) {
	p.Method = MethodMessage
	p.Expires = -1
	p.ContentType = contentType
	p.Body = body
	return NewRequest(p)
}

// BuildOptions строит OPTIONS.
func BuildOptions(p RequestParams) (*sip.Request, error) {
	p.Method = MethodOptions
	p.Expires = -1
	p.Headers = append(p.Headers, sip.NewHeader("Accept", "application/sdp"))
	return NewRequest(p)
}

// BuildInfo строит INFO внутри диалога.
func BuildInfo(p RequestParams, contentType string, body []byte) (*sip.Request, error) {
	p.Method = MethodInfo
	p.Expires = -1
	p.ContentType = contentType
	p.Body = body
	return NewRequest(p)
}

// BuildAck строит ACK на 2xx ответ. ACK это отдельная транзакция, поэтому
// получает новый branch; CSeq совпадает с номером INVITE.
func BuildAck(p RequestParams, sdp []byte) (*sip.Request, error) {
	p.Method = MethodAck
	p.Expires = -1
	if len(sdp) > 0 {
		p.ContentType = "application/sdp"
		p.Body = sdp
	}
	return NewRequest(p)
}

// BuildCancel строит CANCEL для клиентской INVITE транзакции.
// Request-URI, Call-ID, From, To, Route и верхний Via копируются из INVITE,
// чтобы сервер сопоставил CANCEL по branch.
func BuildCancel(invite *sip.Request) (*sip.Request, error) {
	if MethodOf(invite) != MethodInvite {
		return nil, ErrBadMethod
	}
	via := invite.Via()
	cseq := invite.CSeq()
	if via == nil || cseq == nil {
		return nil, errors.Wrap(ErrMissingHeader, "Via/CSeq")
	}

	req := sip.NewRequest(sip.CANCEL, *invite.Recipient.Clone())
	req.AppendHeader(via.Clone())
	maxFwd := sip.MaxForwardsHeader(MaxForwards)
	req.AppendHeader(&maxFwd)
	sip.CopyHeaders("Route", invite, req)
	if h := invite.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	req.SetTransport(invite.Transport())
	req.SetDestination(invite.Destination())
	return req, nil
}

// CloneRequest копирует запрос вместе с телом: Clone из sipgo тело не переносит.
func CloneRequest(req *sip.Request) *sip.Request {
	c := req.Clone()
	if body := req.Body(); len(body) > 0 {
		c.SetBody(append([]byte(nil), body...))
	}
	return c
}
