package sipmsg

import (
	"strconv"

	"github.com/emiago/sipgo/sip"
)

var reasonPhrases = map[int]string{
	100: "Trying",
	180: "Ringing",
	181: "Call Is Being Forwarded",
	182: "Queued",
	183: "Session Progress",
	200: "OK",
	202: "Accepted",
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Moved Temporarily",
	305: "Use Proxy",
	380: "Alternative Service",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	410: "Gone",
	412: "Conditional Request Failed",
	415: "Unsupported Media Type",
	420: "Bad Extension",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	489: "Bad Event",
	491: "Request Pending",
	500: "Server Internal Error",
	501: "Not Implemented",
	503: "Service Unavailable",
	504: "Server Time-out",
	600: "Busy Everywhere",
	603: "Decline",
	604: "Does Not Exist Anywhere",
	606: "Not Acceptable",
}

// ReasonPhrase возвращает стандартную причину для кода ответа.
func ReasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	switch ClassOf(code) {
	case Class1xx:
		return "Session Progress"
	case Class2xx:
		return "OK"
	case Class3xx:
		return "Redirection"
	case Class4xx:
		return "Client Error"
	case Class5xx:
		return "Server Error"
	case Class6xx:
		return "Global Failure"
	}
	return "Unknown"
}

// ResponseParams параметры построения ответа.
type ResponseParams struct {
	Code   int
	Reason string
	// ToTag добавляется в To, если его там еще нет. Не используется для 100.
	ToTag       string
	Contact     *sip.Uri
	UserAgent   string
	ContentType string
	Body        []byte
	Headers     []sip.Header
}

// NewResponse строит ответ на запрос. Via, From, To, Call-ID и CSeq копируются
// из запроса, Record-Route копируется для ответов, создающих диалог.
func NewResponse(req *sip.Request, p ResponseParams) *sip.Response {
	reason := p.Reason
	if reason == "" {
		reason = ReasonPhrase(p.Code)
	}
	res := sip.NewResponseFromRequest(req, p.Code, reason, nil)

	// Тег запроса внутри диалога сохраняется, для нового диалога ставится наш.
	if p.Code > 100 && p.ToTag != "" && ToTag(req) == "" {
		if to := res.To(); to != nil {
			to.Params.Add("tag", p.ToTag)
		}
	}

	method := MethodOf(req)
	createsDialog := (method == MethodInvite || method == MethodSubscribe || method == MethodRefer) &&
		p.Code > 100 && p.Code < 300
	if createsDialog {
		if res.GetHeader("Record-Route") == nil {
			sip.CopyHeaders("Record-Route", req, res)
		}
	}
	if p.Contact != nil && (createsDialog || (p.Code >= 300 && p.Code < 400)) {
		res.RemoveHeader("Contact")
		res.AppendHeader(&sip.ContactHeader{Address: *p.Contact.Clone()})
	}
	if p.UserAgent != "" {
		res.AppendHeader(sip.NewHeader("Server", p.UserAgent))
	}
	if p.Code == 405 || p.Code == 501 {
		res.AppendHeader(sip.NewHeader("Allow", AllowHeader()))
	}
	for _, h := range p.Headers {
		res.AppendHeader(h)
	}
	if len(p.Body) > 0 {
		ct := sip.ContentTypeHeader(p.ContentType)
		res.AppendHeader(&ct)
		res.SetBody(p.Body)
	}
	return res
}

// SimpleResponse ответ без тела и дополнительных заголовков.
func SimpleResponse(req *sip.Request, code int, toTag string) *sip.Response {
	return NewResponse(req, ResponseParams{Code: code, ToTag: toTag})
}

// StatusLine возвращает "code reason" для журналов и событий.
func StatusLine(res *sip.Response) string {
	if res == nil {
		return ""
	}
	return strconv.Itoa(res.StatusCode) + " " + res.Reason
}
