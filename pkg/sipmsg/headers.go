package sipmsg

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// FromTag извлекает тег из заголовка From.
// Возвращает пустую строку, если тег отсутствует.
func FromTag(msg sip.Message) string {
	if from := msg.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			return tag
		}
	}
	return ""
}

// ToTag извлекает тег из заголовка To.
func ToTag(msg sip.Message) string {
	if to := msg.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			return tag
		}
	}
	return ""
}

// Branch возвращает branch верхнего Via.
func Branch(msg sip.Message) string {
	if via := msg.Via(); via != nil {
		if branch, ok := via.Params.Get("branch"); ok {
			return branch
		}
	}
	return ""
}

// CallID возвращает значение Call-ID или пустую строку.
func CallID(msg sip.Message) string {
	if cid := msg.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

// CSeqNo возвращает номер CSeq или 0.
func CSeqNo(msg sip.Message) uint32 {
	if cseq := msg.CSeq(); cseq != nil {
		return cseq.SeqNo
	}
	return 0
}

// HeaderValue возвращает значение первого заголовка с именем name.
func HeaderValue(msg sip.Message, name string) string {
	if hs := msg.GetHeaders(name); len(hs) > 0 {
		return strings.TrimSpace(hs[0].Value())
	}
	return ""
}

// ParseAddress разбирает значение адресного заголовка вида
// `"Name" <sip:user@host>;param=value`.
func ParseAddress(value string) (sip.Uri, sip.HeaderParams, error) {
	var uri sip.Uri
	params := sip.NewParams()

	value = strings.TrimSpace(value)
	rest := ""
	if start := strings.IndexByte(value, '<'); start >= 0 {
		end := strings.IndexByte(value[start:], '>')
		if end < 0 {
			return uri, params, ErrMalformedAddress
		}
		rest = value[start+end+1:]
		value = value[start+1 : start+end]
	} else if semi := strings.IndexByte(value, ';'); semi >= 0 {
		rest = value[semi:]
		value = value[:semi]
	}

	if err := sip.ParseUri(value, &uri); err != nil {
		return uri, params, err
	}

	for _, p := range strings.Split(rest, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, v, _ := strings.Cut(p, "=")
		params.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return uri, params, nil
}

// splitAddressList делит значение заголовка по запятым вне угловых скобок и кавычек.
func splitAddressList(value string) []string {
	var (
		out    []string
		depth  int
		quoted bool
		start  int
	)
	for i, ch := range value {
		switch ch {
		case '"':
			quoted = !quoted
		case '<':
			if !quoted {
				depth++
			}
		case '>':
			if !quoted && depth > 0 {
				depth--
			}
		case ',':
			if !quoted && depth == 0 {
				out = append(out, strings.TrimSpace(value[start:i]))
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(value[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

// RecordRoutes возвращает URI из всех Record-Route в порядке появления.
func RecordRoutes(msg sip.Message) []sip.Uri {
	var routes []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		for _, v := range splitAddressList(h.Value()) {
			uri, _, err := ParseAddress(v)
			if err != nil {
				continue
			}
			routes = append(routes, uri)
		}
	}
	return routes
}

// RouteSetUAC маршрут диалога со стороны UAC: Record-Route ответа в обратном порядке.
func RouteSetUAC(res *sip.Response) []sip.Uri {
	rr := RecordRoutes(res)
	for i, j := 0, len(rr)-1; i < j; i, j = i+1, j-1 {
		rr[i], rr[j] = rr[j], rr[i]
	}
	return rr
}

// RouteSetUAS маршрут диалога со стороны UAS: Record-Route запроса как есть.
func RouteSetUAS(req *sip.Request) []sip.Uri {
	return RecordRoutes(req)
}

// ContactURI возвращает адрес из Contact, если он есть.
func ContactURI(msg sip.Message) (sip.Uri, bool) {
	for _, h := range msg.GetHeaders("Contact") {
		if c, ok := h.(*sip.ContactHeader); ok {
			return c.Address, true
		}
	}
	return sip.Uri{}, false
}

// Expires возвращает значение Expires или def, если заголовка нет.
func Expires(msg sip.Message, def int) int {
	v := HeaderValue(msg, "Expires")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// SubscriptionState разобранный заголовок Subscription-State.
type SubscriptionState struct {
	State   string
	Expires int
	Reason  string
}

// ParseSubscriptionState разбирает `active;expires=600` и подобные значения.
func ParseSubscriptionState(value string) SubscriptionState {
	st := SubscriptionState{Expires: -1}
	parts := strings.Split(value, ";")
	st.State = strings.ToLower(strings.TrimSpace(parts[0]))
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		switch strings.ToLower(k) {
		case "expires":
			if n, err := strconv.Atoi(v); err == nil {
				st.Expires = n
			}
		case "reason":
			st.Reason = v
		}
	}
	return st
}

// EventPackage возвращает имя пакета событий без параметров.
func EventPackage(msg sip.Message) string {
	v := HeaderValue(msg, "Event")
	if v == "" {
		v = HeaderValue(msg, "o")
	}
	name, _, _ := strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(name))
}

// ContentType возвращает Content-Type без параметров.
func ContentType(msg sip.Message) string {
	v := HeaderValue(msg, "Content-Type")
	name, _, _ := strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(name))
}

// HasSDP сообщает, несет ли сообщение тело application/sdp.
func HasSDP(msg sip.Message) bool {
	return len(msg.Body()) > 0 && ContentType(msg) == "application/sdp"
}

// StripAuthorization удаляет все заголовки Authorization и Proxy-Authorization.
func StripAuthorization(req *sip.Request) {
	for req.GetHeader("Authorization") != nil {
		req.RemoveHeader("Authorization")
	}
	for req.GetHeader("Proxy-Authorization") != nil {
		req.RemoveHeader("Proxy-Authorization")
	}
}

// BumpCSeq увеличивает номер CSeq запроса и возвращает новое значение.
// Верхний Via получает новый branch, так как это новая транзакция.
func BumpCSeq(req *sip.Request) uint32 {
	cseq := req.CSeq()
	if cseq == nil {
		return 0
	}
	cseq.SeqNo++
	if via := req.Via(); via != nil {
		via.Params.Add("branch", NewBranch())
	}
	return cseq.SeqNo
}
