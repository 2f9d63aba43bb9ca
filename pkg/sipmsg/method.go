// Package sipmsg содержит построители SIP запросов и ответов, классификацию
// методов и разбор вспомогательных заголовков.
package sipmsg

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Method метод SIP запроса, классифицированный один раз на входе.
type Method int

const (
	MethodUnknown Method = iota
	MethodInvite
	MethodAck
	MethodBye
	MethodCancel
	MethodRegister
	MethodOptions
	MethodInfo
	MethodRefer
	MethodSubscribe
	MethodNotify
	MethodMessage
	MethodPublish
	MethodUpdate
	MethodPrack
)

var methodNames = [...]string{
	MethodUnknown:   "UNKNOWN",
	MethodInvite:    "INVITE",
	MethodAck:       "ACK",
	MethodBye:       "BYE",
	MethodCancel:    "CANCEL",
	MethodRegister:  "REGISTER",
	MethodOptions:   "OPTIONS",
	MethodInfo:      "INFO",
	MethodRefer:     "REFER",
	MethodSubscribe: "SUBSCRIBE",
	MethodNotify:    "NOTIFY",
	MethodMessage:   "MESSAGE",
	MethodPublish:   "PUBLISH",
	MethodUpdate:    "UPDATE",
	MethodPrack:     "PRACK",
}

func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return methodNames[MethodUnknown]
	}
	return methodNames[m]
}

// SIP возвращает метод в представлении sipgo.
func (m Method) SIP() sip.RequestMethod {
	return sip.RequestMethod(m.String())
}

// ParseMethod классифицирует имя метода без учета регистра.
func ParseMethod(name string) Method {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range methodNames {
		if i != int(MethodUnknown) && n == name {
			return Method(i)
		}
	}
	return MethodUnknown
}

// MethodOf возвращает метод запроса.
func MethodOf(req *sip.Request) Method {
	if req == nil {
		return MethodUnknown
	}
	return ParseMethod(req.Method.String())
}

// MethodOfResponse возвращает метод, на который отвечает ответ (по CSeq).
func MethodOfResponse(res *sip.Response) Method {
	if res == nil {
		return MethodUnknown
	}
	cseq := res.CSeq()
	if cseq == nil {
		return MethodUnknown
	}
	return ParseMethod(cseq.MethodName.String())
}

// Class класс ответа. ClassNone используется для запросов.
type Class int

const (
	ClassNone Class = iota
	Class1xx
	Class2xx
	Class3xx
	Class4xx
	Class5xx
	Class6xx
)

func (c Class) String() string {
	switch c {
	case Class1xx:
		return "1xx"
	case Class2xx:
		return "2xx"
	case Class3xx:
		return "3xx"
	case Class4xx:
		return "4xx"
	case Class5xx:
		return "5xx"
	case Class6xx:
		return "6xx"
	}
	return "request"
}

// ClassOf возвращает класс кода ответа.
func ClassOf(code int) Class {
	switch {
	case code >= 100 && code < 200:
		return Class1xx
	case code >= 200 && code < 300:
		return Class2xx
	case code >= 300 && code < 400:
		return Class3xx
	case code >= 400 && code < 500:
		return Class4xx
	case code >= 500 && code < 600:
		return Class5xx
	case code >= 600 && code < 700:
		return Class6xx
	}
	return ClassNone
}

// Allowed методы, которые движок принимает внутри установленного диалога.
var Allowed = []Method{
	MethodInvite, MethodAck, MethodBye, MethodCancel, MethodOptions,
	MethodInfo, MethodRefer, MethodSubscribe, MethodNotify, MethodMessage,
	MethodUpdate,
}

// AllowHeader значение заголовка Allow.
func AllowHeader() string {
	names := make([]string, 0, len(Allowed))
	for _, m := range Allowed {
		names = append(names, m.String())
	}
	return strings.Join(names, ", ")
}
