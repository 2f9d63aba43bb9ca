package sipmsg

import (
	"bytes"
	"strconv"
	"strings"
)

// ParseSipfragStatus извлекает код и причину из тела message/sipfrag.
// Формат первой строки: "SIP/2.0 200 OK". Возвращает 0, если определить не удалось.
func ParseSipfragStatus(body []byte) (int, string) {
	if len(body) == 0 {
		return 0, ""
	}
	firstLine, _, _ := bytes.Cut(body, []byte("\n"))
	parts := strings.Fields(string(firstLine))
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "SIP/") {
		return 0, ""
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, ""
	}
	return code, strings.Join(parts[2:], " ")
}

// Sipfrag формирует тело message/sipfrag для NOTIFY о ходе REFER.
func Sipfrag(code int, reason string) []byte {
	if reason == "" {
		reason = ReasonPhrase(code)
	}
	return []byte("SIP/2.0 " + strconv.Itoa(code) + " " + reason + "\r\n")
}
