package sipmsg

import (
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// NewCallID генерирует Call-ID вида <uuid>@<host>.
func NewCallID(host string) string {
	id := uuid.NewString()
	if host == "" {
		return id
	}
	return id + "@" + host
}

// NewTag генерирует значение параметра tag для From/To.
func NewTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewBranch генерирует branch с magic cookie RFC 3261.
func NewBranch() string {
	return sip.GenerateBranch()
}
