package ua

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

// Publication состояние публикации (RFC 3903).
type Publication struct {
	ID      int
	AOR     sip.Uri
	Event   string
	Expires int
	// ETag значение SIP-ETag последнего успешного ответа.
	ETag string

	callID  string
	fromTag string
	cseq    uint32

	last     *Transaction
	lastSent time.Time

	authTried   map[string]bool
	pendingAuth *sip.Request
}

func (p *Publication) ident() *int { return &p.ID }

func (e *Engine) findPublication(aor sip.Uri, event string) *Publication {
	p, _ := e.state.publications.find(func(p *Publication) bool {
		return p.AOR.String() == aor.String() && p.Event == event
	})
	return p
}

func (e *Engine) freePublication(p *Publication) {
	if p.last != nil {
		e.retire(p.last)
	}
	e.state.publications.remove(p)
}
