package ua

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

const (
	minRegistrationPeriod = 200
	maxRegistrationPeriod = 3600

	// Пороги автоматического обновления регистрации.
	regRefreshCeiling = 300 * time.Second
	regRefreshMargin  = 60 * time.Second
	regRetryAfter     = 120 * time.Second
)

// clampPeriod ограничивает период регистрации диапазоном [200, 3600].
func clampPeriod(period int) int {
	switch {
	case period < minRegistrationPeriod:
		return minRegistrationPeriod
	case period > maxRegistrationPeriod:
		return maxRegistrationPeriod
	}
	return period
}

// Registration регистрация у регистратора. Не связана с диалогом.
type Registration struct {
	ID        int
	Period    int
	AOR       sip.Uri
	Registrar sip.Uri
	Route     []sip.Uri
	Contact   sip.Uri

	callID  string
	fromTag string
	cseq    uint32

	last     *Transaction
	lastSent time.Time
	// ok последняя попытка получила 2xx.
	ok bool
	// Registered регистрация подтверждена и не снята.
	Registered bool
	removing   bool

	authTried   map[string]bool
	pendingAuth *sip.Request
}

func (r *Registration) ident() *int { return &r.ID }

// inFlight последняя транзакция еще ждет финального ответа.
func (r *Registration) inFlight() bool {
	return r.last.awaiting()
}

// needsRefresh решает, пора ли отправить REGISTER повторно.
func (r *Registration) needsRefresh(now time.Time) bool {
	if r.lastSent.IsZero() || r.removing || r.inFlight() {
		return false
	}
	age := now.Sub(r.lastSent)
	period := time.Duration(r.Period) * time.Second
	return age > regRefreshCeiling || age > period-regRefreshMargin || (age > regRetryAfter && !r.ok)
}

func (e *Engine) findRegistration(aor, registrar sip.Uri) *Registration {
	r, _ := e.state.registrations.find(func(r *Registration) bool {
		return r.AOR.String() == aor.String() && r.Registrar.String() == registrar.String()
	})
	return r
}

func (e *Engine) freeRegistration(r *Registration) {
	if r.last != nil {
		e.retire(r.last)
	}
	if e.state.registrations.remove(r) && r.Registered {
		e.metrics.registrations.Dec()
	}
}
