package ua

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

// RegisterParams параметры регистрации. Пустые поля берутся из Config.
type RegisterParams struct {
	AOR       string
	Registrar string
	Contact   string
	Route     string
	// Period запрошенный срок в секундах, ограничивается диапазоном [200, 3600].
	Period int
}

// Register отправляет REGISTER. Повторный вызов для той же пары AOR и
// регистратора обновляет существующую регистрацию; если последний ответ
// был вызовом авторизации, уходит подготовленный запрос с учетными данными.
func (e *Engine) Register(p RegisterParams) (int, error) {
	const op = "Register"
	aor := e.cfg.From
	if p.AOR != "" {
		u, _, err := sipmsg.ParseAddress(p.AOR)
		if err != nil {
			return 0, wrapError(ErrorCodeMalformed, op, 0, err)
		}
		aor = u
	}
	registrar := sip.Uri{Scheme: "sip", Host: aor.Host, Port: aor.Port}
	if p.Registrar != "" {
		u, _, err := sipmsg.ParseAddress(p.Registrar)
		if err != nil {
			return 0, wrapError(ErrorCodeMalformed, op, 0, err)
		}
		registrar = u
	}
	contact := e.cfg.Contact
	if p.Contact != "" {
		u, _, err := sipmsg.ParseAddress(p.Contact)
		if err != nil {
			return 0, wrapError(ErrorCodeMalformed, op, 0, err)
		}
		contact = u
	}
	routes, err := parseRoute(p.Route)
	if err != nil {
		return 0, wrapError(ErrorCodeMalformed, op, 0, err)
	}
	if routes == nil {
		routes = e.cfg.Routes
	}
	period := p.Period
	if period <= 0 {
		period = maxRegistrationPeriod
	}

	if err := e.enter(op); err != nil {
		return 0, err
	}
	defer e.leave()

	if r := e.findRegistration(aor, registrar); r != nil {
		r.Period = clampPeriod(period)
		r.Contact = contact
		r.Route = routes
		r.removing = false
		if err := e.refreshRegistration(op, r); err != nil {
			return 0, err
		}
		return r.ID, nil
	}

	r := &Registration{
		ID:        -1,
		Period:    clampPeriod(period),
		AOR:       aor,
		Registrar: registrar,
		Route:     routes,
		Contact:   contact,
		callID:    sipmsg.NewCallID(e.cfg.Via.Host),
		fromTag:   sipmsg.NewTag(),
		authTried: map[string]bool{},
	}
	e.state.registrations.add(r)
	if _, err := e.sendRegister(r, r.Period); err != nil {
		e.state.registrations.remove(r)
		return 0, err
	}
	e.state.assignIDs()
	e.log.Info("registration sent", "rid", r.ID, "aor", aor.String(), "period", r.Period)
	return r.ID, nil
}

// RefreshRegistration немедленно обновляет регистрацию rid.
func (e *Engine) RefreshRegistration(rid int) error {
	const op = "RefreshRegistration"
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()

	r, ok := e.state.registrations.get(rid)
	if !ok {
		return newError(ErrorCodeNotFound, op, rid)
	}
	r.removing = false
	return e.refreshRegistration(op, r)
}

func (e *Engine) refreshRegistration(op string, r *Registration) error {
	if r.inFlight() {
		return newError(ErrorCodeTransactionPending, op, r.ID)
	}
	var err error
	if r.pendingAuth != nil {
		_, err = e.submitRegister(r, r.pendingAuth)
	} else {
		_, err = e.sendRegister(r, r.Period)
	}
	return err
}

// Unregister снимает регистрацию: REGISTER с Expires: 0.
func (e *Engine) Unregister(rid int) error {
	const op = "Unregister"
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()

	r, ok := e.state.registrations.get(rid)
	if !ok {
		return newError(ErrorCodeNotFound, op, rid)
	}
	if r.inFlight() {
		return newError(ErrorCodeTransactionPending, op, rid)
	}
	r.removing = true
	_, err := e.sendRegister(r, 0)
	return err
}
