package ua

import (
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

// grantedExpires срок, выданный регистратором: параметр expires нашего
// Contact, затем заголовок Expires, затем запрошенный срок.
func grantedExpires(res *sip.Response, contact sip.Uri, requested int) int {
	for _, h := range res.GetHeaders("Contact") {
		c, ok := h.(*sip.ContactHeader)
		if !ok || c.Address.User != contact.User || c.Address.Host != contact.Host {
			continue
		}
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
	}
	return sipmsg.Expires(res, requested)
}

// onRegisterResponse ответ регистратора. Выданный период ограничивается
// диапазоном [200, 3600].
func (e *Engine) onRegisterResponse(tx *Transaction, w wireEvent) {
	rc, ok := tx.ctx.(RegistrationContext)
	if !ok || rc.Registration == nil {
		e.missingContext(tx, "register response")
		return
	}
	r, res := rc.Registration, w.res
	code := res.StatusCode
	if code < 200 {
		return
	}
	if r.last != tx {
		e.log.Debug("stale register response", "rid", r.ID, "tid", tx.ID)
		return
	}
	refs := eventRefs{tx: tx, reg: r}

	if code < 300 {
		r.ok = true
		r.pendingAuth = nil
		clear(r.authTried)
		expires := grantedExpires(res, r.Contact, sipmsg.Expires(tx.Request, r.Period))
		if r.removing || expires == 0 {
			if r.Registered {
				r.Registered = false
				e.metrics.registrations.Dec()
			}
			e.emit(RegistrationTerminated, refs, withResponse(res))
			return
		}
		r.Period = clampPeriod(expires)
		if r.Registered {
			e.emit(RegistrationRefreshed, refs, withResponse(res))
			return
		}
		r.Registered = true
		e.metrics.registrations.Inc()
		e.emit(RegistrationSuccess, refs, withResponse(res))
		return
	}

	r.ok = false
	switch {
	case isAuthChallenge(code):
		r.pendingAuth = e.prepareAuth(tx, res, r.authTried)
	case code == 423:
		if minExp, err := strconv.Atoi(sipmsg.HeaderValue(res, "Min-Expires")); err == nil && minExp > r.Period {
			r.Period = clampPeriod(minExp)
		}
	}
	e.emit(RegistrationFailure, refs, withResponse(res))
}

// sendRegister отправляет REGISTER с новым CSeq в том же Call-ID.
func (e *Engine) sendRegister(r *Registration, expires int) (*Transaction, error) {
	contact := r.Contact
	r.cseq++
	p := sipmsg.RequestParams{
		Target:      r.Registrar,
		From:        r.AOR,
		FromDisplay: e.cfg.DisplayName,
		FromTag:     r.fromTag,
		CallID:      r.callID,
		CSeq:        r.cseq,
		Contact:     &contact,
		Routes:      r.Route,
		Via:         e.cfg.Via,
		UserAgent:   e.cfg.UserAgent,
	}
	req, err := sipmsg.BuildRegister(p, expires)
	if err != nil {
		return nil, wrapError(ErrorCodeMalformed, "sendRegister", r.ID, err)
	}
	return e.submitRegister(r, req)
}

// submitRegister отправляет готовый REGISTER, в том числе с учетными данными.
func (e *Engine) submitRegister(r *Registration, req *sip.Request) (*Transaction, error) {
	tx, err := e.createTransaction(req, RegistrationContext{Registration: r})
	if err != nil {
		return nil, err
	}
	if n := sipmsg.CSeqNo(req); n > r.cseq {
		r.cseq = n
	}
	if r.last != nil {
		e.retire(r.last)
	}
	r.last = tx
	r.lastSent = e.now()
	r.ok = false
	r.pendingAuth = nil
	return tx, nil
}

// refreshRegistrations повторяет REGISTER по правилам обновления. Если
// последний отказ был вызовом авторизации, отправляется подготовленный запрос.
func (e *Engine) refreshRegistrations(now time.Time) {
	e.state.registrations.each(func(r *Registration) bool {
		if !r.needsRefresh(now) {
			return true
		}
		var err error
		if r.pendingAuth != nil {
			_, err = e.submitRegister(r, r.pendingAuth)
		} else {
			_, err = e.sendRegister(r, r.Period)
		}
		if err != nil {
			e.log.Warn("registration refresh failed", "rid", r.ID, "error", err)
		}
		return true
	})
}

// onPublishResponse ответ на PUBLISH: SIP-ETag сохраняется для следующего
// обновления, 412 сбрасывает его.
func (e *Engine) onPublishResponse(tx *Transaction, w wireEvent) {
	pc, ok := tx.ctx.(PublicationContext)
	if !ok || pc.Publication == nil {
		e.missingContext(tx, "publish response")
		return
	}
	p, res := pc.Publication, w.res
	code := res.StatusCode
	if code < 200 || p.last != tx {
		return
	}
	refs := eventRefs{tx: tx, pub: p}
	if code < 300 {
		if etag := sipmsg.HeaderValue(res, "SIP-ETag"); etag != "" {
			p.ETag = etag
		}
		p.Expires = sipmsg.Expires(res, p.Expires)
		p.pendingAuth = nil
		clear(p.authTried)
		e.emit(PublicationSuccess, refs, withResponse(res))
		if sipmsg.Expires(tx.Request, -1) == 0 {
			e.freePublication(p)
		}
		return
	}
	switch {
	case code == 412:
		p.ETag = ""
	case isAuthChallenge(code):
		p.pendingAuth = e.prepareAuth(tx, res, p.authTried)
	}
	e.emit(PublicationFailure, refs, withResponse(res))
}

// sendPublish отправляет PUBLISH. Пустое тело с ETag обновляет публикацию.
func (e *Engine) sendPublish(p *Publication, contentType string, body []byte, expires int) (*Transaction, error) {
	p.cseq++
	params := sipmsg.RequestParams{
		Target:      p.AOR,
		From:        p.AOR,
		FromDisplay: e.cfg.DisplayName,
		FromTag:     p.fromTag,
		To:          p.AOR,
		CallID:      p.callID,
		CSeq:        p.cseq,
		Routes:      e.cfg.Routes,
		Via:         e.cfg.Via,
		UserAgent:   e.cfg.UserAgent,
		ContentType: contentType,
		Body:        body,
	}
	req, err := sipmsg.BuildPublish(params, p.Event, expires, p.ETag)
	if err != nil {
		return nil, wrapError(ErrorCodeMalformed, "sendPublish", p.ID, err)
	}
	return e.submitPublish(p, req)
}

func (e *Engine) submitPublish(p *Publication, req *sip.Request) (*Transaction, error) {
	tx, err := e.createTransaction(req, PublicationContext{Publication: p})
	if err != nil {
		return nil, err
	}
	if n := sipmsg.CSeqNo(req); n > p.cseq {
		p.cseq = n
	}
	if p.last != nil {
		e.retire(p.last)
	}
	p.last = tx
	p.lastSent = e.now()
	p.pendingAuth = nil
	return tx, nil
}

// refreshPublications обновляет публикации до истечения срока.
func (e *Engine) refreshPublications(now time.Time) {
	e.state.publications.each(func(p *Publication) bool {
		if p.ETag == "" || p.Expires <= 0 || p.last.awaiting() || p.lastSent.IsZero() {
			return true
		}
		period := time.Duration(p.Expires) * time.Second
		refreshAt := period - regRefreshMargin
		if period < 2*regRefreshMargin {
			refreshAt = period / 2
		}
		if now.Sub(p.lastSent) < refreshAt {
			return true
		}
		if _, err := e.sendPublish(p, "", nil, p.Expires); err != nil {
			e.log.Warn("publication refresh failed", "pid", p.ID, "error", err)
		}
		return true
	})
}
