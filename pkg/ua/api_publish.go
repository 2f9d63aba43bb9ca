package ua

import (
	"github.com/arzzra/sipua/pkg/auth"
	"github.com/arzzra/sipua/pkg/sipmsg"
)

const (
	defaultPublishEvent   = "presence"
	defaultPublishType    = "application/pidf+xml"
	defaultPublishExpires = 3600
)

// PublishParams параметры публикации состояния (RFC 3903).
type PublishParams struct {
	// AOR адрес публикации; пустой означает Config.From.
	AOR         string
	Event       string
	ContentType string
	// Body документ состояния. Пустое тело обновляет существующую публикацию.
	Body []byte
	// Expires срок; 0 снимает публикацию, отрицательный означает 3600.
	Expires int
}

// Publish отправляет PUBLISH. Повторные публикации для того же AOR и пакета
// событий идут в одном Call-ID с растущим CSeq и SIP-If-Match.
func (e *Engine) Publish(p PublishParams) (int, error) {
	const op = "Publish"
	aor := e.cfg.From
	if p.AOR != "" {
		u, _, err := sipmsg.ParseAddress(p.AOR)
		if err != nil {
			return 0, wrapError(ErrorCodeMalformed, op, 0, err)
		}
		aor = u
	}
	event := p.Event
	if event == "" {
		event = defaultPublishEvent
	}
	contentType := p.ContentType
	if contentType == "" && len(p.Body) > 0 {
		contentType = defaultPublishType
	}
	expires := p.Expires
	if expires < 0 {
		expires = defaultPublishExpires
	}

	if err := e.enter(op); err != nil {
		return 0, err
	}
	defer e.leave()

	pub := e.findPublication(aor, event)
	created := pub == nil
	if created {
		pub = &Publication{
			ID:        -1,
			AOR:       aor,
			Event:     event,
			callID:    sipmsg.NewCallID(e.cfg.Via.Host),
			fromTag:   sipmsg.NewTag(),
			authTried: map[string]bool{},
		}
		e.state.publications.add(pub)
	} else if pub.last.awaiting() {
		return 0, newError(ErrorCodeTransactionPending, op, pub.ID)
	}
	if len(p.Body) == 0 && pub.ETag == "" && expires > 0 {
		if created {
			e.state.publications.remove(pub)
		}
		return 0, newError(ErrorCodeBadState, op, pub.ID)
	}
	pub.Expires = expires
	if _, err := e.sendPublish(pub, contentType, p.Body, expires); err != nil {
		if created {
			e.state.publications.remove(pub)
		}
		return 0, err
	}
	e.state.assignIDs()
	return pub.ID, nil
}

// AddAuthInfo добавляет учетные данные в кэш.
func (e *Engine) AddAuthInfo(info auth.Info) error {
	const op = "AddAuthInfo"
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()
	if err := e.auth.Add(info); err != nil {
		return wrapError(ErrorCodeMalformed, op, 0, err)
	}
	return nil
}

// RemoveAuthInfo удаляет учетные данные пользователя для realm.
func (e *Engine) RemoveAuthInfo(username, realm string) error {
	const op = "RemoveAuthInfo"
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.leave()
	if !e.auth.Remove(username, realm) {
		return newError(ErrorCodeNotFound, op, 0)
	}
	return nil
}

// ClearAuthInfo очищает кэш учетных данных.
func (e *Engine) ClearAuthInfo() {
	if e.enter("ClearAuthInfo") != nil {
		return
	}
	defer e.leave()
	e.auth.Clear()
}
