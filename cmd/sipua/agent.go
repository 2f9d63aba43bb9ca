package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/config"
	"github.com/arzzra/sipua/pkg/ua"
)

const pidfTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<presence xmlns="urn:ietf:params:xml:ns:pidf" entity="%s">
  <tuple id="sipua"><status><basic>%s</basic></status></tuple>
</presence>`

// agent простое приложение поверх движка: подтверждает ответы на наши
// вызовы, принимает входящие вызовы и подписки.
type agent struct {
	engine *ua.Engine
	log    *slog.Logger
	aor    string
}

// start выполняет действия из флагов после запуска движка.
func (a *agent) start(cfg *config.Config, o options) error {
	if cfg.Registrar.URI != "" {
		rid, err := a.engine.Register(ua.RegisterParams{
			Registrar: cfg.Registrar.URI,
			Route:     cfg.Registrar.Route,
			Period:    cfg.Registrar.Expires,
		})
		if err != nil {
			return err
		}
		a.log.Info("register sent", "rid", rid, "registrar", cfg.Registrar.URI)
	}
	if o.dial != "" {
		cid, err := a.engine.InitiateCall(ua.CallParams{To: o.dial})
		if err != nil {
			return err
		}
		a.log.Info("calling", "cid", cid, "to", o.dial)
	}
	if o.subscribe != "" {
		sid, err := a.engine.Subscribe(ua.SubscribeParams{To: o.subscribe, Event: o.event})
		if err != nil {
			return err
		}
		a.log.Info("subscribed", "sid", sid, "to", o.subscribe, "event", o.event)
	}
	if o.publish != "" {
		pid, err := a.engine.Publish(ua.PublishParams{
			Body:    fmt.Appendf(nil, pidfTemplate, a.aor, o.publish),
			Expires: -1,
		})
		if err != nil {
			return err
		}
		a.log.Info("published", "pid", pid, "status", o.publish)
	}
	return nil
}

// loop читает очередь событий до отмены ctx.
func (a *agent) loop(ctx context.Context) error {
	for ctx.Err() == nil {
		if ev := a.engine.WaitEvent(time.Second); ev != nil {
			a.handle(ev)
		}
	}
	return nil
}

func (a *agent) handle(ev *ua.Event) {
	a.log.Info("event", "type", ev.Type.String(), "tid", ev.TID, "cid", ev.CID, "did", ev.DID, "code", ev.StatusCode)

	var err error
	switch ev.Type {
	case ua.CallAnswered:
		err = a.engine.SendAck(ev.DID)
	case ua.CallInvite:
		if err = a.engine.AnswerCall(ev.TID, 180); err == nil {
			err = a.engine.AnswerCall(ev.TID, 200)
		}
	case ua.CallStartAudio:
		a.log.Info("audio", "remote", fmt.Sprintf("%s:%d", ev.RemoteAddr, ev.RemotePort), "payload", ev.PayloadName)
	case ua.CallMessageNew, ua.MessageNew:
		// OPTIONS и UPDATE движок отвечает сам.
		if m := ev.Request.Method; m != sip.OPTIONS && m != sip.UPDATE {
			err = a.engine.AnswerMessage(ev.TID, 200, "", nil)
		}
	case ua.InSubscriptionNew:
		if err = a.engine.AnswerSubscribe(ev.TID, 200); err == nil {
			body := fmt.Appendf(nil, pidfTemplate, a.aor, "open")
			err = a.engine.Notify(ev.NID, ua.SubActive, "", "application/pidf+xml", body)
		}
	case ua.RegistrationFailure, ua.CallRequestFailure, ua.CallRedirected,
		ua.SubscriptionRequestFailure, ua.PublicationFailure:
		if ev.StatusCode == 401 || ev.StatusCode == 407 || ev.Type == ua.CallRedirected {
			err = a.engine.DefaultAction(ev)
		}
	}
	if err != nil {
		a.log.Warn("event handling failed", "type", ev.Type.String(), "error", err)
	}
}
