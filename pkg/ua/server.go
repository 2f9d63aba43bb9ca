package ua

import (
	"context"
	"net"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ListenOption настройка сокета ListenAndServe.
type ListenOption func(*listenConfig)

type listenConfig struct {
	reuse bool
	ready func(addr net.Addr)
}

// WithReuseAddr включает SO_REUSEADDR и SO_REUSEPORT на SIP сокете.
func WithReuseAddr(on bool) ListenOption {
	return func(c *listenConfig) { c.reuse = on }
}

// WithReady вызывает fn после запуска рабочего цикла, когда движок уже
// принимает вызовы API.
func WithReady(fn func(addr net.Addr)) ListenOption {
	return func(c *listenConfig) { c.ready = fn }
}

// ListenAndServe открывает UDP сокет, подключает к нему стек sipgo и
// запускает рабочий цикл. Возвращает управление после отмены ctx или
// ошибки сокета; движок к этому моменту остановлен.
func (e *Engine) ListenAndServe(ctx context.Context, network, addr string, opts ...ListenOption) error {
	var lc listenConfig
	for _, opt := range opts {
		opt(&lc)
	}
	if network == "" {
		network = "udp"
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(e.cfg.UserAgent))
	if err != nil {
		return errors.Wrap(err, "create user agent")
	}
	defer ua.Close()

	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(e.cfg.Via.Host))
	if err != nil {
		return errors.Wrap(err, "create client")
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return errors.Wrap(err, "create server")
	}
	e.bindHandlers(server)

	listen := net.ListenConfig{}
	if lc.reuse {
		listen.Control = reuseControl
	}
	conn, err := listen.ListenPacket(ctx, network, addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s %s", network, addr)
	}

	e.transport = NewSipgoTransport(client)
	if err := e.Start(ctx); err != nil {
		conn.Close()
		return err
	}
	e.log.Info("sip listener started", "network", network, "addr", conn.LocalAddr().String())
	if lc.ready != nil {
		lc.ready(conn.LocalAddr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := server.ServeUDP(conn)
		if gctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "serve udp")
	})
	g.Go(func() error {
		<-gctx.Done()
		e.Stop()
		return conn.Close()
	})
	err = g.Wait()
	if err == nil || errors.Is(err, net.ErrClosed) {
		return ctx.Err()
	}
	return err
}

// bindHandlers направляет все запросы sipgo в рабочий цикл движка.
func (e *Engine) bindHandlers(server *sipgo.Server) {
	handler := func(req *sip.Request, tx sip.ServerTransaction) {
		e.Receive(req, tx)
	}
	for _, m := range []sip.RequestMethod{
		sip.INVITE, sip.ACK, sip.BYE, sip.CANCEL, sip.OPTIONS, sip.INFO,
		sip.REFER, sip.SUBSCRIBE, sip.NOTIFY, sip.MESSAGE, sip.UPDATE,
	} {
		server.OnRequest(m, handler)
	}
	server.OnNoRoute(handler)
}
