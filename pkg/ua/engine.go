// Package ua реализует движок SIP агента: вызовы, диалоги, регистрации,
// подписки и публикации поверх транзакций sipgo. Все изменения состояния
// выполняются под одной блокировкой движка; приложение получает события
// через очередь или обратный вызов.
package ua

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/sipua/pkg/auth"
	"github.com/arzzra/sipua/pkg/config"
	"github.com/arzzra/sipua/pkg/log"
	"github.com/arzzra/sipua/pkg/sdpneg"
	"github.com/arzzra/sipua/pkg/sipmsg"
)

const (
	// maxLoopTimeout верхняя граница ожидания рабочего цикла.
	maxLoopTimeout     = 15 * time.Second
	defaultTxMaxAge    = 180 * time.Second
	defaultRefresh     = time.Second
	defaultQueueSize   = 256
	defaultSubExpires  = 600
	resolveTimeout     = 2 * time.Second
	defaultUserAgent   = "sipua/1.0"
	defaultMetricsName = "sipua"
)

// Config параметры движка.
type Config struct {
	UserAgent string
	// Via адрес, публикуемый в Via исходящих запросов.
	Via sipmsg.Via
	// From AOR локального пользователя.
	From        sip.Uri
	DisplayName string
	Contact     sip.Uri
	// Routes предзагруженный маршрут (outbound proxy).
	Routes []sip.Uri

	AudioPort int
	Media     sdpneg.Config

	// SupportedEvent пакет событий, принимаемый во входящих SUBSCRIBE.
	SupportedEvent string

	MaxLoopTimeout  time.Duration
	TxMaxAge        time.Duration
	RefreshInterval time.Duration
	QueueSize       int
	Namespace       string
}

func (c *Config) setDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Via.Transport == "" {
		c.Via.Transport = "UDP"
	}
	if c.AudioPort == 0 {
		c.AudioPort = config.DefaultAudioPort
	}
	if c.MaxLoopTimeout <= 0 || c.MaxLoopTimeout > maxLoopTimeout {
		c.MaxLoopTimeout = maxLoopTimeout
	}
	if c.TxMaxAge <= 0 {
		c.TxMaxAge = defaultTxMaxAge
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefresh
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Namespace == "" {
		c.Namespace = defaultMetricsName
	}
	if c.Contact.Host == "" {
		c.Contact = sip.Uri{Scheme: "sip", User: c.From.User, Host: c.Via.Host, Port: c.Via.Port}
	}
}

func (c *Config) validate() error {
	if c.From.Host == "" {
		return errors.New("identity AOR host is empty")
	}
	if c.Via.Host == "" {
		return errors.New("via host is empty")
	}
	return nil
}

// ConfigFrom строит параметры движка из файловой конфигурации.
func ConfigFrom(c *config.Config) (Config, error) {
	var out Config
	from, _, err := sipmsg.ParseAddress(c.Identity.AOR)
	if err != nil {
		return out, errors.Wrapf(err, "identity aor %q", c.Identity.AOR)
	}
	out = Config{
		UserAgent:   c.UserAgent,
		Via:         sipmsg.Via{Transport: "UDP", Host: c.Transport.Host, Port: c.Transport.Port},
		From:        from,
		DisplayName: c.Identity.DisplayName,
		AudioPort:   c.Media.AudioPort,
		Media: sdpneg.Config{
			Codecs:     c.Media.Codecs,
			LocalIP:    c.Media.LocalIP,
			FirewallIP: c.Media.FirewallIP,
			Username:   from.User,
		},
		SupportedEvent:  c.Engine.SupportedEvent,
		MaxLoopTimeout:  c.Engine.MaxLoopTimeout,
		TxMaxAge:        c.Engine.TxMaxAge,
		RefreshInterval: c.Engine.RefreshInterval,
		QueueSize:       c.Events.QueueSize,
		Namespace:       c.Metrics.Namespace,
	}
	if c.Identity.Contact != "" {
		contact, _, err := sipmsg.ParseAddress(c.Identity.Contact)
		if err != nil {
			return out, errors.Wrapf(err, "identity contact %q", c.Identity.Contact)
		}
		out.Contact = contact
	}
	if c.Registrar.Route != "" {
		route, _, err := sipmsg.ParseAddress(c.Registrar.Route)
		if err != nil {
			return out, errors.Wrapf(err, "route %q", c.Registrar.Route)
		}
		out.Routes = []sip.Uri{route}
	}
	return out, nil
}

// HostResolver разрешает имя удаленной стороны для подмены адресов SDP.
type HostResolver interface {
	FirstHost(ctx context.Context, host string) string
}

// Option опция движка.
type Option func(e *Engine)

// WithLogger задает логгер.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithTransport задает транспорт. Нужен для Start без ListenAndServe.
func WithTransport(t Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithEventCallback включает доставку событий обратным вызовом вместо очереди.
// Вызов выполняется вне блокировки движка.
func WithEventCallback(fn func(ev *Event)) Option {
	return func(e *Engine) { e.callback = fn }
}

// WithResolver задает DNS резолвер для адреса удаленной стороны.
func WithResolver(r HostResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithClock подменяет часы движка.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRegistry задает реестр метрик Prometheus.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(e *Engine) { e.registry = reg }
}

// WithAuthInfo добавляет учетные данные при создании.
func WithAuthInfo(infos ...auth.Info) Option {
	return func(e *Engine) { e.initialAuth = append(e.initialAuth, infos...) }
}

type outboxEntry struct {
	ev   *Event
	refs eventRefs
}

// eventRefs сущности события; идентификаторы подставляются при выдаче,
// когда новые сущности уже получили номера.
type eventRefs struct {
	tx     *Transaction
	call   *Call
	dialog *Dialog
	sub    *Subscribe
	notify *Notify
	reg    *Registration
	pub    *Publication
}

// Engine движок агента.
type Engine struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      *EngineState
	routes     routeTable
	transport  Transport
	negotiator *sdpneg.Negotiator
	auth       *auth.Cache
	resolver   HostResolver

	registry    *prometheus.Registry
	metrics     *metrics
	initialAuth []auth.Info

	events   *eventQueue
	callback func(ev *Event)
	outbox   []outboxEntry

	ingress chan wireEvent
	wakeup  chan struct{}
	quit    chan struct{}
	started atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup

	now func() time.Time
}

// New создает движок. Рабочий цикл запускается Start или ListenAndServe.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "engine config")
	}
	if cfg.Media.LocalIP == "" {
		cfg.Media.LocalIP = cfg.Via.Host
	}
	if len(cfg.Media.Codecs) == 0 {
		cfg.Media.Codecs = sdpneg.DefaultCodecs()
	}
	neg, err := sdpneg.NewNegotiator(cfg.Media)
	if err != nil {
		return nil, errors.Wrap(err, "media config")
	}

	e := &Engine{
		cfg:        cfg,
		log:        log.Noop,
		state:      newEngineState(),
		routes:     newRouteTable(),
		negotiator: neg,
		auth:       auth.NewCache(),
		events:     newEventQueue(cfg.QueueSize),
		ingress:    make(chan wireEvent, 64),
		wakeup:     make(chan struct{}, 1),
		quit:       make(chan struct{}),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
	}
	e.metrics = newMetrics(cfg.Namespace, e.registry)
	for _, info := range e.initialAuth {
		if err := e.auth.Add(info); err != nil {
			return nil, errors.Wrapf(err, "auth info for %q", info.Username)
		}
	}
	e.initialAuth = nil
	e.state.lastSweep = e.now()
	return e, nil
}

// Registry реестр метрик движка.
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

// Start запускает рабочий цикл. Повторный вызов ничего не делает.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return newError(ErrorCodeStopped, "Start", 0)
	}
	if e.transport == nil {
		return newError(ErrorCodeTransport, "Start", 0)
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	e.wg.Add(1)
	go e.run(ctx)
	e.log.Info("engine started", "via", e.cfg.Via.Host, "port", e.cfg.Via.Port)
	return nil
}

// Stop останавливает рабочий цикл и освобождает все транзакции.
// Безопасен для повторного вызова.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	close(e.quit)
	e.wg.Wait()

	e.mu.Lock()
	for _, tx := range e.state.txs {
		e.release(tx, "stopped")
	}
	e.state.pool = nil
	e.outbox = nil
	e.mu.Unlock()

	e.events.close()
	e.log.Info("engine stopped")
}

// Serve запускает рабочий цикл и ждет отмены ctx.
func (e *Engine) Serve(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-e.quit:
	}
	e.Stop()
	return ctx.Err()
}

// WaitEvent ждет событие не дольше timeout. Возвращает nil по таймауту,
// после остановки или в режиме обратного вызова.
func (e *Engine) WaitEvent(timeout time.Duration) *Event {
	if e.callback != nil {
		return nil
	}
	return e.events.wait(timeout)
}

// PendingEvents число событий в очереди.
func (e *Engine) PendingEvents() int {
	return e.events.len()
}

// DroppedEvents число событий, потерянных из-за переполнения очереди.
// Тот же счет доступен как метрика events_dropped_total.
func (e *Engine) DroppedEvents() uint64 {
	return e.events.droppedTotal()
}

// Receive передает входящий запрос рабочему циклу. Обработчик sipgo
// должен жить, пока жива серверная транзакция, поэтому вызов блокируется
// до ее завершения.
func (e *Engine) Receive(req *sip.Request, tx sip.ServerTransaction) {
	var server ServerTx
	if tx != nil {
		server = tx
	}
	e.receive(req, server)
}

func (e *Engine) receive(req *sip.Request, server ServerTx) {
	if e.stopped.Load() {
		return
	}
	if !e.enqueue(wireEvent{kind: wireRequest, req: req, server: server}) {
		return
	}
	if server == nil {
		return
	}
	if sipmsg.MethodOf(req) == sipmsg.MethodInvite {
		// Подписка после постановки INVITE в очередь: CANCEL придет в цикл позже него.
		server.OnCancel(func(cancel *sip.Request) {
			e.enqueue(wireEvent{kind: wireCancel, req: cancel, server: server})
		})
	}
	select {
	case <-server.Done():
		e.enqueue(wireEvent{kind: wireKill, server: server, err: server.Err()})
	case <-e.quit:
	}
}

// run рабочий цикл: одно событие транспорта или таймер, затем
// периодические задачи. Ожидание ограничено MaxLoopTimeout.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	wait := e.cfg.MaxLoopTimeout
	if e.cfg.RefreshInterval < wait {
		wait = e.cfg.RefreshInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if e.stopped.Load() {
			return
		}
		var w *wireEvent
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case ev := <-e.ingress:
			w = &ev
		case <-e.wakeup:
		case <-timer.C:
			timer.Reset(wait)
		}
		e.step(w)
	}
}

func (e *Engine) step(w *wireEvent) {
	e.mu.Lock()
	if w != nil {
		e.process(*w)
	}
	e.tick()
	evs := e.collect()
	e.mu.Unlock()
	e.deliver(evs)
}

// enter захватывает блокировку для вызова API.
func (e *Engine) enter(op string) error {
	if e.stopped.Load() {
		return newError(ErrorCodeStopped, op, 0)
	}
	e.mu.Lock()
	return nil
}

// leave отпускает блокировку, выдает накопленные события и будит цикл.
func (e *Engine) leave() {
	evs := e.collect()
	e.mu.Unlock()
	e.deliver(evs)
	select {
	case e.wakeup <- struct{}{}:
	default:
	}
}

// emit ставит событие в исходящий буфер. Выдается после выхода из блокировки.
func (e *Engine) emit(t EventType, refs eventRefs, fill func(ev *Event)) {
	ev := newEvent(t)
	ev.Time = e.now()
	if fill != nil {
		fill(ev)
	}
	e.outbox = append(e.outbox, outboxEntry{ev: ev, refs: refs})
}

// collect раздает номера новым сущностям и подставляет их в события.
func (e *Engine) collect() []*Event {
	e.state.assignIDs()
	if len(e.outbox) == 0 {
		return nil
	}
	out := make([]*Event, 0, len(e.outbox))
	for _, o := range e.outbox {
		ev, r := o.ev, o.refs
		if r.tx != nil {
			ev.TID = r.tx.ID
		}
		if r.call != nil {
			ev.CID = positive(r.call.ID)
		}
		if r.dialog != nil {
			ev.DID = positive(r.dialog.ID)
		}
		if r.sub != nil {
			ev.SID = positive(r.sub.ID)
		}
		if r.notify != nil {
			ev.NID = positive(r.notify.ID)
		}
		if r.reg != nil {
			ev.RID = positive(r.reg.ID)
		}
		if r.pub != nil {
			ev.PID = positive(r.pub.ID)
		}
		out = append(out, ev)
	}
	e.outbox = e.outbox[:0]
	return out
}

func positive(id int) int {
	if id < 0 {
		return 0
	}
	return id
}

func (e *Engine) deliver(evs []*Event) {
	for _, ev := range evs {
		e.metrics.events.WithLabelValues(ev.Type.String()).Inc()
		if e.callback != nil {
			e.callback(ev)
			continue
		}
		if lost := e.events.push(ev); lost != nil {
			e.metrics.eventsDropped.WithLabelValues(lost.Type.String()).Inc()
			e.log.Warn("event queue full, oldest event dropped",
				"dropped", lost.Type.String(), "tid", lost.TID, "cid", lost.CID, "type", ev.Type.String())
		}
	}
}

// tick периодические задачи: сборка транзакций, обновление регистраций,
// подписок и публикаций, освобождение закрытых вызовов.
func (e *Engine) tick() {
	e.harvest()
	now := e.now()
	if now.Sub(e.state.lastSweep) < e.cfg.RefreshInterval {
		return
	}
	e.state.lastSweep = now
	e.refreshRegistrations(now)
	e.refreshPublications(now)
	e.refreshSubscriptions(now)
	e.expireNotifies(now)
	e.releaseCalls()
}

// farEnd разрешает имя удаленной стороны; без резолвера возвращает host.
func (e *Engine) farEnd(host string) string {
	if e.resolver == nil || host == "" {
		return host
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	return e.resolver.FirstHost(ctx, host)
}

// baseParams общие параметры запроса вне диалога.
func (e *Engine) baseParams(method sipmsg.Method, target sip.Uri) sipmsg.RequestParams {
	contact := e.cfg.Contact
	return sipmsg.RequestParams{
		Method:      method,
		Target:      target,
		From:        e.cfg.From,
		FromDisplay: e.cfg.DisplayName,
		FromTag:     sipmsg.NewTag(),
		To:          target,
		CallID:      sipmsg.NewCallID(e.cfg.Via.Host),
		CSeq:        1,
		Contact:     &contact,
		Routes:      e.cfg.Routes,
		Via:         e.cfg.Via,
		UserAgent:   e.cfg.UserAgent,
		Expires:     -1,
	}
}

// dialogParams параметры запроса внутри диалога; CSeq диалога увеличивается.
func (e *Engine) dialogParams(d *Dialog, method sipmsg.Method) (sipmsg.RequestParams, error) {
	p, err := d.requestParams(method)
	if err != nil {
		return p, wrapError(ErrorCodeBadState, method.String(), d.ID, err)
	}
	contact := e.cfg.Contact
	p.Contact = &contact
	p.Via = e.cfg.Via
	p.UserAgent = e.cfg.UserAgent
	return p, nil
}
