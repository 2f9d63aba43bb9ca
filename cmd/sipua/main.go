// Команда sipua запускает SIP агента: регистрируется, звонит, подписывается
// и публикует состояние по флагам, отвечает на входящие вызовы и подписки.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/sipua/pkg/config"
	"github.com/arzzra/sipua/pkg/log"
	"github.com/arzzra/sipua/pkg/resolver"
	"github.com/arzzra/sipua/pkg/ua"
)

type options struct {
	configPath string
	listen     string
	aor        string
	dial       string
	subscribe  string
	event      string
	publish    string
	dev        bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "Path to YAML config")
	flag.StringVar(&o.listen, "listen", "", "Listen address, overrides transport.listen_addr")
	flag.StringVar(&o.aor, "aor", "", "Local AOR, overrides identity.aor")
	flag.StringVar(&o.dial, "dial", "", "Call this URI after start")
	flag.StringVar(&o.subscribe, "subscribe", "", "Subscribe to this URI after start")
	flag.StringVar(&o.event, "event", "presence", "Event package for -subscribe")
	flag.StringVar(&o.publish, "publish", "", "Publish this PIDF basic status (open or closed)")
	flag.BoolVar(&o.dev, "dev", false, "Human friendly development logging")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "sipua: %+v\n", err)
		os.Exit(1)
	}
}

func loadConfig(o options) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if o.listen != "" {
		cfg.Transport.ListenAddr = o.listen
		if host, port, err := net.SplitHostPort(o.listen); err == nil {
			if host != "" && host != "0.0.0.0" {
				cfg.Transport.Host = host
			}
			if n, err := strconv.Atoi(port); err == nil {
				cfg.Transport.Port = n
			}
		}
	}
	if o.aor != "" {
		cfg.Identity.AOR = o.aor
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, o options) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	level := log.ParseLevel(cfg.LogLevel)
	logger := log.New(os.Stderr, level)
	if o.dev {
		logger = log.NewDev(os.Stderr, level)
	}

	engineCfg, err := ua.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	opts := []ua.Option{
		ua.WithLogger(logger),
		ua.WithAuthInfo(cfg.Auth...),
		ua.WithResolver(resolver.New(cfg.Resolver.NameServer, cfg.Resolver.Timeout)),
	}
	a := &agent{log: logger, aor: cfg.Identity.AOR}
	if cfg.Events.Mode == "callback" {
		opts = append(opts, ua.WithEventCallback(a.handle))
	}
	engine, err := ua.New(engineCfg, opts...)
	if err != nil {
		return err
	}
	a.engine = engine

	g, gctx := errgroup.WithContext(ctx)
	ready := make(chan struct{})
	g.Go(func() error {
		return engine.ListenAndServe(gctx, cfg.Transport.Network, cfg.Transport.ListenAddr,
			ua.WithReuseAddr(cfg.Transport.ReuseAddr),
			ua.WithReady(func(net.Addr) { close(ready) }),
		)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Listen, engine, logger) })
	}
	if cfg.Events.Mode != "callback" {
		g.Go(func() error { return a.loop(gctx) })
	}
	g.Go(func() error {
		select {
		case <-ready:
		case <-gctx.Done():
			return nil
		}
		return a.start(cfg, o)
	})
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, engine *ua.Engine, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(engine.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	logger.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics listener")
	}
	return nil
}
