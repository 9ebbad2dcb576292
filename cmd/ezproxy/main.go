package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/pkeerthanaacse/ezproxy"
)

func main() {
	var (
		// Config file (takes precedence over defaults, env overrides both)
		configPath = flag.String("config", "", "path to config file (default: search ./ezproxy.yaml, ~/.ezproxy/ezproxy.yaml, /etc/ezproxy/ezproxy.yaml)")
		genConfig  = flag.String("gen-config", "", "write an example config file to the given path and exit")
		genCA      = flag.Bool("gen-ca", false, "generate the CA certificate if missing and exit")
		printPage  = flag.Bool("print-error-page", false, "print the default error page template and exit")
		watch      = flag.Bool("watch", false, "reload runtime settings and the CA when their files change")
	)
	flag.Parse()

	if *printPage {
		fmt.Println(ezproxy.DefaultErrorPageHTML)
		return
	}

	if *genConfig != "" {
		if err := ezproxy.WriteExampleConfig(*genConfig); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", *genConfig)
		return
	}

	cfg, err := ezproxy.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := ezproxy.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	if err := run(cfg, *configPath, *genCA, *watch, logger); err != nil {
		logger.Error("ezproxy failed", "error", err)
		_ = closeLog()
		os.Exit(1)
	}
}

func run(cfg *ezproxy.Config, configPath string, genCAOnly, watch bool, logger *slog.Logger) error {
	cm, created, err := ezproxy.LoadOrCreateCA(afero.NewOsFs(), cfg.TLS.CACert, cfg.TLS.CAKey, cfg.TLS.Organization)
	if err != nil {
		return fmt.Errorf("load CA certificate: %w", err)
	}
	if created {
		logger.Info("CA certificate generated", "cert", cfg.TLS.CACert, "key", cfg.TLS.CAKey)
		logger.Info("add the CA certificate to your system/browser trust store")
	}
	if genCAOnly {
		return nil
	}

	var metrics *ezproxy.Metrics
	if cfg.Metrics.Enabled {
		metrics = ezproxy.NewMetrics()
		logger.Info("prometheus metrics enabled at /metrics")
	}
	health := ezproxy.NewHealthChecker()
	cm.Metrics = metrics
	certs := ezproxy.NewCertRotator(nil, cm, cfg.TLS.CACert, cfg.TLS.CAKey)

	opts := cfg.ServerOptions()
	opts.Certs = certs
	opts.Logger = logger
	opts.Metrics = metrics
	opts.Health = health
	opts.AccessLog = ezproxy.NewAccessLogger(logger)
	if cfg.Proxy.SystemProxy {
		opts.SystemProxy = ezproxy.NewCommandSystemProxy()
	}

	srv, err := ezproxy.NewProxyServer(opts)
	if err != nil {
		return fmt.Errorf("create proxy: %w", err)
	}
	if err := srv.SetFilterRules(cfg.Filters); err != nil {
		_ = srv.Stop()
		return err
	}

	// SIGHUP and the web API also pick up a replaced CA
	reload := func(context.Context) (*ezproxy.Config, error) {
		next, err := ezproxy.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if _, err := certs.Rotate(); err != nil {
			logger.Warn("CA not rotated", "error", err)
		}
		return next, nil
	}

	api := ezproxy.NewWebAPI(srv)
	api.Logger = logger
	api.Metrics = metrics
	api.Health = health
	api.ReloadFunc = reload
	srv.SetDirect(api.Handler())

	var web *http.Server
	if cfg.Web.Enabled {
		web = &http.Server{
			Addr:              cfg.Web.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("web interface listening", "addr", cfg.Web.Addr)
			if err := web.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("web interface error", "error", err)
			}
		}()
	}

	sighup := ezproxy.WatchSIGHUP(srv, reload, logger, metrics)
	defer sighup.Cancel()

	if watch && configPath != "" {
		cw, err := ezproxy.WatchConfig(configPath, srv, logger, metrics)
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		} else {
			defer cw.Close()
		}
	}
	if watch {
		caw, err := certs.WatchCAFiles(logger)
		if err != nil {
			logger.Warn("CA watch disabled", "error", err)
		} else {
			defer caw.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(cfg.StartOptions()); err != nil {
		_ = srv.Stop()
		return fmt.Errorf("start proxy: %w", err)
	}
	logger.Info("configure your system proxy to use this address", "host", cfg.Proxy.Host, "port", cfg.Proxy.Port)
	logger.Info("ensure the CA certificate is trusted by your system/browser")

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case <-srv.Done():
	}

	if web != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = web.Shutdown(shutdownCtx)
		cancel()
	}
	return srv.Stop()
}
