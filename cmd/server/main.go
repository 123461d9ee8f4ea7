// Package main runs parlor, a real-time messaging server for two-person
// conversations: authenticated WebSocket connections, presence, rooms, unread
// counters and cross-instance fan-out.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/codeGROOVE-dev/parlor/pkg/auth"
	"github.com/codeGROOVE-dev/parlor/pkg/config"
	"github.com/codeGROOVE-dev/parlor/pkg/fanout"
	"github.com/codeGROOVE-dev/parlor/pkg/logger"
	"github.com/codeGROOVE-dev/parlor/pkg/notify"
	"github.com/codeGROOVE-dev/parlor/pkg/security"
	"github.com/codeGROOVE-dev/parlor/pkg/srv"
	"github.com/codeGROOVE-dev/parlor/pkg/store"
	"github.com/codeGROOVE-dev/parlor/pkg/webhook"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	idleTimeout     = 120 * time.Second
	maxHeaderBytes  = 20 // Max header size multiplier (1 << 20 = 1MB)
	shutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Error(context.Background(), "parlor stopped", err, nil)
		os.Exit(1)
	}
}

//nolint:funlen // Main orchestrates the server setup and reads best top to bottom
func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	logger.SetDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	warnings, err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, w := range warnings {
		logger.Warn(ctx, w, nil)
	}
	logger.Info(ctx, "configuration loaded", logger.Fields{
		"addr":        cfg.Addr(),
		"env":         cfg.Env,
		"config_file": cfg.File,
		"secret_set":  cfg.AuthSecret != "",
		"fan_out":     cfg.RedisURL != "",
	})

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error(ctx, "store close", err, nil)
		}
	}()
	if cfg.Migrate {
		m, ok := st.(store.Migrator)
		if !ok {
			return errors.New("-migrate: this store has no schema")
		}
		res, err := m.Migrate()
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info(ctx, "migrations applied", logger.Fields{"version": res.Version, "changed": res.Changed})
	}

	origin := uuid.NewString()
	var adapter fanout.Adapter = fanout.NewNone(origin)
	if cfg.RedisURL != "" {
		// Connects in the background; startup never waits on the broker.
		r, err := fanout.NewRedis(ctx, cfg.RedisURL, origin)
		if err != nil {
			return err
		}
		adapter = r
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			logger.Error(ctx, "fan-out close", err, nil)
		}
	}()

	var notifier notify.Notifier = notify.Log{}
	if cfg.NotifyRedisURL != "" {
		a, err := notify.NewAsynq(cfg.NotifyRedisURL)
		if err != nil {
			return err
		}
		notifier = a
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.Error(ctx, "notifier close", err, nil)
		}
	}()

	authenticator, err := auth.New(cfg.AuthSecret)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	hub := srv.NewHub(adapter)
	presence := srv.NewPresence(hub, st)
	rooms := srv.NewRooms(hub, st)
	pipeline := srv.NewPipeline(hub, st, rooms, presence,
		srv.WithNotifier(notifier),
		srv.WithInternalFileURLs(!cfg.Production()))

	connLimiter := security.NewConnectionLimiter(cfg.MaxConnsPerIP, cfg.MaxConnsTotal)
	defer connLimiter.Stop()

	wsHandler := srv.NewWebSocketHandler(hub, authenticator, connLimiter, presence, rooms, pipeline)
	var events http.Handler
	if cfg.WebhookSecret != "" {
		events = webhook.NewHandler(hub, cfg.WebhookSecret, cfg.AllowedEvents)
	}

	server := &http.Server{
		Addr:           cfg.Addr(),
		Handler:        newMux(hub, presence, wsHandler, events),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << maxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		presence.Run(gctx, cfg.Heartbeat)
		return nil
	})
	g.Go(func() error {
		return serve(gctx, g, server, cfg)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "shutting down server", nil)
		hub.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		hub.Wait()
		return err
	})

	err = g.Wait()
	logger.Info(ctx, "server stopped", nil)
	return err
}

// serve listens until the server is shut down. With Let's Encrypt it serves
// TLS on :443 and ACME challenges on :80.
func serve(ctx context.Context, g *errgroup.Group, server *http.Server, cfg *config.Config) error {
	var err error
	if cfg.LetsEncrypt {
		if err := os.MkdirAll(cfg.LECacheDir, 0o700); err != nil {
			return fmt.Errorf("create Let's Encrypt cache directory: %w", err)
		}
		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.LEDomains...),
			Cache:      autocert.DirCache(cfg.LECacheDir),
			Email:      cfg.LEEmail,
		}
		server.Addr = ":443"
		server.TLSConfig = &tls.Config{
			GetCertificate: certManager.GetCertificate,
			MinVersion:     tls.VersionTLS13,
		}

		acmeServer := &http.Server{
			Addr:         ":80",
			Handler:      certManager.HTTPHandler(nil),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  idleTimeout,
		}
		g.Go(func() error {
			logger.Info(ctx, "starting HTTP server on :80 for Let's Encrypt ACME challenges", nil)
			if err := acmeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "ACME server error; certificate issuance/renewal may fail", err, nil)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return acmeServer.Close()
		})

		logger.Info(ctx, "starting HTTPS server on :443 with Let's Encrypt", logger.Fields{"domains": cfg.LEDomains})
		err = server.ListenAndServeTLS("", "")
	} else {
		if cfg.Production() {
			logger.Warn(ctx, "TLS not enabled; terminate TLS in front of this server or use -letsencrypt", nil)
		}
		logger.Info(ctx, "starting HTTP server", logger.Fields{"addr": server.Addr})
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// newMux routes the exact paths the server answers. events may be nil, which
// leaves /internal/events unrouted.
func newMux(hub *srv.Hub, presence *srv.Presence, ws, events http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			logger.Debug(r.Context(), "404 Not Found", logger.Fields{"path": r.URL.Path, "ip": security.ClientIP(r)})
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("parlor is running\n")); err != nil {
			logger.Error(r.Context(), "failed to write health check response", err, nil)
		}
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{
			"status":          "ok",
			"clients":         hub.ClientCount(),
			"online":          len(presence.Online()),
			"fanOutAvailable": hub.FanOutAvailable(),
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logger.Error(r.Context(), "failed to write healthz response", err, nil)
		}
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ip := security.ClientIP(r)
		logger.Debug(r.Context(), "WebSocket request START", logger.Fields{"ip": ip, "user_agent": r.UserAgent()})
		ws.ServeHTTP(w, r)
		logger.Debug(r.Context(), "WebSocket request END", logger.Fields{"ip": ip, "duration": time.Since(start).String()})
	})

	if events != nil {
		mux.HandleFunc("/internal/events", func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			events.ServeHTTP(w, r)
			logger.Info(r.Context(), "internal event request complete", logger.Fields{
				"ip":       security.ClientIP(r),
				"duration": time.Since(start).String(),
			})
		})
	}
	return mux
}
