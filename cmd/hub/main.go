package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/marinoas/legal-crm-sub002/internal/config"
	"github.com/marinoas/legal-crm-sub002/internal/gateway"
	"github.com/marinoas/legal-crm-sub002/internal/hub"
	"github.com/marinoas/legal-crm-sub002/internal/notify"
	"github.com/marinoas/legal-crm-sub002/internal/otelhelper"
	"github.com/marinoas/legal-crm-sub002/internal/relay"
	"github.com/marinoas/legal-crm-sub002/internal/state"
)

func main() {
	godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(context.Background())

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting collaboration hub", "addr", cfg.Addr, "nats_url", cfg.NatsURL)

	// The reconnect handler fires for the lifetime of the connection, so it
	// captures the state variable assigned after the first connect.
	var st *state.NATS

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("collab-hub"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(*nats.Conn) {
				slog.Info("NATS reconnected, rebuilding shared state")
				if st != nil {
					st.Reconnected(context.Background())
				}
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS after retries", "error", err)
		os.Exit(1)
	}
	defer nc.Drain()

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to get JetStream context", "error", err)
		os.Exit(1)
	}
	st, err = state.NewNATS(js, state.NATSConfig{
		ConnTTL:         cfg.ConnTTL,
		LockBackstopTTL: cfg.LockBackstopTTL,
	})
	if err != nil {
		slog.Error("Failed to create shared state buckets", "error", err)
		os.Exit(1)
	}

	var contacts hub.ContactResolver
	if cfg.ContactSubject != "" {
		contacts = notify.NewNATSContacts(nc, cfg.ContactSubject)
	}

	h := hub.New(hub.Config{
		LockTTL:         cfg.LockTTL,
		SweepEvery:      cfg.SweepInterval,
		MaxConnsPerUser: cfg.MaxConnsPerUser,
	}, st, contacts)

	rel, err := relay.NewNATS(nc, cfg.RelaySubject, h.Deliver)
	if err != nil {
		slog.Error("Failed to subscribe to relay subject", "error", err)
		os.Exit(1)
	}
	defer rel.Close()
	h.SetRelay(rel)

	st.SetOnConnExpired(h.ConnExpired)
	st.Start(ctx)
	defer st.Stop()

	// The loop must outlive the signal context so shutdown cleanup can
	// still be dispatched after the first SIGTERM.
	runCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go h.Run(runCtx)

	dispatcher := notify.NewDispatcher(h)
	ingestor, err := notify.NewIngestor(nc, cfg.EventSubject, dispatcher)
	if err != nil {
		slog.Error("Failed to subscribe to domain events", "error", err)
		os.Exit(1)
	}
	defer ingestor.Close()

	verifier, err := gateway.NewJWKSVerifier(cfg.JWKSURL, cfg.Issuer)
	if err != nil {
		slog.Error("Failed to initialize token verifier", "error", err)
		os.Exit(1)
	}
	defer verifier.Close()

	gw := gateway.New(gateway.Config{AuthTimeout: cfg.AuthTimeout}, h, verifier)
	mux := http.NewServeMux()
	gw.Routes(mux)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("Gateway listening", "addr", cfg.Addr, "instance", h.InstanceID())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		slog.Error("Hub shutdown incomplete", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
}
