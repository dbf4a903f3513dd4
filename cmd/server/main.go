// Command server runs the control-plane server process: the Budget
// Gate (C1), AI Broker (C2), Task Bus (C3) and Mapper Orchestrator (C5)
// behind one HTTP listener, per spec.md §5's "stateless process behind
// a load balancer, persisted state in SQLite/Redis" deployment model.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/formscout/controlplane/internal/aibroker"
	sessionbus "github.com/formscout/controlplane/internal/bus"
	"github.com/formscout/controlplane/internal/budget"
	"github.com/formscout/controlplane/internal/cache"
	"github.com/formscout/controlplane/internal/config"
	"github.com/formscout/controlplane/internal/httpapi"
	"github.com/formscout/controlplane/internal/logging"
	"github.com/formscout/controlplane/internal/mapper"
	"github.com/formscout/controlplane/internal/notifications"
	"github.com/formscout/controlplane/internal/objectstore"
	"github.com/formscout/controlplane/internal/store"
	"github.com/formscout/controlplane/internal/taskbus"
)

func main() {
	config.LoadDotEnv(".env")
	log := logging.Component("server")

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}

	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("opening store")
	}
	defer st.Close()

	c := newCache(cfg, log)

	nats, err := sessionbus.StartEmbedded(cfg.NATSEmbeddedPort)
	if err != nil {
		log.Fatal().Err(err).Msg("starting embedded nats")
	}
	defer nats.Shutdown()
	mailbox, err := sessionbus.Connect(nats.ClientURL())
	if err != nil {
		log.Fatal().Err(err).Msg("connecting session mailbox")
	}
	defer mailbox.Close()

	objects, err := objectstore.NewLocalStore(cfg.ObjectStoreRoot, cfg.ObjectStoreBaseURL, cfg.ObjectStoreSignKey)
	if err != nil {
		log.Fatal().Err(err).Msg("opening object store")
	}

	bus := taskbus.NewService(st, cfg.JWTSigningKey, cfg.LegacyBearer)
	gate := budget.NewGate(st, c, notifications.NewLogNotifier())

	modelClient := aibroker.NewHTTPModelClient(cfg.AIEndpoint, cfg.AIAPIKey, 5, 10)
	broker := aibroker.New(modelClient)

	orchestrator := mapper.New(st, mapper.NewStore(c), c, gate, broker, bus)
	formPages := httpapi.NewFormPagesHandlers(bus, gate, broker)

	router := httpapi.NewRouter(httpapi.Dependencies{
		Store: st, TaskBus: bus, Budget: gate, Orchestrator: orchestrator,
		ObjectStore: objects, Mailbox: mailbox, HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, formPages)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		serverErr <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	case <-shutdown:
		log.Info().Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// newCache wires Redis when configured, falling back to the in-memory
// implementation for local/dev runs with no Redis available.
func newCache(cfg *config.Server, log logging.Logger) cache.Cache {
	if cfg.RedisAddr == "" {
		return cache.NewMemory()
	}
	r := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, 0)
	if err := r.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Msg("redis unreachable, falling back to in-memory cache")
		return cache.NewMemory()
	}
	return r
}
