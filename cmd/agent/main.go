// Command agent runs inside a customer's network and drives a headless
// browser against their site on the control-plane server's behalf, per
// spec.md §5's two-process deployment model.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/formscout/controlplane/internal/agentrt"
	"github.com/formscout/controlplane/internal/config"
	"github.com/formscout/controlplane/internal/crawler"
	"github.com/formscout/controlplane/internal/crawler/playwrightdriver"
	"github.com/formscout/controlplane/internal/logging"
)

func main() {
	config.LoadDotEnv(".env")
	log := logging.Component("agent")

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}

	client := agentrt.NewClient(cfg.ServerBaseURL, cfg.LegacyBearer, cfg.PollTimeout+10*time.Second)
	runtime := agentrt.NewRuntime(client, *cfg, newHeadlessDriver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		log.Info().Msg("shutting down")
		cancel()
	}()

	if err := runtime.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("runtime stopped")
	}
}

// newHeadlessDriver adapts playwrightdriver.New to agentrt.DriverFactory:
// the agent always runs headless in production, unlike the driver's
// own slowMode knob which stays caller-configurable for debugging a
// customer's site interactively.
func newHeadlessDriver(ctx context.Context, baseURL string, slowMode bool) (crawler.Driver, error) {
	return playwrightdriver.New(ctx, baseURL, true, slowMode)
}
