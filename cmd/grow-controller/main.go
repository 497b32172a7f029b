package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/growlab/grow-controller/db"
	"github.com/growlab/grow-controller/internal/api"
	"github.com/growlab/grow-controller/internal/bus"
	"github.com/growlab/grow-controller/internal/config"
	"github.com/growlab/grow-controller/internal/controlloop"
	"github.com/growlab/grow-controller/internal/datadog"
	"github.com/growlab/grow-controller/internal/distribution"
	"github.com/growlab/grow-controller/internal/faults"
	"github.com/growlab/grow-controller/internal/gpio"
	"github.com/growlab/grow-controller/internal/logging"
	"github.com/growlab/grow-controller/internal/mixer"
	"github.com/growlab/grow-controller/internal/policy"
	"github.com/growlab/grow-controller/internal/safety"
	"github.com/growlab/grow-controller/internal/scheduler"
	"github.com/growlab/grow-controller/internal/sensorhub"
	"github.com/growlab/grow-controller/internal/state"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("db_file", cfg.DBFile).
		Msg("Starting grow controller")

	gpio.SetSafeMode(cfg.SafeMode)
	if cfg.SafeMode {
		log.Warn().Msg("SAFE MODE ENABLED - GPIO writes are disabled system-wide")
	}
	if err := gpio.ValidateStartupPins(cfg); err != nil {
		log.Fatal().Err(err).Msg("Refusing to start with pumps in unsafe pin states")
	}

	datadog.InitMetrics(cfg.DDAgentAddr, cfg.DDNamespace, cfg.DDTags)

	journal, err := db.Open(cfg.DBFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open journal database")
	}
	defer journal.Close()
	if err := db.SeedPlants(journal, cfg.HydratePlants()); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed plant journal")
	}

	// Abort survives restarts: the persisted flag and the config flag are
	// both honored, and clearing takes an explicit operator call.
	abort, err := db.GetAbortMode(journal)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to restore abort mode")
	}
	ctrl := state.New(abort || cfg.AbortMode, func(v bool) error {
		return db.SetAbortMode(journal, v)
	})
	if ctrl.Abort() {
		log.Warn().Msg("Booting with abort mode set - no actuation until cleared")
	}

	manager := config.NewManager(cfg)

	busClient, err := bus.NewClient(cfg.MQTT.Broker, cfg.MQTT.ClientID)
	if err != nil {
		log.Fatal().Err(err).Str("broker", cfg.MQTT.Broker).Msg("Failed to connect to MQTT broker")
	}
	defer busClient.Close()

	staleAfter := 3 * time.Duration(cfg.Event.MoistureCheckIntervalSeconds) * time.Second
	hub := sensorhub.New(busClient, cfg.SensorHub.MaxReadings, staleAfter)
	if err := hub.ApplyConfig(cfg.SensorHub); err != nil {
		log.Fatal().Err(err).Msg("Failed to program the sensor firmware")
	}
	for _, topic := range cfg.SensorHub.SubscribedTopics {
		if err := busClient.Subscribe(topic, hub.Ingest); err != nil {
			log.Fatal().Err(err).Str("topic", topic).Msg("Failed to subscribe")
		}
	}

	guard := safety.New(hub, ctrl)
	reporter := faults.New(busClient)
	mx := mixer.New(manager, guard, reporter)
	dist := distribution.New(manager, guard, mx, reporter)
	pol := policy.New()

	sched := scheduler.New()
	for _, ev := range cfg.Event.ScheduledEvents {
		if err := sched.Add(ev); err != nil {
			log.Fatal().Err(err).Str("event", ev.ID).Msg("Invalid scheduled event")
		}
	}

	loop := controlloop.New(manager, hub, guard, mx, dist, pol, sched, journal)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	server := api.NewServer(manager, loop, hub, ctrl, pol, sched, journal)
	go func() {
		if err := server.Start(cfg.APIPort); err != nil {
			log.Error().Err(err).Msg("API server exited")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	wg.Wait()
}
