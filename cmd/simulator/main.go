package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charging-platform/charge-point-simulator/internal/config"
	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/fleet"
	"github.com/charging-platform/charge-point-simulator/internal/logger"
	"github.com/charging-platform/charge-point-simulator/internal/registry"
	"github.com/charging-platform/charge-point-simulator/internal/simulator"
)

func main() {
	configPath := flag.String("config", "devices.yaml", "path to the devices/simulations YAML file")
	simulationName := flag.String("simulation", "", "name of the simulation entry to run")
	flag.Parse()

	if *simulationName == "" {
		fmt.Println("Failed to start: --simulation is required")
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:  envOr("LOG_LEVEL", "info"),
		Format: envOr("LOG_FORMAT", "console"),
		Output: envOr("LOG_OUTPUT", "stdout"),
		Async:  envOr("LOG_ASYNC", "false") == "true",
		Caller: true,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("Logger initialized")
	zlog := log.GetLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	sim, err := cfg.FindSimulation(*simulationName)
	if err != nil {
		log.Fatalf("%v", err)
	}
	dev, ok := cfg.FindDevice(sim.DeviceName)
	if !ok {
		log.Fatalf("device %q referenced by simulation %q not found", sim.DeviceName, sim.Name)
	}

	sm, err := simulator.New(*dev, *sim, zlog)
	if err != nil {
		log.Fatalf("Failed to build simulator: %v", err)
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		regCfg := registry.DefaultConfig()
		regCfg.Addr = addr
		reg, err := registry.New(regCfg, zlog)
		if err != nil {
			log.Errorf("Failed to initialize device registry: %v", err)
		} else {
			sm.SetRegistry(reg)
			log.Info("Device registry initialized")
			defer reg.Close()
		}
	}

	var publisher *fleet.EventPublisher
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		publisher, err = fleet.NewEventPublisher(strings.Split(brokers, ","), envOr("KAFKA_UPSTREAM_TOPIC", "simulator.events"), dev.Name, zlog)
		if err != nil {
			log.Errorf("Failed to initialize fleet event publisher: %v", err)
		} else {
			sm.SetFleetPublisher(publisher)
			log.Info("Fleet event publisher initialized")
			defer publisher.Close()
		}

		consumer, err := fleet.NewCommandConsumer(strings.Split(brokers, ","), envOr("KAFKA_CONSUMER_GROUP", "simulator"), envOr("KAFKA_COMMAND_TOPIC", "simulator.commands"), zlog)
		if err != nil {
			log.Errorf("Failed to initialize fleet command consumer: %v", err)
		} else {
			consumer.Start(func(cmd fleet.Command) {
				if cmd.ChargePointID != dev.Name {
					return
				}
				sm.TriggerFlow(context.Background(), cmd.Flow, cmd.Options)
			})
			log.Info("Fleet command consumer started")
			defer consumer.Close()
		}
	}

	sm.OnFatal(func(deviceID string, ev errevent.Event) {
		log.Errorf("device %s: fatal error (%s): %s — exiting", deviceID, ev.Kind, ev.Description)
		os.Exit(1)
	})

	metricsAddr := envOr("METRICS_ADDR", ":9090")
	go startMetricsServer(metricsAddr, log)

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("Shutting down simulator...")
		cancel()
	}()

	log.Infof("Starting simulation %q for device %q", sim.Name, dev.Name)
	if err := sm.Start(ctx); err != nil && err != context.Canceled {
		log.Errorf("Simulator stopped with error: %v", err)
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer endCancel()
	sm.End(endCtx)

	log.Info("Simulator stopped gracefully.")
}

func startMetricsServer(addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infof("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("Metrics server failed: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
