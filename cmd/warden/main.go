package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Will-Luck/Docker-Warden/internal/clock"
	"github.com/Will-Luck/Docker-Warden/internal/config"
	"github.com/Will-Luck/Docker-Warden/internal/docker"
	"github.com/Will-Luck/Docker-Warden/internal/kuma"
	"github.com/Will-Luck/Docker-Warden/internal/logging"
	"github.com/Will-Luck/Docker-Warden/internal/metrics"
	"github.com/Will-Luck/Docker-Warden/internal/notify"
	"github.com/Will-Luck/Docker-Warden/internal/store"
	"github.com/Will-Luck/Docker-Warden/internal/warden"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("Docker-Warden")
	fmt.Println("=============================================")
	cfg.PrintBanner()

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	log.Info("state store open", "dir", st.Dir())

	client, err := docker.NewClient(cfg.DockerSock)
	if err != nil {
		log.Error("failed to create Docker client", "error", err)
		os.Exit(1)
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		log.Error("Docker daemon unreachable", "socket", cfg.DockerSock, "error", err)
		os.Exit(1)
	}

	dispatcher := notify.NewDispatcher(st, log, metrics.CountNotification)
	fmt.Println("NOTIFICATIONS=" + dispatcher.ConfiguredServices())
	go dispatcher.Run(ctx)

	if policy := st.Snapshot(); policy.Observability.MetricsEnabled {
		metrics.Serve(policy.Observability.MetricsPort)
	}

	clk := clock.Real{}
	kumaMonitor := kuma.NewMonitor(st, clk, log)
	go kumaMonitor.Run(ctx)

	sup := warden.NewSupervisor(warden.SupervisorOptions{
		Store:       st,
		API:         client,
		Clock:       clk,
		Log:         log,
		Notify:      dispatcher,
		Metrics:     metrics.Recorder{},
		Kuma:        kumaMonitor,
		StopTimeout: cfg.DefaultStopTimeout,
		Workers:     cfg.WorkerLimit,
	})

	watcher := docker.NewWatcher(client, metrics.SetStreamConnected)
	enroller := warden.NewEnroller(st, client, clk, log, dispatcher)
	go enroller.Run(ctx, watcher.Watch(ctx))

	go warden.NewMaintenanceScheduler(st, clk, log).Run(ctx)

	if cfg.StartPeriod > 0 {
		fmt.Printf("Monitoring containers in %d second(s)\n", cfg.StartPeriod)
		select {
		case <-time.After(time.Duration(cfg.StartPeriod) * time.Second):
		case <-ctx.Done():
			return
		}
	}

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutting down")
}
