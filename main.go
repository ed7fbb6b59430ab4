package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"solarctl/engine"
)

func main() {
	var (
		brokerURL      string
		clientID       string
		staticCfgPath  string
		currentLimit   float64
		offDuringMotion bool
		healthEvery    time.Duration
		showVersion    bool
	)

	cfg := engine.Defaults()
	flag.StringVar(&brokerURL, "broker", cfg.BrokerURL, "MQTT broker URL")
	flag.StringVar(&clientID, "client-id", cfg.ClientID, "MQTT client ID")
	flag.StringVar(&staticCfgPath, "config", cfg.StaticConfigPath, "Path to the static instrument/layout YAML document")
	flag.Float64Var(&currentLimit, "current-limit", cfg.AbsoluteCurrentLimit, "Deployment-wide hard current limit, amps")
	flag.BoolVar(&offDuringMotion, "off-during-motion", cfg.OffDuringMotion, "Turn the light source off while the stage is moving")
	flag.DurationVar(&healthEvery, "health-interval", 30*time.Second, "Interval between health snapshot logs (0=disabled)")
	flag.BoolVar(&showVersion, "version", false, "Print the program name and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("solarctl orchestrator")
		return
	}

	cfg.BrokerURL = brokerURL
	cfg.ClientID = clientID
	cfg.StaticConfigPath = staticCfgPath
	cfg.AbsoluteCurrentLimit = currentLimit
	cfg.OffDuringMotion = offDuringMotion

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; shutting down")
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	var ticker *time.Ticker
	if healthEvery > 0 {
		ticker = time.NewTicker(healthEvery)
		defer ticker.Stop()
	}

	if ticker == nil {
		<-ctx.Done()
		return
	}

	for {
		select {
		case <-ticker.C:
			snap := eng.HealthSnapshot(ctx)
			b, _ := json.MarshalIndent(snap, "", "  ")
			fmt.Fprintf(os.Stderr, "=== HEALTH %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
		case <-ctx.Done():
			return
		}
	}
}
