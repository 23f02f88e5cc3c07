// Command master runs the SCADA Master process: it loads the grid's
// static catalogue, connects to every RTU, and serves the operator HTTP
// and WebSocket APIs until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"scadamaster/internal/catalogue"
	"scadamaster/internal/master"
	"scadamaster/internal/obs/logging"
)

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to the Master's YAML configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("scadamaster master")
		return
	}
	if configPath == "" {
		fmt.Println("usage: master -config <path>")
		os.Exit(2)
	}

	cfg, err := catalogue.Load(configPath)
	if err != nil {
		log.Fatalf("load master config: %v", err)
	}

	logger := logging.New("master", slog.LevelInfo)

	app, err := master.New(cfg, logger)
	if err != nil {
		log.Fatalf("build master: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; draining master")
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	log.Printf("master listening http=%s ws=%s nodes=%d", cfg.HTTPListenAddr, cfg.WSListenAddr, len(cfg.Nodes))
	if err := app.Run(ctx); err != nil {
		log.Fatalf("master runtime exited: %v", err)
	}
}
