// Command rtu runs a single RTU process: it loads one RTU configuration
// file and simulates that node's local electrical state, control-channel
// server, and decorative protocol listeners until terminated.
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
	"scadamaster/internal/clock"
	"scadamaster/internal/obs/logging"
	"scadamaster/internal/rtu"
)

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to the RTU's YAML configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("scadamaster rtu")
		return
	}
	if configPath == "" {
		fmt.Println("usage: rtu -config <path>")
		os.Exit(2)
	}

	cfg, err := catalogue.LoadRTU(configPath)
	if err != nil {
		log.Fatalf("load rtu config: %v", err)
	}

	logger := logging.New("rtu-"+cfg.Descriptor.NodeID, slog.LevelInfo)
	runtime := rtu.New(cfg, logger, clock.Real())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; shutting down rtu " + cfg.Descriptor.NodeID)
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	log.Printf("rtu %s listening for control-channel on port %d", cfg.Descriptor.NodeID, cfg.Descriptor.ControlPort)
	if err := runtime.Run(ctx); err != nil {
		log.Fatalf("rtu runtime exited: %v", err)
	}
}
