package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/thorium-research/thorium/pkg/config"
	"github.com/thorium-research/thorium/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "path to a Thorium YAML config file (overrides THORIUM_CONFIG_FILE)")
	flag.Parse()

	if *configPath != "" {
		if err := os.Setenv("THORIUM_CONFIG_FILE", *configPath); err != nil {
			log.Fatalf("set config path: %v", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	app, err := NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("initialize app: %v", err)
	}
	defer app.Close()

	log.Printf("thorium-server %s ready, namespace=%s", version.Version, cfg.Namespace)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("thorium-server shutting down")
}
