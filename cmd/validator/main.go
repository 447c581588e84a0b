// Package main is the entry point for a gossip transport validator: it
// loads NetworkConfig, starts NetworkService, and waits for a shutdown
// signal.
//
// Configuration Loading Strategy:
// 1. Command line argument: uses the specified config file path
// 2. Default file: attempts to load config/network.yaml
// 3. Hardcoded defaults: falls back to config.Default()
//
// Called by: operating system process execution
// Calls: config.Load(), config.Default(), network.NewService()
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tenzoki/gossipnet/internal/config"
	"github.com/tenzoki/gossipnet/public/network"
)

func main() {
	var cfg *config.NetworkConfig
	var configSource string

	if len(os.Args) >= 2 {
		configFile := os.Args[1]
		loadedCfg, err := config.Load(configFile)
		if err != nil {
			log.Fatalf("Failed to load config from %s: %v", configFile, err)
		}
		cfg = loadedCfg
		configSource = "config file: " + configFile
	} else if _, err := os.Stat("config/network.yaml"); err == nil {
		loadedCfg, err := config.Load("config/network.yaml")
		if err != nil {
			log.Printf("Warning: config/network.yaml exists but failed to load: %v", err)
			log.Printf("Using hardcoded defaults instead")
			cfg = config.Default()
			configSource = "hardcoded defaults (config/network.yaml failed to parse)"
		} else {
			cfg = loadedCfg
			configSource = "config/network.yaml (default)"
		}
	} else {
		log.Printf("No config file specified and config/network.yaml not found")
		cfg = config.Default()
		configSource = "hardcoded defaults"
	}

	log.Printf("Starting gossip validator using %s", configSource)
	if cfg.Debug {
		log.Printf("Debug enabled, listen address %s, %d configured peers", cfg.ListenAddress, len(cfg.PeerURLs))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := network.NewService(cfg, nil, log.Default())
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Failed to start network service: %v", err)
	}

	log.Printf("Gossip transport listening on %s", svc.ListenAddr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %s, shutting down...", sig)
	case <-ctx.Done():
		log.Printf("Context cancelled, shutting down...")
	}

	cancel()

	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Network service shut down successfully")
	case <-time.After(10 * time.Second):
		log.Println("Shutdown timeout exceeded")
	}

	if err := svc.Stop(); err != nil {
		log.Printf("Stop returned error: %v", err)
	}
}
