// Command amb-heatd runs the Heat/Lap Engine against the shared database,
// consuming device time from a Time Service instance run by amb-ingestd.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pitlane/amb-ingest/pkg/config"
	"github.com/pitlane/amb-ingest/pkg/eventbus"
	"github.com/pitlane/amb-ingest/pkg/heat"
	"github.com/pitlane/amb-ingest/pkg/model"
	"github.com/pitlane/amb-ingest/pkg/store"
	"github.com/pitlane/amb-ingest/pkg/timesync"
)

var (
	configFile  = flag.String("f", "", "YAML config file")
	timeAddr    = flag.String("time-addr", "127.0.0.1:9999", "Time Service address to consume")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting amb-heatd")

	cfg, err := config.Load(*configFile, config.Overrides{})
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.MySQLBackend {
		log.Fatalf("ERROR, please configure MySQL")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, store.DSNConfig{
		User:     cfg.MySQLUser,
		Password: cfg.MySQLPass,
		DB:       cfg.MySQLDB,
		Host:     cfg.MySQLHost,
		Port:     cfg.MySQLPort,
	})
	if err != nil {
		log.Fatalf("Failed to connect to MySQL: %v", err)
	}
	defer st.Close()
	log.Printf("Connected to MySQL at %s:%d", cfg.MySQLHost, cfg.MySQLPort)

	var bus *eventbus.Bus
	if b, err := eventbus.New(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB); err != nil {
		log.Printf("Event bus unavailable, continuing without it: %v", err)
	} else {
		bus = b
		defer bus.Close()
	}

	clock := model.NewDecoderTime(0)
	tc := &timesync.Client{Addr: *timeAddr}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tc.Run(ctx, clock)
	}()

	engine := &heat.Engine{
		Store: st,
		Clock: clock,
		Bus:   eventbus.HeatSink{Bus: bus},
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		cancel()
	}()

	if err := engine.Run(ctx); err != nil {
		log.Fatalf("Heat engine stopped: %v", err)
	}
	cancel()
	wg.Wait()
	fmt.Println("amb-heatd exiting")
}
