// Command amb-ingestd connects to a decoder, persists passings, seeds the
// shared device clock, and serves it over the Time Service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pitlane/amb-ingest/pkg/config"
	"github.com/pitlane/amb-ingest/pkg/eventbus"
	"github.com/pitlane/amb-ingest/pkg/ingest"
	"github.com/pitlane/amb-ingest/pkg/model"
	"github.com/pitlane/amb-ingest/pkg/store"
	"github.com/pitlane/amb-ingest/pkg/timesync"
)

var (
	decoderIP   = flag.String("i", "", "decoder IP address")
	decoderPort = flag.Int("p", 0, "decoder port")
	configFile  = flag.String("f", "", "YAML config file")
	rawLogFile  = flag.String("l", "", "raw frame log file")
	debugFile   = flag.String("debug-file", "", "debug header/body log file")
	timePort    = flag.Int("time-port", 9999, "Time Service TCP port")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting amb-ingestd")

	var ov config.Overrides
	if *decoderIP != "" {
		ov.IP = decoderIP
	}
	if *decoderPort != 0 {
		ov.Port = decoderPort
	}
	if *rawLogFile != "" {
		ov.RawLogFile = rawLogFile
	}
	if *debugFile != "" {
		ov.DebugFile = debugFile
	}

	cfg, err := config.Load(*configFile, ov)
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

	rawLog, debugLog := openLogs(cfg)
	if rawLog != nil {
		defer rawLog.Close()
	}
	if debugLog != nil {
		defer debugLog.Close()
	}

	client, err := ingest.New(ctx, ingest.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.IP, cfg.Port),
		CheckCRC: !cfg.SkipCRCCheck,
		RawLog:   rawLog,
		DebugLog: debugLog,
	})
	if err != nil {
		log.Fatalf("Failed to connect to decoder: %v", err)
	}
	defer client.Close()
	log.Printf("Connected to decoder at %s:%d", cfg.IP, cfg.Port)

	clock, err := client.Bootstrap(ctx)
	if err != nil {
		log.Fatalf("Failed to obtain initial decoder clock: %v", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", *timePort))
	if err != nil {
		log.Fatalf("Failed to start Time Service listener: %v", err)
	}
	defer ln.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv := &timesync.Server{}
		if err := srv.Serve(ctx, ln, clock); err != nil {
			log.Printf("Time Service stopped: %v", err)
		}
	}()

	handle := func(rec *model.Record) {
		eventbus.PublishFrame(bus, rec, nil)
		if rec.TOR != "PASSING" {
			return
		}
		p, ok := passingFromRecord(rec)
		if !ok {
			return
		}
		if err := st.InsertPassing(ctx, p); err != nil {
			log.Printf("Failed to persist passing %d: %v", p.PassID, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		cancel()
	}()

	if err := client.Run(ctx, clock, handle); err != nil {
		log.Printf("Ingest client stopped: %v", err)
	}
	cancel()
	wg.Wait()
}

func openLogs(cfg config.Config) (rawLog, debugLog *os.File) {
	if cfg.RawLogFile != "" {
		f, err := os.OpenFile(cfg.RawLogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Printf("Could not open raw log %s: %v", cfg.RawLogFile, err)
		} else {
			rawLog = f
		}
	}
	if cfg.DebugFile != "" {
		f, err := os.OpenFile(cfg.DebugFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Printf("Could not open debug log %s: %v", cfg.DebugFile, err)
		} else {
			debugLog = f
		}
	}
	return rawLog, debugLog
}

func passingFromRecord(rec *model.Record) (model.Passing, bool) {
	passNum, ok := rec.FieldUint("PASSING_NUMBER")
	if !ok {
		return model.Passing{}, false
	}
	transponder, _ := rec.FieldUint("TRANSPONDER")
	rtc, _ := rec.FieldUint("RTC_TIME")
	strength, _ := rec.FieldUint("STRENGTH")
	hits, _ := rec.FieldUint("HITS")
	flags, _ := rec.FieldUint("FLAGS")
	decoderID, _ := rec.FieldUint("DECODER_ID")

	return model.Passing{
		PassID:        uint32(passNum),
		TransponderID: uint32(transponder),
		RTCTime:       rtc,
		Strength:      uint16(strength),
		Hits:          uint16(hits),
		Flags:         uint16(flags),
		DecoderID:     uint32(decoderID),
	}, true
}
