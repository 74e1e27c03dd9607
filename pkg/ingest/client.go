// Package ingest implements the TCP client that talks to the decoder: it
// maintains the connection, splits and decodes the byte stream, solicits
// periodic clock corrections, and bootstraps an initial device clock before
// handing control to its caller.
package ingest

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pitlane/amb-ingest/pkg/errs"
	"github.com/pitlane/amb-ingest/pkg/model"
	"github.com/pitlane/amb-ingest/pkg/wire"
)

// getTimeSolicitation is the literal byte sequence that asks the decoder for
// its current RTC value (spec.md §6).
var getTimeSolicitation = []byte{0x8E, 0x00, 0x00, 0x00, 0x5B, 0xEB, 0x00, 0x00, 0x24, 0x00, 0x01, 0x00, 0x04, 0x00, 0x05, 0x00, 0x8F}

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReadTimeout    = 5 * time.Second
	defaultReadBuf        = 10 * 1024
	defaultRefreshEvery   = 30 * time.Second
	defaultBootstrapTries = 30
	defaultBootstrapWait  = 1 * time.Second
)

// Config controls one Client's behavior. Zero values fall back to the
// defaults named in spec.md §4.3.
type Config struct {
	Addr              string        // "host:port" of the decoder
	ConnectTimeout    time.Duration // default 5s
	RefreshInterval   time.Duration // GET_TIME solicitation cadence, default 30s
	BootstrapAttempts int           // default 30
	BootstrapWait     time.Duration // default 1s
	CheckCRC          bool

	// RawLog receives every decoded frame as an ASCII hex line; DebugLog
	// receives a human-readable header+body dump. Both are optional.
	// (original_source/amb_client.py's Write.to_file calls, preserved here
	// as caller-supplied sinks rather than hardcoded file paths.)
	RawLog   io.Writer
	DebugLog io.Writer
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = defaultRefreshEvery
	}
	if c.BootstrapAttempts == 0 {
		c.BootstrapAttempts = defaultBootstrapTries
	}
	if c.BootstrapWait == 0 {
		c.BootstrapWait = defaultBootstrapWait
	}
}

// Client owns one TCP connection to a decoder and the background loops that
// keep it fed (read, solicit) and up to date (clock correction).
type Client struct {
	cfg  Config
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

// New dials the decoder. The connection attempt is bounded by
// cfg.ConnectTimeout; a refused or otherwise failed connect is a fatal
// transport error left for the caller to act on (spec.md §4.3).
func New(ctx context.Context, cfg Config) (*Client, error) {
	cfg.setDefaults()
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, errs.New(errs.KindTransport, "ingest.connect", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close releases the underlying connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// readFrames performs one recv and splits it into whole and partial frames
// via the wire codec's framing. A read timeout is reported as "no frames
// this cycle" (nil, nil); a zero-length read means the peer closed the
// connection (spec.md §4.3) and is reported as a transport error so the
// caller can reconnect.
func (c *Client) readFrames() ([][]byte, error) {
	buf := make([]byte, defaultReadBuf)
	_ = c.conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	n, err := c.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, errs.New(errs.KindTransport, "ingest.read", err)
	}
	if n == 0 {
		return nil, errs.New(errs.KindTransport, "ingest.read", fmt.Errorf("peer closed connection"))
	}
	return wire.Split(buf[:n]), nil
}

// Solicit writes the GET_TIME request to the decoder.
func (c *Client) Solicit() error {
	if _, err := c.conn.Write(getTimeSolicitation); err != nil {
		return errs.New(errs.KindTransport, "ingest.solicit", err)
	}
	return nil
}

// Bootstrap blocks until an initial device clock has been obtained, or
// returns a fatal-config error after cfg.BootstrapAttempts failed attempts
// (spec.md §4.3, §7 kind 5). On success it returns the seeded DecoderTime;
// records observed along the way that are not GET_TIME are discarded and
// are never passed to Run's handler.
func (c *Client) Bootstrap(ctx context.Context) (*model.DecoderTime, error) {
	for attempt := 1; attempt <= c.cfg.BootstrapAttempts; attempt++ {
		log.Printf("ingest: waiting for decoder clock (attempt %d/%d)", attempt, c.cfg.BootstrapAttempts)
		if err := c.Solicit(); err != nil {
			log.Printf("ingest: bootstrap solicit failed: %v", err)
		}

		frames, err := c.readFrames()
		if err != nil {
			log.Printf("ingest: bootstrap read failed: %v", err)
		}
		for _, raw := range frames {
			rec, _, decErr := wire.Decode(raw, wire.Options{CheckCRC: c.cfg.CheckCRC})
			if decErr != nil {
				continue
			}
			if rec.TOR == "GET_TIME" {
				rtc, ok := rec.FieldUint("RTC_TIME")
				if !ok {
					continue
				}
				log.Printf("ingest: bootstrapped decoder clock to %d", rtc)
				return model.NewDecoderTime(rtc), nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, errs.New(errs.KindFatalConfig, "ingest.bootstrap", ctx.Err())
		case <-time.After(c.cfg.BootstrapWait):
		}
	}
	return nil, errs.New(errs.KindFatalConfig, "ingest.bootstrap", fmt.Errorf("no decoder clock after %d attempts", c.cfg.BootstrapAttempts))
}

// RecordHandler is called once per successfully decoded record seen in
// steady state.
type RecordHandler func(rec *model.Record)

// Run drives the steady-state read loop until ctx is cancelled or a
// transport error occurs. Every decoded record is passed to handle; RTC_TIME
// corrections from GET_TIME records are applied to clock as they arrive
// (spec.md §4.4's "corrections arrive asynchronously" rule). A background
// goroutine solicits GET_TIME on cfg.RefreshInterval. Run blocks until ctx
// is done or a fatal transport error occurs; it returns nil on clean
// shutdown.
func (c *Client) Run(ctx context.Context, clock *model.DecoderTime, handle RecordHandler) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.refreshLoop(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frames, err := c.readFrames()
		if err != nil {
			return err
		}
		for _, raw := range frames {
			rec, hdr, decErr := wire.Decode(raw, wire.Options{CheckCRC: c.cfg.CheckCRC})
			c.logFrame(raw, hdr, rec, decErr)
			if decErr != nil {
				log.Printf("ingest: dropping malformed frame: %v", decErr)
				continue
			}
			if rec.TOR == "GET_TIME" {
				if rtc, ok := rec.FieldUint("RTC_TIME"); ok {
					clock.Set(rtc)
				}
			}
			handle(rec)
		}
	}
}

func (c *Client) refreshLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Solicit(); err != nil {
				log.Printf("ingest: refresh solicit failed: %v", err)
				return
			}
		}
	}
}

func (c *Client) logFrame(raw []byte, hdr wire.Header, rec *model.Record, decErr error) {
	if c.cfg.RawLog != nil {
		fmt.Fprintf(c.cfg.RawLog, "%s\n", hex.EncodeToString(raw))
	}
	if c.cfg.DebugLog == nil {
		return
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "##############################################\n")
	fmt.Fprintf(&buf, "Decoded Header: SOR=%02x Version=%d Length=%d TOR=%04x\n", wire.SOR, hdr.Version, hdr.Length, hdr.TOR)
	if decErr != nil {
		fmt.Fprintf(&buf, "decode error: %v\n", decErr)
	} else {
		fmt.Fprintf(&buf, "%v\n", rec.StringMap())
	}
	c.cfg.DebugLog.Write(buf.Bytes())
}
