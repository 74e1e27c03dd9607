package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/pitlane/amb-ingest/pkg/errs"
	"github.com/pitlane/amb-ingest/pkg/model"
)

const (
	// idleConnLifetime recycles a connection after 300s idle, per spec.md
	// §5's shared-resource note.
	idleConnLifetime = 300 * time.Second
	maxReconnectTries = 30
	reconnectDelay    = 1 * time.Second
	maxReconnectCycle = 10
)

// DSNConfig names the pieces needed to build a MySQL DSN, mirroring
// original_source/AmbP3/write.py's open_mysql_connection arguments.
type DSNConfig struct {
	User     string
	Password string
	DB       string
	Host     string
	Port     int
}

func (c DSNConfig) dsn() string {
	cfg := mysql.Config{
		User:                 c.User,
		Passwd:               c.Password,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%d", c.Host, c.Port),
		DBName:               c.DB,
		ParseTime:            true,
		AllowNativePasswords: true,
	}
	return cfg.FormatDSN()
}

// MySQLStore implements Store against the schema in spec.md §6 using
// sqlx over database/sql, with a bounded reconnect-and-retry wrapper around
// every query (spec.md §7 kind 4: operational faults get ≤30 attempts with
// 1s delay, up to 10 reconnect cycles; integrity faults are logged and
// swallowed rather than retried).
type MySQLStore struct {
	db *sqlx.DB

	reconnectCycles int
}

// Open connects to MySQL and verifies reachability with a ping.
func Open(ctx context.Context, cfg DSNConfig) (*MySQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "mysql", cfg.dsn())
	if err != nil {
		return nil, errs.New(errs.KindFatalConfig, "store.open", err)
	}
	db.SetConnMaxIdleTime(idleConnLifetime)
	return &MySQLStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// withReconnect runs a read: sql.ErrNoRows is returned to the caller
// untouched (callers branch on it for their ok=false case), and any other
// non-operational error (malformed query, cancelled context, interface
// fault) is returned as a KindPersistence error rather than swallowed — a
// failed read must never be mistaken for "queried, found nothing" by a
// caller working off zero-valued data.
func (s *MySQLStore) withReconnect(ctx context.Context, op string, fn func() error) error {
	return s.withReconnectOpts(ctx, op, false, fn)
}

// withReconnectWrite runs a write. Like withReconnect, but a non-operational
// error is an integrity/interface fault rather than "no rows": it is logged
// and swallowed, and the offending write is dropped (spec.md §7 kind 4).
func (s *MySQLStore) withReconnectWrite(ctx context.Context, op string, fn func() error) error {
	return s.withReconnectOpts(ctx, op, true, fn)
}

// withReconnectOpts retries fn on an operational (connection-level) MySQL
// error, reconnecting and re-pinging between attempts, up to
// maxReconnectTries times, and refuses to reconnect more than
// maxReconnectCycle times across the store's lifetime (spec.md §5, §7).
func (s *MySQLStore) withReconnectOpts(ctx context.Context, op string, swallowIntegrity bool, fn func() error) error {
	err := s.classifyAttempt(op, swallowIntegrity, fn())
	if err != errRetryOperational {
		return err
	}

	if s.reconnectCycles >= maxReconnectCycle {
		return errs.New(errs.KindFatalConfig, op, fmt.Errorf("exceeded %d reconnect cycles", maxReconnectCycle))
	}
	s.reconnectCycles++

	var lastErr error
	for attempt := 0; attempt < maxReconnectTries; attempt++ {
		select {
		case <-ctx.Done():
			return errs.New(errs.KindPersistence, op, ctx.Err())
		case <-time.After(reconnectDelay):
		}
		if pingErr := s.db.PingContext(ctx); pingErr != nil {
			lastErr = pingErr
			log.Printf("store: %s: reconnect attempt %d/%d failed: %v", op, attempt+1, maxReconnectTries, pingErr)
			continue
		}
		retryErr := s.classifyAttempt(op, swallowIntegrity, fn())
		if retryErr != errRetryOperational {
			return retryErr
		}
		lastErr = fmt.Errorf("operational error persisted after reconnect")
	}
	return errs.New(errs.KindPersistence, op, fmt.Errorf("failed after %d reconnect attempts: %w", maxReconnectTries, lastErr))
}

// errRetryOperational is a sentinel meaning "fn failed with an operational
// error; the reconnect loop should keep retrying." Any other return value
// from classifyAttempt (including nil) is final.
var errRetryOperational = errors.New("store: operational error, retrying")

// classifyAttempt turns one fn() result into a final outcome (nil success,
// sql.ErrNoRows, a swallowed integrity fault, or a wrapped persistence
// error) or signals the caller to retry via errRetryOperational.
func (s *MySQLStore) classifyAttempt(op string, swallowIntegrity bool, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if isOperational(err) {
		return errRetryOperational
	}
	if swallowIntegrity {
		log.Printf("store: %s: integrity fault, dropping: %v", op, err)
		return nil
	}
	return errs.New(errs.KindPersistence, op, err)
}

func isOperational(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// 1213 deadlock, 1205 lock wait timeout and driver-level
		// connection errors are operational; constraint violations
		// (1022, 1062, 1452...) are integrity faults.
		switch myErr.Number {
		case 1213, 1205:
			return true
		}
		return false
	}
	return errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone)
}

func (s *MySQLStore) InsertPassing(ctx context.Context, p model.Passing) error {
	return s.withReconnectWrite(ctx, "store.InsertPassing", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO passes (pass_id, transponder_id, rtc_time, strength, hits, flags, decoder_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.PassID, p.TransponderID, p.RTCTime, p.Strength, p.Hits, p.Flags, p.DecoderID)
		return err
	})
}

func (s *MySQLStore) DeletePassing(ctx context.Context, passID uint32) error {
	return s.withReconnectWrite(ctx, "store.DeletePassing", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM passes WHERE pass_id = ?`, passID)
		return err
	})
}

type settingRow struct {
	Setting string `db:"setting"`
	Value   string `db:"value"`
}

func (s *MySQLStore) Settings(ctx context.Context) (model.Settings, error) {
	var rows []settingRow
	err := s.withReconnect(ctx, "store.Settings", func() error {
		return s.db.SelectContext(ctx, &rows, `SELECT setting, value FROM settings`)
	})
	if err != nil {
		return model.Settings{}, err
	}

	out := model.Settings{}
	for _, r := range rows {
		n, convErr := strconv.Atoi(r.Value)
		switch r.Setting {
		case "green_flag":
			out.GreenFlag = convErr == nil && n != 0
		case "heat_duration":
			if convErr == nil {
				out.HeatDuration = time.Duration(n) * time.Second
			}
		case "heat_cooldown":
			if convErr == nil {
				out.HeatCooldown = time.Duration(n) * time.Second
			}
		case "minimum_lap_time":
			if convErr == nil {
				out.MinimumLapTime = time.Duration(n) * time.Second
			}
		}
	}
	return out, nil
}

func (s *MySQLStore) GreenFlag(ctx context.Context) (bool, error) {
	var value string
	err := s.withReconnect(ctx, "store.GreenFlag", func() error {
		return s.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE setting = 'green_flag'`)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	n, convErr := strconv.Atoi(value)
	return convErr == nil && n != 0, nil
}

type heatRow struct {
	HeatID        int64  `db:"heat_id"`
	HeatFinished  bool   `db:"heat_finished"`
	FirstPassID   uint32 `db:"first_pass_id"`
	LastPassID    *uint32 `db:"last_pass_id"`
	RTCTimeStart  uint64 `db:"rtc_time_start"`
	RTCTimeEnd    uint64 `db:"rtc_time_end"`
	RTCTimeMaxEnd uint64 `db:"rtc_time_max_end"`
	RaceFlag      int    `db:"race_flag"`
}

func (r heatRow) toModel() model.Heat {
	return model.Heat{
		HeatID:        r.HeatID,
		HeatFinished:  r.HeatFinished,
		FirstPassID:   r.FirstPassID,
		LastPassID:    r.LastPassID,
		RTCTimeStart:  r.RTCTimeStart,
		RTCTimeEnd:    r.RTCTimeEnd,
		RTCTimeMaxEnd: r.RTCTimeMaxEnd,
		RaceFlag:      model.RaceFlag(r.RaceFlag),
	}
}

func (s *MySQLStore) UnfinishedHeat(ctx context.Context) (*model.Heat, bool, error) {
	var row heatRow
	err := s.withReconnect(ctx, "store.UnfinishedHeat", func() error {
		return s.db.GetContext(ctx, &row,
			`SELECT heat_id, heat_finished, first_pass_id, last_pass_id, rtc_time_start, rtc_time_end, rtc_time_max_end, race_flag
			 FROM heats WHERE heat_finished = 0 ORDER BY heat_id DESC LIMIT 1`)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	h := row.toModel()
	return &h, true, nil
}

func (s *MySQLStore) LatestLapPassID(ctx context.Context) (uint32, bool, error) {
	var passID uint32
	err := s.withReconnect(ctx, "store.LatestLapPassID", func() error {
		return s.db.GetContext(ctx, &passID, `SELECT pass_id FROM laps ORDER BY pass_id DESC LIMIT 1`)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return passID, true, nil
}

type passingRow struct {
	DBEntryID     int64  `db:"db_entry_id"`
	PassID        uint32 `db:"pass_id"`
	TransponderID uint32 `db:"transponder_id"`
	RTCTime       uint64 `db:"rtc_time"`
	Strength      uint16 `db:"strength"`
	Hits          uint16 `db:"hits"`
	Flags         uint16 `db:"flags"`
	DecoderID     uint32 `db:"decoder_id"`
}

func (r passingRow) toModel() model.Passing {
	return model.Passing{
		DBEntryID:     r.DBEntryID,
		PassID:        r.PassID,
		TransponderID: r.TransponderID,
		RTCTime:       r.RTCTime,
		Strength:      r.Strength,
		Hits:          r.Hits,
		Flags:         r.Flags,
		DecoderID:     r.DecoderID,
	}
}

func (s *MySQLStore) FirstPassingAfter(ctx context.Context, afterPassID uint32, afterRTC uint64) (*model.Passing, bool, error) {
	var row passingRow
	err := s.withReconnect(ctx, "store.FirstPassingAfter", func() error {
		return s.db.GetContext(ctx, &row,
			`SELECT db_entry_id, pass_id, transponder_id, rtc_time, strength, hits, flags, decoder_id
			 FROM passes WHERE pass_id > ? AND rtc_time > ? ORDER BY pass_id ASC LIMIT 1`,
			afterPassID, afterRTC)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	p := row.toModel()
	return &p, true, nil
}

func (s *MySQLStore) InsertHeat(ctx context.Context, h model.Heat) (int64, error) {
	var id int64
	err := s.withReconnectWrite(ctx, "store.InsertHeat", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO heats (first_pass_id, rtc_time_start, rtc_time_end, rtc_time_max_end, heat_finished, race_flag)
			 VALUES (?, ?, ?, ?, 0, 0)`,
			h.FirstPassID, h.RTCTimeStart, h.RTCTimeEnd, h.RTCTimeMaxEnd)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// unprocessedPassingsQuery mirrors the union-then-anti-join shape of
// original_source/amb_laps.py's heat_not_processed_passes_query: the
// in-window passings plus the single next passing past the window,
// excluding anything already lapped.
const unprocessedPassingsQuery = `
SELECT p.db_entry_id, p.pass_id, p.transponder_id, p.rtc_time, p.strength, p.hits, p.flags, p.decoder_id
FROM (
	SELECT * FROM passes WHERE pass_id >= ? AND rtc_time <= ?
	UNION ALL
	(SELECT * FROM passes WHERE rtc_time > ? ORDER BY rtc_time ASC LIMIT 1)
) AS p
LEFT JOIN laps ON p.pass_id = laps.pass_id
WHERE laps.heat_id IS NULL
ORDER BY p.pass_id ASC`

func (s *MySQLStore) UnprocessedPassings(ctx context.Context, firstPassID uint32, maxEnd uint64) ([]model.Passing, error) {
	var rows []passingRow
	err := s.withReconnect(ctx, "store.UnprocessedPassings", func() error {
		return s.db.SelectContext(ctx, &rows, unprocessedPassingsQuery, firstPassID, maxEnd, maxEnd)
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Passing, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *MySQLStore) PreviousLapTime(ctx context.Context, heatID int64, transponderID uint32, beforePassID uint32) (uint64, bool, error) {
	var rtc uint64
	err := s.withReconnect(ctx, "store.PreviousLapTime", func() error {
		return s.db.GetContext(ctx, &rtc,
			`SELECT rtc_time FROM laps WHERE heat_id = ? AND transponder_id = ? AND pass_id < ?
			 ORDER BY rtc_time DESC LIMIT 1`,
			heatID, transponderID, beforePassID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rtc, true, nil
}

func (s *MySQLStore) InsertLap(ctx context.Context, l model.Lap) error {
	return s.withReconnectWrite(ctx, "store.InsertLap", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO laps (heat_id, pass_id, transponder_id, rtc_time) VALUES (?, ?, ?, ?)`,
			l.HeatID, l.PassID, l.TransponderID, l.RTCTime)
		return err
	})
}

func (s *MySQLStore) WaveFinishFlag(ctx context.Context, heatID int64) error {
	return s.withReconnectWrite(ctx, "store.WaveFinishFlag", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE heats SET race_flag = 1 WHERE heat_id = ?`, heatID)
		return err
	})
}

func (s *MySQLStore) LatestLapPassIDForHeat(ctx context.Context, heatID int64) (uint32, bool, error) {
	var passID uint32
	err := s.withReconnect(ctx, "store.LatestLapPassIDForHeat", func() error {
		return s.db.GetContext(ctx, &passID,
			`SELECT pass_id FROM laps WHERE heat_id = ? ORDER BY pass_id DESC LIMIT 1`, heatID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return passID, true, nil
}

func (s *MySQLStore) FinishHeat(ctx context.Context, heatID int64, lastPassID *uint32) error {
	return s.withReconnectWrite(ctx, "store.FinishHeat", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE heats SET heat_finished = 1, last_pass_id = ? WHERE heat_id = ?`,
			lastPassID, heatID)
		return err
	})
}

func (s *MySQLStore) TransponderCounts(ctx context.Context, heatID int64, afterRTC uint64) (int, int, error) {
	var seen, finished int
	err := s.withReconnect(ctx, "store.TransponderCounts", func() error {
		if err := s.db.GetContext(ctx, &seen,
			`SELECT COUNT(DISTINCT transponder_id) FROM laps WHERE heat_id = ?`, heatID); err != nil {
			return err
		}
		return s.db.GetContext(ctx, &finished,
			`SELECT COUNT(DISTINCT transponder_id) FROM laps WHERE heat_id = ? AND rtc_time > ?`, heatID, afterRTC)
	})
	return seen, finished, err
}

func (s *MySQLStore) CloseHeat(ctx context.Context, heatID int64) error {
	return s.withReconnectWrite(ctx, "store.CloseHeat", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE heats SET race_flag = 2 WHERE heat_id = ?`, heatID)
		return err
	})
}

var _ Store = (*MySQLStore)(nil)
