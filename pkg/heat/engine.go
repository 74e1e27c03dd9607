// Package heat implements the Heat/Lap Engine: the state machine that turns
// a stream of passings into heats and laps, grounded on
// original_source/amb_laps.py's Heat class.
package heat

import (
	"context"
	"log"
	"time"

	"github.com/pitlane/amb-ingest/pkg/errs"
	"github.com/pitlane/amb-ingest/pkg/model"
	"github.com/pitlane/amb-ingest/pkg/store"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	greenFlagPollInterval = 1 * time.Second
	newPassPollInterval   = 1 * time.Second

	defaultHeatDuration   = 590 * time.Second
	defaultHeatCooldown   = 90 * time.Second
	defaultMinimumLapTime = 10 * time.Second
)

// Engine drives heats to completion in a loop until its context is
// cancelled (spec.md §4.5: "while not shutting down, construct or retrieve
// the current heat, run it to completion, repeat").
type Engine struct {
	Store        store.Store
	Clock        *model.DecoderTime
	PollInterval time.Duration // default 500ms

	// Bus, if set, receives lifecycle notifications (heat acquired, finish
	// waved, heat finalized); nil disables it. Non-critical-path: a
	// failure here never affects heat state.
	Bus EventSink
}

// EventSink receives non-critical heat lifecycle notifications.
type EventSink interface {
	HeatAcquired(heatID int64, h model.Heat)
	FinishWaved(heatID int64)
	HeatFinished(heatID int64, lastPassID *uint32)
}

// Run repeatedly acquires and runs heats to completion until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		heat, settings, err := e.acquireHeat(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := e.runHeat(ctx, heat, settings); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acquireHeat resumes an unfinished heat if one exists, or blocks until a
// new one can be created (spec.md §4.5 "Heat acquisition").
func (e *Engine) acquireHeat(ctx context.Context) (model.Heat, model.Settings, error) {
	settings, err := e.loadSettings(ctx)
	if err != nil {
		return model.Heat{}, settings, err
	}

	existing, ok, err := e.Store.UnfinishedHeat(ctx)
	if err != nil {
		return model.Heat{}, settings, err
	}
	if ok {
		log.Printf("heat: resuming unfinished heat %d", existing.HeatID)
		return *existing, settings, nil
	}

	h, err := e.createHeat(ctx, settings)
	if err != nil {
		return model.Heat{}, settings, err
	}
	if e.Bus != nil {
		e.Bus.HeatAcquired(h.HeatID, h)
	}
	return h, settings, nil
}

func (e *Engine) loadSettings(ctx context.Context) (model.Settings, error) {
	s, err := e.Store.Settings(ctx)
	if err != nil {
		return s, err
	}
	if s.HeatDuration == 0 {
		s.HeatDuration = defaultHeatDuration
	}
	if s.HeatCooldown == 0 {
		s.HeatCooldown = defaultHeatCooldown
	}
	if s.MinimumLapTime == 0 {
		s.MinimumLapTime = defaultMinimumLapTime
	}
	return s, nil
}

// createHeat waits for the green flag, then for the first qualifying
// passing, and inserts the heat row.
func (e *Engine) createHeat(ctx context.Context, settings model.Settings) (model.Heat, error) {
	greenFlagTime, err := e.waitForGreenFlag(ctx)
	if err != nil {
		return model.Heat{}, err
	}

	latestLapPassID, _, err := e.Store.LatestLapPassID(ctx)
	if err != nil {
		return model.Heat{}, err
	}

	passing, err := e.waitForFirstPassing(ctx, latestLapPassID, greenFlagTime)
	if err != nil {
		return model.Heat{}, err
	}

	start := passing.RTCTime
	h := model.Heat{
		FirstPassID:   passing.PassID,
		RTCTimeStart:  start,
		RTCTimeEnd:    start + uint64(settings.HeatDuration.Microseconds()),
		RTCTimeMaxEnd: start + uint64((settings.HeatDuration + settings.HeatCooldown).Microseconds()),
	}
	id, err := e.Store.InsertHeat(ctx, h)
	if err != nil {
		return model.Heat{}, err
	}
	h.HeatID = id
	log.Printf("heat: created heat %d starting at pass %d, rtc %d", id, h.FirstPassID, h.RTCTimeStart)
	return h, nil
}

func (e *Engine) waitForGreenFlag(ctx context.Context) (uint64, error) {
	for {
		green, err := e.Store.GreenFlag(ctx)
		if err != nil {
			return 0, err
		}
		if green {
			return e.Clock.Get(), nil
		}
		if err := sleepCtx(ctx, greenFlagPollInterval); err != nil {
			return 0, err
		}
	}
}

func (e *Engine) waitForFirstPassing(ctx context.Context, afterPassID uint32, afterRTC uint64) (model.Passing, error) {
	for {
		p, ok, err := e.Store.FirstPassingAfter(ctx, afterPassID, afterRTC)
		if err != nil {
			return model.Passing{}, err
		}
		if ok {
			return *p, nil
		}
		if err := sleepCtx(ctx, newPassPollInterval); err != nil {
			return model.Passing{}, err
		}
	}
}

// runHeat polls a heat to completion: finish-flag waving, finalization, and
// lap insertion for each unprocessed passing (spec.md §4.5 "Steady state").
func (e *Engine) runHeat(ctx context.Context, h model.Heat, settings model.Settings) error {
	interval := e.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}

	for {
		current, ok, err := e.Store.UnfinishedHeat(ctx)
		if err != nil {
			return err
		}
		if !ok || current.HeatID != h.HeatID {
			return nil // heat already finalized by a prior iteration
		}
		if current.RaceFlag == model.RaceFlagClosed {
			return e.finishHeat(ctx, h.HeatID)
		}

		now := e.Clock.Get()
		if now > h.RTCTimeEnd && current.RaceFlag == model.RaceFlagGreen {
			if err := e.Store.WaveFinishFlag(ctx, h.HeatID); err != nil {
				return err
			}
			if e.Bus != nil {
				e.Bus.FinishWaved(h.HeatID)
			}
		}
		if now > h.RTCTimeMaxEnd {
			return e.finishHeat(ctx, h.HeatID)
		}
		if current.RaceFlag != model.RaceFlagGreen {
			seen, finished, err := e.Store.TransponderCounts(ctx, h.HeatID, h.RTCTimeEnd)
			if err != nil {
				return err
			}
			if seen > 0 && finished >= seen {
				return e.finishHeat(ctx, h.HeatID)
			}
		}

		passings, err := e.Store.UnprocessedPassings(ctx, h.FirstPassID, h.RTCTimeMaxEnd)
		if err != nil {
			return err
		}
		for _, p := range passings {
			if p.RTCTime > h.RTCTimeMaxEnd {
				return e.finishHeat(ctx, h.HeatID)
			}
			if err := e.processPassing(ctx, h.HeatID, settings, p); err != nil {
				return err
			}
		}

		if err := sleepCtx(ctx, interval); err != nil {
			return nil
		}
	}
}

// processPassing runs the minimum-lap check for one passing and inserts a
// lap on success (spec.md §4.5 "Minimum-lap check").
func (e *Engine) processPassing(ctx context.Context, heatID int64, settings model.Settings, p model.Passing) error {
	previous, ok, err := e.Store.PreviousLapTime(ctx, heatID, p.TransponderID, p.PassID)
	if err != nil {
		return err
	}
	if !ok {
		previous = 0
	}

	if p.RTCTime-previous <= uint64(settings.MinimumLapTime.Microseconds()) {
		return e.Store.DeletePassing(ctx, p.PassID)
	}

	return e.Store.InsertLap(ctx, model.Lap{
		HeatID:        heatID,
		PassID:        p.PassID,
		TransponderID: p.TransponderID,
		RTCTime:       p.RTCTime,
	})
}

func (e *Engine) finishHeat(ctx context.Context, heatID int64) error {
	lastPassID, ok, err := e.Store.LatestLapPassIDForHeat(ctx, heatID)
	if err != nil {
		return err
	}
	var ptr *uint32
	if ok {
		ptr = &lastPassID
	}
	if err := e.Store.FinishHeat(ctx, heatID, ptr); err != nil {
		return err
	}
	log.Printf("heat: finished heat %d, last_pass_id=%v", heatID, ptr)
	if e.Bus != nil {
		e.Bus.HeatFinished(heatID, ptr)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return errs.New(errs.KindTransport, "heat.sleep", ctx.Err())
	case <-time.After(d):
		return nil
	}
}
