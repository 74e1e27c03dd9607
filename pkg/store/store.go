// Package store implements the persistence layer: the passes/heats/laps/
// settings tables the Heat/Lap Engine and Ingest Client read and write.
package store

import (
	"context"

	"github.com/pitlane/amb-ingest/pkg/model"
)

// Store is the narrow append/query surface the rest of the core needs
// against the relational schema in spec.md §6. Every method is
// parameter-bound; none accepts caller-assembled SQL fragments.
type Store interface {
	// InsertPassing appends one decoded PASSING record.
	InsertPassing(ctx context.Context, p model.Passing) error
	// DeletePassing removes a passing identified as noise by the
	// minimum-lap-time check.
	DeletePassing(ctx context.Context, passID uint32) error

	// Settings returns the current settings table, collapsed into the
	// subset the Heat Engine understands.
	Settings(ctx context.Context) (model.Settings, error)
	// GreenFlag reports whether the green_flag setting is currently truthy.
	GreenFlag(ctx context.Context) (bool, error)

	// UnfinishedHeat returns the most recent heat with heat_finished=0, if
	// any (resumption across restarts, spec.md §4.5).
	UnfinishedHeat(ctx context.Context) (*model.Heat, bool, error)
	// LatestLapPassID returns the greatest pass_id assigned to any lap
	// across all heats, used to find the first qualifying passing of a new
	// heat.
	LatestLapPassID(ctx context.Context) (uint32, bool, error)
	// FirstPassingAfter returns the first passing with pass_id strictly
	// greater than afterPassID and rtc_time strictly greater than
	// afterRTC, if any.
	FirstPassingAfter(ctx context.Context, afterPassID uint32, afterRTC uint64) (*model.Passing, bool, error)
	// InsertHeat creates a new heat row and returns its assigned id.
	InsertHeat(ctx context.Context, h model.Heat) (int64, error)

	// UnprocessedPassings returns passings in [firstPassID, maxEnd] by
	// rtc_time, plus the single next passing after maxEnd, excluding any
	// passing already present in laps, ordered by pass_id.
	UnprocessedPassings(ctx context.Context, firstPassID uint32, maxEnd uint64) ([]model.Passing, error)
	// PreviousLapTime returns the largest rtc_time recorded in laps for
	// (heatID, transponderID) with pass_id strictly less than beforePassID.
	PreviousLapTime(ctx context.Context, heatID int64, transponderID uint32, beforePassID uint32) (uint64, bool, error)
	// InsertLap records a qualifying passing as a lap.
	InsertLap(ctx context.Context, l model.Lap) error
	// WaveFinishFlag sets a heat's race_flag to 1 (finish waved).
	WaveFinishFlag(ctx context.Context, heatID int64) error
	// LatestLapPassIDForHeat returns the greatest pass_id in laps for one
	// heat, used by FinishHeat to populate last_pass_id.
	LatestLapPassIDForHeat(ctx context.Context, heatID int64) (uint32, bool, error)
	// TransponderCounts returns the number of distinct transponders with at
	// least one lap in the heat, and the number of those with a lap past
	// afterRTC, for the finish policy's "everyone has finished" check.
	TransponderCounts(ctx context.Context, heatID int64, afterRTC uint64) (seen int, finished int, err error)
	// FinishHeat marks a heat finished and records its last lap's pass_id
	// (or none, if the heat produced no laps).
	FinishHeat(ctx context.Context, heatID int64, lastPassID *uint32) error
	// CloseHeat sets race_flag=2 (externally closed). Exposed as the write
	// path a dashboard or operator tool would call; nothing in this module
	// calls it itself (spec.md §9 notes the original never shows the
	// writer for this transition).
	CloseHeat(ctx context.Context, heatID int64) error
}
