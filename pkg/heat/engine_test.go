package heat

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pitlane/amb-ingest/pkg/model"
)

// fakeStore is an in-memory Store good enough to drive the engine through a
// full heat lifecycle without a database.
type fakeStore struct {
	mu       sync.Mutex
	passings []model.Passing
	heats    []model.Heat
	laps     []model.Lap
	settings model.Settings
	greenSet bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{settings: model.Settings{
		HeatDuration:   1 * time.Second,
		HeatCooldown:   1 * time.Second,
		MinimumLapTime: 1 * time.Microsecond,
	}}
}

func (f *fakeStore) InsertPassing(ctx context.Context, p model.Passing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passings = append(f.passings, p)
	return nil
}

func (f *fakeStore) DeletePassing(ctx context.Context, passID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.passings[:0]
	for _, p := range f.passings {
		if p.PassID != passID {
			out = append(out, p)
		}
	}
	f.passings = out
	return nil
}

func (f *fakeStore) Settings(ctx context.Context) (model.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeStore) GreenFlag(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.greenSet, nil
}

func (f *fakeStore) UnfinishedHeat(ctx context.Context) (*model.Heat, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.heats) - 1; i >= 0; i-- {
		if !f.heats[i].HeatFinished {
			h := f.heats[i]
			return &h, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeStore) LatestLapPassID(ctx context.Context) (uint32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best uint32
	found := false
	for _, l := range f.laps {
		if !found || l.PassID > best {
			best = l.PassID
			found = true
		}
	}
	return best, found, nil
}

func (f *fakeStore) FirstPassingAfter(ctx context.Context, afterPassID uint32, afterRTC uint64) (*model.Passing, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sorted := append([]model.Passing(nil), f.passings...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PassID < sorted[j].PassID })
	for _, p := range sorted {
		if p.PassID > afterPassID && p.RTCTime > afterRTC {
			pp := p
			return &pp, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeStore) InsertHeat(ctx context.Context, h model.Heat) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h.HeatID = int64(len(f.heats) + 1)
	f.heats = append(f.heats, h)
	return h.HeatID, nil
}

func (f *fakeStore) UnprocessedPassings(ctx context.Context, firstPassID uint32, maxEnd uint64) ([]model.Passing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lapped := map[uint32]bool{}
	for _, l := range f.laps {
		lapped[l.PassID] = true
	}
	var out []model.Passing
	for _, p := range f.passings {
		if lapped[p.PassID] {
			continue
		}
		if p.PassID >= firstPassID && p.RTCTime <= maxEnd {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PassID < out[j].PassID })
	return out, nil
}

func (f *fakeStore) PreviousLapTime(ctx context.Context, heatID int64, transponderID uint32, beforePassID uint32) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best uint64
	found := false
	for _, l := range f.laps {
		if l.HeatID == heatID && l.TransponderID == transponderID && l.PassID < beforePassID {
			if !found || l.RTCTime > best {
				best = l.RTCTime
				found = true
			}
		}
	}
	return best, found, nil
}

func (f *fakeStore) InsertLap(ctx context.Context, l model.Lap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.laps = append(f.laps, l)
	return nil
}

func (f *fakeStore) WaveFinishFlag(ctx context.Context, heatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.heats {
		if f.heats[i].HeatID == heatID {
			f.heats[i].RaceFlag = model.RaceFlagFinishWaved
		}
	}
	return nil
}

func (f *fakeStore) LatestLapPassIDForHeat(ctx context.Context, heatID int64) (uint32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best uint32
	found := false
	for _, l := range f.laps {
		if l.HeatID == heatID && (!found || l.PassID > best) {
			best = l.PassID
			found = true
		}
	}
	return best, found, nil
}

func (f *fakeStore) TransponderCounts(ctx context.Context, heatID int64, afterRTC uint64) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[uint32]bool{}
	finished := map[uint32]bool{}
	for _, l := range f.laps {
		if l.HeatID != heatID {
			continue
		}
		seen[l.TransponderID] = true
		if l.RTCTime > afterRTC {
			finished[l.TransponderID] = true
		}
	}
	return len(seen), len(finished), nil
}

func (f *fakeStore) FinishHeat(ctx context.Context, heatID int64, lastPassID *uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.heats {
		if f.heats[i].HeatID == heatID {
			f.heats[i].HeatFinished = true
			f.heats[i].LastPassID = lastPassID
		}
	}
	return nil
}

func (f *fakeStore) CloseHeat(ctx context.Context, heatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.heats {
		if f.heats[i].HeatID == heatID {
			f.heats[i].RaceFlag = model.RaceFlagClosed
		}
	}
	return nil
}

func TestEngineAcquiresAndFinalizesHeat(t *testing.T) {
	fs := newFakeStore()
	clock := model.NewDecoderTime(0)
	e := &Engine{Store: fs, Clock: clock, PollInterval: 5 * time.Millisecond}

	fs.mu.Lock()
	fs.greenSet = true
	fs.passings = append(fs.passings, model.Passing{PassID: 1, TransponderID: 100, RTCTime: 10})
	fs.mu.Unlock()

	settings, err := e.loadSettings(context.Background())
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	h, err := e.createHeat(context.Background(), settings)
	if err != nil {
		t.Fatalf("createHeat: %v", err)
	}
	if h.FirstPassID != 1 {
		t.Fatalf("FirstPassID = %d, want 1", h.FirstPassID)
	}
	if h.RTCTimeEnd != h.RTCTimeStart+uint64(settings.HeatDuration.Microseconds()) {
		t.Fatalf("RTCTimeEnd not computed from heat_duration")
	}

	clock.Set(h.RTCTimeMaxEnd + 1)
	if err := e.runHeat(context.Background(), h, settings); err != nil {
		t.Fatalf("runHeat: %v", err)
	}

	got, ok, _ := fs.UnfinishedHeat(context.Background())
	if ok {
		t.Fatalf("expected no unfinished heat, got %+v", got)
	}
	fs.mu.Lock()
	finished := fs.heats[0].HeatFinished
	fs.mu.Unlock()
	if !finished {
		t.Fatalf("heat not marked finished")
	}
}

func TestProcessPassingFiltersMinimumLapTime(t *testing.T) {
	fs := newFakeStore()
	fs.settings.MinimumLapTime = 10 * time.Second
	clock := model.NewDecoderTime(0)
	e := &Engine{Store: fs, Clock: clock}

	fs.laps = append(fs.laps, model.Lap{HeatID: 1, PassID: 1, TransponderID: 7, RTCTime: 1_000_000})
	noise := model.Passing{PassID: 2, TransponderID: 7, RTCTime: 1_000_000 + 1_000_000} // 1s later, under 10s minimum

	if err := e.processPassing(context.Background(), 1, fs.settings, noise); err != nil {
		t.Fatalf("processPassing: %v", err)
	}
	if len(fs.laps) != 1 {
		t.Fatalf("expected noise passing to be filtered, laps = %+v", fs.laps)
	}

	qualifying := model.Passing{PassID: 3, TransponderID: 7, RTCTime: 1_000_000 + 20_000_000} // 20s later
	if err := e.processPassing(context.Background(), 1, fs.settings, qualifying); err != nil {
		t.Fatalf("processPassing: %v", err)
	}
	if len(fs.laps) != 2 {
		t.Fatalf("expected qualifying passing to become a lap, laps = %+v", fs.laps)
	}
}

func TestWaitForGreenFlagReturnsClockAtTransition(t *testing.T) {
	fs := newFakeStore()
	clock := model.NewDecoderTime(42)
	e := &Engine{Store: fs, Clock: clock}

	done := make(chan uint64, 1)
	go func() {
		v, err := e.waitForGreenFlag(context.Background())
		if err != nil {
			t.Errorf("waitForGreenFlag: %v", err)
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	fs.mu.Lock()
	fs.greenSet = true
	fs.mu.Unlock()

	select {
	case v := <-done:
		if v == 0 {
			t.Fatalf("expected a non-zero green flag time")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waitForGreenFlag did not return after green flag set")
	}
}
