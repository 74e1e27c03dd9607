package eventbus

import (
	"context"
	"fmt"
	"log"

	"github.com/pitlane/amb-ingest/pkg/model"
)

// HeatSink adapts a Bus to the heat engine's EventSink interface. Publish
// failures are logged and swallowed: event delivery is best-effort.
type HeatSink struct {
	Bus *Bus
}

func (s HeatSink) HeatAcquired(heatID int64, h model.Heat) {
	s.publish(Event{Kind: KindHeatAcquired, Payload: map[string]string{
		"heat_id":        fmt.Sprintf("%d", heatID),
		"first_pass_id":  fmt.Sprintf("%d", h.FirstPassID),
		"rtc_time_start": fmt.Sprintf("%d", h.RTCTimeStart),
		"rtc_time_end":   fmt.Sprintf("%d", h.RTCTimeEnd),
	}})
}

func (s HeatSink) FinishWaved(heatID int64) {
	s.publish(Event{Kind: KindFinishWaved, Payload: map[string]string{
		"heat_id": fmt.Sprintf("%d", heatID),
	}})
}

func (s HeatSink) HeatFinished(heatID int64, lastPassID *uint32) {
	payload := map[string]string{"heat_id": fmt.Sprintf("%d", heatID)}
	if lastPassID != nil {
		payload["last_pass_id"] = fmt.Sprintf("%d", *lastPassID)
	}
	s.publish(Event{Kind: KindHeatFinished, Payload: payload})
}

func (s HeatSink) publish(e Event) {
	if s.Bus == nil {
		return
	}
	if err := s.Bus.Publish(context.Background(), e); err != nil {
		log.Printf("eventbus: publish %s failed: %v", e.Kind, err)
	}
}

// PublishFrame sends a debug notification for one decoded (or dropped)
// frame. Best-effort; failures are logged only.
func PublishFrame(bus *Bus, rec *model.Record, decodeErr error) {
	if bus == nil {
		return
	}
	if decodeErr != nil {
		bus.publish0(Event{Kind: KindFrameDropped, Payload: map[string]string{
			"error": decodeErr.Error(),
		}})
		return
	}
	bus.publish0(Event{Kind: KindFrameDecoded, Payload: rec.StringMap()})
}

func (b *Bus) publish0(e Event) {
	if err := b.Publish(context.Background(), e); err != nil {
		log.Printf("eventbus: publish %s failed: %v", e.Kind, err)
	}
}
