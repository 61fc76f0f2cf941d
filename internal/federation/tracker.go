package federation

import (
	"log"

	"github.com/go-xorm/xorm"
)

// EngineTracker is the default DeliveryTracker: it persists dead-
// destination marks so ProbeDeadDestinations can find them across
// restarts, and just logs successful deliveries (the message store
// itself is the durable record of what was sent; this is bookkeeping for
// the dead-letter path only).
type EngineTracker struct {
	engine *xorm.Engine
}

// NewEngineTracker wraps engine as a DeliveryTracker.
func NewEngineTracker(engine *xorm.Engine) *EngineTracker {
	return &EngineTracker{engine: engine}
}

func (t *EngineTracker) Delivered(destination string, eventIDs []string) {
	log.Printf("federation: delivered %d pdus to %s", len(eventIDs), destination)
}

func (t *EngineTracker) DestinationDead(destination string) {
	exists, err := t.engine.ID(destination).Exist(new(deadDestination))
	if err != nil {
		log.Printf("federation: check dead mark for %s: %v", destination, err)
		return
	}
	if exists {
		return
	}
	if _, err := t.engine.Insert(&deadDestination{Destination: destination}); err != nil {
		log.Printf("federation: persist dead mark for %s: %v", destination, err)
	}
}
