package engine

import (
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/google/uuid"

	"github.com/aetf/execengine/common/utils/hashmap"
	"github.com/aetf/execengine/pkg/resource"
)

// OfferID identifies a reservation handed out by Tracker.Admit, opaque to
// callers, minted with google/uuid the way the rest of this codebase mints
// identifiers.
type OfferID = uuid.UUID

// Tracker maintains an aggregate predicted usage across every admitted
// session (including ones still pending acceptance) and rejects admission
// that would exceed the configured capacity. It is a pure admission gate;
// the ResourceMonitor remains the source of truth for actual device usage
// once operations run.
type Tracker struct {
	mu sync.Mutex
	log logger.Logger

	capacity  resource.Map
	aggregate resource.Map

	// offers is insertion-ordered, keeping admissions in the order they were
	// granted, the way base_scheduler.go's orderedmap.OrderedMap preserves
	// operation registration order for debugging. String does not render it.
	offers *orderedmap.OrderedMap[OfferID, resource.Map]

	// handles indexes accepted offers by session handle for concurrent lookup
	// from outside the admission path, using a sync.Map-style wrapper around
	// orcaman/concurrent-map.
	handles hashmap.HashMap[string, OfferID]
}

// NewTracker creates a Tracker that admits up to capacity of aggregate
// predicted usage.
func NewTracker(capacity resource.Map) *Tracker {
	t := &Tracker{
		capacity:  capacity.Clone(),
		aggregate: resource.Map{},
		offers:    orderedmap.NewOrderedMap[OfferID, resource.Map](),
		handles:   hashmap.NewConcurrentMap[OfferID](32),
	}
	config.InitLogger(&t.log, t)
	return t
}

// Admit reserves predicted against the tracker's capacity and returns a new
// OfferID if the resulting aggregate would stay within capacity for every
// key. On rejection, nothing is reserved.
func (t *Tracker) Admit(predicted resource.Map) (OfferID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	newAggregate := t.aggregate.Add(predicted)
	if ok, key := newAggregate.LessThanOrEqual(t.capacity); !ok {
		t.log.Debug("Rejecting admission: key %s would reach %s against capacity %s",
			key.String(), newAggregate.Get(key).String(), t.capacity.Get(key).String())
		return uuid.Nil, false
	}

	id := uuid.New()
	t.offers.Set(id, predicted.Clone())
	t.aggregate = newAggregate

	return id, true
}

// AcceptAdmission binds handle to offer; the offer's reservation is retained
// (not released) for as long as the session stays admitted. Returns false if
// offer is unknown.
func (t *Tracker) AcceptAdmission(offer OfferID, handle string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.offers.Get(offer); !ok {
		return false
	}

	t.handles.Store(handle, offer)
	return true
}

// Usage returns the predicted reservation associated with offer.
func (t *Tracker) Usage(offer OfferID) (resource.Map, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	predicted, ok := t.offers.Get(offer)
	if !ok {
		return nil, false
	}
	return predicted.Clone(), true
}

// Free returns offer's reserved capacity to the pool and drops its handle
// binding, if any. Called once the session the offer was created for has
// been fully torn down.
func (t *Tracker) Free(offer OfferID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	predicted, ok := t.offers.Get(offer)
	if !ok {
		return
	}

	t.offers.Delete(offer)
	t.aggregate = t.aggregate.Sub(predicted)
}

// FreeByHandle is a convenience wrapper for releasing an accepted offer by
// its bound session handle.
func (t *Tracker) FreeByHandle(handle string) {
	offer, ok := t.handles.Load(handle)
	if !ok {
		return
	}
	t.handles.Delete(handle)
	t.Free(offer)
}

// String renders the tracker's current aggregate and capacity for logging.
func (t *Tracker) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return "Tracker{aggregate=" + t.aggregate.String() + ", capacity=" + t.capacity.String() + "}"
}
