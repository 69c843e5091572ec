package trouble

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	"github.com/homeguard/troubled/internal/queue"
)

// entry wraps a single Trouble. Manager does not use it: byID and byKey
// hold *Trouble directly. Spec §9 replaces the teacher's
// linked-list-with-search with a hash map keyed by trouble_id plus a
// secondary map keyed by (type, reason) — payload equivalence within that
// bucket is resolved by the caller-supplied CompareFunc so "same
// owner_uri" stays pluggable.
type entry struct {
	trouble *Trouble
}

// Manager is the Trouble Registry: the canonical, mutex-guarded set of
// active troubles. All mutation is serialized through mu; persistence and
// broadcast side effects run on the serial task queue so they never block
// a registry operation and so their relative order is preserved (spec §5).
type Manager struct {
	mu sync.RWMutex

	byID    map[uint64]*Trouble
	byKey   map[Key][]*Trouble // secondary index for dedup scans

	haveSystemTroubles bool
	haveSystemTamper   bool

	ids *idGenerator

	queue      *queue.Queue
	replay     ReplaySink
	persist    PersistenceAdapter
	panel      Panel
	publisher  Publisher
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithReplaySink(r ReplaySink) Option             { return func(m *Manager) { m.replay = r } }
func WithPersistenceAdapter(p PersistenceAdapter) Option { return func(m *Manager) { m.persist = p } }
func WithPanel(p Panel) Option                       { return func(m *Manager) { m.panel = p } }
func WithPublisher(p Publisher) Option               { return func(m *Manager) { m.publisher = p } }
func WithQueue(q *queue.Queue) Option                { return func(m *Manager) { m.queue = q } }

// NewManager constructs an empty registry. Collaborators default to
// no-ops so a Manager is usable standalone in tests; production callers
// supply real adapters via Option.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		byID:      make(map[uint64]*Trouble),
		byKey:     make(map[Key][]*Trouble),
		ids:       newIDGenerator(),
		queue:     queue.New(),
		replay:    noopReplaySink{},
		persist:   noopPersistence{},
		panel:     noopPanel{},
		publisher: noopPublisher{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetReplaySink rewires the registry's replay sink after construction, used
// to break the Manager/Tracker construction cycle: the Tracker needs a
// live Manager to read from, but the Manager needs a sink to notify at
// construction time (spec §4.2/§4.3 coupling).
func (m *Manager) SetReplaySink(r ReplaySink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replay = r
}

// Stop drains the serial task queue. Call after unregistering external
// listeners and stopping the replay/comm-fail tickers (spec §5
// Cancellation ordering) — Stop itself only tears down the queue.
func (m *Manager) Stop() {
	m.queue.Stop()
}

func dedupMatch(existing []*Trouble, payload Payload, cmp CompareFunc) *Trouble {
	for _, t := range existing {
		if cmp(t.Payload, payload) {
			return t
		}
	}
	return nil
}

// Add inserts a prospective trouble if nothing matching (type, reason,
// cmp(payload)) already exists. Returns the assigned trouble_id, or 0 if
// the insert was rejected as a duplicate (spec §4.2 `add`).
func (m *Manager) Add(ctx context.Context, t *Trouble, cmp CompareFunc, sendEvent bool) uint64 {
	if t == nil {
		return 0
	}
	if cmp == nil {
		cmp = SameOwnerURI
	}

	m.mu.Lock()
	key := t.key()
	if existing := dedupMatch(m.byKey[key], t.Payload, cmp); existing != nil {
		m.mu.Unlock()
		log.Debug().Str("type", string(t.Type)).Str("reason", string(t.Reason)).Msg("trouble add rejected: duplicate")
		return 0
	}

	id := m.ids.next()
	t.TroubleID = id
	t.EventID = id

	m.byID[id] = t
	m.byKey[key] = append(m.byKey[key], t)
	m.updateSystemFlagsLocked()
	m.mu.Unlock()

	m.replay.OnTroubleAdded(t)
	if t.Type == TypeDevice || t.Type == TypeSystem || t.Type == TypePower {
		m.panel.OnTroubleChange(t.TroubleID, string(t.Type), string(t.Reason), int(t.Criticality))
	}

	snapshot := t.Clone()
	m.queue.Submit(func() {
		if snapshot.Persist {
			if snapshot.Payload.Kind == PayloadDevice || snapshot.Payload.Kind == PayloadZone || snapshot.Payload.Kind == PayloadCamera {
				if err := m.persist.PersistDeviceTrouble(ctx, snapshot); err != nil {
					log.Warn().Err(err).Uint64("troubleId", snapshot.TroubleID).Msg("failed to persist device trouble")
				}
			} else {
				if err := m.persist.PersistNonDeviceTrouble(ctx, snapshot); err != nil {
					log.Warn().Err(err).Uint64("troubleId", snapshot.TroubleID).Msg("failed to persist non-device trouble")
				}
			}
		}
		if sendEvent {
			m.publisher.PublishTroubleEvent("TROUBLE_OCCURRED", snapshot, false)
		}
	})

	return id
}

// Clear locates an existing trouble, first by trouble_id (if searchEvent
// identifies one) else by (type, reason, cmp(payload)), removes it, and
// enqueues persistence deletion + broadcast. Returns false if nothing
// matched (spec §4.2 `clear`).
func (m *Manager) Clear(ctx context.Context, troubleID uint64, typ Type, reason Reason, payload Payload, cmp CompareFunc, sendEvent bool) bool {
	if cmp == nil {
		cmp = SameOwnerURI
	}

	m.mu.Lock()
	var t *Trouble
	if troubleID != 0 {
		t = m.byID[troubleID]
	}
	if t == nil {
		key := Key{Type: typ, Reason: reason}
		t = dedupMatch(m.byKey[key], payload, cmp)
	}
	if t == nil {
		m.mu.Unlock()
		return false
	}

	m.removeLocked(t)
	t.Restored = true
	t.EventID = m.ids.next()
	remaining := m.countInCategoryLocked(t.IndicationGroup)
	m.updateSystemFlagsLocked()
	m.mu.Unlock()

	m.replay.OnTroubleCleared(t, remaining)
	if t.Type == TypeDevice || t.Type == TypeSystem || t.Type == TypePower {
		m.panel.OnTroubleChange(t.TroubleID, string(t.Type), string(t.Reason), int(t.Criticality))
	}

	snapshot := t.Clone()
	m.queue.Submit(func() {
		var err error
		if snapshot.Payload.Kind == PayloadDevice || snapshot.Payload.Kind == PayloadZone || snapshot.Payload.Kind == PayloadCamera {
			err = m.persist.DeleteDeviceTrouble(ctx, snapshot)
		} else {
			err = m.persist.DeleteNonDeviceTrouble(ctx, snapshot)
		}
		if err != nil {
			log.Warn().Err(err).Uint64("troubleId", snapshot.TroubleID).Msg("failed to delete persisted trouble")
		}
		if sendEvent {
			m.publisher.PublishTroubleEvent("TROUBLE_CLEARED", snapshot, false)
		}
	})

	return true
}

// removeLocked removes t from both indices. Caller holds mu.
func (m *Manager) removeLocked(t *Trouble) {
	delete(m.byID, t.TroubleID)
	key := t.key()
	list := m.byKey[key]
	for i, cand := range list {
		if cand == t {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.byKey, key)
	} else {
		m.byKey[key] = list
	}
}

// Acknowledge sets acknowledged=true. Idempotent; no-op if already
// acknowledged or not found.
func (m *Manager) Acknowledge(ctx context.Context, troubleID uint64) bool {
	m.mu.Lock()
	t, ok := m.byID[troubleID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if t.Acknowledged {
		m.mu.Unlock()
		return true
	}
	t.Acknowledged = true
	remaining := m.countUnackedInCategoryLocked(t.IndicationGroup)
	m.mu.Unlock()

	m.replay.OnTroubleAcknowledged(t, remaining)

	snapshot := t.Clone()
	m.queue.Submit(func() {
		if err := m.persistUpdate(ctx, snapshot); err != nil {
			log.Warn().Err(err).Uint64("troubleId", snapshot.TroubleID).Msg("failed to persist acknowledge")
		}
		m.publisher.PublishTroubleEvent("TROUBLE_ACKNOWLEDGED", snapshot, false)
	})
	return true
}

// Unacknowledge is the inverse of Acknowledge.
func (m *Manager) Unacknowledge(ctx context.Context, troubleID uint64, sendEvent bool) bool {
	m.mu.Lock()
	t, ok := m.byID[troubleID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	t.Acknowledged = false
	m.mu.Unlock()

	snapshot := t.Clone()
	m.queue.Submit(func() {
		if err := m.persistUpdate(ctx, snapshot); err != nil {
			log.Warn().Err(err).Uint64("troubleId", snapshot.TroubleID).Msg("failed to persist unacknowledge")
		}
		if sendEvent {
			m.publisher.PublishTroubleEvent("TROUBLE_UNACKNOWLEDGED", snapshot, false)
		}
	})
	return true
}

func (m *Manager) persistUpdate(ctx context.Context, t *Trouble) error {
	if !t.Persist {
		return nil
	}
	if t.Payload.Kind == PayloadDevice || t.Payload.Kind == PayloadZone || t.Payload.Kind == PayloadCamera {
		return m.persist.PersistDeviceTrouble(ctx, t)
	}
	return m.persist.PersistNonDeviceTrouble(ctx, t)
}

func (m *Manager) countUnackedInCategoryLocked(cat Category) int {
	count := 0
	for _, t := range m.byID {
		if t.IndicationGroup == cat && !t.Acknowledged {
			count++
		}
	}
	return count
}

// countInCategoryLocked counts every active trouble (acknowledged or not)
// sharing a given indication_group category. Multiple (type, reason) pairs
// can land in the same category, so this must scan by category rather than
// by the narrower dedup key when reporting a category's remaining count to
// the Replay Tracker.
func (m *Manager) countInCategoryLocked(cat Category) int {
	count := 0
	for _, t := range m.byID {
		if t.IndicationGroup == cat {
			count++
		}
	}
	return count
}

func (m *Manager) updateSystemFlagsLocked() {
	haveSystem := false
	haveTamper := false
	for _, t := range m.byID {
		if t.Type == TypeSystem {
			haveSystem = true
			if t.Reason == ReasonTamper {
				haveTamper = true
			}
		}
	}
	m.haveSystemTroubles = haveSystem
	m.haveSystemTamper = haveTamper
}

// HasAnySystemTroubles is an O(1) flag read (spec §4.2).
func (m *Manager) HasAnySystemTroubles() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.haveSystemTroubles
}

// HasSystemTamperedTrouble is an O(1) flag read (spec §4.2).
func (m *Manager) HasSystemTamperedTrouble() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.haveSystemTamper
}

// GetCount returns the number of active troubles, optionally including
// acknowledged ones.
func (m *Manager) GetCount(includeAck bool) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if includeAck {
		return uint32(len(m.byID))
	}
	var n uint32
	for _, t := range m.byID {
		if !t.Acknowledged {
			n++
		}
	}
	return n
}

// GetCountByType counts troubles matching a (type, reason) pair.
func (m *Manager) GetCountByType(typ Type, reason Reason) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint32(len(m.byKey[Key{Type: typ, Reason: reason}]))
}

// GetCountByCategory counts troubles in a given indication group.
func (m *Manager) GetCountByCategory(cat Category, includeAck bool) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n uint32
	for _, t := range m.byID {
		if t.IndicationGroup != cat {
			continue
		}
		if !includeAck && t.Acknowledged {
			continue
		}
		n++
	}
	return n
}

// SortMode selects the ordering for GetTroubles.
type SortMode int

const (
	SortByCreateDateAsc SortMode = iota
	SortByCriticalityAsc
	SortByIndicationGroupDesc
)

// GetTroubles returns a snapshot of active troubles, optionally excluding
// acknowledged ones, in the requested order.
func (m *Manager) GetTroubles(includeAck bool, sortMode SortMode) []*Trouble {
	m.mu.RLock()
	out := make([]*Trouble, 0, len(m.byID))
	for _, t := range m.byID {
		if !includeAck && t.Acknowledged {
			continue
		}
		out = append(out, t.Clone())
	}
	m.mu.RUnlock()

	switch sortMode {
	case SortByCriticalityAsc:
		sort.Slice(out, func(i, j int) bool { return out[i].Criticality < out[j].Criticality })
	case SortByIndicationGroupDesc:
		sort.Slice(out, func(i, j int) bool {
			return out[i].IndicationGroup.Priority() > out[j].IndicationGroup.Priority()
		})
	default:
		sort.Slice(out, func(i, j int) bool { return out[i].EventTime.Before(out[j].EventTime) })
	}
	return out
}

// GetTroublesForURI returns troubles whose owner_uri matches uriPattern
// (exact, prefix or wildcard match). Only Device payloads carry an
// owner_uri (see Payload.URI), so Zone and Camera troubles are never
// returned.
func (m *Manager) GetTroublesForURI(uriPattern string, includeAck bool) []*Trouble {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Trouble
	for _, t := range m.byID {
		if !includeAck && t.Acknowledged {
			continue
		}
		uri := t.Payload.URI()
		if uri == "" {
			continue
		}
		if uri == uriPattern || strings.HasPrefix(uri, uriPattern) || wildcard.Match(uriPattern, uri) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// ClearForDevice removes every trouble whose payload owner_uri starts
// with deviceURI, used only when the owning device is removed. It does
// not touch persisted metadata — the device's metadata is going away
// with it (spec §4.2).
func (m *Manager) ClearForDevice(deviceURI string) []*Trouble {
	m.mu.Lock()
	var removed []*Trouble
	for _, t := range m.byID {
		uri := t.Payload.URI()
		if uri != "" && strings.HasPrefix(uri, deviceURI) {
			removed = append(removed, t)
		}
	}
	for _, t := range removed {
		m.removeLocked(t)
	}
	m.updateSystemFlagsLocked()

	remainingByCategory := make(map[Category]int, len(removed))
	for _, t := range removed {
		if _, ok := remainingByCategory[t.IndicationGroup]; !ok {
			remainingByCategory[t.IndicationGroup] = m.countInCategoryLocked(t.IndicationGroup)
		}
	}
	m.mu.Unlock()

	for _, t := range removed {
		m.replay.OnTroubleCleared(t, remainingByCategory[t.IndicationGroup])
	}
	return removed
}

// Load installs a trouble read from persisted metadata directly into the
// registry, bypassing dedup/ID assignment (the trouble already has an
// ID). Safety/System troubles are forced un-acknowledged per invariant 3
// (UL 985 6th ed.). If an ID collision occurs, Load returns false so the
// caller can schedule a metadata-delete to reconcile (spec §4.2 `Load`).
func (m *Manager) Load(t *Trouble) bool {
	if t == nil || t.TroubleID == 0 {
		return false
	}
	if t.IndicationGroup == CategorySafety || t.Type == TypeSystem {
		t.Acknowledged = false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[t.TroubleID]; exists {
		return false
	}
	key := t.key()
	if dedupMatch(m.byKey[key], t.Payload, SameOwnerURI) != nil {
		return false
	}
	m.byID[t.TroubleID] = t
	m.byKey[key] = append(m.byKey[key], t)
	m.updateSystemFlagsLocked()
	return true
}
