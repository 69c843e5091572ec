package replay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homeguard/troubled/internal/collaborators/fakes"
	"github.com/homeguard/troubled/internal/trouble"
)

type fakeSnapshot struct {
	mu       sync.Mutex
	troubles []*trouble.Trouble
}

func (f *fakeSnapshot) set(ts ...*trouble.Trouble) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.troubles = ts
}

func (f *fakeSnapshot) GetTroubles(includeAck bool, sortMode trouble.SortMode) []*trouble.Trouble {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*trouble.Trouble
	for _, t := range f.troubles {
		if !includeAck && t.Acknowledged {
			continue
		}
		out = append(out, t)
	}
	return out
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []trouble.Indication
}

func (f *fakeBroadcaster) ReplayTrouble(t *trouble.Trouble, indication trouble.Indication) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, indication)
	return indication == trouble.IndicationBoth || indication == trouble.IndicationAudible
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAcknowledger struct {
	mu        sync.Mutex
	unackedID uint64
}

func (f *fakeAcknowledger) SilentlyUnacknowledge(troubleID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unackedID = troubleID
}

func newTracker(disabled bool) (*Tracker, *fakeSnapshot, *fakeBroadcaster, *fakeAcknowledger) {
	snap := &fakeSnapshot{}
	bc := &fakeBroadcaster{}
	ack := &fakeAcknowledger{}
	props := fakes.NewPropertyFacade()
	tr := New(disabled, props, snap, bc, ack)
	return tr, snap, bc, ack
}

func TestDisabledTracker_NeverStarts(t *testing.T) {
	tr, snap, _, _ := newTracker(true)
	snap.set(&trouble.Trouble{TroubleID: 1, IndicationGroup: trouble.CategoryIoT, Indication: trouble.IndicationBoth})

	tr.OnTroubleAdded(snap.troubles[0])
	assert.False(t, tr.running)
}

func TestOnTroubleAdded_StartsTicker(t *testing.T) {
	tr, snap, _, _ := newTracker(false)
	tr1 := &trouble.Trouble{TroubleID: 1, IndicationGroup: trouble.CategoryIoT, Indication: trouble.IndicationBoth}
	snap.set(tr1)

	tr.OnTroubleAdded(tr1)
	defer tr.Stop()

	assert.True(t, tr.running)
}

func TestOnTroubleCleared_StopsTickerWhenEmpty(t *testing.T) {
	tr, snap, _, _ := newTracker(false)
	tr1 := &trouble.Trouble{TroubleID: 1, IndicationGroup: trouble.CategoryIoT, Indication: trouble.IndicationBoth}
	snap.set(tr1)
	tr.OnTroubleAdded(tr1)
	require.True(t, tr.running)

	snap.set()
	tr.OnTroubleCleared(tr1, 0)

	assert.False(t, tr.running)
}

func TestTick_AnnouncesUnacknowledgedTrouble(t *testing.T) {
	tr, snap, bc, _ := newTracker(false)
	tr1 := &trouble.Trouble{TroubleID: 1, IndicationGroup: trouble.CategoryIoT, Indication: trouble.IndicationBoth}
	snap.set(tr1)

	tr.tick()
	assert.Equal(t, 1, bc.count(), "a never-yet-announced trouble must replay on the first tick")
}

func TestTick_DoesNotReannounceBeforeIntervalElapses(t *testing.T) {
	tr, snap, bc, _ := newTracker(false)
	tr1 := &trouble.Trouble{TroubleID: 1, IndicationGroup: trouble.CategoryIoT, Indication: trouble.IndicationBoth}
	snap.set(tr1)

	tr.tick()
	tr.tick()
	assert.Equal(t, 1, bc.count(), "second tick immediately after must not re-announce within the same interval")
}

func TestTick_SnoozeElapsedSilentlyUnacknowledges(t *testing.T) {
	tr, snap, bc, ack := newTracker(false)
	tr1 := &trouble.Trouble{TroubleID: 7, IndicationGroup: trouble.CategoryIoT, Indication: trouble.IndicationBoth, Acknowledged: true}
	snap.set(tr1)

	// snoozeLastFired starts at its zero value, so snoozeElapsed is already
	// true on the very first tick regardless of the configured interval.
	tr.tick()

	assert.Equal(t, 1, bc.count())
	assert.EqualValues(t, 7, ack.unackedID)
}

func TestTick_IndicationNoneNeverReplays(t *testing.T) {
	tr, snap, bc, _ := newTracker(false)
	tr1 := &trouble.Trouble{TroubleID: 1, IndicationGroup: trouble.CategoryIoT, Indication: trouble.IndicationNone}
	snap.set(tr1)

	tr.tick()
	assert.Equal(t, 0, bc.count())
}

func TestSetCategoryInterval_ClampsToFloor(t *testing.T) {
	tr, _, _, _ := newTracker(false)
	low := uint32(0)
	tr.SetCategoryInterval(trouble.CategoryIoT, &low, nil)

	tr.mu.Lock()
	b := tr.buckets[trouble.CategoryIoT]
	got := b.announceMinutes
	floor := b.announceMinMinutes
	tr.mu.Unlock()

	assert.Equal(t, floor, got, "announce interval must not drop below the category's floor")
}

func TestOnTroubleAcknowledged_ResetsSnoozeWhenCategoryFullyAcked(t *testing.T) {
	tr, _, _, _ := newTracker(false)
	tr1 := &trouble.Trouble{TroubleID: 1, IndicationGroup: trouble.CategoryIoT}

	tr.mu.Lock()
	tr.buckets[trouble.CategoryIoT].snoozeLastFired = time.Now()
	tr.mu.Unlock()

	tr.OnTroubleAcknowledged(tr1, 0)

	tr.mu.Lock()
	reset := tr.buckets[trouble.CategoryIoT].snoozeLastFired.IsZero()
	tr.mu.Unlock()
	assert.True(t, reset)
}
