// Package replay implements the Replay Tracker (spec §4.3): per-category
// scheduled re-announcement of un-acknowledged and acknowledged troubles,
// with life-safety priority escalation. Grounded on the teacher's
// escalation-ticker goroutine shape (ticker + stopChan + mutex).
package replay

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/homeguard/troubled/internal/collaborators"
	"github.com/homeguard/troubled/internal/trouble"
)

// bucket holds the per-category replay timing state (spec §3.4).
type bucket struct {
	announceMinutes      uint32
	announceMinMinutes   uint32
	announceLastFired    time.Time
	snoozeMinutes        uint32
	snoozeMinMinutes     uint32
	snoozeLastFired      time.Time
}

var categories = []trouble.Category{trouble.CategorySafety, trouble.CategorySystem, trouble.CategoryBurg, trouble.CategoryIoT}

// Snapshotter supplies the tracker with the registry's current active
// troubles and count so it knows when to run/stop the ticker (spec
// invariant 7) and whom to replay.
type Snapshotter interface {
	GetTroubles(includeAck bool, sortMode trouble.SortMode) []*trouble.Trouble
}

// Broadcaster re-emits a trouble on replay. It returns whether it
// actually sent an audible beep, so the tracker can narrow subsequent
// same-tick re-announcements to Visual only (spec §4.3 step 3).
type Broadcaster interface {
	ReplayTrouble(t *trouble.Trouble, indication trouble.Indication) (sentBeep bool)
}

// Acknowledger flips acknowledged back to false silently (no event) when
// a snoozed trouble's ack interval elapses (spec §4.3 step 3, scenario S5).
type Acknowledger interface {
	SilentlyUnacknowledge(troubleID uint64)
}

// Tracker is the Replay Tracker state machine: disabled, enabled_idle, or
// enabled_running.
type Tracker struct {
	mu sync.Mutex

	buckets map[trouble.Category]*bucket

	disabled bool
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	properties   collaborators.PropertyFacade
	snapshot     Snapshotter
	broadcaster  Broadcaster
	acknowledger Acknowledger
}

// New constructs a Tracker. disabled=true means the system lacks
// audible/visual capability and replay never runs (terminal until
// shutdown, per spec §4.3 States).
func New(disabled bool, properties collaborators.PropertyFacade, snapshot Snapshotter, broadcaster Broadcaster, acknowledger Acknowledger) *Tracker {
	t := &Tracker{
		buckets:      make(map[trouble.Category]*bucket),
		disabled:     disabled,
		properties:   properties,
		snapshot:     snapshot,
		broadcaster:  broadcaster,
		acknowledger: acknowledger,
	}
	for _, cat := range categories {
		t.buckets[cat] = t.defaultBucket(cat)
	}
	return t
}

func (t *Tracker) defaultBucket(cat trouble.Category) *bucket {
	announce := collaborators.DefaultAnnounceMinutesIoTSystem
	if cat == trouble.CategorySafety || cat == trouble.CategoryBurg {
		announce = collaborators.DefaultAnnounceMinutesSafetyBurg
	}
	return &bucket{
		announceMinutes:    announce,
		announceMinMinutes: announce,
		snoozeMinutes:       collaborators.DefaultAckExpireMinutes,
		snoozeMinMinutes:    collaborators.DefaultAckExpireMinutes,
	}
}

// useSeconds reports whether replay runs on a 10-second cadence.
func (t *Tracker) useSeconds() bool {
	return t.properties.GetBool(collaborators.PropSafetyUseSeconds, false)
}

func (t *Tracker) tickInterval() time.Duration {
	if t.useSeconds() {
		return 10 * time.Second
	}
	return 60 * time.Second
}

// OnTroubleAdded implements trouble.ReplaySink: starts the ticker if this
// is the first replayable trouble, and performs the life-safety
// escalation realignment (spec §4.3 "Life-safety escalation").
func (t *Tracker) OnTroubleAdded(tr *trouble.Trouble) {
	if t.disabled || tr.Indication == trouble.IndicationNone {
		return
	}

	t.mu.Lock()
	b := t.buckets[tr.IndicationGroup]
	if tr.IndicationGroup == trouble.CategorySafety && !tr.Acknowledged && b != nil && !b.announceLastFired.IsZero() {
		now := time.Now()
		for _, cat := range categories {
			if cat == trouble.CategorySafety {
				continue
			}
			if other := t.buckets[cat]; other != nil {
				other.announceLastFired = now
			}
		}
	}
	wasRunning := t.running
	t.mu.Unlock()

	if !wasRunning {
		t.start()
	}
}

// OnTroubleCleared implements trouble.ReplaySink: resets the category's
// last_fired if it has no remaining replayable troubles, and stops the
// ticker if the registry is now empty overall.
func (t *Tracker) OnTroubleCleared(tr *trouble.Trouble, remainingInCategory int) {
	t.mu.Lock()
	if remainingInCategory == 0 {
		if b := t.buckets[tr.IndicationGroup]; b != nil {
			b.announceLastFired = time.Time{}
			b.snoozeLastFired = time.Time{}
		}
	}
	t.mu.Unlock()

	remaining := t.snapshot.GetTroubles(true, trouble.SortByCreateDateAsc)
	if len(remaining) == 0 {
		t.stop()
	}
}

// OnTroubleAcknowledged implements trouble.ReplaySink: may reset the
// category's snooze timer if no unacknowledged replayable troubles remain
// in that category.
func (t *Tracker) OnTroubleAcknowledged(tr *trouble.Trouble, remainingUnackedInCategory int) {
	if remainingUnackedInCategory > 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b := t.buckets[tr.IndicationGroup]; b != nil {
		b.snoozeLastFired = time.Time{}
	}
}

func (t *Tracker) start() {
	t.mu.Lock()
	if t.disabled || t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.loop()
}

func (t *Tracker) stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	stopCh := t.stopCh
	t.mu.Unlock()

	close(stopCh)
	t.wg.Wait()
}

// Stop tears down the tracker unconditionally (process shutdown). Per
// spec §5's deferred-cancel note, the caller should schedule this after
// a short delay if it may race with a tick already in flight.
func (t *Tracker) Stop() {
	t.stop()
}

func (t *Tracker) loop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.tick()
			ticker.Reset(t.tickInterval())
		case <-t.stopCh:
			return
		}
	}
}

// tick implements spec §4.3's per-tick algorithm.
func (t *Tracker) tick() {
	troubles := t.snapshot.GetTroubles(true, trouble.SortByIndicationGroupDesc)

	sentBeep := false
	prevCategory := trouble.Category("")
	forceReplay := false
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tr := range troubles {
		if tr.Indication == trouble.IndicationNone {
			continue
		}
		b := t.buckets[tr.IndicationGroup]
		if b == nil {
			continue
		}

		if !tr.Acknowledged {
			overrideSeconds := false
			if t.useSeconds() {
				if tr.IndicationGroup == trouble.CategorySafety {
					overrideSeconds = true
				} else if tr.IndicationGroup == trouble.CategorySystem && tr.TreatAsLifeSafety {
					overrideSeconds = true
				}
			}

			if prevCategory == tr.IndicationGroup {
				forceReplay = true
			}

			elapsed := b.announceLastFired.IsZero() || announceElapsed(b, now, overrideSeconds)
			if elapsed || forceReplay {
				indication := tr.Indication
				if sentBeep {
					indication = trouble.IndicationVisual
				}
				sentBeep = t.broadcaster.ReplayTrouble(tr, indication) || sentBeep
				forceReplay = false
				b.announceLastFired = now
				prevCategory = tr.IndicationGroup
			}
			continue
		}

		if b.snoozeMinutes > 0 && snoozeElapsed(b, now) {
			indication := trouble.IndicationBoth
			if sentBeep {
				indication = trouble.IndicationVisual
			}
			sentBeep = t.broadcaster.ReplayTrouble(tr, indication) || sentBeep
			b.snoozeLastFired = now
			b.announceLastFired = now
			t.acknowledger.SilentlyUnacknowledge(tr.TroubleID)
			log.Debug().Uint64("troubleId", tr.TroubleID).Msg("replay: snooze expired, silently un-acknowledged")
		}
	}
}

func announceElapsed(b *bucket, now time.Time, overrideSeconds bool) bool {
	if overrideSeconds {
		return now.Sub(b.announceLastFired) >= 10*time.Second
	}
	interval := b.announceMinutes
	if interval < b.announceMinMinutes {
		interval = b.announceMinMinutes
	}
	return now.Sub(b.announceLastFired) >= time.Duration(interval)*time.Minute
}

func snoozeElapsed(b *bucket, now time.Time) bool {
	interval := b.snoozeMinutes
	if interval < b.snoozeMinMinutes {
		interval = b.snoozeMinMinutes
	}
	return now.Sub(b.snoozeLastFired) >= time.Duration(interval)*time.Minute
}

// SetCategoryInterval updates a category's announce/snooze interval live
// (spec §4.3 "Property bindings"). Out-of-range or zero values on
// announce are clamped to the floor; a zero snooze interval disables
// snooze replays for that category (spec boundary case).
func (t *Tracker) SetCategoryInterval(cat trouble.Category, announceMinutes, snoozeMinutes *uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[cat]
	if b == nil {
		return
	}
	if announceMinutes != nil {
		v := *announceMinutes
		if v < b.announceMinMinutes {
			v = b.announceMinMinutes
		}
		b.announceMinutes = v
	}
	if snoozeMinutes != nil {
		b.snoozeMinutes = *snoozeMinutes
	}
}
