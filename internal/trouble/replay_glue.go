package trouble

import (
	"context"

	"github.com/rs/zerolog/log"
)

// ReplayTrouble satisfies internal/replay's Broadcaster interface: it
// re-emits the trouble as a TROUBLE_OCCURRED event distinguished as a
// replay (spec §6.5), carrying the panel/alarm status captured at
// re-broadcast time rather than at insert time (spec §5 ordering
// guarantee 3). It reports whether it actually produced an audible cue so
// the replay tracker can narrow subsequent same-tick re-announcements to
// Visual only.
func (m *Manager) ReplayTrouble(t *Trouble, indication Indication) bool {
	narrowed := t.Clone()
	narrowed.Indication = indication

	m.queue.Submit(func() {
		m.publisher.PublishTroubleEvent("TROUBLE_OCCURRED", narrowed, true)
	})

	return indication == IndicationAudible || indication == IndicationBoth
}

// SilentlyUnacknowledge satisfies internal/replay's Acknowledger
// interface: flips acknowledged back to false without emitting a
// TROUBLE_UNACKNOWLEDGED event (spec §4.3 step 3, open question (a)).
func (m *Manager) SilentlyUnacknowledge(troubleID uint64) {
	m.mu.Lock()
	t, ok := m.byID[troubleID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.Acknowledged = false
	m.mu.Unlock()

	snapshot := t.Clone()
	m.queue.Submit(func() {
		if err := m.persistUpdate(context.Background(), snapshot); err != nil {
			log.Warn().Err(err).Uint64("troubleId", snapshot.TroubleID).Msg("failed to persist silent unacknowledge")
		}
	})
}
