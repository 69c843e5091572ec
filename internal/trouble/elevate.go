package trouble

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Elevate raises a trouble's criticality, resets its acknowledged state,
// and refreshes its event identity, used by the Pre-Low-Battery Elevator
// (spec §4.6) to promote a NOTICE-level low-battery trouble to WARNING.
func (m *Manager) Elevate(troubleID uint64, newCriticality Criticality) {
	m.mu.Lock()
	t, ok := m.byID[troubleID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.Criticality = newCriticality
	t.Acknowledged = false
	t.Indication = IndicationBoth
	t.EventID = m.ids.next()
	m.mu.Unlock()

	if t.Type == TypeDevice || t.Type == TypeSystem || t.Type == TypePower {
		m.panel.OnTroubleChange(t.TroubleID, string(t.Type), string(t.Reason), int(t.Criticality))
	}

	snapshot := t.Clone()
	ctx := context.Background()
	m.queue.Submit(func() {
		if err := m.persistUpdate(ctx, snapshot); err != nil {
			log.Warn().Err(err).Uint64("troubleId", snapshot.TroubleID).Msg("failed to persist elevation")
		}
		m.publisher.PublishTroubleEvent("TROUBLE_OCCURRED", snapshot, false)
	})
}

// EscalateCommFailToAlarm implements the Comm-Fail Timer's AlarmDelay stage
// (spec §4.4): it locates the device's existing comm-fail trouble and
// momentarily raises its criticality from Critical to Alert, notifies the
// panel once, then restores Critical. Unlike Elevate this is a momentary
// blip, not a permanent state change, and it never touches dedup state or
// persistence — the trouble's identity doesn't change, only its
// criticality for the duration of the panel notification.
func (m *Manager) EscalateCommFailToAlarm(deviceID string) {
	m.mu.Lock()
	var t *Trouble
	for _, cand := range m.byID {
		if cand.Type == TypeDevice && cand.Reason == ReasonCommFail && cand.DeviceID == deviceID {
			t = cand
			break
		}
	}
	if t == nil {
		m.mu.Unlock()
		return
	}
	t.Criticality = Alert
	m.mu.Unlock()

	m.panel.OnTroubleChange(t.TroubleID, string(t.Type), string(t.Reason), int(t.Criticality))

	m.mu.Lock()
	t.Criticality = Critical
	m.mu.Unlock()
}
