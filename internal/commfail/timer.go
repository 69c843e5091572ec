// Package commfail implements the two-stage Comm-Fail Timer (spec §4.4):
// it prevents brief communication lapses from surfacing as troubles, and
// ensures long lapses escalate to alarm-eligible troubles. Grounded on the
// teacher's escalation-ticker goroutine shape (ticker + stopChan) and on
// history.go's "deep-clone-then-iterate-without-the-lock-held" pattern so
// the per-device callback (which may call back into the device service or
// the registry) never runs while the timer's own mutex is held.
package commfail

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/homeguard/troubled/internal/collaborators"
)

// Kind distinguishes the trouble-delay stage from the alarm-delay stage.
type Kind string

const (
	TroubleDelay Kind = "TroubleDelay"
	AlarmDelay   Kind = "AlarmDelay"
)

type entryKey struct {
	deviceID string
	kind     Kind
}

type trackedEntry struct {
	deviceID string
	kind     Kind
	callback func()
}

// Timer tracks devices in the comm-fail window and fires callbacks once
// their last-contact age crosses the configured threshold.
type Timer struct {
	mu      sync.Mutex
	entries map[entryKey]*trackedEntry

	devices    collaborators.DeviceService
	properties collaborators.PropertyFacade

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Timer. Call Run to start its periodic tick.
func New(devices collaborators.DeviceService, properties collaborators.PropertyFacade) *Timer {
	return &Timer{
		entries:    make(map[entryKey]*trackedEntry),
		devices:    devices,
		properties: properties,
		stopCh:     make(chan struct{}),
	}
}

// Start registers (or refreshes) a tracked entry for a device/kind pair.
func (t *Timer) Start(deviceID string, kind Kind, callback func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[entryKey{deviceID, kind}] = &trackedEntry{deviceID: deviceID, kind: kind, callback: callback}
}

// Stop removes a tracked entry, if present.
func (t *Timer) Stop(deviceID string, kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, entryKey{deviceID, kind})
}

// Has reports whether a tracked entry exists for device/kind.
func (t *Timer) Has(deviceID string, kind Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[entryKey{deviceID, kind}]
	return ok
}

// alwaysCommFailClasses are device classes whose driver is the authority
// on comm-fail state (cameras, 4G adapters) — asking is always "yes".
var alwaysCommFailClasses = map[string]bool{
	"camera":      true,
	"4g-adapter":  true,
}

// IsDeviceInCommFail evaluates whether device is currently past the
// configured comm-fail threshold for kind (spec §4.4).
func (t *Timer) IsDeviceInCommFail(device collaborators.Device, kind Kind) bool {
	if alwaysCommFailClasses[device.Class] {
		return true
	}
	if device.LastContact.IsZero() {
		return false
	}

	age := time.Since(device.LastContact)
	fast := t.properties.GetBool(collaborators.PropFastCommFail, false)

	var thresholdMinutes uint32
	if kind == AlarmDelay {
		thresholdMinutes = t.properties.GetUint(collaborators.PropCommFailAlarmDelayMinutes, collaborators.DefaultCommFailAlarmDelayMinutes)
		if thresholdMinutes < collaborators.MinCommFailAlarmDelayMinutes {
			thresholdMinutes = collaborators.MinCommFailAlarmDelayMinutes
		}
	} else {
		thresholdMinutes = t.properties.GetUint(collaborators.PropCommFailTroubleDelayMinutes, collaborators.DefaultCommFailTroubleDelayMinutes)
		if thresholdMinutes < collaborators.MinCommFailTroubleDelayMinutes {
			thresholdMinutes = collaborators.MinCommFailTroubleDelayMinutes
		}
	}

	var threshold time.Duration
	if fast {
		threshold = time.Duration(thresholdMinutes) * time.Millisecond
	} else {
		threshold = time.Duration(thresholdMinutes) * time.Minute
	}
	return age >= threshold
}

// tickInterval is 1 minute normally, 10 seconds in fast-comm-fail mode.
func (t *Timer) tickInterval() time.Duration {
	if t.properties.GetBool(collaborators.PropFastCommFail, false) {
		return 10 * time.Second
	}
	return time.Minute
}

// Run starts the periodic evaluation loop. Blocks until Shutdown is called
// or ctx is cancelled; run it in its own goroutine.
func (t *Timer) Run(ctx context.Context) {
	t.wg.Add(1)
	defer t.wg.Done()

	timer := time.NewTimer(t.tickInterval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			t.tick(ctx)
			timer.Reset(t.tickInterval())
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick snapshots tracked entries (releasing the mutex before any
// device-service or callback work, per spec §5's "comm-fail evaluation
// ... MUST be performed without holding the registry mutex") then
// evaluates and fires callbacks for devices past threshold.
func (t *Timer) tick(ctx context.Context) {
	t.mu.Lock()
	snapshot := make([]*trackedEntry, 0, len(t.entries))
	for _, e := range t.entries {
		snapshot = append(snapshot, e)
	}
	t.mu.Unlock()

	for _, e := range snapshot {
		device, ok := t.devices.GetDeviceByID(ctx, e.deviceID)
		if !ok {
			continue
		}
		if t.IsDeviceInCommFail(device, e.kind) {
			log.Debug().Str("deviceId", e.deviceID).Str("kind", string(e.kind)).Msg("comm-fail threshold crossed")
			e.callback()
		}
	}
}

// Shutdown halts the evaluation loop. (Stop, by contrast, stops tracking
// a single device.)
func (t *Timer) Shutdown() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	t.wg.Wait()
}
