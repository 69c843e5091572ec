package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	appconfig "github.com/homeguard/troubled/internal/config"
	"github.com/homeguard/troubled/internal/classifier"
	"github.com/homeguard/troubled/internal/collaborators"
	"github.com/homeguard/troubled/internal/collaborators/fakes"
	"github.com/homeguard/troubled/internal/codec"
	"github.com/homeguard/troubled/internal/commfail"
	"github.com/homeguard/troubled/internal/eventbus"
	"github.com/homeguard/troubled/internal/persistence"
	"github.com/homeguard/troubled/internal/prelowbattery"
	"github.com/homeguard/troubled/internal/properties"
	"github.com/homeguard/troubled/internal/replay"
	"github.com/homeguard/troubled/internal/telemetry"
	"github.com/homeguard/troubled/internal/trouble"
)

// engine bundles every moving part of the trouble subsystem. Wiring lives
// here rather than in internal/ because this is the only place that knows
// about all of them at once. Some internal packages do use each other's
// concrete types (the classifier holds a *commfail.Timer; persistence and
// codec import trouble), but none of them constructs the others.
type engine struct {
	manager       *trouble.Manager
	persist       *persistence.Adapter
	props         *properties.Facade
	telemetry     *telemetry.Collector
	hub           *eventbus.Hub
	commFail      *commfail.Timer
	classifier    *classifier.Classifier
	replayTracker *replay.Tracker
	preLowBattery *prelowbattery.Elevator

	commFailCancel context.CancelFunc
}

// buildEngine wires every SPEC_FULL.md component together. The device and
// zone collaborators are supplied here by the in-memory fakes package: in
// the host residential gateway these come from the device service and zone
// manager processes this daemon is deployed alongside, which are out of
// scope for the trouble subsystem itself (spec.md §1 Non-goals).
func buildEngine(cfg *appconfig.Config) (*engine, error) {
	devices := fakes.NewDeviceService()
	zones := fakes.NewZoneCollaborator()
	panel := fakes.NewAlarmPanel()

	// TROUBLED_DEV_MODE is a startup-only convenience for compressing the
	// comm-fail and pre-low-battery schedules; it just pre-seeds the same
	// two property flags the "devmode enable" subcommand writes, so a
	// single env var is enough for container/demo deployments.
	if cfg.DevMode {
		if err := applyDevModeToPath(cfg.PropertiesPath(), true); err != nil {
			return nil, fmt.Errorf("apply dev mode: %w", err)
		}
	}

	props, err := properties.Load(cfg.PropertiesPath())
	if err != nil {
		return nil, fmt.Errorf("load properties: %w", err)
	}

	persist, err := persistence.Open(cfg.DatabasePath(), devices)
	if err != nil {
		return nil, fmt.Errorf("open persistence: %w", err)
	}

	hub := eventbus.NewHub(nil)
	go hub.Run()

	cf := commfail.New(devices, props)
	cl := classifier.New(zones, props, cf)

	pub := &publisherAdapter{bus: hub, panel: panel}
	manager := trouble.NewManager(
		trouble.WithPersistenceAdapter(persist),
		trouble.WithPanel(panel),
		trouble.WithPublisher(pub),
	)

	// The Tracker needs a live Manager to snapshot/broadcast/acknowledge
	// through, but the Manager needs a replay sink at construction; wire
	// the sink back in once both exist (trouble.Manager.SetReplaySink).
	replayTracker := replay.New(false, props, manager, manager, manager)
	manager.SetReplaySink(replayTracker)

	// Live-reload the per-category replay intervals from properties.json
	// (spec §4.3 "Property bindings") instead of only honoring them at
	// construction time.
	props.Subscribe(func(key string) {
		switch key {
		case collaborators.PropAnnounceIntervalIoT:
			v := props.GetUint(key, collaborators.DefaultAnnounceMinutesIoTSystem)
			replayTracker.SetCategoryInterval(trouble.CategoryIoT, &v, nil)
		case collaborators.PropAnnounceIntervalBurg:
			v := props.GetUint(key, collaborators.DefaultAnnounceMinutesSafetyBurg)
			replayTracker.SetCategoryInterval(trouble.CategoryBurg, &v, nil)
		case collaborators.PropAnnounceIntervalSafety:
			v := props.GetUint(key, collaborators.DefaultAnnounceMinutesSafetyBurg)
			replayTracker.SetCategoryInterval(trouble.CategorySafety, &v, nil)
		case collaborators.PropAckExpireIoT:
			v := props.GetUint(key, collaborators.DefaultAckExpireMinutes)
			replayTracker.SetCategoryInterval(trouble.CategoryIoT, nil, &v)
		case collaborators.PropAckExpireBurg:
			v := props.GetUint(key, collaborators.DefaultAckExpireMinutes)
			replayTracker.SetCategoryInterval(trouble.CategoryBurg, nil, &v)
		case collaborators.PropAckExpireSafety:
			v := props.GetUint(key, collaborators.DefaultAckExpireMinutes)
			replayTracker.SetCategoryInterval(trouble.CategorySafety, nil, &v)
		case collaborators.PropAckExpireSystem:
			v := props.GetUint(key, collaborators.DefaultAckExpireMinutes)
			replayTracker.SetCategoryInterval(trouble.CategorySystem, nil, &v)
		}
	})

	cl.OnCommFailTroubleDelay = func(deviceID string) {
		device, ok := devices.GetDeviceByID(context.Background(), deviceID)
		if !ok {
			return
		}
		uri := fmt.Sprintf("device://%s", deviceID)
		result := cl.Classify(context.Background(), classifier.ResourceInput{
			ResourceID:  "comm_fail",
			Value:       "true:elapsed",
			OwnerURI:    uri,
			OwnerClass:  device.Class,
			URI:         uri,
			DeviceID:    deviceID,
			DeviceClass: device.Class,
			SendEvent:   true,
		})
		if !result.IsNoop && result.Trouble != nil {
			manager.Add(context.Background(), result.Trouble, nil, true)
		}
	}

	cl.OnCommFailAlarmDelay = func(deviceID string) {
		manager.EscalateCommFailToAlarm(deviceID)
		cf.Stop(deviceID, commfail.AlarmDelay)
	}

	telemetryCollector := telemetry.New(manager)
	preLowBattery := prelowbattery.New(manager, props)

	e := &engine{
		manager:       manager,
		persist:       persist,
		props:         props,
		telemetry:     telemetryCollector,
		hub:           hub,
		commFail:      cf,
		classifier:    cl,
		replayTracker: replayTracker,
		preLowBattery: preLowBattery,
	}

	if err := e.loadPersisted(devices); err != nil {
		log.Warn().Err(err).Msg("failed to fully restore persisted troubles")
	}

	return e, nil
}

// loadPersisted reads every previously-persisted non-device trouble, plus
// each known device's trouble metadata, back into the registry at startup
// (spec §4.2 "Load").
func (e *engine) loadPersisted(devices *fakes.DeviceService) error {
	nonDevice, err := e.persist.LoadNonDeviceTroubles()
	if err != nil {
		return err
	}
	for _, t := range nonDevice {
		if !e.manager.Load(t) {
			log.Warn().Uint64("troubleId", t.TroubleID).Msg("discarding non-device trouble with colliding id on load")
		}
	}

	for _, dev := range devices.GetDevices(context.Background()) {
		uri := fmt.Sprintf("device://%s", dev.ID)
		for _, t := range e.persist.LoadDeviceTroubles(context.Background(), uri) {
			e.manager.Load(t)
		}
	}
	return nil
}

// Start launches the comm-fail evaluation loop and the pre-low-battery
// cron schedule.
func (e *engine) Start(ctx context.Context) {
	commFailCtx, cancel := context.WithCancel(ctx)
	e.commFailCancel = cancel
	go e.commFail.Run(commFailCtx)

	if err := e.preLowBattery.Start(); err != nil {
		log.Warn().Err(err).Msg("failed to start pre-low-battery elevator")
	}
}

// Stop tears everything down in the cancellation order spec §5 describes:
// stop accepting new scheduled work, then the replay ticker, then drain
// the serial queue, then close storage.
func (e *engine) Stop() {
	if e.commFailCancel != nil {
		e.commFailCancel()
	}
	e.preLowBattery.Stop()
	e.replayTracker.Stop()
	e.manager.Stop()
	e.hub.Close()
	if err := e.props.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close property facade watcher")
	}
	if err := e.persist.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close persistence database")
	}
}

// publisherAdapter satisfies trouble.Publisher by translating a Trouble
// into the neutral collaborators.TroubleEvent shape and fanning it out
// over the event bus, attaching a fresh panel status snapshot (spec §6.5).
type publisherAdapter struct {
	bus   collaborators.EventBus
	panel collaborators.AlarmPanel
}

func (p *publisherAdapter) PublishTroubleEvent(code string, t *trouble.Trouble, replay bool) {
	data, err := codec.Encode(t)
	if err != nil {
		log.Warn().Err(err).Uint64("troubleId", t.TroubleID).Msg("failed to encode trouble for event")
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		log.Warn().Err(err).Msg("failed to decode trouble record for event")
		return
	}

	p.bus.Publish(collaborators.TroubleEvent{
		Code:      code,
		TroubleID: t.TroubleID,
		Replay:    replay,
		Panel:     p.panel.PopulateCurrentAlarmStatus(),
		Trouble:   fields,
	})
}
