// Package prelowbattery implements the Pre-Low-Battery Elevator (spec
// §4.6): a cron job that scans the registry and promotes long-standing
// NOTICE-level low-battery troubles to WARNING. Grounded on
// alekspetrov-pilot's internal/briefs/scheduler.go Scheduler shape
// (cron.Cron + sync.Mutex + running bool, NewScheduler with
// cron.WithLocation, Start/Stop/RunNow).
package prelowbattery

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/homeguard/troubled/internal/collaborators"
	"github.com/homeguard/troubled/internal/trouble"
)

// Registry is the subset of trouble.Manager the elevator needs.
type Registry interface {
	GetTroubles(includeAck bool, sortMode trouble.SortMode) []*trouble.Trouble
	Elevate(troubleID uint64, newCriticality trouble.Criticality)
}

// Elevator runs the pre-low-battery promotion scan on a cron schedule.
type Elevator struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	running bool

	registry   Registry
	properties collaborators.PropertyFacade
}

// New constructs an Elevator. Call Start to schedule its cron entry.
func New(registry Registry, properties collaborators.PropertyFacade) *Elevator {
	return &Elevator{
		cron:       cron.New(cron.WithLocation(time.Local)),
		registry:   registry,
		properties: properties,
	}
}

// Start schedules the scan: a randomized minute of each hour in
// production, every minute in dev mode (spec §4.6).
func (e *Elevator) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	spec := e.cronSpec()
	id, err := e.cron.AddFunc(spec, e.scan)
	if err != nil {
		return err
	}
	e.entryID = id
	e.cron.Start()
	e.running = true
	log.Info().Str("schedule", spec).Msg("pre-low-battery elevator scheduled")
	return nil
}

func (e *Elevator) cronSpec() string {
	if e.properties.GetBool(collaborators.PropPreLowBatteryDaysDevMode, false) {
		return "* * * * *"
	}
	minute := rand.Intn(60)
	return fmt.Sprintf("%d * * * *", minute)
}

// Stop halts the cron scheduler, waiting for any in-flight scan.
func (e *Elevator) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	c := e.cron
	e.mu.Unlock()

	<-c.Stop().Done()
}

// RunNow executes a scan immediately, outside the cron schedule (used by
// tests).
func (e *Elevator) RunNow() {
	e.scan()
}

// scan walks the registry once and elevates any Device/BatteryLow/Notice
// trouble whose age has crossed the pre-low-battery-days threshold.
func (e *Elevator) scan() {
	devMode := e.properties.GetBool(collaborators.PropPreLowBatteryDaysDevMode, false)
	days := e.properties.GetUint(collaborators.PropPreLowBatteryDays, collaborators.DefaultPreLowBatteryDays)
	if days == 0 {
		return
	}

	var threshold time.Duration
	if devMode {
		threshold = time.Duration(days) * time.Minute
	} else {
		threshold = time.Duration(days) * 24 * time.Hour
	}

	now := time.Now()
	for _, t := range e.registry.GetTroubles(true, trouble.SortByCreateDateAsc) {
		if t.Type != trouble.TypeDevice || t.Reason != trouble.ReasonBatteryLow || t.Criticality != trouble.Notice {
			continue
		}
		if now.Sub(t.EventTime) < threshold {
			continue
		}
		log.Info().Uint64("troubleId", t.TroubleID).Msg("elevating pre-low-battery trouble to warning")
		e.registry.Elevate(t.TroubleID, trouble.Warning)
	}
}
