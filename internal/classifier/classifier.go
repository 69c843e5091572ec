// Package classifier implements the Resource→Trouble Classifier (spec
// §4.1): it turns a device resource change into a prospective Trouble (or
// a clear), or a no-op. Grounded on the teacher's guest_snapshot.go
// type-switch dispatch pattern, generalized here from "which guest kind is
// this" to "which device class is this, and what trouble payload does it
// imply."
package classifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/homeguard/troubled/internal/collaborators"
	"github.com/homeguard/troubled/internal/commfail"
	"github.com/homeguard/troubled/internal/trouble"
)

// ResourceInput is the §4.1 contract input: a resource record plus the
// optional parent device snapshot and base event metadata.
type ResourceInput struct {
	ResourceID  string
	Value       string
	OwnerURI    string
	OwnerClass  string
	URI         string
	DeviceID    string
	DeviceClass string

	ProcessClear bool
	SendEvent    bool
}

// Result is the classifier's verdict: either a trouble to add, a clear to
// apply, or neither (IsNoop true).
type Result struct {
	IsNoop  bool
	IsClear bool
	Trouble *trouble.Trouble
}

type handlerFunc func(c *Classifier, in ResourceInput) Result

// Classifier holds the resource-id handler table and its collaborators.
type Classifier struct {
	mu       sync.RWMutex
	handlers map[string]handlerFunc

	zones      collaborators.ZoneCollaborator
	properties collaborators.PropertyFacade
	commFail   *commfail.Timer

	// OnCommFailTroubleDelay is invoked when the Comm-Fail Timer decides a
	// TroubleDelay entry has crossed its threshold and the device should
	// now be reclassified into a real trouble (spec §4.4 tick callback).
	OnCommFailTroubleDelay func(deviceID string)

	// OnCommFailAlarmDelay is invoked when the Comm-Fail Timer's AlarmDelay
	// entry crosses its (longer) threshold. Unlike OnCommFailTroubleDelay,
	// this never re-enters classification — the trouble already exists;
	// it only escalates the existing trouble's criticality momentarily
	// (spec §4.4 scenario S3).
	OnCommFailAlarmDelay func(deviceID string)
}

// New constructs a Classifier with the standard handler table installed.
func New(zones collaborators.ZoneCollaborator, properties collaborators.PropertyFacade, cf *commfail.Timer) *Classifier {
	c := &Classifier{
		handlers:   make(map[string]handlerFunc),
		zones:      zones,
		properties: properties,
		commFail:   cf,
	}
	c.installDefaultHandlers()
	return c
}

// RegisterHandler installs or replaces the handler for a resource id.
// Access to the handler table is mutex-guarded per spec §5 ("a second
// mutex protecting the classifier handler table").
func (c *Classifier) RegisterHandler(resourceID string, fn handlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[resourceID] = fn
}

func (c *Classifier) installDefaultHandlers() {
	c.handlers["comm_fail"] = (*Classifier).classifyCommFail
	c.handlers["low_battery"] = (*Classifier).classifyLowBattery
	c.handlers["end_of_life"] = (*Classifier).classifyEndOfLife
	c.handlers["firmware_update_status"] = (*Classifier).classifyFirmwareUpdateStatus

	static := map[string]struct {
		reason trouble.Reason
		crit   trouble.Criticality
	}{
		"tamper":                {trouble.ReasonTamper, trouble.Critical},
		"battery_bad":           {trouble.ReasonBatteryBad, trouble.Critical},
		"battery_missing":       {trouble.ReasonBatteryMissing, trouble.Critical},
		"battery_high_temp":     {trouble.ReasonBatteryHighTemp, trouble.Warning},
		"high_temp":             {trouble.ReasonHighTemp, trouble.Warning},
		"ac_loss":               {trouble.ReasonACLoss, trouble.Warning},
		"end_of_line":           {trouble.ReasonEndOfLine, trouble.Warning},
		"dirty":                 {trouble.ReasonDirty, trouble.Notice},
		"lock_jam":              {trouble.ReasonLockJam, trouble.Warning},
		"pin_limit":             {trouble.ReasonPinLimit, trouble.Warning},
		"bootloader":            {trouble.ReasonBootloader, trouble.Warning},
		"zigbee_interference":   {trouble.ReasonZigbeeInterference, trouble.Notice},
		"zigbee_pan_id_attack":  {trouble.ReasonZigbeePanIdAttack, trouble.Warning},
		"swinger":               {trouble.ReasonSwinger, trouble.Notice},
	}
	for resourceID, spec := range static {
		reason, crit := spec.reason, spec.crit
		c.handlers[resourceID] = func(c *Classifier, in ResourceInput) Result {
			return c.classifyStatic(in, reason, crit)
		}
	}
}

// Classify applies the handler table to a resource input (spec §4.1).
func (c *Classifier) Classify(_ context.Context, in ResourceInput) Result {
	if in.DeviceID == "" {
		log.Debug().Str("resourceId", in.ResourceID).Msg("classifier: missing device id, skipping")
		return Result{IsNoop: true}
	}

	c.mu.RLock()
	handler, ok := c.handlers[in.ResourceID]
	c.mu.RUnlock()
	if !ok {
		return Result{IsNoop: true}
	}
	return handler(c, in)
}

func standardClear(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	return v == "" || v == "false"
}

func (c *Classifier) classifyStatic(in ResourceInput, reason trouble.Reason, crit trouble.Criticality) Result {
	if in.ProcessClear && standardClear(in.Value) {
		return Result{IsClear: true, Trouble: c.baseTrouble(in, trouble.TypeDevice, reason, crit)}
	}
	if standardClear(in.Value) {
		return Result{IsNoop: true}
	}
	t := c.baseTrouble(in, trouble.TypeDevice, reason, crit)
	c.enrichPayload(t, in)
	return Result{Trouble: t}
}

// commFailCriticality derives criticality from device class (spec §4.1).
func commFailCriticality(deviceClass string) trouble.Criticality {
	switch deviceClass {
	case "light":
		return trouble.Info
	case "camera":
		return trouble.Notice
	case "sensor", "lock", "thermostat":
		return trouble.Critical
	default:
		return trouble.Error
	}
}

var presenceOnlyClasses = map[string]bool{"presence": true}

func (c *Classifier) classifyCommFail(in ResourceInput) Result {
	if presenceOnlyClasses[in.OwnerClass] {
		return Result{IsNoop: true}
	}
	if in.ProcessClear && standardClear(in.Value) {
		c.commFail.Stop(in.DeviceID, commfail.TroubleDelay)
		c.commFail.Stop(in.DeviceID, commfail.AlarmDelay)
		return Result{IsClear: true, Trouble: c.baseTrouble(in, trouble.TypeDevice, trouble.ReasonCommFail, trouble.Critical)}
	}
	if standardClear(in.Value) {
		return Result{IsNoop: true}
	}

	if c.commFail.Has(in.DeviceID, commfail.TroubleDelay) {
		return Result{IsNoop: true}
	}

	// The trouble-delay gate itself is evaluated by the caller through the
	// comm-fail timer (it owns device lookups); classifyCommFail only
	// decides whether to arm the TroubleDelay entry versus emit the
	// trouble directly, using the already-elapsed signal passed in Value
	// by convention ("true:elapsed" from the comm-fail timer callback, or
	// plain "true" from a live resource update still within the window).
	if in.Value == "true:elapsed" {
		c.commFail.Stop(in.DeviceID, commfail.TroubleDelay)
		crit := commFailCriticality(in.DeviceClass)
		t := c.baseTrouble(in, trouble.TypeDevice, trouble.ReasonCommFail, crit)
		c.enrichPayload(t, in)
		if in.DeviceClass == "sensor" && !c.properties.GetBool(collaborators.PropNoAlarmOnCommFailure, false) {
			c.commFail.Start(in.DeviceID, commfail.AlarmDelay, func() {
				if c.OnCommFailAlarmDelay != nil {
					c.OnCommFailAlarmDelay(in.DeviceID)
				}
			})
		}
		return Result{Trouble: t}
	}

	// "true" but not yet past the trouble-delay threshold: register a
	// TroubleDelay entry and return a no-op; the comm-fail timer's tick
	// will re-invoke classification with "true:elapsed" once crossed.
	c.commFail.Start(in.DeviceID, commfail.TroubleDelay, func() {
		if c.OnCommFailTroubleDelay != nil {
			c.OnCommFailTroubleDelay(in.DeviceID)
		}
	})
	return Result{IsNoop: true}
}

func (c *Classifier) classifyLowBattery(in ResourceInput) Result {
	if in.ProcessClear && standardClear(in.Value) {
		return Result{IsClear: true, Trouble: c.baseTrouble(in, trouble.TypeDevice, trouble.ReasonBatteryLow, trouble.Notice)}
	}
	if standardClear(in.Value) {
		return Result{IsNoop: true}
	}

	preLowBatteryDays := c.properties.GetUint(collaborators.PropPreLowBatteryDays, collaborators.DefaultPreLowBatteryDays)
	isWarningDevice := in.DeviceClass == "warning-device"

	crit := trouble.Warning
	if preLowBatteryDays != 0 && !isWarningDevice {
		crit = trouble.Notice
	}

	t := c.baseTrouble(in, trouble.TypeDevice, trouble.ReasonBatteryLow, crit)
	c.enrichPayload(t, in)
	return Result{Trouble: t}
}

func (c *Classifier) classifyEndOfLife(in ResourceInput) Result {
	if in.ProcessClear && standardClear(in.Value) {
		return Result{IsClear: true, Trouble: c.baseTrouble(in, trouble.TypeDevice, trouble.ReasonEndOfLife, trouble.Critical)}
	}
	if standardClear(in.Value) {
		return Result{IsNoop: true}
	}
	t := c.baseTrouble(in, trouble.TypeDevice, trouble.ReasonEndOfLife, trouble.Critical)
	c.enrichPayload(t, in)
	return Result{Trouble: t}
}

func (c *Classifier) classifyFirmwareUpdateStatus(in ResourceInput) Result {
	v := strings.ToLower(strings.TrimSpace(in.Value))
	if v == "completed" {
		return Result{IsClear: true, Trouble: c.baseTrouble(in, trouble.TypeDevice, trouble.ReasonGeneric, trouble.Info)}
	}
	if v != "failed" {
		return Result{IsNoop: true}
	}
	t := c.baseTrouble(in, trouble.TypeDevice, trouble.ReasonGeneric, trouble.Info)
	t.Description = fmt.Sprintf("%s firmware update failed", in.DeviceClass)
	c.enrichPayload(t, in)
	return Result{Trouble: t}
}

func (c *Classifier) baseTrouble(in ResourceInput, typ trouble.Type, reason trouble.Reason, crit trouble.Criticality) *trouble.Trouble {
	return &trouble.Trouble{
		EventTime:   time.Now(),
		Type:        typ,
		Reason:      reason,
		DeviceID:    in.DeviceID,
		Criticality: crit,
		Indication:  trouble.IndicationBoth,
		Persist:     true,
		Description: fmt.Sprintf("%s %s", in.DeviceClass, reason),
	}
}

var iotLikeClasses = map[string]bool{
	"light": true, "thermostat": true, "lock": true, "keypad": true,
	"keyfob": true, "warning-device": true, "security-controller": true,
}

// enrichPayload fills the payload variant and indication group by device
// class (spec §4.1 "Payload enrichment"). Tamper troubles are re-routed
// to the System category regardless of device class, and any System
// trouble on a system with a life-safety zone is marked treat_as_life_safety
// and escalated to the Safety category (spec §3.2 invariants, §4.3).
func (c *Classifier) enrichPayload(t *trouble.Trouble, in ResourceInput) {
	switch {
	case t.Reason == trouble.ReasonTamper:
		t.Type = trouble.TypeSystem
		t.IndicationGroup = trouble.CategorySystem
		t.Payload = trouble.Payload{
			Kind:        trouble.PayloadDevice,
			DeviceClass: in.DeviceClass,
			RootID:      in.DeviceID,
			OwnerURI:    in.OwnerURI,
			ResourceURI: in.URI,
		}
	case in.DeviceClass == "sensor":
		t.IndicationGroup = trouble.CategoryBurg
		zoneNumber, _ := c.zones.FindZoneByURI(in.OwnerURI)
		zoneType := ""
		if zone, ok := c.zones.GetZone(zoneNumber); ok {
			zoneType = zone.Type
		}
		t.Payload = trouble.Payload{
			Kind:          trouble.PayloadZone,
			ZoneNumber:    zoneNumber,
			ZoneType:      zoneType,
			DeviceTrouble: true,
		}
	case in.DeviceClass == "camera":
		t.IndicationGroup = trouble.CategoryIoT
		t.Payload = trouble.Payload{Kind: trouble.PayloadCamera, DeviceTrouble: true}
	case iotLikeClasses[in.DeviceClass]:
		t.IndicationGroup = trouble.CategoryIoT
		t.Payload = trouble.Payload{
			Kind:        trouble.PayloadDevice,
			DeviceClass: in.DeviceClass,
			RootID:      in.DeviceID,
			OwnerURI:    in.OwnerURI,
			ResourceURI: in.URI,
		}
	default:
		t.IndicationGroup = trouble.CategoryIoT
		t.Payload = trouble.Payload{
			Kind:        trouble.PayloadDevice,
			DeviceClass: in.DeviceClass,
			RootID:      in.DeviceID,
			OwnerURI:    in.OwnerURI,
			ResourceURI: in.URI,
		}
	}

	if t.Type == trouble.TypeSystem && c.zones.HasLifeSafetyZone() {
		t.TreatAsLifeSafety = true
		t.IndicationGroup = trouble.CategorySafety
	}
}
