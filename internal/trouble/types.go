// Package trouble implements the canonical registry of active troubles for
// a residential security/alarm gateway: the in-memory authoritative set of
// device, system, network, and power fault conditions, with dedup,
// acknowledge/unacknowledge, categorized counts, and durable persistence.
package trouble

import "time"

// Type is the top-level classification of a trouble.
type Type string

const (
	TypeDevice  Type = "Device"
	TypeSystem  Type = "System"
	TypeNetwork Type = "Network"
	TypePower   Type = "Power"
)

// Reason enumerates the specific fault a trouble reports.
type Reason string

const (
	ReasonTamper              Reason = "Tamper"
	ReasonCommFail            Reason = "CommFail"
	ReasonBatteryLow          Reason = "BatteryLow"
	ReasonBatteryBad          Reason = "BatteryBad"
	ReasonBatteryMissing      Reason = "BatteryMissing"
	ReasonBatteryHighTemp     Reason = "BatteryHighTemp"
	ReasonHighTemp             Reason = "HighTemp"
	ReasonACLoss              Reason = "ACLoss"
	ReasonEndOfLife           Reason = "EndOfLife"
	ReasonEndOfLine           Reason = "EndOfLine"
	ReasonDirty               Reason = "Dirty"
	ReasonLockJam             Reason = "LockJam"
	ReasonPinLimit            Reason = "PinLimit"
	ReasonBootloader          Reason = "Bootloader"
	ReasonZigbeeInterference  Reason = "ZigbeeInterference"
	ReasonZigbeePanIdAttack   Reason = "ZigbeePanIdAttack"
	ReasonSwinger             Reason = "Swinger"
	ReasonGeneric             Reason = "Generic"
)

// Criticality is an ordered severity level.
type Criticality int

const (
	Info Criticality = iota
	Notice
	Warning
	Error
	Critical
	Alert
)

func (c Criticality) String() string {
	switch c {
	case Info:
		return "Info"
	case Notice:
		return "Notice"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Critical:
		return "Critical"
	case Alert:
		return "Alert"
	default:
		return "Unknown"
	}
}

// Indication is the user-facing effect a replay re-announce should produce.
type Indication string

const (
	IndicationNone    Indication = "None"
	IndicationVisual  Indication = "Visual"
	IndicationAudible Indication = "Audible"
	IndicationBoth    Indication = "Both"
)

// Category (indication group) drives replay priority and cadence.
// Safety dominates System, which dominates Burg, which dominates IoT.
type Category string

const (
	CategoryIoT    Category = "IoT"
	CategoryBurg   Category = "Burg"
	CategorySystem Category = "System"
	CategorySafety Category = "Safety"
)

// categoryPriority orders categories for replay iteration, Safety first.
var categoryPriority = map[Category]int{
	CategorySafety: 3,
	CategorySystem: 2,
	CategoryBurg:   1,
	CategoryIoT:    0,
}

// Priority returns this category's replay precedence; higher fires first.
func (c Category) Priority() int {
	return categoryPriority[c]
}

// PayloadKind tags which payload variant a trouble carries.
type PayloadKind string

const (
	PayloadNone   PayloadKind = "None"
	PayloadZone   PayloadKind = "Zone"
	PayloadCamera PayloadKind = "Camera"
	PayloadDevice PayloadKind = "Device"
)

// Payload is the tagged union described in spec §3.1. Exactly one of the
// Zone/Camera/Device fields is populated according to Kind.
type Payload struct {
	Kind PayloadKind

	// Zone payload
	ZoneNumber    int
	ZoneType      string
	DeviceTrouble bool

	// Camera payload
	// DeviceTrouble shared with Zone above.

	// Device payload
	DeviceClass string
	RootID      string
	OwnerURI    string
	ResourceURI string
}

// URI returns the owner_uri used for persistence location and prefix
// queries, empty if this payload kind does not carry one.
func (p Payload) URI() string {
	switch p.Kind {
	case PayloadDevice:
		return p.OwnerURI
	default:
		return ""
	}
}

// CompareFunc reports whether two payloads refer to the same underlying
// condition for dedup purposes. Callers supply this so equivalence (e.g.
// "same owner_uri", "same zone_number") stays pluggable per call site.
type CompareFunc func(a, b Payload) bool

// SameOwnerURI is the default CompareFunc: payloads match if their owner_uri
// (device payload) or zone_number (zone payload) agree.
func SameOwnerURI(a, b Payload) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case PayloadDevice:
		return a.OwnerURI == b.OwnerURI
	case PayloadZone:
		return a.ZoneNumber == b.ZoneNumber
	case PayloadCamera:
		return true
	default:
		return true
	}
}

// BaseEvent carries the broadcast ordering identity shared with upstream
// event producers.
type BaseEvent struct {
	EventID    uint64    `json:"eventId"`
	EventCode  string    `json:"eventCode"`
	EventValue string    `json:"eventValue"`
	EventTime  time.Time `json:"eventTime"`
}

// Trouble is a single active (or just-cleared) fault record.
type Trouble struct {
	TroubleID uint64 `json:"troubleId"`
	EventID   uint64 `json:"eventId"`
	EventTime time.Time `json:"eventTime"`

	Type     Type   `json:"type"`
	Reason   Reason `json:"reason"`
	DeviceID string `json:"-"`

	Criticality     Criticality `json:"critical"`
	Indication      Indication  `json:"indication"`
	IndicationGroup Category    `json:"indicationGroup"`

	Acknowledged       bool `json:"acknowledged"`
	Restored           bool `json:"restored"`
	Persist            bool `json:"-"`
	TreatAsLifeSafety  bool `json:"treatAsLifeSafety"`

	Description string  `json:"description"`
	Payload     Payload `json:"-"`
}

// Clone returns a deep copy safe to hand outside the registry's lock.
func (t *Trouble) Clone() *Trouble {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// Key is the composite dedup identity (type, reason); payload equivalence
// is resolved separately via CompareFunc since it cannot be compared by
// simple equality (zone payloads compare by number, device by uri, ...).
type Key struct {
	Type   Type
	Reason Reason
}

func (t *Trouble) key() Key {
	return Key{Type: t.Type, Reason: t.Reason}
}
