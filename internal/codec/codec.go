// Package codec encodes and decodes trouble records to and from the
// neutral JSON shape used for persistence and event emission (spec §6.6).
// Kept as a thin layer over encoding/json: every repo in the retrieval
// pack that serializes a comparably small, stable struct (the teacher's
// alert/history JSON, the octoreflex bolt value encoding) does the same,
// so there is no ecosystem library this would be grounded on instead.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/homeguard/troubled/internal/trouble"
)

// payloadWire is the "extra" tagged payload on the wire.
type payloadWire struct {
	Kind          string `json:"kind"`
	ZoneNumber    int    `json:"zoneNumber,omitempty"`
	ZoneType      string `json:"zoneType,omitempty"`
	DeviceTrouble bool   `json:"deviceTrouble,omitempty"`
	DeviceClass   string `json:"deviceClass,omitempty"`
	RootID        string `json:"rootId,omitempty"`
	OwnerURI      string `json:"ownerUri,omitempty"`
	ResourceURI   string `json:"resourceUri,omitempty"`
}

type troubleWire struct {
	TroubleID         uint64      `json:"troubleId"`
	EventID           uint64      `json:"eventId"`
	EventTime         int64       `json:"eventTime"`
	Type              string      `json:"type"`
	Reason            string      `json:"reason"`
	Critical          int         `json:"critical"`
	Indication        string      `json:"indication"`
	IndicationGroup   string      `json:"indicationGroup"`
	Acknowledged      bool        `json:"acknowledged"`
	Restored          bool        `json:"restored"`
	TreatAsLifeSafety bool        `json:"treatAsLifeSafety"`
	Description       string      `json:"description"`
	Extra             payloadWire `json:"extra"`
}

type baseEventWire struct {
	EventID    uint64 `json:"eventId"`
	EventCode  string `json:"eventCode"`
	EventValue string `json:"eventValue"`
	EventTime  int64  `json:"eventTime"`
}

// record is a single `<trouble_id>` entry in the persisted metadata object.
type record struct {
	BaseEvent baseEventWire `json:"baseEvent"`
	Trouble   troubleWire   `json:"trouble"`
}

// Encode serializes a single Trouble into its persisted JSON record form.
func Encode(t *trouble.Trouble) ([]byte, error) {
	rec := toRecord(t)
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("codec.Encode: marshal trouble %d: %w", t.TroubleID, err)
	}
	return data, nil
}

// Decode parses a single persisted trouble record back into a Trouble.
func Decode(data []byte) (*trouble.Trouble, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("codec.Decode: unmarshal trouble record: %w", err)
	}
	return fromRecord(rec), nil
}

// EncodeDeviceMetadata encodes the full per-device `troubles` metadata
// object: a JSON object keyed by stringified trouble_id (spec §4.2, §6.6).
func EncodeDeviceMetadata(troubles map[uint64]*trouble.Trouble) ([]byte, error) {
	obj := make(map[string]record, len(troubles))
	for id, t := range troubles {
		obj[fmt.Sprintf("%d", id)] = toRecord(t)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("codec.EncodeDeviceMetadata: marshal: %w", err)
	}
	return data, nil
}

// DecodeDeviceMetadata parses a device's `troubles` metadata blob. Missing
// or malformed payloads should be treated by the caller as an empty object
// (spec §4.5) rather than an error; DecodeDeviceMetadata itself still
// reports the parse error so the caller can log it.
func DecodeDeviceMetadata(data []byte) (map[uint64]*trouble.Trouble, error) {
	var obj map[string]record
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("codec.DecodeDeviceMetadata: unmarshal: %w", err)
	}
	out := make(map[uint64]*trouble.Trouble, len(obj))
	for key, rec := range obj {
		var id uint64
		if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
			continue
		}
		out[id] = fromRecord(rec)
	}
	return out, nil
}

func toRecord(t *trouble.Trouble) record {
	return record{
		BaseEvent: baseEventWire{
			EventID:    t.EventID,
			EventCode:  string(eventCodeForTrouble(t)),
			EventValue: string(t.Reason),
			EventTime:  t.EventTime.UnixMilli(),
		},
		Trouble: troubleWire{
			TroubleID:         t.TroubleID,
			EventID:           t.EventID,
			EventTime:         t.EventTime.UnixMilli(),
			Type:              string(t.Type),
			Reason:            string(t.Reason),
			Critical:          int(t.Criticality),
			Indication:        string(t.Indication),
			IndicationGroup:   string(t.IndicationGroup),
			Acknowledged:      t.Acknowledged,
			Restored:          t.Restored,
			TreatAsLifeSafety: t.TreatAsLifeSafety,
			Description:       t.Description,
			Extra:             toPayloadWire(t.Payload),
		},
	}
}

func fromRecord(rec record) *trouble.Trouble {
	return &trouble.Trouble{
		TroubleID:         rec.Trouble.TroubleID,
		EventID:           rec.Trouble.EventID,
		EventTime:         time.UnixMilli(rec.Trouble.EventTime),
		Type:              trouble.Type(rec.Trouble.Type),
		Reason:            trouble.Reason(rec.Trouble.Reason),
		Criticality:       trouble.Criticality(rec.Trouble.Critical),
		Indication:        trouble.Indication(rec.Trouble.Indication),
		IndicationGroup:   trouble.Category(rec.Trouble.IndicationGroup),
		Acknowledged:      rec.Trouble.Acknowledged,
		Restored:          rec.Trouble.Restored,
		Persist:           true,
		TreatAsLifeSafety: rec.Trouble.TreatAsLifeSafety,
		Description:       rec.Trouble.Description,
		Payload:           fromPayloadWire(rec.Trouble.Extra),
	}
}

func toPayloadWire(p trouble.Payload) payloadWire {
	return payloadWire{
		Kind:          string(p.Kind),
		ZoneNumber:    p.ZoneNumber,
		ZoneType:      p.ZoneType,
		DeviceTrouble: p.DeviceTrouble,
		DeviceClass:   p.DeviceClass,
		RootID:        p.RootID,
		OwnerURI:      p.OwnerURI,
		ResourceURI:   p.ResourceURI,
	}
}

func fromPayloadWire(w payloadWire) trouble.Payload {
	return trouble.Payload{
		Kind:          trouble.PayloadKind(w.Kind),
		ZoneNumber:    w.ZoneNumber,
		ZoneType:      w.ZoneType,
		DeviceTrouble: w.DeviceTrouble,
		DeviceClass:   w.DeviceClass,
		RootID:        w.RootID,
		OwnerURI:      w.OwnerURI,
		ResourceURI:   w.ResourceURI,
	}
}

func eventCodeForTrouble(t *trouble.Trouble) string {
	if t.Restored {
		return "TROUBLE_CLEARED"
	}
	return "TROUBLE_OCCURRED"
}
