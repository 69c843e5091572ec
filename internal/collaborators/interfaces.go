// Package collaborators defines the narrow capability interfaces the
// trouble engine consumes from the rest of the gateway (device service,
// alarm panel, zone lookups, properties, event bus). None of these are
// implemented here beyond the concrete adapters in internal/properties,
// internal/eventbus, and internal/persistence — this package exists only
// to break the cyclic coupling between the trouble engine and its
// collaborators, the way the teacher injects small capability interfaces
// into its Manager rather than depending on concrete types directly.
package collaborators

import (
	"context"
	"time"
)

// Device is the subset of device-service state the trouble engine reads.
type Device struct {
	ID          string
	Class       string
	Resources   map[string]string
	Endpoints   map[string]map[string]string
	LastContact time.Time
}

// DeviceService is the §6.1 abstract device-service client.
type DeviceService interface {
	GetDeviceByID(ctx context.Context, id string) (Device, bool)
	GetDevices(ctx context.Context) []Device
	ReadMetadataByOwner(ctx context.Context, ownerURI, tag string) (string, bool)
	WriteMetadataByOwner(ctx context.Context, ownerURI, tag, value string) error
	ReadResource(ctx context.Context, deviceID, resource string) (string, bool)
	WriteEndpointResource(ctx context.Context, deviceID, endpoint, resource, value string) error
}

// PanelStatus is a read-only snapshot an outbound trouble event may carry.
type PanelStatus struct {
	Armed      bool
	Ready      bool
	AlarmState string
}

// AlarmPanel is the §6.2 narrow panel hook. The trouble engine never
// reaches into panel internals; the panel never reaches into the registry.
type AlarmPanel interface {
	OnTroubleChange(troubleID uint64, troubleType string, reason string, criticality int)
	PopulatePanelStatus() PanelStatus
	PopulateCurrentAlarmStatus() PanelStatus
}

// Zone is the subset of zone state the trouble engine needs for payload
// enrichment and life-safety escalation decisions.
type Zone struct {
	Number        int
	Type          string
	Function      string
	IsSimpleDevice bool
}

// ZoneCollaborator is the §6.3 zone lookup contract.
type ZoneCollaborator interface {
	FindZoneByURI(uri string) (int, bool)
	GetZone(number int) (Zone, bool)
	HasLifeSafetyZone() bool
	GetZonesForDevice(deviceID string) []Zone
}
