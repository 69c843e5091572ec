// Package fakes provides in-memory test doubles for the collaborator
// interfaces in internal/collaborators, used across the trouble engine's
// package tests in place of a real device service, alarm panel, zone
// collaborator, property facade, or event bus.
package fakes

import (
	"context"
	"sync"

	"github.com/homeguard/troubled/internal/collaborators"
)

// DeviceService is an in-memory collaborators.DeviceService.
type DeviceService struct {
	mu       sync.Mutex
	devices  map[string]collaborators.Device
	metadata map[string]map[string]string // ownerURI -> tag -> value
}

func NewDeviceService() *DeviceService {
	return &DeviceService{
		devices:  make(map[string]collaborators.Device),
		metadata: make(map[string]map[string]string),
	}
}

func (d *DeviceService) Put(dev collaborators.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[dev.ID] = dev
}

func (d *DeviceService) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.devices, id)
}

func (d *DeviceService) GetDeviceByID(_ context.Context, id string) (collaborators.Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[id]
	return dev, ok
}

func (d *DeviceService) GetDevices(_ context.Context) []collaborators.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]collaborators.Device, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, dev)
	}
	return out
}

func (d *DeviceService) ReadMetadataByOwner(_ context.Context, ownerURI, tag string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tags, ok := d.metadata[ownerURI]
	if !ok {
		return "", false
	}
	v, ok := tags[tag]
	return v, ok
}

func (d *DeviceService) WriteMetadataByOwner(_ context.Context, ownerURI, tag, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tags, ok := d.metadata[ownerURI]
	if !ok {
		tags = make(map[string]string)
		d.metadata[ownerURI] = tags
	}
	tags[tag] = value
	return nil
}

func (d *DeviceService) ReadResource(_ context.Context, deviceID, resource string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[deviceID]
	if !ok {
		return "", false
	}
	v, ok := dev.Resources[resource]
	return v, ok
}

func (d *DeviceService) WriteEndpointResource(_ context.Context, deviceID, endpoint, resource, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[deviceID]
	if !ok {
		return nil
	}
	if dev.Endpoints == nil {
		dev.Endpoints = make(map[string]map[string]string)
	}
	if dev.Endpoints[endpoint] == nil {
		dev.Endpoints[endpoint] = make(map[string]string)
	}
	dev.Endpoints[endpoint][resource] = value
	d.devices[deviceID] = dev
	return nil
}

// AlarmPanel is an in-memory collaborators.AlarmPanel recording every call.
type AlarmPanel struct {
	mu     sync.Mutex
	Calls  int
	Status collaborators.PanelStatus
}

func NewAlarmPanel() *AlarmPanel {
	return &AlarmPanel{Status: collaborators.PanelStatus{Ready: true}}
}

func (p *AlarmPanel) OnTroubleChange(uint64, string, string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
}

func (p *AlarmPanel) PopulatePanelStatus() collaborators.PanelStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Status
}

func (p *AlarmPanel) PopulateCurrentAlarmStatus() collaborators.PanelStatus {
	return p.PopulatePanelStatus()
}

// ZoneCollaborator is an in-memory collaborators.ZoneCollaborator.
type ZoneCollaborator struct {
	mu           sync.Mutex
	zones        map[int]collaborators.Zone
	uriToZone    map[string]int
	deviceZones  map[string][]collaborators.Zone
	lifeSafety   bool
}

func NewZoneCollaborator() *ZoneCollaborator {
	return &ZoneCollaborator{
		zones:       make(map[int]collaborators.Zone),
		uriToZone:   make(map[string]int),
		deviceZones: make(map[string][]collaborators.Zone),
	}
}

func (z *ZoneCollaborator) SetLifeSafety(v bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.lifeSafety = v
}

func (z *ZoneCollaborator) AddZone(uri string, deviceID string, zone collaborators.Zone) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.zones[zone.Number] = zone
	z.uriToZone[uri] = zone.Number
	z.deviceZones[deviceID] = append(z.deviceZones[deviceID], zone)
}

func (z *ZoneCollaborator) FindZoneByURI(uri string) (int, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	n, ok := z.uriToZone[uri]
	return n, ok
}

func (z *ZoneCollaborator) GetZone(number int) (collaborators.Zone, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	zone, ok := z.zones[number]
	return zone, ok
}

func (z *ZoneCollaborator) HasLifeSafetyZone() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.lifeSafety
}

func (z *ZoneCollaborator) GetZonesForDevice(deviceID string) []collaborators.Zone {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.deviceZones[deviceID]
}

// PropertyFacade is an in-memory collaborators.PropertyFacade.
type PropertyFacade struct {
	mu     sync.Mutex
	uints  map[string]uint32
	bools  map[string]bool
	subs   []func(key string)
}

func NewPropertyFacade() *PropertyFacade {
	return &PropertyFacade{
		uints: make(map[string]uint32),
		bools: make(map[string]bool),
	}
}

func (p *PropertyFacade) SetUint(key string, v uint32) {
	p.mu.Lock()
	subs := append([]func(string){}, p.subs...)
	p.uints[key] = v
	p.mu.Unlock()
	for _, fn := range subs {
		fn(key)
	}
}

func (p *PropertyFacade) SetBool(key string, v bool) {
	p.mu.Lock()
	subs := append([]func(string){}, p.subs...)
	p.bools[key] = v
	p.mu.Unlock()
	for _, fn := range subs {
		fn(key)
	}
}

func (p *PropertyFacade) GetUint(key string, def uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.uints[key]; ok {
		return v
	}
	return def
}

func (p *PropertyFacade) GetBool(key string, def bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.bools[key]; ok {
		return v
	}
	return def
}

func (p *PropertyFacade) Subscribe(fn func(key string)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
	idx := len(p.subs) - 1
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if idx < len(p.subs) {
			p.subs[idx] = func(string) {}
		}
	}
}

// EventBus is an in-memory collaborators.EventBus recording every publish.
type EventBus struct {
	mu     sync.Mutex
	Events []collaborators.TroubleEvent
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) Publish(event collaborators.TroubleEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Events = append(b.Events, event)
}

func (b *EventBus) Snapshot() []collaborators.TroubleEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]collaborators.TroubleEvent, len(b.Events))
	copy(out, b.Events)
	return out
}
