package trouble

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceTrouble(ownerURI string) *Trouble {
	return &Trouble{
		EventTime:       time.Now(),
		Type:            TypeDevice,
		Reason:          ReasonBatteryLow,
		Criticality:     Notice,
		Indication:      IndicationBoth,
		IndicationGroup: CategoryIoT,
		Persist:         true,
		Payload:         Payload{Kind: PayloadDevice, OwnerURI: ownerURI},
	}
}

func TestAdd_AssignsIDAndRejectsDuplicate(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	id1 := m.Add(ctx, deviceTrouble("device://z1"), nil, true)
	require.NotZero(t, id1)

	id2 := m.Add(ctx, deviceTrouble("device://z1"), nil, true)
	assert.Zero(t, id2, "duplicate add (same type/reason/owner_uri) must be rejected")

	assert.EqualValues(t, 1, m.GetCount(true))
}

func TestAdd_DifferentOwnerURINotADuplicate(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	id1 := m.Add(ctx, deviceTrouble("device://z1"), nil, true)
	id2 := m.Add(ctx, deviceTrouble("device://z2"), nil, true)

	require.NotZero(t, id1)
	require.NotZero(t, id2)
	assert.NotEqual(t, id1, id2)
	assert.EqualValues(t, 2, m.GetCount(true))
}

func TestClear_RemovesAndReportsFound(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	id := m.Add(ctx, deviceTrouble("device://z1"), nil, true)
	require.NotZero(t, id)

	ok := m.Clear(ctx, id, TypeDevice, ReasonBatteryLow, Payload{}, nil, true)
	assert.True(t, ok)
	assert.Zero(t, m.GetCount(true))

	ok = m.Clear(ctx, id, TypeDevice, ReasonBatteryLow, Payload{}, nil, true)
	assert.False(t, ok, "clearing an already-cleared trouble must report not found")
}

func TestAcknowledge_IdempotentAndUnknownIDNoop(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	id := m.Add(ctx, deviceTrouble("device://z1"), nil, true)

	assert.True(t, m.Acknowledge(ctx, id))
	assert.True(t, m.Acknowledge(ctx, id), "acknowledging twice must stay a no-op success")
	assert.False(t, m.Acknowledge(ctx, 9999))

	troubles := m.GetTroubles(true, SortByCreateDateAsc)
	require.Len(t, troubles, 1)
	assert.True(t, troubles[0].Acknowledged)

	assert.EqualValues(t, 0, m.GetCount(false), "acknowledged troubles excluded from unacked count")
}

func TestUnacknowledge(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	id := m.Add(ctx, deviceTrouble("device://z1"), nil, true)
	require.True(t, m.Acknowledge(ctx, id))

	assert.True(t, m.Unacknowledge(ctx, id, true))
	troubles := m.GetTroubles(true, SortByCreateDateAsc)
	require.Len(t, troubles, 1)
	assert.False(t, troubles[0].Acknowledged)
}

func TestSystemFlags(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	assert.False(t, m.HasAnySystemTroubles())
	assert.False(t, m.HasSystemTamperedTrouble())

	tamper := &Trouble{
		Type:            TypeSystem,
		Reason:          ReasonTamper,
		Criticality:     Critical,
		Indication:      IndicationBoth,
		IndicationGroup: CategorySystem,
		Payload:         Payload{Kind: PayloadDevice, OwnerURI: "device://panel"},
	}
	id := m.Add(ctx, tamper, nil, true)
	require.NotZero(t, id)

	assert.True(t, m.HasAnySystemTroubles())
	assert.True(t, m.HasSystemTamperedTrouble())

	m.Clear(ctx, id, TypeSystem, ReasonTamper, Payload{}, nil, true)
	assert.False(t, m.HasAnySystemTroubles())
	assert.False(t, m.HasSystemTamperedTrouble())
}

func TestGetTroublesForURI_PrefixAndWildcard(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	m.Add(ctx, deviceTrouble("device://zwave/12"), nil, true)
	m.Add(ctx, deviceTrouble("device://zwave/13"), nil, true)
	m.Add(ctx, deviceTrouble("device://zigbee/1"), nil, true)

	zwave := m.GetTroublesForURI("device://zwave/*", true)
	assert.Len(t, zwave, 2)

	prefix := m.GetTroublesForURI("device://zwave", true)
	assert.Len(t, prefix, 2)

	zigbee := m.GetTroublesForURI("device://zigbee/1", true)
	assert.Len(t, zigbee, 1)
}

func TestClearForDevice(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	m.Add(ctx, deviceTrouble("device://zwave/12"), nil, true)
	m.Add(ctx, deviceTrouble("device://zwave/13"), nil, true)
	m.Add(ctx, deviceTrouble("device://zigbee/1"), nil, true)

	removed := m.ClearForDevice("device://zwave")
	assert.Len(t, removed, 2)
	assert.EqualValues(t, 1, m.GetCount(true))
}

func TestLoad_ForcesUnackForSafetyAndSystem(t *testing.T) {
	m := NewManager()

	safety := &Trouble{
		TroubleID:       42,
		Type:            TypeDevice,
		Reason:          ReasonBatteryLow,
		IndicationGroup: CategorySafety,
		Acknowledged:    true,
		Payload:         Payload{Kind: PayloadZone, ZoneNumber: 3},
	}
	ok := m.Load(safety)
	require.True(t, ok)

	loaded := m.GetTroubles(true, SortByCreateDateAsc)
	require.Len(t, loaded, 1)
	assert.False(t, loaded[0].Acknowledged, "Safety-category troubles must load un-acknowledged")
}

func TestLoad_RejectsIDCollision(t *testing.T) {
	m := NewManager()
	t1 := &Trouble{TroubleID: 7, Type: TypeDevice, Reason: ReasonDirty, Payload: Payload{Kind: PayloadZone, ZoneNumber: 1}}
	t2 := &Trouble{TroubleID: 7, Type: TypeDevice, Reason: ReasonDirty, Payload: Payload{Kind: PayloadZone, ZoneNumber: 2}}

	assert.True(t, m.Load(t1))
	assert.False(t, m.Load(t2), "a colliding trouble_id on Load must be rejected")
}

func TestGetTroubles_SortModes(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	low := deviceTrouble("device://a")
	low.Criticality = Info
	low.IndicationGroup = CategoryIoT

	high := deviceTrouble("device://b")
	high.Criticality = Alert
	high.IndicationGroup = CategorySafety

	m.Add(ctx, low, nil, true)
	m.Add(ctx, high, nil, true)

	byCrit := m.GetTroubles(true, SortByCriticalityAsc)
	require.Len(t, byCrit, 2)
	assert.Equal(t, Info, byCrit[0].Criticality)

	byGroup := m.GetTroubles(true, SortByIndicationGroupDesc)
	require.Len(t, byGroup, 2)
	assert.Equal(t, CategorySafety, byGroup[0].IndicationGroup)
}

type fakeReplaySink struct {
	clearedRemaining []int
}

func (f *fakeReplaySink) OnTroubleAdded(*Trouble) {}
func (f *fakeReplaySink) OnTroubleCleared(_ *Trouble, remainingInCategory int) {
	f.clearedRemaining = append(f.clearedRemaining, remainingInCategory)
}
func (f *fakeReplaySink) OnTroubleAcknowledged(*Trouble, int) {}

// TestClear_RemainingCountIsPerCategoryNotPerReason guards against
// reporting the dedup key's remaining count (type, reason) to the Replay
// Tracker instead of the trouble's indication_group category. Multiple
// reasons share one category (e.g. CommFail and BatteryLow both land in
// Burg for a sensor), so clearing the last instance of
// one reason must not report zero while a different reason is still active
// in that same category.
func TestClear_RemainingCountIsPerCategoryNotPerReason(t *testing.T) {
	sink := &fakeReplaySink{}
	m := NewManager(WithReplaySink(sink))
	ctx := context.Background()

	commFail := deviceTrouble("device://z1")
	commFail.Reason = ReasonCommFail
	commFail.IndicationGroup = CategoryBurg

	batteryLow := deviceTrouble("device://z2")
	batteryLow.Reason = ReasonBatteryLow
	batteryLow.IndicationGroup = CategoryBurg

	id1 := m.Add(ctx, commFail, nil, true)
	m.Add(ctx, batteryLow, nil, true)
	require.NotZero(t, id1)

	ok := m.Clear(ctx, id1, TypeDevice, ReasonCommFail, Payload{}, nil, true)
	require.True(t, ok)

	require.Len(t, sink.clearedRemaining, 1)
	assert.Equal(t, 1, sink.clearedRemaining[0], "one CategoryBurg trouble of a different reason is still active")
}

func TestClearForDevice_RemainingCountIsPerCategory(t *testing.T) {
	sink := &fakeReplaySink{}
	m := NewManager(WithReplaySink(sink))
	ctx := context.Background()

	commFail := deviceTrouble("device://zwave/12")
	commFail.Reason = ReasonCommFail
	commFail.IndicationGroup = CategoryBurg

	batteryLow := deviceTrouble("device://zwave/13")
	batteryLow.Reason = ReasonBatteryLow
	batteryLow.IndicationGroup = CategoryBurg

	otherCategory := deviceTrouble("device://zigbee/1")
	otherCategory.IndicationGroup = CategoryIoT

	m.Add(ctx, commFail, nil, true)
	m.Add(ctx, batteryLow, nil, true)
	m.Add(ctx, otherCategory, nil, true)

	removed := m.ClearForDevice("device://zwave")
	require.Len(t, removed, 2)
	assert.Equal(t, []int{0, 0}, sink.clearedRemaining, "both Burg troubles on this device were removed together")
}

type fakePanel struct {
	calls []int
}

func (f *fakePanel) OnTroubleChange(_ uint64, _ string, _ string, criticality int) {
	f.calls = append(f.calls, criticality)
}

func TestEscalateCommFailToAlarm_BlipsCriticalityThenRestores(t *testing.T) {
	panel := &fakePanel{}
	m := NewManager(WithPanel(panel))
	ctx := context.Background()

	commFail := &Trouble{
		EventTime:       time.Now(),
		Type:            TypeDevice,
		Reason:          ReasonCommFail,
		DeviceID:        "dev1",
		Criticality:     Critical,
		Indication:      IndicationBoth,
		IndicationGroup: CategoryBurg,
		Payload:         Payload{Kind: PayloadDevice, OwnerURI: "device://dev1"},
	}
	id := m.Add(ctx, commFail, nil, true)
	require.NotZero(t, id)
	panel.calls = nil // Add's own panel notification isn't under test here

	m.EscalateCommFailToAlarm("dev1")

	require.Len(t, panel.calls, 1, "the panel must be notified exactly once for the momentary escalation")
	assert.EqualValues(t, Alert, panel.calls[0])

	troubles := m.GetTroubles(true, SortByCreateDateAsc)
	require.Len(t, troubles, 1)
	assert.Equal(t, Critical, troubles[0].Criticality, "criticality must be restored after the blip")
}

func TestEscalateCommFailToAlarm_UnknownDeviceIsNoop(t *testing.T) {
	panel := &fakePanel{}
	m := NewManager(WithPanel(panel))

	m.EscalateCommFailToAlarm("no-such-device")
	assert.Empty(t, panel.calls)
}
