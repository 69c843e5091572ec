package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homeguard/troubled/internal/collaborators"
	"github.com/homeguard/troubled/internal/collaborators/fakes"
	"github.com/homeguard/troubled/internal/commfail"
	"github.com/homeguard/troubled/internal/trouble"
)

func newTestClassifier() (*Classifier, *fakes.ZoneCollaborator, *fakes.PropertyFacade) {
	zones := fakes.NewZoneCollaborator()
	props := fakes.NewPropertyFacade()
	devices := fakes.NewDeviceService()
	cf := commfail.New(devices, props)
	return New(zones, props, cf), zones, props
}

func TestClassify_UnknownResourceIDIsNoop(t *testing.T) {
	c, _, _ := newTestClassifier()
	res := c.Classify(context.Background(), ResourceInput{ResourceID: "nonexistent", DeviceID: "d1", Value: "true"})
	assert.True(t, res.IsNoop)
}

func TestClassify_MissingDeviceIDIsNoop(t *testing.T) {
	c, _, _ := newTestClassifier()
	res := c.Classify(context.Background(), ResourceInput{ResourceID: "tamper", Value: "true"})
	assert.True(t, res.IsNoop)
}

func TestClassifyStatic_TamperReroutesToSystemCategory(t *testing.T) {
	c, _, _ := newTestClassifier()
	res := c.Classify(context.Background(), ResourceInput{
		ResourceID: "tamper", Value: "true", DeviceID: "d1", DeviceClass: "sensor",
		OwnerURI: "device://d1", URI: "device://d1/tamper",
	})
	require.False(t, res.IsNoop)
	require.NotNil(t, res.Trouble)
	assert.Equal(t, trouble.TypeSystem, res.Trouble.Type)
	assert.Equal(t, trouble.CategorySystem, res.Trouble.IndicationGroup)
}

func TestClassifyStatic_TamperEscalatesToSafetyWithLifeSafetyZone(t *testing.T) {
	c, zones, _ := newTestClassifier()
	zones.SetLifeSafety(true)

	res := c.Classify(context.Background(), ResourceInput{
		ResourceID: "tamper", Value: "true", DeviceID: "d1", DeviceClass: "sensor",
		OwnerURI: "device://d1", URI: "device://d1/tamper",
	})
	require.NotNil(t, res.Trouble)
	assert.True(t, res.Trouble.TreatAsLifeSafety)
	assert.Equal(t, trouble.CategorySafety, res.Trouble.IndicationGroup)
}

func TestClassifyStatic_ClearValueIsNoopWithoutProcessClear(t *testing.T) {
	c, _, _ := newTestClassifier()
	res := c.Classify(context.Background(), ResourceInput{
		ResourceID: "dirty", Value: "false", DeviceID: "d1", DeviceClass: "sensor",
	})
	assert.True(t, res.IsNoop)
}

func TestClassifyStatic_ProcessClearReturnsClear(t *testing.T) {
	c, _, _ := newTestClassifier()
	res := c.Classify(context.Background(), ResourceInput{
		ResourceID: "dirty", Value: "false", DeviceID: "d1", DeviceClass: "sensor", ProcessClear: true,
	})
	assert.True(t, res.IsClear)
	require.NotNil(t, res.Trouble)
	assert.Equal(t, trouble.ReasonDirty, res.Trouble.Reason)
}

func TestEnrichPayload_SensorGetsZonePayload(t *testing.T) {
	c, zones, _ := newTestClassifier()
	zones.AddZone("device://z1", "d1", collaborators.Zone{Number: 4, Type: "door"})

	res := c.Classify(context.Background(), ResourceInput{
		ResourceID: "dirty", Value: "true", DeviceID: "d1", DeviceClass: "sensor", OwnerURI: "device://z1",
	})
	require.NotNil(t, res.Trouble)
	assert.Equal(t, trouble.PayloadZone, res.Trouble.Payload.Kind)
	assert.Equal(t, 4, res.Trouble.Payload.ZoneNumber)
	assert.Equal(t, "door", res.Trouble.Payload.ZoneType)
}

func TestEnrichPayload_CameraGetsCameraPayload(t *testing.T) {
	c, _, _ := newTestClassifier()
	res := c.Classify(context.Background(), ResourceInput{
		ResourceID: "dirty", Value: "true", DeviceID: "cam1", DeviceClass: "camera",
	})
	require.NotNil(t, res.Trouble)
	assert.Equal(t, trouble.PayloadCamera, res.Trouble.Payload.Kind)
}

func TestEnrichPayload_IoTLikeClassGetsDevicePayload(t *testing.T) {
	c, _, _ := newTestClassifier()
	res := c.Classify(context.Background(), ResourceInput{
		ResourceID: "dirty", Value: "true", DeviceID: "t1", DeviceClass: "thermostat", OwnerURI: "device://t1",
	})
	require.NotNil(t, res.Trouble)
	assert.Equal(t, trouble.PayloadDevice, res.Trouble.Payload.Kind)
	assert.Equal(t, trouble.CategoryIoT, res.Trouble.IndicationGroup)
}

func TestClassifyCommFail_LivePresenceClassIsAlwaysNoop(t *testing.T) {
	c, _, _ := newTestClassifier()
	res := c.Classify(context.Background(), ResourceInput{
		ResourceID: "comm_fail", Value: "true", DeviceID: "p1", OwnerClass: "presence",
	})
	assert.True(t, res.IsNoop)
}

func TestClassifyCommFail_ArmsTroubleDelayThenElevatesOnElapsed(t *testing.T) {
	c, _, _ := newTestClassifier()

	first := c.Classify(context.Background(), ResourceInput{
		ResourceID: "comm_fail", Value: "true", DeviceID: "d1", DeviceClass: "sensor", OwnerURI: "device://d1",
	})
	assert.True(t, first.IsNoop, "still within the trouble-delay window, classification must be deferred")
	assert.True(t, c.commFail.Has("d1", commfail.TroubleDelay))

	second := c.Classify(context.Background(), ResourceInput{
		ResourceID: "comm_fail", Value: "true:elapsed", DeviceID: "d1", DeviceClass: "sensor", OwnerURI: "device://d1",
	})
	require.False(t, second.IsNoop)
	require.NotNil(t, second.Trouble)
	assert.Equal(t, trouble.ReasonCommFail, second.Trouble.Reason)
	assert.False(t, c.commFail.Has("d1", commfail.TroubleDelay), "trouble-delay entry must be cleared once elevated")
	assert.True(t, c.commFail.Has("d1", commfail.AlarmDelay), "elevating a sensor's comm-fail must arm the alarm-delay stage too")
}

func TestClassifyCommFail_ElapsedDoesNotArmAlarmDelayWhenDisabled(t *testing.T) {
	c, _, props := newTestClassifier()
	props.SetBool(collaborators.PropNoAlarmOnCommFailure, true)

	c.Classify(context.Background(), ResourceInput{
		ResourceID: "comm_fail", Value: "true:elapsed", DeviceID: "d1", DeviceClass: "sensor", OwnerURI: "device://d1",
	})
	assert.False(t, c.commFail.Has("d1", commfail.AlarmDelay))
}

func TestClassifyCommFail_ElapsedOnNonSensorDoesNotArmAlarmDelay(t *testing.T) {
	c, _, _ := newTestClassifier()
	c.Classify(context.Background(), ResourceInput{
		ResourceID: "comm_fail", Value: "true:elapsed", DeviceID: "t1", DeviceClass: "thermostat", OwnerURI: "device://t1",
	})
	assert.False(t, c.commFail.Has("t1", commfail.AlarmDelay), "only sensor-class devices alarm on comm-fail")
}

func TestClassifyCommFail_ArmsAlarmDelayWithItsOwnCallbackField(t *testing.T) {
	c, _, _ := newTestClassifier()

	var troubleDelayCalls, alarmDelayCalls int
	c.OnCommFailTroubleDelay = func(string) { troubleDelayCalls++ }
	c.OnCommFailAlarmDelay = func(string) { alarmDelayCalls++ }

	c.Classify(context.Background(), ResourceInput{
		ResourceID: "comm_fail", Value: "true:elapsed", DeviceID: "d1", DeviceClass: "sensor", OwnerURI: "device://d1",
	})
	require.True(t, c.commFail.Has("d1", commfail.AlarmDelay))
	assert.Equal(t, 0, troubleDelayCalls, "arming the AlarmDelay entry must not itself call either callback yet")
	assert.Equal(t, 0, alarmDelayCalls)
}

func TestClassifyCommFail_RepeatedLiveValueDoesNotReArm(t *testing.T) {
	c, _, _ := newTestClassifier()
	c.Classify(context.Background(), ResourceInput{
		ResourceID: "comm_fail", Value: "true", DeviceID: "d1", DeviceClass: "sensor",
	})
	res := c.Classify(context.Background(), ResourceInput{
		ResourceID: "comm_fail", Value: "true", DeviceID: "d1", DeviceClass: "sensor",
	})
	assert.True(t, res.IsNoop)
}

func TestClassifyLowBattery_DefaultPreLowBatteryDaysLowersToNotice(t *testing.T) {
	c, _, _ := newTestClassifier()
	res := c.Classify(context.Background(), ResourceInput{
		ResourceID: "low_battery", Value: "true", DeviceID: "d1", DeviceClass: "sensor",
	})
	require.NotNil(t, res.Trouble)
	assert.Equal(t, trouble.Notice, res.Trouble.Criticality)
}

func TestClassifyLowBattery_WarningDeviceStaysWarning(t *testing.T) {
	c, _, _ := newTestClassifier()
	res := c.Classify(context.Background(), ResourceInput{
		ResourceID: "low_battery", Value: "true", DeviceID: "d1", DeviceClass: "warning-device",
	})
	require.NotNil(t, res.Trouble)
	assert.Equal(t, trouble.Warning, res.Trouble.Criticality)
}

func TestClassifyFirmwareUpdateStatus(t *testing.T) {
	c, _, _ := newTestClassifier()

	completed := c.Classify(context.Background(), ResourceInput{
		ResourceID: "firmware_update_status", Value: "completed", DeviceID: "d1",
	})
	assert.True(t, completed.IsClear)

	failed := c.Classify(context.Background(), ResourceInput{
		ResourceID: "firmware_update_status", Value: "failed", DeviceID: "d1", DeviceClass: "lock",
	})
	require.NotNil(t, failed.Trouble)
	assert.Contains(t, failed.Trouble.Description, "firmware update failed")

	inProgress := c.Classify(context.Background(), ResourceInput{
		ResourceID: "firmware_update_status", Value: "in_progress", DeviceID: "d1",
	})
	assert.True(t, inProgress.IsNoop)
}

func TestRegisterHandler_Overrides(t *testing.T) {
	c, _, _ := newTestClassifier()
	c.RegisterHandler("custom", func(c *Classifier, in ResourceInput) Result {
		return Result{Trouble: c.baseTrouble(in, trouble.TypeDevice, trouble.ReasonGeneric, trouble.Info)}
	})

	res := c.Classify(context.Background(), ResourceInput{ResourceID: "custom", DeviceID: "d1", DeviceClass: "sensor"})
	require.NotNil(t, res.Trouble)
	assert.Equal(t, trouble.ReasonGeneric, res.Trouble.Reason)
}
