package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homeguard/troubled/internal/trouble"
)

func sampleTrouble() *trouble.Trouble {
	return &trouble.Trouble{
		TroubleID:       11,
		EventID:         11,
		EventTime:       time.Now().Truncate(time.Millisecond),
		Type:            trouble.TypeDevice,
		Reason:          trouble.ReasonBatteryLow,
		Criticality:     trouble.Warning,
		Indication:      trouble.IndicationVisual,
		IndicationGroup: trouble.CategoryIoT,
		Acknowledged:    false,
		Persist:         true,
		Description:     "battery low",
		Payload: trouble.Payload{
			Kind:        trouble.PayloadDevice,
			DeviceClass: "sensor",
			OwnerURI:    "device://zwave/12",
		},
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	orig := sampleTrouble()
	data, err := Encode(orig)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, orig.TroubleID, decoded.TroubleID)
	assert.Equal(t, orig.Type, decoded.Type)
	assert.Equal(t, orig.Reason, decoded.Reason)
	assert.Equal(t, orig.Criticality, decoded.Criticality)
	assert.Equal(t, orig.Payload.DeviceClass, decoded.Payload.DeviceClass)
	assert.Equal(t, orig.Payload.OwnerURI, decoded.Payload.OwnerURI)
	assert.True(t, orig.EventTime.Equal(decoded.EventTime))
}

func TestEncode_RestoredSetsClearedEventCode(t *testing.T) {
	tr := sampleTrouble()
	tr.Restored = true

	data, err := Encode(tr)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"eventCode":"TROUBLE_CLEARED"`)
}

func TestDeviceMetadata_EncodeDecode(t *testing.T) {
	troubles := map[uint64]*trouble.Trouble{
		11: sampleTrouble(),
	}
	other := sampleTrouble()
	other.TroubleID = 12
	other.Reason = trouble.ReasonEndOfLife
	troubles[12] = other

	data, err := EncodeDeviceMetadata(troubles)
	require.NoError(t, err)

	decoded, err := DecodeDeviceMetadata(data)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, trouble.ReasonBatteryLow, decoded[11].Reason)
	assert.Equal(t, trouble.ReasonEndOfLife, decoded[12].Reason)
}

func TestDecodeDeviceMetadata_SkipsUnparsableKeys(t *testing.T) {
	decoded, err := DecodeDeviceMetadata([]byte(`{"not-a-number":{"baseEvent":{},"trouble":{}}}`))
	require.NoError(t, err)
	assert.Empty(t, decoded)
}
