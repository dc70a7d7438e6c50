package icestore

import (
	"testing"
	"time"

	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeArchivedMeasurement(t *testing.T) {
	payload := []byte(`{"barcode":"BC-1","machine_id":"M-7","product_id":"P-1","test_step":"voltage","measured_value":12.5,"timestamp":"2024-05-01T23:30:00-02:00"}`)

	a, err := DecodeArchivedMeasurement(payload)
	require.NoError(t, err)

	assert.Equal(t, "BC-1", a.Barcode)
	assert.False(t, a.ArchivedAt.IsZero())
	assert.Equal(t, "M-7/2024/05/02", a.GetBatchKey(), "the key uses the UTC day")
}

func TestDecodeArchivedMeasurement_Invalid(t *testing.T) {
	_, err := DecodeArchivedMeasurement([]byte(`{"barcode":"BC-1"}`))
	var de *types.DeserializationError
	assert.ErrorAs(t, err, &de)
}

func TestArchivedMeasurement_BatchKeySanitisesMachineID(t *testing.T) {
	a := ArchivedMeasurement{RawMeasurement: types.RawMeasurement{
		MachineID: "line/3",
		Timestamp: time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC),
	}}
	assert.Equal(t, "line_3/2024/01/09", a.GetBatchKey())
}
