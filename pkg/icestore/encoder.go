package icestore

import (
	"path"
	"strings"
	"time"

	"github.com/illmade-knight/teststation/pkg/types"
)

// ArchivedMeasurement is one line of an archive object.
type ArchivedMeasurement struct {
	types.RawMeasurement
	ArchivedAt time.Time `json:"archived_at"`
}

// GetBatchKey groups measurements as <machine_id>/<yyyy>/<mm>/<dd> using the
// measurement's own UTC timestamp.
func (a ArchivedMeasurement) GetBatchKey() string {
	machine := strings.ReplaceAll(a.MachineID, "/", "_")
	if machine == "" {
		machine = "unknown"
	}
	return path.Join(machine, a.Timestamp.UTC().Format("2006/01/02"))
}

// DecodeArchivedMeasurement is the PayloadDecoder for the raw archive queue.
// Invalid measurements are rejected exactly as the processor rejects them.
func DecodeArchivedMeasurement(payload []byte) (*ArchivedMeasurement, error) {
	m, err := types.DecodeRawMeasurement(payload)
	if err != nil {
		return nil, err
	}
	return &ArchivedMeasurement{RawMeasurement: *m, ArchivedAt: time.Now().UTC()}, nil
}
