package telemetry

import (
	"fmt"
	"time"
)

// DeviceType labels the kind of device that produced a record.
type DeviceType string

const (
	DeviceSolarPanel DeviceType = "SolarPanel"
	DeviceEVCharger  DeviceType = "EVCharger"
	DeviceSauna      DeviceType = "Sauna"
	DeviceHeatPump   DeviceType = "HeatPump"
)

// DeviceTypes lists the closed set of known device types.
var DeviceTypes = []DeviceType{DeviceSolarPanel, DeviceEVCharger, DeviceSauna, DeviceHeatPump}

// ParseDeviceType validates a device type label.
func ParseDeviceType(value string) (DeviceType, error) {
	for _, known := range DeviceTypes {
		if string(known) == value {
			return known, nil
		}
	}
	return "", fmt.Errorf("telemetry: unknown device type %q", value)
}

// String returns the label stored in the device_type column.
func (t DeviceType) String() string {
	return string(t)
}

// Record is one observation from one device.
type Record struct {
	DeviceID   string
	DeviceType DeviceType
	Timestamp  time.Time
	Value      float64
	Unit       string
	// Location is either "lat,lon" or a region name.
	Location string
}

// Columns is a batch laid out column by column. Index i of every slice
// belongs to the same record.
type Columns struct {
	Times       []time.Time
	DeviceIDs   []string
	DeviceTypes []string
	Locations   []string
	Values      []float64
	Units       []string
}

// ColumnsOf converts records into index-aligned columns.
func ColumnsOf(records []Record) Columns {
	cols := Columns{
		Times:       make([]time.Time, 0, len(records)),
		DeviceIDs:   make([]string, 0, len(records)),
		DeviceTypes: make([]string, 0, len(records)),
		Locations:   make([]string, 0, len(records)),
		Values:      make([]float64, 0, len(records)),
		Units:       make([]string, 0, len(records)),
	}
	for _, r := range records {
		cols.Times = append(cols.Times, r.Timestamp)
		cols.DeviceIDs = append(cols.DeviceIDs, r.DeviceID)
		cols.DeviceTypes = append(cols.DeviceTypes, r.DeviceType.String())
		cols.Locations = append(cols.Locations, r.Location)
		cols.Values = append(cols.Values, r.Value)
		cols.Units = append(cols.Units, r.Unit)
	}
	return cols
}

// Len returns the number of rows.
func (c Columns) Len() int {
	return len(c.Times)
}

// Aligned reports whether all six columns have the same length.
func (c Columns) Aligned() bool {
	n := len(c.Times)
	return len(c.DeviceIDs) == n &&
		len(c.DeviceTypes) == n &&
		len(c.Locations) == n &&
		len(c.Values) == n &&
		len(c.Units) == n
}

// LatestByDevice returns the newest record of every device in the batch.
// Ties on timestamp keep the later arrival.
func LatestByDevice(records []Record) []Record {
	index := make(map[string]int, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		pos, ok := index[r.DeviceID]
		if !ok {
			index[r.DeviceID] = len(out)
			out = append(out, r)
			continue
		}
		if !r.Timestamp.Before(out[pos].Timestamp) {
			out[pos] = r
		}
	}
	return out
}
