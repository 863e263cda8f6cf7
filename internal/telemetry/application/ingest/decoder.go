package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	telemetry "nordic-pulse/internal/telemetry/domain"
)

// Codec names a payload encoding.
type Codec string

const (
	CodecJSON Codec = "json"
	CodecCBOR Codec = "cbor"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("ingest: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		FieldNameMatching: cbor.FieldNameMatchingCaseSensitive,
	}.DecMode()
	if err != nil {
		panic("ingest: CBOR decoder initialization failed: " + err.Error())
	}
}

// ParseCodec validates a codec name. Empty means JSON.
func ParseCodec(value string) (Codec, error) {
	switch Codec(strings.ToLower(strings.TrimSpace(value))) {
	case "", CodecJSON:
		return CodecJSON, nil
	case CodecCBOR:
		return CodecCBOR, nil
	default:
		return "", fmt.Errorf("ingest: unknown payload codec %q", value)
	}
}

// wireRecord mirrors the producer payload. Every field is required.
type wireRecord struct {
	DeviceID   *string    `json:"device_id" cbor:"device_id"`
	DeviceType *string    `json:"device_type" cbor:"device_type"`
	Timestamp  *time.Time `json:"timestamp" cbor:"timestamp"`
	Value      *float64   `json:"value" cbor:"value"`
	Unit       *string    `json:"unit" cbor:"unit"`
	Location   *string    `json:"location" cbor:"location"`
}

// Decoder turns raw payloads into records.
type Decoder struct {
	codec Codec
}

// NewDecoder constructs a decoder for codec.
func NewDecoder(codec Codec) (*Decoder, error) {
	parsed, err := ParseCodec(string(codec))
	if err != nil {
		return nil, err
	}
	return &Decoder{codec: parsed}, nil
}

// Decode parses payload. Failures are telemetry decode errors.
func (d *Decoder) Decode(payload []byte) (telemetry.Record, error) {
	if len(payload) == 0 {
		return telemetry.Record{}, telemetry.DecodeError(string(d.codec), errors.New("empty payload"))
	}
	var wire wireRecord
	var err error
	switch d.codec {
	case CodecCBOR:
		err = cborDec.Unmarshal(payload, &wire)
	default:
		err = unmarshalJSONStrict(payload, &wire)
	}
	if err != nil {
		return telemetry.Record{}, telemetry.DecodeError(string(d.codec), err)
	}
	record, err := wire.toRecord()
	if err != nil {
		return telemetry.Record{}, telemetry.DecodeError(string(d.codec), err)
	}
	return record, nil
}

// unmarshalJSONStrict matches keys exactly and rejects duplicate keys.
// Keys in any other case are ignored, which leaves the field missing.
func unmarshalJSONStrict(payload []byte, wire *wireRecord) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("payload is not a json object")
	}
	raw := make(map[string]json.RawMessage, 6)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return err
		}
		if _, dup := raw[key]; dup {
			return fmt.Errorf("duplicate field %q", key)
		}
		raw[key] = value
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after json object")
	}

	targets := map[string]any{
		"device_id":   &wire.DeviceID,
		"device_type": &wire.DeviceType,
		"timestamp":   &wire.Timestamp,
		"value":       &wire.Value,
		"unit":        &wire.Unit,
		"location":    &wire.Location,
	}
	for key, target := range targets {
		value, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(value, target); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
	}
	return nil
}

func (w wireRecord) toRecord() (telemetry.Record, error) {
	var missing []string
	if w.DeviceID == nil {
		missing = append(missing, "device_id")
	}
	if w.DeviceType == nil {
		missing = append(missing, "device_type")
	}
	if w.Timestamp == nil {
		missing = append(missing, "timestamp")
	}
	if w.Value == nil {
		missing = append(missing, "value")
	}
	if w.Unit == nil {
		missing = append(missing, "unit")
	}
	if w.Location == nil {
		missing = append(missing, "location")
	}
	if len(missing) > 0 {
		return telemetry.Record{}, fmt.Errorf("missing fields: %s", strings.Join(missing, ","))
	}
	deviceType, err := telemetry.ParseDeviceType(*w.DeviceType)
	if err != nil {
		return telemetry.Record{}, err
	}
	return telemetry.Record{
		DeviceID:   *w.DeviceID,
		DeviceType: deviceType,
		Timestamp:  w.Timestamp.UTC(),
		Value:      *w.Value,
		Unit:       *w.Unit,
		Location:   *w.Location,
	}, nil
}

// EncodeRecord renders record the way producers publish it.
func EncodeRecord(codec Codec, record telemetry.Record) ([]byte, error) {
	deviceType := record.DeviceType.String()
	ts := record.Timestamp.UTC()
	wire := wireRecord{
		DeviceID:   &record.DeviceID,
		DeviceType: &deviceType,
		Timestamp:  &ts,
		Value:      &record.Value,
		Unit:       &record.Unit,
		Location:   &record.Location,
	}
	switch codec {
	case CodecCBOR:
		return cborEnc.Marshal(wire)
	case CodecJSON, "":
		return json.Marshal(wire)
	default:
		return nil, fmt.Errorf("ingest: unknown payload codec %q", codec)
	}
}
