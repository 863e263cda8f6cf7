package main

import (
	"math/rand"
	"testing"

	"nordic-pulse/internal/telemetry/application/ingest"
	telemetry "nordic-pulse/internal/telemetry/domain"
)

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]string{"--devices", "8", "--count", "40", "--codec", "cbor"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.devices != 8 || cfg.count != 40 || cfg.codec != "cbor" || cfg.rate != 1000 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	for _, args := range [][]string{{"--rate", "0"}, {"--devices", "-1"}, {"--qos", "3"}} {
		if _, err := parseConfig(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestSampleDecodesAndRoutes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	decoder, _ := ingest.NewDecoder(ingest.CodecJSON)
	for device := 0; device < len(telemetry.DeviceTypes)*2; device++ {
		record := sample(rng, device)
		payload, err := ingest.EncodeRecord(ingest.CodecJSON, record)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := decoder.Decode(payload)
		if err != nil {
			t.Fatalf("generated payload rejected: %v", err)
		}
		if got.DeviceID != record.DeviceID || got.Unit != units[record.DeviceType] {
			t.Fatalf("unexpected record: %+v", got)
		}
		info, err := telemetry.ParseTopic(telemetry.TopicFor("nordic_pulse", record.DeviceType, record.DeviceID))
		if err != nil || info.DeviceID != record.DeviceID {
			t.Fatalf("topic round trip failed: %+v %v", info, err)
		}
	}
}
