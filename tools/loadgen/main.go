package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"

	"nordic-pulse/internal/telemetry/application/ingest"
	telemetry "nordic-pulse/internal/telemetry/domain"
)

type config struct {
	broker    string
	namespace string
	clientID  string
	devices   int
	count     int
	rate      int
	codec     string
	qos       int
	malformed float64
}

var units = map[telemetry.DeviceType]string{
	telemetry.DeviceSolarPanel: "kW",
	telemetry.DeviceEVCharger:  "kW",
	telemetry.DeviceSauna:      "C",
	telemetry.DeviceHeatPump:   "COP",
}

var regions = []string{"Uusimaa", "Pirkanmaa", "Lappi", "60.1699,24.9384", "61.4978,23.7610"}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	codec, err := ingest.ParseCodec(cfg.codec)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := paho.NewClientOptions().AddBroker(cfg.broker).SetClientID(cfg.clientID)
	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("mqtt connect error: %v", token.Error())
	}
	defer client.Disconnect(250)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	interval := time.Second / time.Duration(cfg.rate)
	if interval <= 0 {
		interval = time.Nanosecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	sent := 0
	for sent < cfg.count {
		select {
		case <-ctx.Done():
			log.Printf("interrupted after %d messages", sent)
			return
		case <-ticker.C:
		}
		record := sample(rng, sent%cfg.devices)
		payload, err := ingest.EncodeRecord(codec, record)
		if err != nil {
			log.Fatalf("encode error: %v", err)
		}
		if rng.Float64() < cfg.malformed {
			payload = payload[:len(payload)/2]
		}
		topic := telemetry.TopicFor(cfg.namespace, record.DeviceType, record.DeviceID)
		token := client.Publish(topic, byte(cfg.qos), false, payload)
		if !token.WaitTimeout(5 * time.Second) {
			log.Printf("publish timeout: topic=%s", topic)
		} else if token.Error() != nil {
			log.Printf("publish error: topic=%s err=%v", topic, token.Error())
		}
		sent++
	}
	log.Printf("published %d messages in %s", sent, time.Since(start).Round(time.Millisecond))
}

func sample(rng *rand.Rand, device int) telemetry.Record {
	deviceType := telemetry.DeviceTypes[device%len(telemetry.DeviceTypes)]
	return telemetry.Record{
		DeviceID:   fmt.Sprintf("%s-%04d", deviceType, device),
		DeviceType: deviceType,
		Timestamp:  time.Now().UTC(),
		Value:      rng.Float64() * 100,
		Unit:       units[deviceType],
		Location:   regions[device%len(regions)],
	}
}

func parseConfig(args []string) (config, error) {
	var cfg config
	flagSet := pflag.NewFlagSet("loadgen", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.broker, "broker", "tcp://localhost:1883", "mqtt broker url")
	flagSet.StringVar(&cfg.namespace, "namespace", "nordic_pulse", "topic namespace")
	flagSet.StringVar(&cfg.clientID, "client-id", "loadgen", "mqtt client id")
	flagSet.IntVar(&cfg.devices, "devices", 100, "number of simulated devices")
	flagSet.IntVar(&cfg.count, "count", 10000, "messages to publish")
	flagSet.IntVar(&cfg.rate, "rate", 1000, "messages per second")
	flagSet.StringVar(&cfg.codec, "codec", "json", "payload codec: json or cbor")
	flagSet.IntVar(&cfg.qos, "qos", 1, "publish qos")
	flagSet.Float64Var(&cfg.malformed, "malformed", 0, "fraction of payloads to truncate")
	if err := flagSet.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.devices <= 0 || cfg.count <= 0 || cfg.rate <= 0 {
		return cfg, errors.New("devices, count and rate must be > 0")
	}
	if cfg.qos < 0 || cfg.qos > 2 {
		return cfg, errors.New("qos must be 0..2")
	}
	return cfg, nil
}
