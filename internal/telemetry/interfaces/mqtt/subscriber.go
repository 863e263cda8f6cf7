package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"nordic-pulse/internal/telemetry/application/ingest"
	telemetry "nordic-pulse/internal/telemetry/domain"
)

// Options configures the subscriber.
type Options struct {
	Broker         string
	ClientID       string
	Topic          string
	QoS            byte
	KeepAlive      time.Duration
	Buffer         int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

// Subscriber owns the broker subscription and exposes it as one ordered
// stream of ingest events.
type Subscriber struct {
	client paho.Client
	opts   Options
	events chan ingest.Event
	done   chan struct{}
	once   sync.Once
	logger *log.Logger

	reconnects atomic.Int32
}

// NewSubscriber builds a subscriber. Nothing is connected until Start.
func NewSubscriber(opts Options, logger *log.Logger) (*Subscriber, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt subscriber: empty broker")
	}
	if opts.Topic == "" {
		return nil, errors.New("mqtt subscriber: empty topic")
	}
	if opts.QoS > 2 {
		return nil, errors.New("mqtt subscriber: qos must be 0..2")
	}
	if opts.ClientID == "" {
		opts.ClientID = "ingestor-main"
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 5 * time.Second
	}
	if opts.Buffer < 0 {
		opts.Buffer = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &Subscriber{
		opts:   opts,
		events: make(chan ingest.Event, opts.Buffer),
		done:   make(chan struct{}),
		logger: logger,
	}

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(opts.RetryInterval * 10).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetDefaultPublishHandler(s.handleMessage).
		SetOnConnectHandler(s.handleConnect).
		SetConnectionLostHandler(s.handleConnectionLost).
		SetReconnectingHandler(s.handleReconnecting)
	s.client = paho.NewClient(clientOpts)
	return s, nil
}

// Events returns the event stream. It is never closed; consumers stop on
// their own context.
func (s *Subscriber) Events() <-chan ingest.Event {
	return s.events
}

// Start begins connecting in the background and returns immediately.
// Every failed attempt is delivered as a connection error event, then the
// next attempt follows after RetryInterval. Once connected, paho
// reconnects on its own.
func (s *Subscriber) Start(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("mqtt subscriber: not initialised")
	}
	go s.connectLoop(ctx)
	return nil
}

func (s *Subscriber) connectLoop(ctx context.Context) {
	for {
		token := s.client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
		err := token.Error()
		if err == nil {
			return
		}
		s.logger.Printf("mqtt: connect failed: broker=%s retry=%s err=%v", s.opts.Broker, s.opts.RetryInterval, err)
		s.emitError(telemetry.TransportError("connect", err))

		timer := time.NewTimer(s.opts.RetryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		}
	}
}

// Close disconnects and releases blocked handlers.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.client != nil {
			s.client.Disconnect(250)
		}
	})
}

// handleConnect runs on every (re)connect; the session is clean so the
// subscription has to be renewed each time.
func (s *Subscriber) handleConnect(client paho.Client) {
	s.reconnects.Store(0)
	s.logger.Printf("mqtt: connected to %s", s.opts.Broker)
	token := client.Subscribe(s.opts.Topic, s.opts.QoS, nil)
	if !token.WaitTimeout(s.opts.ConnectTimeout) {
		s.emitError(telemetry.TransportError("subscribe", errors.New("subscribe timed out")))
		return
	}
	if err := token.Error(); err != nil {
		s.emitError(telemetry.TransportError("subscribe", err))
		return
	}
	s.logger.Printf("mqtt: subscribed to %s qos=%d", s.opts.Topic, s.opts.QoS)
}

func (s *Subscriber) handleConnectionLost(_ paho.Client, err error) {
	if err == nil {
		err = errors.New("connection lost")
	}
	s.reconnects.Store(0)
	s.emitError(telemetry.TransportError("connection lost", err))
}

// handleReconnecting runs before every automatic reconnect attempt. The
// first attempt follows the connection-lost event; each later one means
// the previous attempt failed.
func (s *Subscriber) handleReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	attempt := s.reconnects.Add(1)
	s.logger.Printf("mqtt: reconnecting to %s: attempt=%d", s.opts.Broker, attempt)
	if attempt > 1 {
		s.emitError(telemetry.TransportError("reconnect", fmt.Errorf("attempt %d failed", attempt-1)))
	}
}

// handleMessage blocks until the consumer takes the event or the
// subscriber is closed.
func (s *Subscriber) handleMessage(_ paho.Client, msg paho.Message) {
	event := ingest.MessageEvent(msg.Topic(), msg.Payload())
	select {
	case s.events <- event:
	case <-s.done:
	}
}

// emitError never blocks: a connection error arriving while the stream is
// full is logged and dropped.
func (s *Subscriber) emitError(err error) {
	select {
	case s.events <- ingest.ConnectionErrorEvent(err):
	case <-s.done:
	default:
		s.logger.Printf("mqtt: event stream full, connection error not delivered: %v", err)
	}
}
