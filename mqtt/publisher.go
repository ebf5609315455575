package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/fako1024/btshower"
	"go.uber.org/atomic"
)

const (
	publishTimeout = 5 * time.Second
	connectPoll    = 200 * time.Millisecond
)

// ErrStopped is returned once the Publisher has been disconnected
var ErrStopped = errors.New("publisher stopped")

// Config denotes the settings of a Publisher
type Config struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	TopicPrefix string
}

// Publisher forwards decoded shower data to an MQTT broker
type Publisher struct {
	client    paho.Client
	cfg       Config
	metadata  *btshower.MetadataTable
	connected *atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once

	logger btshower.Logger
}

// NewPublisher instantiates a new Publisher (without connecting)
func NewPublisher(cfg Config, metadata *btshower.MetadataTable, logger btshower.Logger) *Publisher {
	if logger == nil {
		logger = &btshower.NullLogger{}
	}
	p := &Publisher{
		cfg:       cfg,
		metadata:  metadata,
		connected: atomic.NewBool(false),
		stopCh:    make(chan struct{}),
		logger:    logger,
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ paho.Client) {
		p.connected.Store(true)
		logger.Infof("mqtt connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.connected.Store(false)
		logger.Warnf("mqtt connection lost: %s", err)
	})

	p.client = paho.NewClient(opts)
	return p
}

// Connect establishes the connection to the broker, respecting ctx and Disconnect()
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return ErrStopped
	default:
	}

	token := p.client.Connect()
	for {
		if token.WaitTimeout(connectPoll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return ErrStopped
		default:
		}
	}
}

// Publish forwards a single record event
func (p *Publisher) Publish(event btshower.RecordEvent) error {
	if !p.connected.Load() || !p.client.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	msg, err := NewMessage(p.cfg.TopicPrefix, event, p.metadata)
	if err != nil {
		return err
	}

	token := p.client.Publish(msg.Topic, 1, msg.Retained, msg.Payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", msg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}

	p.logger.Debugf("published to %s", msg.Topic)
	return nil
}

// Disconnect closes the connection to the broker. It is idempotent
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.client.Disconnect(250)
		p.connected.Store(false)
	})
}
