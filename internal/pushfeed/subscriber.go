package pushfeed

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

const (
	// DefaultSubject carries push notifications for every user.
	DefaultSubject = "walletsync.push.>"

	defaultReconnectWait = 2 * time.Second
	defaultMaxReconnects = 10
)

// ErrNotConnected is returned when subscribing without a connection.
var ErrNotConnected = errors.New("push feed not connected")

// Submitter accepts signals without blocking.
type Submitter interface {
	Submit(signal wallet.Signal) bool
}

// Handler decodes raw push payloads and forwards them to a Submitter.
type Handler struct {
	submitter Submitter
	logger    *zap.Logger
}

// NewHandler validates dependencies.
func NewHandler(submitter Submitter, logger *zap.Logger) (*Handler, error) {
	if submitter == nil {
		return nil, fmt.Errorf("%w: push submitter is nil", wallet.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{submitter: submitter, logger: logger}, nil
}

// Handle decodes data and submits it. Malformed payloads are logged and dropped.
func (handler *Handler) Handle(subject string, data []byte) error {
	signal, err := DecodeEnvelope(data)
	if err != nil {
		handler.logger.Warn("push dropped", zap.String("subject", subject), zap.Int("payload_size", len(data)), zap.Error(err))
		return err
	}
	if !handler.submitter.Submit(signal) {
		handler.logger.Debug("push not accepted",
			zap.String("subject", subject),
			zap.String("user_id", signal.UserID.String()),
			zap.String("event_id", signal.EventID.String()),
		)
		return nil
	}
	handler.logger.Debug("push accepted",
		zap.String("subject", subject),
		zap.String("user_id", signal.UserID.String()),
		zap.String("event_id", signal.EventID.String()),
		zap.String("push_kind", string(signal.PushKind)),
	)
	return nil
}

// SubscriberConfig configures the NATS subscription.
type SubscriberConfig struct {
	URL        string
	Subject    string
	QueueGroup string
	ClientName string
}

// Subscriber consumes push notifications from NATS. Delivery is at-most-once; missed
// pushes are recovered by the periodic authoritative refresh.
type Subscriber struct {
	config       SubscriberConfig
	handler      *Handler
	logger       *zap.Logger
	mu           sync.Mutex
	conn         *nats.Conn
	subscription *nats.Subscription
}

// NewSubscriber builds an unconnected subscriber.
func NewSubscriber(config SubscriberConfig, handler *Handler, logger *zap.Logger) (*Subscriber, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("%w: nats url is empty", wallet.ErrInvalidServiceConfig)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: push handler is nil", wallet.ErrInvalidServiceConfig)
	}
	if config.Subject == "" {
		config.Subject = DefaultSubject
	}
	if config.ClientName == "" {
		config.ClientName = "walletd"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{config: config, handler: handler, logger: logger}, nil
}

// Connect dials NATS and subscribes to the configured subject.
func (subscriber *Subscriber) Connect() error {
	options := []nats.Option{
		nats.Name(subscriber.config.ClientName),
		nats.MaxReconnects(defaultMaxReconnects),
		nats.ReconnectWait(defaultReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				subscriber.logger.Error("nats disconnected", zap.Error(err))
				return
			}
			subscriber.logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			subscriber.logger.Info("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, subscription *nats.Subscription, err error) {
			subject := ""
			if subscription != nil {
				subject = subscription.Subject
			}
			subscriber.logger.Error("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	conn, err := nats.Connect(subscriber.config.URL, options...)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	subscriber.mu.Lock()
	subscriber.conn = conn
	subscriber.mu.Unlock()
	if err := subscriber.subscribe(); err != nil {
		conn.Close()
		return err
	}
	subscriber.logger.Info("push feed subscribed", zap.String("subject", subscriber.config.Subject), zap.String("queue_group", subscriber.config.QueueGroup))
	return nil
}

func (subscriber *Subscriber) subscribe() error {
	subscriber.mu.Lock()
	defer subscriber.mu.Unlock()
	if subscriber.conn == nil {
		return ErrNotConnected
	}
	onMessage := func(message *nats.Msg) {
		_ = subscriber.handler.Handle(message.Subject, message.Data)
	}
	var (
		subscription *nats.Subscription
		err          error
	)
	if subscriber.config.QueueGroup != "" {
		subscription, err = subscriber.conn.QueueSubscribe(subscriber.config.Subject, subscriber.config.QueueGroup, onMessage)
	} else {
		subscription, err = subscriber.conn.Subscribe(subscriber.config.Subject, onMessage)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subscriber.config.Subject, err)
	}
	subscriber.subscription = subscription
	return nil
}

// Close drains the subscription and closes the connection.
func (subscriber *Subscriber) Close() {
	subscriber.mu.Lock()
	defer subscriber.mu.Unlock()
	if subscriber.subscription != nil {
		if err := subscriber.subscription.Unsubscribe(); err != nil {
			subscriber.logger.Warn("nats unsubscribe failed", zap.Error(err))
		}
		subscriber.subscription = nil
	}
	if subscriber.conn != nil {
		subscriber.conn.Close()
		subscriber.conn = nil
		subscriber.logger.Info("nats connection closed")
	}
}
