// Package broker implements one broker connection per process: topology
// declaration, publish, request/reply and delayed redelivery, over an AMQP
// 0.9.1 server (github.com/rabbitmq/amqp091-go).
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"

	"github.com/timour/txbus/common/metrics"
	"github.com/timour/txbus/envelope"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultReplyTimeout   = 10 * time.Second
	replyToPseudoQueue    = "amq.rabbitmq.reply-to"
)

// Config configures a Transport.
type Config struct {
	Cluster        string
	AMQPURL        string
	ReconnectDelay time.Duration
	ReplyTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = defaultReplyTimeout
	}
	return c
}

// Endpoint is a declared receive endpoint: a queue bound to the exchanges of
// the message types it consumes, with its own consumer channel.
type Endpoint struct {
	Queue         string
	ErrorQueue    string
	DelayedExists bool
	Channel       *amqp.Channel
	Deliveries    <-chan amqp.Delivery
}

// Transport owns the single broker connection for a process: a dedicated
// producer channel plus one channel per receiving endpoint.
type Transport struct {
	cfg    Config
	naming Naming
	log    *slog.Logger
	mx     *metrics.TransportMetrics

	mu               sync.RWMutex
	conn             *amqp.Connection
	producerCh       *amqp.Channel
	delayedSupported bool
	endpoints        map[string]*Endpoint
	warnedNoDelayed  map[string]bool
	declaredExchange map[string]bool
	exchangeOverride map[string]string

	closing chan struct{}
}

// New creates a Transport. Connect must be called before Publish/Declare*.
func New(cfg Config, log *slog.Logger, mx *metrics.TransportMetrics) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:              cfg.withDefaults(),
		naming:           Naming{Cluster: cfg.Cluster},
		log:              log,
		mx:               mx,
		endpoints:        map[string]*Endpoint{},
		warnedNoDelayed:  map[string]bool{},
		declaredExchange: map[string]bool{},
		exchangeOverride: map[string]string{},
		closing:          make(chan struct{}),
	}
}

// OverrideExchange routes Publish calls for messageType to an explicit
// exchange name instead of the namespaced messageType itself.
func (t *Transport) OverrideExchange(messageType, exchange string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchangeOverride[messageType] = exchange
}

// Connect opens the connection, the producer channel, probes for
// delayed-message plugin support, and installs the reconnect handler.
func (t *Transport) Connect(ctx context.Context) error {
	conn, err := amqp.DialConfig(t.cfg.AMQPURL, amqp.Config{
		Properties: amqp.Table{"connection_name": t.cfg.Cluster},
	})
	if err != nil {
		return fmt.Errorf("broker: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker: open producer channel: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.producerCh = ch
	t.mu.Unlock()

	t.delayedSupported = t.probeDelayedPlugin()

	closeNotify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go t.watchClose(closeNotify)

	t.log.Info("broker connected",
		slog.String("cluster", t.cfg.Cluster),
		slog.Bool("delayed_plugin", t.delayedSupported),
	)
	return nil
}

// probeDelayedPlugin declares a throwaway x-delayed-message exchange on a
// scratch channel and deletes it; failure means the plugin is absent.
func (t *Transport) probeDelayedPlugin() bool {
	ch, err := t.conn.Channel()
	if err != nil {
		return false
	}
	defer ch.Close()

	probeName := "txbus.probe." + uuid.NewString()
	err = ch.ExchangeDeclare(probeName, "x-delayed-message", false, true, false, false, amqp.Table{
		"x-delayed-type": "direct",
	})
	if err != nil {
		return false
	}
	_ = ch.ExchangeDelete(probeName, false, false)
	return true
}

func (t *Transport) watchClose(notify chan *amqp.Error) {
	select {
	case <-t.closing:
		return
	case err := <-notify:
		if err != nil {
			t.log.Warn("broker connection closed, reconnecting", slog.Any("error", err), slog.Duration("after", t.cfg.ReconnectDelay))
		}
		if t.mx != nil {
			t.mx.Reconnects.Inc()
		}
		time.Sleep(t.cfg.ReconnectDelay)
		select {
		case <-t.closing:
			return
		default:
		}
		if err := t.Connect(context.Background()); err != nil {
			t.log.Error("broker reconnect failed", slog.Any("error", err))
		}
	}
}

// DeclareMessageExchange idempotently declares the fanout exchange for a
// message type.
func (t *Transport) DeclareMessageExchange(messageType string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.declareMessageExchangeLocked(messageType)
}

func (t *Transport) declareMessageExchangeLocked(messageType string) error {
	exchange := t.naming.Exchange(messageType)
	if t.declaredExchange[exchange] {
		return nil
	}
	if err := t.producerCh.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", exchange, err)
	}
	t.declaredExchange[exchange] = true
	return nil
}

// EndpointOptions configures a declared receive endpoint.
type EndpointOptions struct {
	PrefetchCount  int
	Redeliverable  bool // whether the endpoint participates in delayed redelivery
	PurgeOnStartup bool
}

// DeclareEndpoint declares queue, its error queue, binds it to the exchange
// of every messageType it consumes, and (if Redeliverable) its delayed
// exchange, then attaches a dedicated consumer channel.
func (t *Transport) DeclareEndpoint(queue string, messageTypes []string, opts EndpointOptions) (*Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, mt := range messageTypes {
		if err := t.declareMessageExchangeLocked(mt); err != nil {
			return nil, err
		}
	}

	qname := t.naming.Queue(queue)
	if _, err := t.producerCh.QueueDeclare(qname, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("broker: declare queue %s: %w", qname, err)
	}

	errQueue := t.naming.ErrorQueue(queue)
	if _, err := t.producerCh.QueueDeclare(errQueue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("broker: declare error queue %s: %w", errQueue, err)
	}

	for _, mt := range messageTypes {
		exchange := t.naming.Exchange(mt)
		if err := t.producerCh.QueueBind(qname, "", exchange, false, nil); err != nil {
			return nil, fmt.Errorf("broker: bind %s to %s: %w", qname, exchange, err)
		}
	}

	delayedExists := false
	if opts.Redeliverable {
		if t.delayedSupported {
			delayedExchange := t.naming.DelayedExchange(queue)
			err := t.producerCh.ExchangeDeclare(delayedExchange, "x-delayed-message", true, false, false, false, amqp.Table{
				"x-delayed-type": "direct",
			})
			if err != nil {
				return nil, fmt.Errorf("broker: declare delayed exchange %s: %w", delayedExchange, err)
			}
			if err := t.producerCh.QueueBind(qname, qname, delayedExchange, false, nil); err != nil {
				return nil, fmt.Errorf("broker: bind %s to delayed exchange: %w", qname, err)
			}
			delayedExists = true
		} else if !t.warnedNoDelayed[queue] {
			t.log.Warn("delayed-message plugin unavailable, redelivery disabled for endpoint", slog.String("queue", qname))
			t.warnedNoDelayed[queue] = true
		}
	}

	if opts.PurgeOnStartup {
		if _, err := t.producerCh.QueuePurge(qname, false); err != nil {
			return nil, fmt.Errorf("broker: purge %s: %w", qname, err)
		}
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: open consumer channel for %s: %w", qname, err)
	}
	prefetch := opts.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("broker: set qos for %s: %w", qname, err)
	}

	deliveries, err := ch.Consume(qname, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("broker: consume %s: %w", qname, err)
	}

	ep := &Endpoint{Queue: qname, ErrorQueue: errQueue, DelayedExists: delayedExists, Channel: ch, Deliveries: deliveries}
	t.endpoints[queue] = ep
	return ep, nil
}

func (t *Transport) exchangeFor(messageType string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if override, ok := t.exchangeOverride[messageType]; ok {
		return override
	}
	return t.naming.Exchange(messageType)
}

// Publish builds an envelope around payload and publishes it fire-and-forget.
func (t *Transport) Publish(ctx context.Context, messageType string, payload any) error {
	env, err := envelope.New(t.cfg.Cluster, messageType, payload, envelope.TypePublish)
	if err != nil {
		return err
	}
	return t.PublishEnvelope(ctx, messageType, env)
}

// PublishEnvelope publishes a caller-constructed envelope (used by the saga
// runtime, which must attach headers.saga before sending).
func (t *Transport) PublishEnvelope(ctx context.Context, messageType string, env *envelope.Envelope) error {
	t.mu.RLock()
	ch := t.producerCh
	t.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	if err := t.DeclareMessageExchange(messageType); err != nil {
		return err
	}

	wire, err := env.Marshal()
	if err != nil {
		return err
	}

	exchange := t.exchangeFor(messageType)
	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         wire,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.MessageID,
		Timestamp:    env.SentTime,
		Headers:      injectTrace(ctx, amqp.Table{}),
	}
	if err := ch.PublishWithContext(ctx, exchange, "", false, false, pub); err != nil {
		if t.mx != nil {
			t.mx.PublishErrors.WithLabelValues(messageType).Inc()
		}
		return fmt.Errorf("broker: publish %s: %w", messageType, err)
	}
	if t.mx != nil {
		t.mx.MessagesPublished.WithLabelValues(messageType).Inc()
	}
	return nil
}

// PublishAsync sends payload and waits for a correlated reply over the
// broker's direct-reply pseudo-queue, failing with ErrReplyTimeout after
// timeout (default 10s).
func (t *Transport) PublishAsync(ctx context.Context, messageType string, payload any, timeout time.Duration) (*envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = t.cfg.ReplyTimeout
	}

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: open reply channel: %w", err)
	}
	defer ch.Close()

	if err := t.DeclareMessageExchange(messageType); err != nil {
		return nil, err
	}

	replies, err := ch.Consume(replyToPseudoQueue, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: consume reply-to: %w", err)
	}

	env, err := envelope.New(t.cfg.Cluster, messageType, payload, envelope.TypePublishAsync)
	if err != nil {
		return nil, err
	}
	expiry := time.Now().Add(timeout)
	env.ExpirationTime = &expiry

	correlationID := uuid.NewString()
	wire, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	exchange := t.exchangeFor(messageType)
	pub := amqp.Publishing{
		ContentType:   "application/json",
		Body:          wire,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.MessageID,
		Timestamp:     env.SentTime,
		ReplyTo:       replyToPseudoQueue,
		CorrelationId: correlationID,
		Headers:       injectTrace(ctx, amqp.Table{}),
	}
	start := time.Now()
	if err := ch.PublishWithContext(ctx, exchange, "", false, false, pub); err != nil {
		return nil, fmt.Errorf("broker: publishAsync %s: %w", messageType, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case d, ok := <-replies:
			if !ok {
				return nil, ErrReplyTimeout
			}
			if d.CorrelationId != correlationID {
				continue
			}
			if t.mx != nil {
				t.mx.ReplyDuration.Observe(time.Since(start).Seconds())
			}
			return envelope.Decode(d.Body)
		case <-timer.C:
			if t.mx != nil {
				t.mx.ReplyTimeouts.Inc()
			}
			return nil, ErrReplyTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Reply publishes a reply to the default exchange with correlationId copied
// from the original delivery.
func (t *Transport) Reply(ctx context.Context, replyTo, correlationID string, payload any) error {
	t.mu.RLock()
	ch := t.producerCh
	t.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		CorrelationId: correlationID,
	}
	return ch.PublishWithContext(ctx, "", replyTo, false, false, pub)
}

// Redeliver republishes env to the endpoint's delayed exchange with an
// x-delay header for delay and an incremented x-redelivery counter (spec
// §4.1 redelivery). Returns ErrRedeliveryUnavailable if the delayed-message
// plugin was not detected at startup.
func (t *Transport) Redeliver(ctx context.Context, queue string, env *envelope.Envelope, delay time.Duration) error {
	if !t.delayedSupported {
		return ErrRedeliveryUnavailable
	}
	t.mu.RLock()
	ch := t.producerCh
	t.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	env.Headers.Redelivery++
	env.Headers.DelayMS = int64(delay / time.Millisecond)
	wire, err := env.Marshal()
	if err != nil {
		return err
	}

	qname := t.naming.Queue(queue)
	delayedExchange := t.naming.DelayedExchange(queue)
	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         wire,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.MessageID,
		Headers: amqp.Table{
			"x-delay":       int64(delay / time.Millisecond),
			"x-redelivery":  int64(env.Headers.Redelivery),
		},
	}
	return ch.PublishWithContext(ctx, delayedExchange, qname, false, false, pub)
}

// DeadLetterRecord is the diagnostic payload written to an endpoint's error
// queue once retry and redelivery are exhausted.
type DeadLetterRecord struct {
	Queue           string          `json:"queue"`
	Headers         json.RawMessage `json:"headers,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	Host            string          `json:"host"`
	Exception       string          `json:"exception"`
	RetryCount      int             `json:"retryCount"`
	RedeliveryCount int             `json:"redeliveryCount"`
	Timestamp       time.Time       `json:"timestamp"`
}

// DeadLetter publishes a DeadLetterRecord directly to queue's error queue
// using the default exchange (routing by queue name).
func (t *Transport) DeadLetter(ctx context.Context, queue string, record DeadLetterRecord) error {
	t.mu.RLock()
	ch := t.producerCh
	t.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}
	host, _ := os.Hostname()
	record.Host = host
	record.Timestamp = time.Now().UTC()

	body, err := json.Marshal(record)
	if err != nil {
		return err
	}
	errQueue := t.naming.ErrorQueue(queue)
	pub := amqp.Publishing{ContentType: "application/json", Body: body, DeliveryMode: amqp.Persistent}
	return ch.PublishWithContext(ctx, "", errQueue, false, false, pub)
}

// Close cancels every consumer channel, then the producer channel and the
// connection.
func (t *Transport) Close() error {
	close(t.closing)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ep := range t.endpoints {
		_ = ep.Channel.Close()
	}
	if t.producerCh != nil {
		_ = t.producerCh.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// Extract recovers a trace context previously injected into AMQP headers by
// Publish/PublishAsync, for the consumer pipeline to resume the span.
func Extract(ctx context.Context, headers amqp.Table) context.Context {
	return extractTrace(ctx, headers)
}
