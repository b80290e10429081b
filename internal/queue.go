package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	charmlog "github.com/charmbracelet/log"
	natsserver "github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/sony/gobreaker/v2"

	"github.com/bytedance/sonic"
)

// Queue topics. Each has a mirrored dead-letter topic.
const (
	topicEnrichment = "enrichment"
	topicCovers     = "covers"
	topicBackfill   = "backfill"
)

func dlqTopic(topic string) string {
	return topic + ".dlq"
}

// EnrichmentMessage asks the engine to enrich one ISBN.
type EnrichmentMessage struct {
	ISBN     string `json:"isbn"`
	Title    string `json:"title,omitempty"`
	Author   string `json:"author,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Source   string `json:"source,omitempty"`
}

// CoverMessage hands a cover URL to the image-processing collaborator.
type CoverMessage struct {
	ISBN        string `json:"isbn"`
	ProviderURL string `json:"provider_url"`
	SizeHint    string `json:"size_hint,omitempty"`
}

// BackfillMessage carries one planned bucket of candidates.
type BackfillMessage struct {
	BucketID   string          `json:"bucket_id"`
	Candidates []GeneratedBook `json:"candidates"`
}

// publisher is the engine's outbound queue surface.
type publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// queuePublisher marshals payloads and publishes them behind a circuit
// breaker so a dead broker degrades to dropped follow-up work instead of
// blocked enrichments.
type queuePublisher struct {
	pub     message.Publisher
	breaker *gobreaker.CircuitBreaker[any]
}

var _ publisher = (*queuePublisher)(nil)

func newQueuePublisher(pub message.Publisher) *queuePublisher {
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "queue-publisher",
		Timeout: 30 * time.Second,
	})
	return &queuePublisher{pub: pub, breaker: breaker}
}

func (q *queuePublisher) Publish(ctx context.Context, topic string, payload any) error {
	raw, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", topic, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), raw)
	msg.SetContext(ctx)
	if id := requestIDFromContext(ctx); id != "" {
		msg.Metadata.Set("request_id", id)
	}

	_, err = q.breaker.Execute(func() (any, error) {
		return nil, q.pub.Publish(topic, msg)
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// queueConfig is the per-queue consumer contract.
type queueConfig struct {
	MaxRetries  int
	Concurrency int
	Backoff     time.Duration
}

// coverProcessor is the external collaborator that fetches and processes
// cover image bytes. The core never stores image data itself.
type coverProcessor interface {
	Process(ctx context.Context, cover CoverMessage) error
}

// QueueRouter wires the three durable consumers onto a Watermill router.
type QueueRouter struct {
	router *message.Router
}

// NewQueueRouter builds the consumer router. Per-message classification:
// permanent failures (validation, not-found, auth) are acked with a log
// line; transient failures retry with backoff up to MaxRetries and then land
// on the queue's dead-letter topic.
func NewQueueRouter(
	sub message.Subscriber,
	pub message.Publisher,
	engine *Engine,
	covers coverProcessor,
	backfill *Backfiller,
	cfgs map[string]queueConfig,
	logger *charmlog.Logger,
) (*QueueRouter, error) {
	wmLogger := watermillLogger{logger}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 30 * time.Second}, wmLogger)
	if err != nil {
		return nil, err
	}
	router.AddMiddleware(middleware.Recoverer)

	add := func(topic string, handler message.NoPublishHandlerFunc) error {
		cfg, ok := cfgs[topic]
		if !ok {
			cfg = queueConfig{MaxRetries: 5, Concurrency: 4, Backoff: time.Second}
		}

		poison, err := middleware.PoisonQueue(pub, dlqTopic(topic))
		if err != nil {
			return err
		}
		retry := middleware.Retry{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.Backoff,
			MaxInterval:     5 * time.Minute,
			Multiplier:      2,
			Logger:          wmLogger,
		}

		h := router.AddNoPublisherHandler("consume-"+topic, topic, sub, handler)
		// Outer to inner: poison catches what retry gives up on; the
		// classifier acks permanent failures before retry ever sees them; 429
		// hints wait out their window before re-entering retry; the semaphore
		// caps fan-out to upstream providers.
		h.AddMiddleware(poison, retry.Middleware, ackPermanent,
			honorRetryAfter(5*time.Minute), limitConcurrency(cfg.Concurrency))
		return nil
	}

	if err := add(topicEnrichment, func(msg *message.Message) error {
		var payload EnrichmentMessage
		if err := sonic.ConfigStd.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("%w: bad enrichment payload: %w", errBadRequest, err)
		}

		// Author-only messages are bibliography follow-ups.
		if payload.ISBN == "" && payload.Author != "" {
			_, err := engine.EnrichAuthorBibliography(messageContext(msg), payload.Author, 0)
			return err
		}

		result, err := engine.EnrichEdition(messageContext(msg), payload)
		if err != nil {
			return err
		}
		if result.Outcome == outcomeEmpty {
			// Every provider came up empty. Providers flake; retry with
			// backoff rather than losing the trigger.
			return fmt.Errorf("%w: no provider returned data for %s", errUnavailable, payload.ISBN)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := add(topicCovers, func(msg *message.Message) error {
		var payload CoverMessage
		if err := sonic.ConfigStd.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("%w: bad cover payload: %w", errBadRequest, err)
		}
		return covers.Process(messageContext(msg), payload)
	}); err != nil {
		return nil, err
	}

	if err := add(topicBackfill, func(msg *message.Message) error {
		var payload BackfillMessage
		if err := sonic.ConfigStd.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("%w: bad backfill payload: %w", errBadRequest, err)
		}
		return backfill.ProcessBucket(messageContext(msg), payload)
	}); err != nil {
		return nil, err
	}

	return &QueueRouter{router: router}, nil
}

// Run blocks until the context is cancelled, then drains in-flight handlers
// up to the router's close timeout.
func (q *QueueRouter) Run(ctx context.Context) error {
	return q.router.Run(ctx)
}

// Close stops intake and waits for stragglers.
func (q *QueueRouter) Close() error {
	return q.router.Close()
}

// ackPermanent converts non-retryable failures into acks. The message is
// logged and dropped; retrying a validation error forever helps nobody.
func ackPermanent(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err == nil {
			return out, nil
		}
		if !isRetryable(err) {
			Log(messageContext(msg)).Info("acking unprocessable message", "uuid", msg.UUID, "err", err)
			return nil, nil
		}
		return nil, err
	}
}

// honorRetryAfter waits out an upstream-supplied retry hint before the error
// reaches the retry layer, so redeliveries don't land inside the window the
// provider told us to stay away. The wait is capped and cancellation cuts it
// short.
func honorRetryAfter(limit time.Duration) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			out, err := h(msg)
			if after, ok := retryAfterHint(err); ok && after > 0 {
				timer := time.NewTimer(min(after, limit))
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-msg.Context().Done():
				}
			}
			return out, err
		}
	}
}

// limitConcurrency bounds how many messages a handler processes at once.
// This is the primary backpressure knob keeping aggregate outbound RPS under
// each provider's cap.
func limitConcurrency(n int) message.HandlerMiddleware {
	sem := make(chan struct{}, max(n, 1))
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			select {
			case sem <- struct{}{}:
			case <-msg.Context().Done():
				return nil, msg.Context().Err()
			}
			defer func() { <-sem }()
			return h(msg)
		}
	}
}

// messageContext rehydrates the message's context with its request ID so
// consumer logs stay correlated with the trigger.
func messageContext(msg *message.Message) context.Context {
	ctx := msg.Context()
	if id := msg.Metadata.Get("request_id"); id != "" {
		ctx = withRequestID(ctx, id)
	}
	return ctx
}

// NewNATSPubSub connects a JetStream-backed publisher and subscriber pair.
// Message IDs are tracked so broker-side redelivery dedup works with our
// at-least-once consumers.
func NewNATSPubSub(url string, logger *charmlog.Logger) (message.Publisher, message.Subscriber, error) {
	wmLogger := watermillLogger{logger}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
	}
	jetStream := wmnats.JetStreamConfig{
		AutoProvision: true,
		TrackMsgId:    true,
	}

	pub, err := wmnats.NewPublisher(wmnats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmnats.NATSMarshaler{},
		JetStream:   jetStream,
	}, wmLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("building nats publisher: %w", err)
	}

	sub, err := wmnats.NewSubscriber(wmnats.SubscriberConfig{
		URL:              url,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmnats.NATSMarshaler{},
		QueueGroupPrefix: "alexandria",
		JetStream:        jetStream,
	}, wmLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("building nats subscriber: %w", err)
	}

	return pub, sub, nil
}

// StartEmbeddedNATS runs an in-process JetStream broker for single-binary
// deployments.
func StartEmbeddedNATS(dataDir string) (*natsserver.Server, string, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random free port.
		JetStream: true,
		StoreDir:  dataDir,
	})
	if err != nil {
		return nil, "", fmt.Errorf("building embedded nats: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		return nil, "", fmt.Errorf("embedded nats not ready")
	}
	return srv, srv.ClientURL(), nil
}

// watermillLogger bridges Watermill's logging onto ours.
type watermillLogger struct {
	logger *charmlog.Logger
}

var _ watermill.LoggerAdapter = watermillLogger{}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append([]any{"err", err}, flattenFields(fields)...)...)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, flattenFields(fields)...) // Watermill info is chatty.
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, flattenFields(fields)...)
}

func (l watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, flattenFields(fields)...)
}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{l.logger.With(flattenFields(fields)...)}
}

func flattenFields(fields watermill.LogFields) []any {
	flat := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	return flat
}
