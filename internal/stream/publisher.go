package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"FactorPool/internal/core"
	"FactorPool/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher publishes committed events to NATS for downstream consumers
// (risk dashboards, investor reporting, reconciliation). Publishing happens
// after the engine has committed; a failed publish is non-fatal because
// consumers can always backfill from the event log.
//
// Subjects follow the pattern: factor.pool.events.{event_type}[.{collateral_ref}]
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// OutboundEvent is the wire form published to NATS.
type OutboundEvent struct {
	Sequence       int64       `json:"sequence"`
	EventType      string      `json:"event_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	CollateralRef  *string     `json:"collateral_ref,omitempty"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run starts the outbound publisher loop.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, output); err != nil {
				p.log.Warn().
					Err(err).
					Int64("sequence", output.Envelope.Sequence).
					Msg("outbound publish failed")
				if p.metrics != nil {
					p.metrics.StreamPublishErrors.Inc()
				}
				continue
			}
			if p.metrics != nil {
				p.metrics.StreamPublished.WithLabelValues(output.Envelope.EventType.String()).Inc()
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, output core.CoreOutput) error {
	env := output.Envelope
	hash := env.StateHash

	evt := OutboundEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		CollateralRef:  env.CollateralRef,
		Payload:        output.Payload,
		StateHash:      hash[:],
		Timestamp:      env.Timestamp,
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("factor.pool.events.%s", evt.EventType)
	if evt.CollateralRef != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.CollateralRef)
	}

	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates the outbound events stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "FACTOR_POOL_EVENTS",
		Subjects:  []string{"factor.pool.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "FACTOR_POOL_EVENTS").Msg("ensured outbound stream")
	return nil
}
