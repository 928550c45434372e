package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// MessagePublisher is the subset of *nats.Conn used for publishing.
type MessagePublisher interface {
	Publish(subject string, data []byte) error
}

// EventPublisherConfig tunes subjects, throttling and the circuit breaker.
type EventPublisherConfig struct {
	SubjectPrefix string
	RateLimit     float64
	RateBurst     int
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
}

// EventPublisher publishes approval transition events to NATS for the
// notification service.
//
// Subject convention: <prefix>.<event_type>
// Event types: created, approved, rejected, system_rejected, reset, done
//
// Publishing is non-fatal: errors are logged and never reach the caller, so a
// broker outage cannot interrupt approval operations.
type EventPublisher struct {
	nats    MessagePublisher
	prefix  string
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// TransitionMessage is the JSON schema published to NATS.
type TransitionMessage struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	CompanyID  int64     `json:"company_id"`
	ApprovalID int64     `json:"approval_id"`
	FlowID     int64     `json:"flow_id"`
	Status     string    `json:"status"`
	StepID     *int64    `json:"step_id,omitempty"`
	StepName   *string   `json:"step_name,omitempty"`
	ActorID    *int64    `json:"actor_id,omitempty"`
	OwnerID    *int64    `json:"owner_id,omitempty"`
	Recipients []int64   `json:"recipients"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEventPublisher creates a publisher backed by the given NATS connection.
func NewEventPublisher(nats MessagePublisher, cfg EventPublisherConfig, log zerolog.Logger) *EventPublisher {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "approvals"
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "approvals-events",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("event publisher circuit changed state")
		},
	})

	return &EventPublisher{
		nats:    nats,
		prefix:  cfg.SubjectPrefix,
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
		cb:      cb,
		log:     log,
	}
}

// PublishTransition publishes one transition event. Events without
// recipients are dropped.
func (p *EventPublisher) PublishTransition(ctx context.Context, event *service.TransitionEvent) {
	if p.nats == nil || event == nil || len(event.Recipients) == 0 {
		return
	}

	msg := &TransitionMessage{
		EventID:    uuid.NewString(),
		EventType:  string(event.EventType),
		CompanyID:  event.CompanyID,
		ApprovalID: event.ApprovalID,
		FlowID:     event.FlowID,
		Status:     string(event.Status),
		StepID:     event.StepID,
		StepName:   event.StepName,
		ActorID:    event.ActorID,
		OwnerID:    event.OwnerID,
		Recipients: event.Recipients,
		OccurredAt: time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", msg.EventType).Msg("event: failed to marshal transition")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, msg.EventType)
	if err := p.limiter.Wait(ctx); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Int64("approval_id", msg.ApprovalID).Msg("event: dropped while throttled (non-fatal)")
		return
	}

	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.nats.Publish(subject, data)
	})
	if err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Int64("approval_id", msg.ApprovalID).
			Msg("event: failed to publish transition (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("event_id", msg.EventID).
		Int64("approval_id", msg.ApprovalID).
		Int("recipients", len(msg.Recipients)).
		Msg("event: transition published")
}
