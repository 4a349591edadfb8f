// Package relay runs the asynchronous half of the pipeline: it consumes
// accepted deliveries from the bus, queries the answering service, and hands
// the reply to the channel for delivery.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"finbot/internal/domain"
	"finbot/internal/metrics"
)

const (
	defaultConcurrency   = 5
	defaultAnswerTimeout = 15 * time.Second
	defaultFallbackReply = "Sorry, the assistant is unavailable right now. Please try again later."
)

// Loop relays inbound messages to the answering service and replies to the
// sender. Failures never propagate: an answering-service error is replaced by
// the fallback reply, so the user always gets a conversation turn.
type Loop struct {
	answerer    domain.Answerer
	bus         domain.MessageBus
	logger      *slog.Logger
	concurrency int
	timeout     time.Duration
	fallback    string
}

// LoopConfig holds all dependencies and tuning parameters for the relay loop.
type LoopConfig struct {
	Answerer      domain.Answerer
	Bus           domain.MessageBus
	Logger        *slog.Logger
	Concurrency   int           // max parallel deliveries (default 5)
	AnswerTimeout time.Duration // per-question bound on the answering call
	FallbackReply string        // sent when the answering service fails
}

// NewLoop creates a new relay loop with the given configuration.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = defaultAnswerTimeout
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = defaultFallbackReply
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		answerer:    cfg.Answerer,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		timeout:     cfg.AnswerTimeout,
		fallback:    cfg.FallbackReply,
	}
}

// Run consumes inbound deliveries and processes them with bounded
// concurrency. Deliveries across different ids may complete out of order;
// once accepted, a delivery runs to completion (success or logged failure).
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("relay loop started", "concurrency", l.concurrency)

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("relay loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, relay loop stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				l.process(m)
			}(msg)
		}
	}
}

// process handles one delivery end to end. The answering call is bounded by
// the configured timeout; the send is fire-and-forget via the bus.
func (l *Loop) process(msg domain.InboundMessage) {
	delivery := uuid.NewString()
	metrics.InflightDeliveries.Inc()
	defer metrics.InflightDeliveries.Dec()

	l.logger.Info("relaying delivery",
		"delivery", delivery,
		"id", msg.ID,
		"sender", msg.Sender,
		"text_len", len(msg.Text),
	)

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	start := time.Now()
	reply, err := l.answerer.Ask(ctx, msg.Text)
	metrics.AnswerLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AnswerFailuresTotal.Inc()
		l.logger.Warn("answering service failed, using fallback",
			"delivery", delivery, "id", msg.ID, "err", err)
		reply = l.fallback
	}

	l.bus.SendOutbound(domain.OutboundReply{
		Recipient: msg.Sender,
		Body:      reply,
	})
}
