// Package kafkaconsumer runs the invalidation consumer group. Offsets
// commit only after the tiers were actually invalidated, so a crash
// replays the event rather than losing it; replays are absorbed by the
// per-key sequence dedupe.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/quantpine/featurestore/internal/core/observability"
	"github.com/quantpine/featurestore/internal/invalidation"
	"github.com/quantpine/featurestore/internal/store"
)

// Invalidator drops cached values for a ticker/feature range.
type Invalidator interface {
	Invalidate(ctx context.Context, ticker, feature string, from, to time.Time) (store.InvalidateResult, error)
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	inv    Invalidator
	dedupe *seqDedupe

	mu         sync.Mutex
	ready      bool
	partitions []int32
}

func New(cfg Config, logger *slog.Logger, inv Invalidator) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger,
		inv:    inv,
		dedupe: newSeqDedupe(cfg.DedupeSize),
	}
}

// Start consumes until ctx is cancelled. Transient group errors back off
// and rejoin.
func (c *Consumer) Start(ctx context.Context) error {
	if c.inv == nil {
		return errors.New("kafkaconsumer: invalidator is required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("invalidation consumer shutting down")
			c.setReady(false, nil)
			return nil
		default:
			c.setReady(true, nil)
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.setReady(false, nil)
				c.logger.Error("consumer error, rejoining", "err", err)
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single message. Undecodable or invalid payloads
// are logged and skipped so one poison message cannot wedge a partition;
// invalidation failures return an error and withhold the commit.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.ObserveInvalidation("kafka", err)
		c.logger.Error("undecodable invalidation event, skipping",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		observability.ObserveInvalidation("kafka", err)
		c.logger.Error("invalid invalidation event, skipping",
			"topic", msg.Topic, "offset", msg.Offset, "err", err)
		return nil
	}

	if ev.Seq > 0 && !c.dedupe.shouldApply(ev.DedupeKey(), ev.Seq) {
		c.logger.Debug("stale invalidation event, skipping",
			"ticker", ev.Ticker, "feature", ev.Feature, "seq", ev.Seq)
		return nil
	}

	res, err := c.inv.Invalidate(ctx, ev.Ticker, ev.Feature, ev.From, ev.To)
	observability.ObserveInvalidation("kafka", err)
	if err != nil {
		return fmt.Errorf("invalidate %s/%s: %w", ev.Ticker, ev.Feature, err)
	}
	if !ev.TS.IsZero() {
		observability.SetInvalidationLagSeconds(time.Since(ev.TS).Seconds())
	}

	c.logger.Info("invalidated range",
		"ticker", ev.Ticker, "feature", ev.Feature,
		"from", ev.From, "to", ev.To,
		"l1_deleted", res.L1Deleted, "l2_superseded", res.L2Superseded,
		"source", ev.Source)
	return nil
}

// Readiness reports whether the group is joined.
func (c *Consumer) Readiness() (bool, []int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready, c.partitions
}

func (c *Consumer) setReady(ready bool, parts []int32) {
	c.mu.Lock()
	c.ready = ready
	c.partitions = parts
	c.mu.Unlock()
}
