// Package indexer implements the generic Indexer Framework: run discovery,
// subscription to a batch topic, tick buffering, and idempotent flush, with
// ack deferred until flushTicks returns cleanly.
package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/evochora/pipeline/internal/config"
	"github.com/evochora/pipeline/internal/indexer/buffer"
	"github.com/evochora/pipeline/internal/obslog"
	"github.com/evochora/pipeline/internal/resource"
	"github.com/evochora/pipeline/internal/resource/promreg"
	"github.com/evochora/pipeline/internal/storage"
	"github.com/evochora/pipeline/internal/topic"
	"github.com/evochora/pipeline/internal/topicerr"
	"github.com/evochora/pipeline/internal/wire"
)

// ConcreteIndexer is implemented by each persistence indexer (Organism,
// Environment, ...). PrepareSchema MUST be idempotent. FlushTicks MUST use
// MERGE semantics so redelivery after a crash converges without
// duplicates.
type ConcreteIndexer interface {
	PrepareSchema(ctx context.Context, runID string) error
	FlushTicks(ctx context.Context, runID string, ticks []*wire.TickData) error
}

// Runner drives one ConcreteIndexer: discovers a run, subscribes to the
// batch topic as consumerGroup, and buffers/flushes/acks.
type Runner struct {
	Cfg           config.IndexerConfig
	Store         storage.Store
	Engine        topic.Engine
	Indexer       ConcreteIndexer
	BatchTopic    string
	ConsumerGroup string

	buf     *buffer.TickBuffer
	mon     *resource.Monitor
	metrics *promreg.Registry
	log     zerolog.Logger
}

// NewRunner wires the framework around one concrete indexer.
func NewRunner(name string, cfg config.IndexerConfig, store storage.Store, engine topic.Engine, idx ConcreteIndexer, batchTopic, consumerGroup string) *Runner {
	return &Runner{
		Cfg: cfg, Store: store, Engine: engine, Indexer: idx,
		BatchTopic: batchTopic, ConsumerGroup: consumerGroup,
		mon: resource.NewMonitor(name),
		log: obslog.For("indexer." + name),
	}
}

// SetMetrics points the runner (and the tick buffer it builds in Run) at
// the process-wide Prometheus collectors. Optional.
func (r *Runner) SetMetrics(reg *promreg.Registry) { r.metrics = reg }

func (r *Runner) Name() string { return r.mon.Name() }

func (r *Runner) UsageState(usageType string) resource.UsageState { return r.mon.UsageState(usageType) }

func (r *Runner) Metrics() map[string]float64 { return r.mon.Metrics() }

func (r *Runner) Errors() []resource.ErrorRecord { return r.mon.Errors() }

func (r *Runner) IsHealthy() bool { return r.mon.IsHealthy() }

// Run implements service.Runnable. A discovery timeout, schema setup
// failure, or deserialization failure on the metadata path is fatal
// (returns error, the owning Lifecycle transitions to ERROR); everything
// else is retried transparently.
func (r *Runner) Run(ctx context.Context) error {
	runID, err := r.discoverRunID(ctx)
	if err != nil {
		return fmt.Errorf("indexer %s: discover run: %w", r.Name(), err)
	}
	r.log.Info().Str("run_id", runID).Msg("run discovered")

	if err := r.Indexer.PrepareSchema(ctx, runID); err != nil {
		return fmt.Errorf("indexer %s: prepare schema: %w", r.Name(), err)
	}
	if err := r.Engine.SetSimulationRun(ctx, runID); err != nil {
		return fmt.Errorf("indexer %s: bind topic engine: %w", r.Name(), err)
	}

	r.buf = buffer.New(buffer.Config{MaxSize: r.Cfg.InsertBatchSize, FlushInterval: r.Cfg.FlushTimeout}, func(fctx context.Context, ticks []*wire.TickData) error {
		return r.Indexer.FlushTicks(fctx, runID, ticks)
	})
	if r.metrics != nil {
		r.buf.SetMetrics(r.metrics, r.Name())
	}
	r.buf.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.buf.Stop(stopCtx); err != nil {
			r.log.Warn().Err(err).Msg("final flush on stop failed")
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := r.Engine.Receive(ctx, r.BatchTopic, r.ConsumerGroup, r.Cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.mon.RecordError(string(topicerr.ClaimFailed), err.Error(), map[string]any{"topic": r.BatchTopic})
			r.log.Warn().Err(err).Msg("receive failed, retrying")
			continue
		}
		if msg == nil {
			continue
		}
		if err := r.handleBatch(ctx, runID, msg); err != nil {
			if code, ok := topicerr.CodeOf(err); ok && code == topicerr.DeserializationError {
				r.log.Error().Err(err).Str("message_id", msg.MessageID).Msg("bad batch message, left unacked for operator inspection")
			} else {
				r.log.Warn().Err(err).Msg("batch handling failed, left unacked for redelivery")
			}
			r.mon.Incr("error_count", 1)
			continue
		}
	}
}

func (r *Runner) handleBatch(ctx context.Context, runID string, msg *topic.Message) error {
	env, err := wire.UnmarshalEnvelope(msg.Envelope)
	if err != nil {
		return topicerr.Wrap(topicerr.DeserializationError, "unmarshal envelope", err, nil)
	}
	if env.Payload == nil {
		return topicerr.New(topicerr.UnknownType, "envelope missing payload", nil)
	}
	batchInfo, err := wire.UnmarshalBatchInfo(env.Payload.Value)
	if err != nil {
		return topicerr.Wrap(topicerr.DeserializationError, "unmarshal batch_info", err, nil)
	}
	if err := batchInfo.Validate(); err != nil {
		return topicerr.Wrap(topicerr.DeserializationError, "invalid batch_info", err, nil)
	}

	blob, err := r.Store.ReadMessage(batchInfo.StorageKey)
	if err != nil {
		return topicerr.Wrap(topicerr.WriteFailed, "read batch blob", err, map[string]any{"storage_key": batchInfo.StorageKey})
	}
	batch, err := wire.UnmarshalTickDataBatch(blob)
	if err != nil {
		return topicerr.Wrap(topicerr.DeserializationError, "unmarshal tick_data_batch", err, nil)
	}

	topicName, group := r.BatchTopic, r.ConsumerGroup
	engine := r.Engine
	return r.buf.Submit(ctx, batch.Ticks, func() error {
		if err := engine.Ack(ctx, topicName, group, msg); err != nil {
			return err
		}
		r.mon.Incr("batches_acknowledged", 1)
		return nil
	})
}

// discoverRunID polls Store.ListRunIds at no more than one call per
// PollInterval. The limiter (rather than a plain ticker) bounds the very
// first call too, so a PollInterval misconfigured far below the backend's
// comfortable polling rate can never produce a burst of immediate calls.
func (r *Runner) discoverRunID(ctx context.Context) (string, error) {
	if r.Cfg.RunID != "" {
		return r.Cfg.RunID, nil
	}
	t0 := time.Now().UnixMilli()
	deadline := time.Now().Add(r.Cfg.MaxPollDuration)
	limiter := rate.NewLimiter(rate.Every(r.Cfg.PollInterval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
		ids, err := r.Store.ListRunIds(t0)
		if err == nil && len(ids) > 0 {
			return ids[0], nil
		}
		if time.Now().After(deadline) {
			return "", topicerr.New(topicerr.DiscoveryTimeout, fmt.Sprintf("no run appeared within %s", r.Cfg.MaxPollDuration), nil)
		}
	}
}
