// Package orchestrator drives the perpetual scan/relay cycle and owns the
// persisted scan cursor.
//
// One orchestrator is one worker: it owns the cursor record for its
// (chainId, contractAddress) key exclusively, and the cycle is strictly
// sequential, so the cursor can be committed without locking. Independent
// workers run in parallel with disjoint keys and no shared mutable state.
package orchestrator

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/bridgekit/relayer/pkg/config"
	"github.com/bridgekit/relayer/pkg/metrics"
	"github.com/bridgekit/relayer/pkg/relayerConfig"
	"github.com/bridgekit/relayer/pkg/scanPlanner"
	"github.com/bridgekit/relayer/pkg/storage"
	"github.com/bridgekit/relayer/pkg/types"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// HeadReader reports the current head height of the source chain.
type HeadReader interface {
	GetLatestBlock(ctx context.Context) (uint64, error)
}

// Scanner returns the ordered bridge events for a planned range.
type Scanner interface {
	Scan(ctx context.Context, rng types.ScanRange) ([]*types.BridgeEvent, error)
}

// Relayer delivers one event to the destination. Delivery must be idempotent
// keyed by (sourceTxHash, logIndex); the orchestrator re-delivers the last
// in-flight range after a crash and relies on the destination to deduplicate.
type Relayer interface {
	Relay(ctx context.Context, event *types.BridgeEvent) (*types.RelayOutcome, error)
}

type OrchestratorConfig struct {
	ChainId         config.ChainId
	ContractAddress string

	ConfirmationDepth uint64
	MaxChunkSize      uint64
	ScanInterval      time.Duration
	// ErrorCooldown is the longer idle after a cycle fails on a
	// non-transient fault (decode mismatch, destination rejection)
	ErrorCooldown time.Duration
	// StartBlock overrides the initial cursor on first run
	StartBlock *uint64

	HeadRetryAttempts  uint
	RelayRetryAttempts uint
	RetryDelay         time.Duration

	FailurePolicy relayerConfig.FailurePolicy
}

func NewOrchestratorDefaultConfig(chainId config.ChainId, contractAddress string) *OrchestratorConfig {
	return &OrchestratorConfig{
		ChainId:            chainId,
		ContractAddress:    contractAddress,
		ConfirmationDepth:  relayerConfig.DefaultConfirmationDepth,
		MaxChunkSize:       relayerConfig.DefaultMaxChunkSize,
		ScanInterval:       relayerConfig.DefaultScanIntervalSeconds * time.Second,
		ErrorCooldown:      relayerConfig.DefaultErrorCooldownSeconds * time.Second,
		HeadRetryAttempts:  relayerConfig.DefaultHeadRetryAttempts,
		RelayRetryAttempts: relayerConfig.DefaultRelayRetryAttempts,
		RetryDelay:         relayerConfig.DefaultRetryDelayMillis * time.Millisecond,
		FailurePolicy:      relayerConfig.FailurePolicyBlock,
	}
}

type Orchestrator struct {
	headReader HeadReader
	scanner    Scanner
	relayer    Relayer
	store      storage.RelayerStore
	metrics    *metrics.Metrics
	config     *OrchestratorConfig
	logger     *zap.Logger

	// In-memory mirror of the persisted cursor. Written only by the single
	// cycle goroutine after a durable commit; atomics exist solely so the
	// admin surface can read it from another goroutine.
	cursorHeight atomic.Uint64
	cursorSet    atomic.Bool
}

func NewOrchestrator(
	cfg *OrchestratorConfig,
	headReader HeadReader,
	scanner Scanner,
	relayer Relayer,
	store storage.RelayerStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		headReader: headReader,
		scanner:    scanner,
		relayer:    relayer,
		store:      store,
		metrics:    m,
		config:     cfg,
		logger:     logger,
	}
}

// Start initializes the cursor and launches the scan loop. A failure to
// establish the initial cursor is fatal; everything after that is retried
// forever under the cycle's own policy.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.initCursor(ctx); err != nil {
		return err
	}

	o.logger.Sugar().Infow("Starting scan orchestrator",
		"chainId", o.config.ChainId,
		"contractAddress", o.config.ContractAddress,
		"confirmationDepth", o.config.ConfirmationDepth,
		"maxChunkSize", o.config.MaxChunkSize,
		"scanInterval", o.config.ScanInterval,
		"failurePolicy", o.config.FailurePolicy,
		"cursor", o.cursorHeight.Load(),
	)

	go o.runLoop(ctx)
	return nil
}

// initCursor resumes from the persisted cursor, or establishes the initial
// one from the start-block override or head - confirmationDepth on first run.
func (o *Orchestrator) initCursor(ctx context.Context) error {
	sugar := o.logger.Sugar()

	last, err := o.store.GetLastScannedBlock(ctx, o.config.ChainId, o.config.ContractAddress)
	if err == nil {
		o.setCursor(last)
		sugar.Infow("Resuming from persisted cursor", "lastScannedHeight", last)
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return errors.Wrap(err, "failed to read persisted cursor")
	}

	var start uint64
	if o.config.StartBlock != nil {
		start = *o.config.StartBlock
	} else {
		head, err := o.fetchHead(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to fetch head for initial cursor")
		}
		if head > o.config.ConfirmationDepth {
			start = head - o.config.ConfirmationDepth
		}
	}

	if err := o.store.SetLastScannedBlock(ctx, o.config.ChainId, o.config.ContractAddress, start); err != nil {
		return errors.Wrap(err, "failed to persist initial cursor")
	}
	o.setCursor(start)
	sugar.Infow("Initialized cursor", "lastScannedHeight", start)
	return nil
}

func (o *Orchestrator) runLoop(ctx context.Context) {
	sugar := o.logger.Sugar()

	for {
		err := o.RunCycle(ctx)

		wait := o.config.ScanInterval
		if err != nil {
			if ctx.Err() != nil {
				sugar.Infow("Scan loop context cancelled, exiting")
				return
			}
			if types.IsDecodeError(err) || types.IsRelayRejected(err) {
				// Not going to resolve itself; back off harder and keep
				// the fault loud until an operator intervenes.
				wait = o.config.ErrorCooldown
			}
			sugar.Errorw("Scan cycle failed",
				"error", err,
				"lastScannedHeight", o.cursorHeight.Load(),
				"retryIn", wait,
			)
		}

		select {
		case <-ctx.Done():
			sugar.Infow("Scan loop context cancelled, exiting")
			return
		case <-time.After(wait):
		}
	}
}

// RunCycle executes one full pass: fetch head, plan, scan, relay all, commit.
// The cursor advances if and only if every event in the planned range has
// been delivered and the commit itself persisted; any failure leaves the
// cursor untouched so the same range (or a superset, if head advanced) is
// retried next cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	sugar := o.logger.Sugar()

	head, err := o.fetchHead(ctx)
	if err != nil {
		o.countCycle(metrics.CycleResultError)
		return errors.Wrap(err, "failed to fetch chain head")
	}

	last := o.cursorHeight.Load()
	rng, ok := scanPlanner.Plan(last, head, o.config.ConfirmationDepth, o.config.MaxChunkSize)
	if !ok {
		sugar.Debugw("No new confirmed blocks to scan",
			"head", head,
			"lastScannedHeight", last,
		)
		o.countCycle(metrics.CycleResultIdle)
		return nil
	}

	events, err := o.scanner.Scan(ctx, rng)
	if err != nil {
		o.countCycle(metrics.CycleResultError)
		return errors.Wrapf(err, "failed to scan range %s", rng)
	}

	// Strictly in (blockHeight, logIndex) order; event N+1 does not start
	// until event N has succeeded or been exhausted.
	for _, event := range events {
		if err := o.relayWithRetry(ctx, event); err != nil {
			o.metrics.RelayFailures.With(o.workerLabels()).Inc()

			if o.config.FailurePolicy == relayerConfig.FailurePolicySkip && ctx.Err() == nil {
				if dlErr := o.recordDeadLetter(ctx, event, err); dlErr != nil {
					o.countCycle(metrics.CycleResultError)
					return errors.Wrap(dlErr, "failed to record dead letter; withholding commit")
				}
				continue
			}

			o.countCycle(metrics.CycleResultError)
			return errors.Wrapf(err, "relay exhausted for event %s; withholding commit for range %s",
				event.IdempotencyKey(), rng)
		}
		o.metrics.EventsRelayed.With(o.workerLabels()).Inc()
	}

	// Commit covers the full planned range, not just the height of the last
	// event: empty tail blocks are scanned and done.
	if err := o.store.SetLastScannedBlock(ctx, o.config.ChainId, o.config.ContractAddress, rng.ToHeight); err != nil {
		// The range will be re-processed next cycle; relay idempotency
		// absorbs the duplicate deliveries.
		o.countCycle(metrics.CycleResultError)
		return errors.Wrapf(err, "failed to persist cursor at %d", rng.ToHeight)
	}
	o.setCursor(rng.ToHeight)
	o.metrics.LastCommittedHeight.With(o.workerLabels()).Set(float64(rng.ToHeight))
	o.countCycle(metrics.CycleResultCommitted)

	sugar.Infow("Committed range",
		"range", rng.String(),
		"eventCount", len(events),
		"lastScannedHeight", rng.ToHeight,
	)
	return nil
}

// fetchHead queries the head height with bounded exponential backoff.
// Exhaustion is a transient cycle failure, not fatal.
func (o *Orchestrator) fetchHead(ctx context.Context) (uint64, error) {
	var head uint64
	err := retry.Do(func() error {
		var err error
		head, err = o.headReader.GetLatestBlock(ctx)
		return err
	},
		retry.Attempts(o.config.HeadRetryAttempts),
		retry.Delay(o.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		o.metrics.RpcErrors.With(o.workerLabels()).Inc()
		return 0, err
	}
	return head, nil
}

// relayWithRetry delivers one event with bounded exponential backoff.
// A destination rejection is permanent and short-circuits the retry budget.
func (o *Orchestrator) relayWithRetry(ctx context.Context, event *types.BridgeEvent) error {
	var rejection error
	err := retry.Do(func() error {
		outcome, err := o.relayer.Relay(ctx, event)
		if err != nil {
			if types.IsRelayRejected(err) {
				rejection = err
				return retry.Unrecoverable(err)
			}
			return err
		}
		if !outcome.Delivered {
			return errors.New("destination did not acknowledge delivery")
		}
		return nil
	},
		retry.Attempts(o.config.RelayRetryAttempts),
		retry.Delay(o.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil && rejection != nil {
		return rejection
	}
	return err
}

func (o *Orchestrator) recordDeadLetter(ctx context.Context, event *types.BridgeEvent, cause error) error {
	o.logger.Sugar().Errorw("Relay permanently exhausted, recording event for manual intervention",
		"idempotencyKey", event.IdempotencyKey(),
		"blockHeight", event.BlockHeight,
		"error", cause,
	)

	err := o.store.SaveDeadLetter(ctx, &storage.DeadLetterRecord{
		Event:           event,
		ChainId:         o.config.ChainId,
		ContractAddress: o.config.ContractAddress,
		Reason:          cause.Error(),
		FailedAt:        time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	o.metrics.DeadLetters.With(o.workerLabels()).Inc()
	return nil
}

func (o *Orchestrator) setCursor(height uint64) {
	o.cursorHeight.Store(height)
	o.cursorSet.Store(true)
}

func (o *Orchestrator) workerLabels() prometheus.Labels {
	return prometheus.Labels{
		"chain_id": strconv.FormatUint(uint64(o.config.ChainId), 10),
		"contract": o.config.ContractAddress,
	}
}

func (o *Orchestrator) countCycle(result string) {
	labels := o.workerLabels()
	labels["result"] = result
	o.metrics.ScanCycles.With(labels).Inc()
}

// WorkerKey implements metrics.CursorReporter.
func (o *Orchestrator) WorkerKey() (config.ChainId, string) {
	return o.config.ChainId, o.config.ContractAddress
}

// LastCommittedHeight implements metrics.CursorReporter.
func (o *Orchestrator) LastCommittedHeight() (uint64, bool) {
	if !o.cursorSet.Load() {
		return 0, false
	}
	return o.cursorHeight.Load(), true
}
