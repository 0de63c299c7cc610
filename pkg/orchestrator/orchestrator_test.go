package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/bridgekit/relayer/pkg/config"
	"github.com/bridgekit/relayer/pkg/metrics"
	"github.com/bridgekit/relayer/pkg/relayerConfig"
	"github.com/bridgekit/relayer/pkg/storage"
	"github.com/bridgekit/relayer/pkg/storage/memory"
	"github.com/bridgekit/relayer/pkg/types"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testChainId  = config.ChainId(1)
	testContract = "0xbridge"
)

type fakeHeadReader struct {
	head     uint64
	failures int
	calls    int
}

func (f *fakeHeadReader) GetLatestBlock(ctx context.Context) (uint64, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("rpc unavailable")
	}
	return f.head, nil
}

type fakeScanner struct {
	events []*types.BridgeEvent
	err    error
	calls  []types.ScanRange
}

func (f *fakeScanner) Scan(ctx context.Context, rng types.ScanRange) ([]*types.BridgeEvent, error) {
	f.calls = append(f.calls, rng)
	if f.err != nil {
		return nil, f.err
	}
	var out []*types.BridgeEvent
	for _, ev := range f.events {
		if ev.BlockHeight >= rng.FromHeight && ev.BlockHeight <= rng.ToHeight {
			out = append(out, ev)
		}
	}
	return out, nil
}

// fakeDestination models the destination endpoint: it deduplicates on the
// idempotency key, so re-delivery of a consumed key is acknowledged but has
// no further effect.
type fakeDestination struct {
	mu                sync.Mutex
	seen              map[string]bool
	attempts          map[string]int
	deliveries        []string
	transientFailures map[string]int
	rejectKeys        map[string]bool
	// maxDeliveries simulates a crash window: once this many successful
	// deliveries have happened, further attempts fail. -1 disables it.
	maxDeliveries int
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{
		seen:              map[string]bool{},
		attempts:          map[string]int{},
		transientFailures: map[string]int{},
		rejectKeys:        map[string]bool{},
		maxDeliveries:     -1,
	}
}

func (d *fakeDestination) Relay(ctx context.Context, event *types.BridgeEvent) (*types.RelayOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := event.IdempotencyKey()
	d.attempts[key]++

	if d.rejectKeys[key] {
		return nil, &types.RelayRejectedError{StatusCode: 422, Body: "rejected"}
	}
	if n := d.transientFailures[key]; n > 0 {
		d.transientFailures[key] = n - 1
		return nil, errors.New("destination unavailable")
	}
	if d.maxDeliveries >= 0 && len(d.deliveries) >= d.maxDeliveries {
		return nil, errors.New("connection reset")
	}

	d.deliveries = append(d.deliveries, key)
	d.seen[key] = true
	return &types.RelayOutcome{Event: event, Delivered: true}, nil
}

func testOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		ChainId:            testChainId,
		ContractAddress:    testContract,
		ConfirmationDepth:  12,
		MaxChunkSize:       1000,
		ScanInterval:       time.Millisecond,
		ErrorCooldown:      time.Millisecond,
		HeadRetryAttempts:  3,
		RelayRetryAttempts: 3,
		RetryDelay:         time.Millisecond,
		FailurePolicy:      relayerConfig.FailurePolicyBlock,
	}
}

func eventAt(block uint64, index uint) *types.BridgeEvent {
	return &types.BridgeEvent{
		SourceTxHash:       fmt.Sprintf("0xtx%d_%d", block, index),
		BlockHeight:        block,
		LogIndex:           index,
		Amount:             big.NewInt(100),
		Nonce:              big.NewInt(int64(block)),
		DestinationChainId: 8453,
		SourceChainId:      testChainId,
	}
}

func newTestOrchestrator(
	t *testing.T,
	cfg *OrchestratorConfig,
	head *fakeHeadReader,
	scanner *fakeScanner,
	dest *fakeDestination,
	store storage.RelayerStore,
) *Orchestrator {
	t.Helper()
	return NewOrchestrator(cfg, head, scanner, dest, store, metrics.NewMetrics(), zap.NewNop())
}

func seedCursor(t *testing.T, store storage.RelayerStore, height uint64) {
	t.Helper()
	require.NoError(t, store.SetLastScannedBlock(context.Background(), testChainId, testContract, height))
}

func cursorOf(t *testing.T, store storage.RelayerStore) uint64 {
	t.Helper()
	got, err := store.GetLastScannedBlock(context.Background(), testChainId, testContract)
	require.NoError(t, err)
	return got
}

func TestRunCycle_CommitsFullPlannedRange(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()
	seedCursor(t, store, 500)

	head := &fakeHeadReader{head: 520}
	scanner := &fakeScanner{events: []*types.BridgeEvent{eventAt(505, 0)}}
	dest := newFakeDestination()

	o := newTestOrchestrator(t, testOrchestratorConfig(), head, scanner, dest, store)
	require.NoError(t, o.initCursor(ctx))
	require.NoError(t, o.RunCycle(ctx))

	// Scanned exactly the planned range [501, 508]
	require.Len(t, scanner.calls, 1)
	assert.Equal(t, types.ScanRange{FromHeight: 501, ToHeight: 508}, scanner.calls[0])

	// Cursor commits to the end of the planned range, not the event height
	assert.Equal(t, uint64(508), cursorOf(t, store))
	assert.True(t, dest.seen["0xtx505_0:0"])

	height, ok := o.LastCommittedHeight()
	assert.True(t, ok)
	assert.Equal(t, uint64(508), height)
}

func TestRunCycle_IdleWithinConfirmationDepth(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()
	seedCursor(t, store, 500)

	head := &fakeHeadReader{head: 511} // safe head 499 < 501
	scanner := &fakeScanner{}
	o := newTestOrchestrator(t, testOrchestratorConfig(), head, scanner, newFakeDestination(), store)
	require.NoError(t, o.initCursor(ctx))

	require.NoError(t, o.RunCycle(ctx))

	assert.Empty(t, scanner.calls, "nothing within the confirmation depth may be scanned")
	assert.Equal(t, uint64(500), cursorOf(t, store))
}

func TestRunCycle_HeadFetchRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()
	seedCursor(t, store, 500)

	head := &fakeHeadReader{head: 520, failures: 2}
	scanner := &fakeScanner{}
	o := newTestOrchestrator(t, testOrchestratorConfig(), head, scanner, newFakeDestination(), store)
	require.NoError(t, o.initCursor(ctx))

	require.NoError(t, o.RunCycle(ctx))
	assert.Equal(t, 3, head.calls)
	assert.Equal(t, uint64(508), cursorOf(t, store))
}

func TestRunCycle_HeadFetchExhaustionDefersCycle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()
	seedCursor(t, store, 500)

	head := &fakeHeadReader{head: 520, failures: 10}
	scanner := &fakeScanner{}
	o := newTestOrchestrator(t, testOrchestratorConfig(), head, scanner, newFakeDestination(), store)
	require.NoError(t, o.initCursor(ctx))

	require.Error(t, o.RunCycle(ctx))
	assert.Empty(t, scanner.calls)
	assert.Equal(t, uint64(500), cursorOf(t, store))
}

func TestRunCycle_ScanErrorRetriesSameRange(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()
	seedCursor(t, store, 500)

	head := &fakeHeadReader{head: 520}
	scanner := &fakeScanner{err: errors.New("log query timeout")}
	o := newTestOrchestrator(t, testOrchestratorConfig(), head, scanner, newFakeDestination(), store)
	require.NoError(t, o.initCursor(ctx))

	require.Error(t, o.RunCycle(ctx))
	assert.Equal(t, uint64(500), cursorOf(t, store))

	// Head advanced meanwhile; the retried range starts at the same height
	head.head = 530
	scanner.err = nil
	require.NoError(t, o.RunCycle(ctx))

	require.Len(t, scanner.calls, 2)
	assert.Equal(t, uint64(501), scanner.calls[1].FromHeight)
	assert.Equal(t, uint64(518), scanner.calls[1].ToHeight)
	assert.Equal(t, uint64(518), cursorOf(t, store))
}

func TestRunCycle_TransientRelayFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()
	seedCursor(t, store, 500)

	head := &fakeHeadReader{head: 520}
	event := eventAt(505, 0)
	scanner := &fakeScanner{events: []*types.BridgeEvent{event}}
	dest := newFakeDestination()
	dest.transientFailures[event.IdempotencyKey()] = 2

	o := newTestOrchestrator(t, testOrchestratorConfig(), head, scanner, dest, store)
	require.NoError(t, o.initCursor(ctx))

	require.NoError(t, o.RunCycle(ctx))
	assert.Equal(t, 3, dest.attempts[event.IdempotencyKey()])
	assert.Equal(t, uint64(508), cursorOf(t, store))
}

func TestRunCycle_BlockPolicyWithholdsCommit(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()
	seedCursor(t, store, 500)

	head := &fakeHeadReader{head: 520}
	events := []*types.BridgeEvent{eventAt(503, 0), eventAt(505, 0), eventAt(507, 0)}
	scanner := &fakeScanner{events: events}
	dest := newFakeDestination()
	dest.rejectKeys[events[1].IdempotencyKey()] = true

	o := newTestOrchestrator(t, testOrchestratorConfig(), head, scanner, dest, store)
	require.NoError(t, o.initCursor(ctx))

	err := o.RunCycle(ctx)
	require.Error(t, err)
	assert.True(t, types.IsRelayRejected(err))

	// Cursor untouched, and the third event was never attempted: relay is
	// strictly ordered and stops at the failed event.
	assert.Equal(t, uint64(500), cursorOf(t, store))
	assert.True(t, dest.seen[events[0].IdempotencyKey()])
	assert.Zero(t, dest.attempts[events[2].IdempotencyKey()])

	// A rejection never burns the retry budget
	assert.Equal(t, 1, dest.attempts[events[1].IdempotencyKey()])
}

func TestRunCycle_SkipPolicyRecordsDeadLetterAndCommits(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()
	seedCursor(t, store, 500)

	cfg := testOrchestratorConfig()
	cfg.FailurePolicy = relayerConfig.FailurePolicySkip

	head := &fakeHeadReader{head: 520}
	events := []*types.BridgeEvent{eventAt(503, 0), eventAt(505, 0), eventAt(507, 0)}
	scanner := &fakeScanner{events: events}
	dest := newFakeDestination()
	dest.rejectKeys[events[1].IdempotencyKey()] = true

	o := newTestOrchestrator(t, cfg, head, scanner, dest, store)
	require.NoError(t, o.initCursor(ctx))

	require.NoError(t, o.RunCycle(ctx))

	// Surrounding events delivered, range committed
	assert.True(t, dest.seen[events[0].IdempotencyKey()])
	assert.True(t, dest.seen[events[2].IdempotencyKey()])
	assert.Equal(t, uint64(508), cursorOf(t, store))

	// The skipped event is durably recorded for manual intervention
	records, err := store.ListDeadLetters(ctx, testChainId, testContract)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, events[1].SourceTxHash, records[0].Event.SourceTxHash)
	assert.Contains(t, records[0].Reason, "422")
}

func TestCrashMidRelay_AllEventsEventuallyDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()
	seedCursor(t, store, 500)

	head := &fakeHeadReader{head: 520}
	events := []*types.BridgeEvent{eventAt(502, 0), eventAt(504, 1), eventAt(506, 0)}
	scanner := &fakeScanner{events: events}

	// The destination accepts 2 of 3 deliveries, then the process "crashes":
	// the cycle fails and the cursor is never committed.
	dest := newFakeDestination()
	dest.maxDeliveries = 2

	o := newTestOrchestrator(t, testOrchestratorConfig(), head, scanner, dest, store)
	require.NoError(t, o.initCursor(ctx))
	require.Error(t, o.RunCycle(ctx))
	assert.Equal(t, uint64(500), cursorOf(t, store))

	// Restart: a fresh orchestrator resumes from the persisted cursor and
	// re-processes the same range.
	dest.maxDeliveries = -1
	scanner2 := &fakeScanner{events: events}
	o2 := newTestOrchestrator(t, testOrchestratorConfig(), &fakeHeadReader{head: 520}, scanner2, dest, store)
	require.NoError(t, o2.initCursor(ctx))

	require.Len(t, scanner2.calls, 0)
	require.NoError(t, o2.RunCycle(ctx))
	require.Len(t, scanner2.calls, 1)
	assert.Equal(t, uint64(501), scanner2.calls[0].FromHeight)

	// Every event delivered, each with exactly one destination-visible
	// effect despite the duplicate deliveries of the first two.
	for _, ev := range events {
		assert.True(t, dest.seen[ev.IdempotencyKey()], "event %s must be delivered", ev.IdempotencyKey())
	}
	assert.Len(t, dest.seen, 3)
	assert.Equal(t, uint64(508), cursorOf(t, store))
}

func TestRunCycle_PersistFailureReprocessesRange(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewInMemoryRelayerStore()
	store := &flakyStore{RelayerStore: inner, setFailures: 1}
	seedCursor(t, inner, 500)

	head := &fakeHeadReader{head: 520}
	events := []*types.BridgeEvent{eventAt(505, 0)}
	scanner := &fakeScanner{events: events}
	dest := newFakeDestination()

	o := newTestOrchestrator(t, testOrchestratorConfig(), head, scanner, dest, store)
	require.NoError(t, o.initCursor(ctx))

	// Relay succeeds but the commit write fails: the cycle errors and the
	// cursor stays put.
	require.Error(t, o.RunCycle(ctx))
	assert.Equal(t, uint64(500), cursorOf(t, inner))

	// Next cycle re-processes the range; the destination deduplicates the
	// repeated delivery and the commit lands.
	require.NoError(t, o.RunCycle(ctx))
	assert.Equal(t, uint64(508), cursorOf(t, inner))
	assert.Equal(t, 2, dest.attempts[events[0].IdempotencyKey()])
	assert.Len(t, dest.seen, 1)
}

// flakyStore fails a configured number of cursor commits.
type flakyStore struct {
	storage.RelayerStore
	setFailures int
}

func (f *flakyStore) SetLastScannedBlock(ctx context.Context, chainId config.ChainId, contract string, blockNum uint64) error {
	if f.setFailures > 0 {
		f.setFailures--
		return errors.New("store unavailable")
	}
	return f.RelayerStore.SetLastScannedBlock(ctx, chainId, contract, blockNum)
}

func TestInitCursor_ResumesPersistedCursor(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()
	seedCursor(t, store, 777)

	head := &fakeHeadReader{head: 1000}
	o := newTestOrchestrator(t, testOrchestratorConfig(), head, &fakeScanner{}, newFakeDestination(), store)
	require.NoError(t, o.initCursor(ctx))

	height, ok := o.LastCommittedHeight()
	assert.True(t, ok)
	assert.Equal(t, uint64(777), height)
	assert.Zero(t, head.calls, "no head query needed when a cursor exists")
}

func TestInitCursor_StartBlockOverride(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()

	cfg := testOrchestratorConfig()
	start := uint64(123456)
	cfg.StartBlock = &start

	o := newTestOrchestrator(t, cfg, &fakeHeadReader{head: 999999}, &fakeScanner{}, newFakeDestination(), store)
	require.NoError(t, o.initCursor(ctx))

	assert.Equal(t, uint64(123456), cursorOf(t, store))
}

func TestInitCursor_DefaultsToHeadMinusConfirmationDepth(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()

	o := newTestOrchestrator(t, testOrchestratorConfig(), &fakeHeadReader{head: 1000}, &fakeScanner{}, newFakeDestination(), store)
	require.NoError(t, o.initCursor(ctx))

	assert.Equal(t, uint64(988), cursorOf(t, store))
}

func TestInitCursor_FloorsAtZero(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()

	o := newTestOrchestrator(t, testOrchestratorConfig(), &fakeHeadReader{head: 5}, &fakeScanner{}, newFakeDestination(), store)
	require.NoError(t, o.initCursor(ctx))

	assert.Equal(t, uint64(0), cursorOf(t, store))
}

func cycleCount(t *testing.T, m *metrics.Metrics, result string) float64 {
	t.Helper()
	counter := m.ScanCycles.With(prometheus.Labels{
		"chain_id": "1",
		"contract": testContract,
		"result":   result,
	})
	var out dto.Metric
	require.NoError(t, counter.Write(&out))
	return out.GetCounter().GetValue()
}

func TestRunCycle_CountsCycleResults(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryRelayerStore()
	seedCursor(t, store, 500)

	head := &fakeHeadReader{head: 520}
	scanner := &fakeScanner{events: []*types.BridgeEvent{eventAt(505, 0)}}
	m := metrics.NewMetrics()

	o := NewOrchestrator(testOrchestratorConfig(), head, scanner, newFakeDestination(), store, m, zap.NewNop())
	require.NoError(t, o.initCursor(ctx))

	// Committed [501, 508], then nothing new to scan, then head fetch
	// exhaustion; each cycle lands in its own result bucket.
	require.NoError(t, o.RunCycle(ctx))
	require.NoError(t, o.RunCycle(ctx))
	head.failures = 10
	require.Error(t, o.RunCycle(ctx))

	assert.Equal(t, float64(1), cycleCount(t, m, metrics.CycleResultCommitted))
	assert.Equal(t, float64(1), cycleCount(t, m, metrics.CycleResultIdle))
	assert.Equal(t, float64(1), cycleCount(t, m, metrics.CycleResultError))
}

func TestRunCycle_CancelledContextDoesNotCommit(t *testing.T) {
	store := memory.NewInMemoryRelayerStore()
	seedCursor(t, store, 500)

	head := &fakeHeadReader{head: 520}
	event := eventAt(505, 0)
	scanner := &fakeScanner{events: []*types.BridgeEvent{event}}
	dest := newFakeDestination()
	dest.transientFailures[event.IdempotencyKey()] = 100

	cfg := testOrchestratorConfig()
	cfg.FailurePolicy = relayerConfig.FailurePolicySkip

	o := newTestOrchestrator(t, cfg, head, scanner, dest, store)
	require.NoError(t, o.initCursor(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// With the context already cancelled the cycle aborts; even under the
	// skip policy a cancellation must not dead-letter the event or advance
	// the cursor.
	require.Error(t, o.RunCycle(ctx))
	assert.Equal(t, uint64(500), cursorOf(t, store))

	records, err := store.ListDeadLetters(context.Background(), testChainId, testContract)
	require.NoError(t, err)
	assert.Empty(t, records)
}
