package storage

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/bridgekit/relayer/pkg/config"
	"github.com/bridgekit/relayer/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSuite defines a test suite that all storage implementations must pass
type TestSuite struct {
	NewStore func() (RelayerStore, error)
}

// Run executes all storage interface compliance tests
func (s *TestSuite) Run(t *testing.T) {
	t.Run("CursorState", s.testCursorState)
	t.Run("CursorKeyCase", s.testCursorKeyCase)
	t.Run("DeadLetters", s.testDeadLetters)
	t.Run("Lifecycle", s.testLifecycle)
	t.Run("ConcurrentAccess", s.testConcurrentAccess)
}

func testEvent(txHash string, logIndex uint) *types.BridgeEvent {
	return &types.BridgeEvent{
		SourceTxHash:       txHash,
		BlockHeight:        100,
		LogIndex:           logIndex,
		Sender:             common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Recipient:          common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Token:              common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Amount:             big.NewInt(1000),
		Nonce:              big.NewInt(7),
		DestinationChainId: 8453,
		SourceChainId:      config.ChainId(1),
	}
}

func (s *TestSuite) testCursorState(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	contract := "0xbridge123"
	chainId := config.ChainId(1)

	// Getting a cursor that was never committed
	_, err = store.GetLastScannedBlock(ctx, chainId, contract)
	assert.ErrorIs(t, err, ErrNotFound)

	// Commit and read back
	err = store.SetLastScannedBlock(ctx, chainId, contract, 12345)
	require.NoError(t, err)

	got, err := store.GetLastScannedBlock(ctx, chainId, contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), got)

	// Cursor only ever advances via explicit commits; a new commit replaces it
	err = store.SetLastScannedBlock(ctx, chainId, contract, 12346)
	require.NoError(t, err)

	got, err = store.GetLastScannedBlock(ctx, chainId, contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(12346), got)

	// Disjoint worker keys never share a cursor record
	chainId2 := config.ChainId(8453)
	err = store.SetLastScannedBlock(ctx, chainId2, contract, 777)
	require.NoError(t, err)

	got, err = store.GetLastScannedBlock(ctx, chainId, contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(12346), got)

	got, err = store.GetLastScannedBlock(ctx, chainId2, contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(777), got)

	_, err = store.GetLastScannedBlock(ctx, chainId, "0xothercontract")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Checksummed and lowercase spellings of the same contract address resolve to
// the same cursor record on every implementation.
func (s *TestSuite) testCursorKeyCase(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	chainId := config.ChainId(1)

	require.NoError(t, store.SetLastScannedBlock(ctx, chainId, "0xAbCdEf", 99))

	got, err := store.GetLastScannedBlock(ctx, chainId, "0xabcdef")
	require.NoError(t, err)
	assert.Equal(t, uint64(99), got)

	require.NoError(t, store.SetLastScannedBlock(ctx, chainId, "0xabcdef", 100))
	got, err = store.GetLastScannedBlock(ctx, chainId, "0xABCDEF")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got)
}

func (s *TestSuite) testDeadLetters(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	contract := "0xbridge123"
	chainId := config.ChainId(1)

	records, err := store.ListDeadLetters(ctx, chainId, contract)
	require.NoError(t, err)
	assert.Empty(t, records)

	// Invalid records are refused
	err = store.SaveDeadLetter(ctx, nil)
	assert.Error(t, err)
	err = store.SaveDeadLetter(ctx, &DeadLetterRecord{ChainId: chainId, ContractAddress: contract})
	assert.Error(t, err)

	record := &DeadLetterRecord{
		Event:           testEvent("0xaaa", 3),
		ChainId:         chainId,
		ContractAddress: contract,
		Reason:          "destination rejected relay with status 422",
		FailedAt:        time.Now().UTC(),
	}
	err = store.SaveDeadLetter(ctx, record)
	require.NoError(t, err)

	records, err = store.ListDeadLetters(ctx, chainId, contract)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "0xaaa", records[0].Event.SourceTxHash)
	assert.Equal(t, uint(3), records[0].Event.LogIndex)
	assert.Equal(t, record.Reason, records[0].Reason)

	// Dead letters are scoped to their worker key
	records, err = store.ListDeadLetters(ctx, config.ChainId(2), contract)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func (s *TestSuite) testLifecycle(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Close())

	_, err = store.GetLastScannedBlock(ctx, config.ChainId(1), "0xbridge")
	assert.ErrorIs(t, err, ErrStoreClosed)

	err = store.SetLastScannedBlock(ctx, config.ChainId(1), "0xbridge", 1)
	assert.ErrorIs(t, err, ErrStoreClosed)

	err = store.SaveDeadLetter(ctx, &DeadLetterRecord{Event: testEvent("0x1", 0)})
	assert.ErrorIs(t, err, ErrStoreClosed)

	_, err = store.ListDeadLetters(ctx, config.ChainId(1), "0xbridge")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func (s *TestSuite) testConcurrentAccess(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	chainId := config.ChainId(1)

	// Concurrent workers write disjoint keys, per the ownership model
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			contract := fmt.Sprintf("0xbridge%d", worker)
			for h := uint64(1); h <= 50; h++ {
				if err := store.SetLastScannedBlock(ctx, chainId, contract, h); err != nil {
					t.Errorf("worker %d: %v", worker, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		got, err := store.GetLastScannedBlock(ctx, chainId, fmt.Sprintf("0xbridge%d", i))
		require.NoError(t, err)
		assert.Equal(t, uint64(50), got)
	}
}
