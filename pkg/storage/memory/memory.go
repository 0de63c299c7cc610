package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bridgekit/relayer/pkg/config"
	"github.com/bridgekit/relayer/pkg/storage"
)

// InMemoryRelayerStore implements RelayerStore with in-memory maps. Cursor
// state does not survive a restart; intended for tests and dry runs.
type InMemoryRelayerStore struct {
	mu          sync.RWMutex
	closed      bool
	cursors     map[string]uint64
	deadLetters map[string][]*storage.DeadLetterRecord
}

// NewInMemoryRelayerStore creates a new in-memory relayer store
func NewInMemoryRelayerStore() *InMemoryRelayerStore {
	return &InMemoryRelayerStore{
		cursors:     make(map[string]uint64),
		deadLetters: make(map[string][]*storage.DeadLetterRecord),
	}
}

// makeCursorKey creates a composite key for a worker's cursor record. The
// contract address is lowercased so checksummed and plain hex spellings
// resolve to the same record.
func makeCursorKey(chainId config.ChainId, contractAddress string) string {
	return fmt.Sprintf("%d:%s", chainId, strings.ToLower(contractAddress))
}

func (s *InMemoryRelayerStore) GetLastScannedBlock(ctx context.Context, chainId config.ChainId, contractAddress string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, storage.ErrStoreClosed
	}

	blockNum, exists := s.cursors[makeCursorKey(chainId, contractAddress)]
	if !exists {
		return 0, storage.ErrNotFound
	}
	return blockNum, nil
}

func (s *InMemoryRelayerStore) SetLastScannedBlock(ctx context.Context, chainId config.ChainId, contractAddress string, blockNum uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	s.cursors[makeCursorKey(chainId, contractAddress)] = blockNum
	return nil
}

func (s *InMemoryRelayerStore) SaveDeadLetter(ctx context.Context, record *storage.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	if record == nil || record.Event == nil {
		return storage.ErrInvalidRecord
	}

	key := makeCursorKey(record.ChainId, record.ContractAddress)
	s.deadLetters[key] = append(s.deadLetters[key], record)
	return nil
}

func (s *InMemoryRelayerStore) ListDeadLetters(ctx context.Context, chainId config.ChainId, contractAddress string) ([]*storage.DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	records := s.deadLetters[makeCursorKey(chainId, contractAddress)]
	out := make([]*storage.DeadLetterRecord, len(records))
	copy(out, records)
	return out, nil
}

func (s *InMemoryRelayerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
