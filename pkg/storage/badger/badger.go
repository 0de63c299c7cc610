package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bridgekit/relayer/pkg/config"
	"github.com/bridgekit/relayer/pkg/relayerConfig"
	"github.com/bridgekit/relayer/pkg/storage"
	badgerv3 "github.com/dgraph-io/badger/v3"
)

// Key prefixes for different data types
const (
	prefixCursor      = "cursor:%d:%s"          // chainId:contractAddress
	prefixDeadLetter  = "deadletter:%d:%s:%s"   // chainId:contractAddress:idempotencyKey
	prefixDeadLetters = "deadletter:%d:%s:"     // chainId:contractAddress
)

// BadgerRelayerStore implements the RelayerStore interface using BadgerDB
type BadgerRelayerStore struct {
	db       *badgerv3.DB
	mu       sync.RWMutex
	closed   bool
	closeCh  chan struct{}
	gcTicker *time.Ticker
}

// NewBadgerRelayerStore creates a new BadgerDB-backed relayer store
func NewBadgerRelayerStore(cfg *relayerConfig.BadgerConfig) (*BadgerRelayerStore, error) {
	if cfg == nil {
		return nil, errors.New("badger config is nil")
	}

	opts := badgerv3.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's default logging

	if cfg.InMemory {
		opts.InMemory = true
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}

	db, err := badgerv3.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerRelayerStore{
		db:      db,
		closeCh: make(chan struct{}),
	}

	// Start garbage collection routine
	s.gcTicker = time.NewTicker(5 * time.Minute)
	go s.runGC()

	return s, nil
}

// runGC runs periodic value log garbage collection
func (s *BadgerRelayerStore) runGC() {
	for {
		select {
		case <-s.gcTicker.C:
			s.mu.RLock()
			if s.closed {
				s.mu.RUnlock()
				return
			}
			s.mu.RUnlock()

			_ = s.db.RunValueLogGC(0.5)
		case <-s.closeCh:
			return
		}
	}
}

func (s *BadgerRelayerStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	return nil
}

func cursorKey(chainId config.ChainId, contractAddress string) []byte {
	return []byte(fmt.Sprintf(prefixCursor, chainId, strings.ToLower(contractAddress)))
}

// GetLastScannedBlock retrieves the persisted cursor for a worker key
func (s *BadgerRelayerStore) GetLastScannedBlock(ctx context.Context, chainId config.ChainId, contractAddress string) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var blockNum uint64
	err := s.db.View(func(txn *badgerv3.Txn) error {
		item, err := txn.Get(cursorKey(chainId, contractAddress))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt cursor value of length %d", len(val))
			}
			blockNum = binary.BigEndian.Uint64(val)
			return nil
		})
	})

	if errors.Is(err, badgerv3.ErrKeyNotFound) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last scanned block: %w", err)
	}
	return blockNum, nil
}

// SetLastScannedBlock durably commits the cursor for a worker key
func (s *BadgerRelayerStore) SetLastScannedBlock(ctx context.Context, chainId config.ChainId, contractAddress string, blockNum uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, blockNum)

	err := s.db.Update(func(txn *badgerv3.Txn) error {
		return txn.Set(cursorKey(chainId, contractAddress), val)
	})
	if err != nil {
		return fmt.Errorf("failed to set last scanned block: %w", err)
	}
	return nil
}

// SaveDeadLetter records a permanently failed event for manual intervention
func (s *BadgerRelayerStore) SaveDeadLetter(ctx context.Context, record *storage.DeadLetterRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if record == nil || record.Event == nil {
		return storage.ErrInvalidRecord
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter record: %w", err)
	}

	key := fmt.Sprintf(prefixDeadLetter,
		record.ChainId,
		strings.ToLower(record.ContractAddress),
		record.Event.IdempotencyKey(),
	)

	err = s.db.Update(func(txn *badgerv3.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save dead letter record: %w", err)
	}
	return nil
}

// ListDeadLetters returns all recorded dead letters for a worker key
func (s *BadgerRelayerStore) ListDeadLetters(ctx context.Context, chainId config.ChainId, contractAddress string) ([]*storage.DeadLetterRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	prefix := []byte(fmt.Sprintf(prefixDeadLetters, chainId, strings.ToLower(contractAddress)))

	var records []*storage.DeadLetterRecord
	err := s.db.View(func(txn *badgerv3.Txn) error {
		opts := badgerv3.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record storage.DeadLetterRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal dead letter record: %w", err)
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter records: %w", err)
	}
	return records, nil
}

func (s *BadgerRelayerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.gcTicker.Stop()
	close(s.closeCh)

	return s.db.Close()
}
