package storage

import (
	"context"
	"time"

	"github.com/bridgekit/relayer/pkg/config"
	"github.com/bridgekit/relayer/pkg/types"
)

// RelayerStore defines the interface for relayer state persistence.
//
// The scan cursor is the only durable state the orchestrator depends on.
// Each cursor record is owned by exactly one worker, keyed by
// (chainId, contractAddress); workers never share a key.
type RelayerStore interface {
	// GetLastScannedBlock returns the persisted cursor for a worker key.
	// Returns ErrNotFound when no cursor has ever been committed.
	GetLastScannedBlock(ctx context.Context, chainId config.ChainId, contractAddress string) (uint64, error)

	// SetLastScannedBlock durably commits the cursor for a worker key.
	SetLastScannedBlock(ctx context.Context, chainId config.ChainId, contractAddress string, blockNum uint64) error

	// SaveDeadLetter records an event whose relay was permanently exhausted
	// and skipped under the "skip" failure policy, for manual intervention.
	SaveDeadLetter(ctx context.Context, record *DeadLetterRecord) error

	// ListDeadLetters returns all recorded dead letters for a worker key.
	ListDeadLetters(ctx context.Context, chainId config.ChainId, contractAddress string) ([]*DeadLetterRecord, error)

	Close() error
}

// DeadLetterRecord wraps a skipped event with the failure context an operator
// needs to replay it by hand.
type DeadLetterRecord struct {
	Event           *types.BridgeEvent
	ChainId         config.ChainId
	ContractAddress string
	Reason          string
	FailedAt        time.Time
}
