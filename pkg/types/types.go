package types

import (
	"fmt"
	"math/big"

	"github.com/bridgekit/relayer/pkg/config"
	"github.com/ethereum/go-ethereum/common"
)

// ScanRange is a bounded, inclusive block range planned for a single scan.
// It is recomputed every cycle and never persisted.
type ScanRange struct {
	FromHeight uint64
	ToHeight   uint64
}

func (r ScanRange) Width() uint64 {
	return r.ToHeight - r.FromHeight + 1
}

func (r ScanRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.FromHeight, r.ToHeight)
}

// BridgeEvent is a decoded TokensLocked deposit observed on the source chain.
// It is immutable once decoded and uniquely identified by
// (SourceTxHash, LogIndex).
type BridgeEvent struct {
	SourceTxHash       string
	BlockHeight        uint64
	LogIndex           uint
	Sender             common.Address
	Recipient          common.Address
	Token              common.Address
	Amount             *big.Int
	Nonce              *big.Int
	DestinationChainId uint64
	SourceChainId      config.ChainId
}

// IdempotencyKey is the stable identifier the destination uses to deduplicate
// repeated deliveries of the same event.
func (e *BridgeEvent) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", e.SourceTxHash, e.LogIndex)
}

// RelayOutcome reports the result of a single delivery attempt for one event.
type RelayOutcome struct {
	Event                *BridgeEvent
	Delivered            bool
	DestinationReference string
}
