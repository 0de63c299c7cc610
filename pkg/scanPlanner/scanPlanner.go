package scanPlanner

import "github.com/bridgekit/relayer/pkg/types"

// Plan computes the next safe, bounded block range to scan.
//
// The range never reaches into the most recent confirmationDepth blocks:
// those may still be displaced by a reorg, and an event relayed out of a
// displaced block cannot be un-relayed. The range width is capped at
// maxChunkSize to bound the cost of a single log query and the number of
// events held in flight.
//
// Plan is a pure function. The second return value is false when nothing new
// and confirmed is available yet.
func Plan(lastScannedHeight, currentHead, confirmationDepth, maxChunkSize uint64) (types.ScanRange, bool) {
	if maxChunkSize == 0 {
		return types.ScanRange{}, false
	}
	if currentHead < confirmationDepth {
		return types.ScanRange{}, false
	}

	safeHead := currentHead - confirmationDepth
	fromHeight := lastScannedHeight + 1
	if safeHead < fromHeight {
		return types.ScanRange{}, false
	}

	toHeight := lastScannedHeight + maxChunkSize
	if toHeight > safeHead {
		toHeight = safeHead
	}

	return types.ScanRange{FromHeight: fromHeight, ToHeight: toHeight}, true
}
