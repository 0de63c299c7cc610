// Package eventDecoder converts raw TokensLocked logs into typed
// BridgeEvents using the bridge contract's ABI.
package eventDecoder

import (
	"math/big"
	"strings"

	"github.com/bridgekit/relayer/pkg/config"
	"github.com/bridgekit/relayer/pkg/types"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EventName is the bridge deposit event the relayer listens for.
const EventName = "TokensLocked"

// TokensLockedABI is the fragment of the bridge contract ABI covering the
// deposit event. sender and destinationChainId are indexed; recipient,
// token, amount and nonce ride in the data segment.
const TokensLockedABI = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
      {"indexed": true, "internalType": "uint256", "name": "destinationChainId", "type": "uint256"},
      {"indexed": false, "internalType": "address", "name": "recipient", "type": "address"},
      {"indexed": false, "internalType": "address", "name": "token", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "nonce", "type": "uint256"}
    ],
    "name": "TokensLocked",
    "type": "event"
  }
]`

type EventDecoder struct {
	abi           *abi.ABI
	sourceChainId config.ChainId
	logger        *zap.Logger
}

func NewEventDecoder(sourceChainId config.ChainId, logger *zap.Logger) (*EventDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(TokensLockedABI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse bridge contract ABI")
	}
	return &EventDecoder{
		abi:           &parsed,
		sourceChainId: sourceChainId,
		logger:        logger,
	}, nil
}

// EventTopic returns the topic0 hash of the TokensLocked event signature,
// used by the ledger client to filter log queries server-side.
func (d *EventDecoder) EventTopic() common.Hash {
	return d.abi.Events[EventName].ID
}

// Decode converts one raw log into a BridgeEvent. Any mismatch between the
// log and the ABI is a DecodeError; callers must treat it as permanent for
// the containing range.
func (d *EventDecoder) Decode(lg ethtypes.Log) (*types.BridgeEvent, error) {
	fail := func(err error) (*types.BridgeEvent, error) {
		return nil, &types.DecodeError{
			TxHash:   lg.TxHash.Hex(),
			LogIndex: lg.Index,
			Err:      err,
		}
	}

	event := d.abi.Events[EventName]
	if len(lg.Topics) != 3 {
		return fail(errors.Errorf("expected 3 topics, got %d", len(lg.Topics)))
	}
	if lg.Topics[0] != event.ID {
		return fail(errors.Errorf("unexpected event signature %s", lg.Topics[0].Hex()))
	}

	// Indexed arguments ride in the topics
	sender := common.BytesToAddress(lg.Topics[1].Bytes())
	destinationChainId := new(big.Int).SetBytes(lg.Topics[2].Bytes())
	if !destinationChainId.IsUint64() {
		return fail(errors.Errorf("destinationChainId %s overflows uint64", destinationChainId))
	}

	outputData := make(map[string]interface{})
	if err := d.abi.UnpackIntoMap(outputData, EventName, lg.Data); err != nil {
		return fail(errors.Wrap(err, "failed to unpack log data"))
	}

	recipient, ok := outputData["recipient"].(common.Address)
	if !ok {
		return fail(errors.New("failed to parse recipient"))
	}
	token, ok := outputData["token"].(common.Address)
	if !ok {
		return fail(errors.New("failed to parse token"))
	}
	amount, ok := outputData["amount"].(*big.Int)
	if !ok {
		return fail(errors.New("failed to parse amount"))
	}
	nonce, ok := outputData["nonce"].(*big.Int)
	if !ok {
		return fail(errors.New("failed to parse nonce"))
	}

	return &types.BridgeEvent{
		SourceTxHash:       lg.TxHash.Hex(),
		BlockHeight:        lg.BlockNumber,
		LogIndex:           lg.Index,
		Sender:             sender,
		Recipient:          recipient,
		Token:              token,
		Amount:             amount,
		Nonce:              nonce,
		DestinationChainId: destinationChainId.Uint64(),
		SourceChainId:      d.sourceChainId,
	}, nil
}
