// Package ethereum wraps go-ethereum's RPC client with the narrow surface the
// relayer needs: the current head height and the bridge contract's logs for a
// block range. Connection pooling and JSON-RPC encoding live entirely in
// go-ethereum.
package ethereum

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type ClientConfig struct {
	// BaseURL is the HTTP or WebSocket URL of the source chain RPC node
	BaseURL string
	// ContractAddress is the bridge contract whose logs are fetched
	ContractAddress string
	// EventTopic is the topic0 hash of the event signature to filter on
	EventTopic common.Hash
	// RequestTimeout bounds every individual RPC call
	RequestTimeout time.Duration
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout: 10 * time.Second,
	}
}

type Client struct {
	ethClient *ethclient.Client
	config    *ClientConfig
	logger    *zap.Logger
}

// NewClient dials the RPC node and returns a client scoped to one contract
// and one event signature.
func NewClient(cfg *ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, errors.New("rpc base url is required")
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultClientConfig().RequestTimeout
	}

	ec, err := ethclient.Dial(cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial rpc node at %s", cfg.BaseURL)
	}

	logger.Sugar().Infow("Connected to source chain RPC node",
		"baseUrl", cfg.BaseURL,
		"contractAddress", cfg.ContractAddress,
	)

	return &Client{
		ethClient: ec,
		config:    cfg,
		logger:    logger,
	}, nil
}

// GetLatestBlock returns the current head height reported by the node.
func (c *Client) GetLatestBlock(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	blockNum, err := c.ethClient.BlockNumber(callCtx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to fetch latest block number")
	}
	return blockNum, nil
}

// GetLogs fetches the configured contract's logs for an inclusive block
// range, filtered to the configured event signature.
func (c *Client) GetLogs(ctx context.Context, fromHeight, toHeight uint64) ([]ethtypes.Log, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromHeight),
		ToBlock:   new(big.Int).SetUint64(toHeight),
		Addresses: []common.Address{common.HexToAddress(c.config.ContractAddress)},
		Topics:    [][]common.Hash{{c.config.EventTopic}},
	}

	logs, err := c.ethClient.FilterLogs(callCtx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch logs for range [%d, %d]", fromHeight, toHeight)
	}
	return logs, nil
}

func (c *Client) Close() {
	c.ethClient.Close()
}
