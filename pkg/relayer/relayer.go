// Package relayer delivers decoded bridge events to the destination
// endpoint.
//
// Delivery must be idempotent: the destination deduplicates on the
// idempotency key (sourceTxHash:logIndex), so re-delivering an event after a
// crash or a lost response causes no double-effect. The relayer depends on
// that property; it cannot enforce it from this side.
package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/bridgekit/relayer/pkg/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type RelayerConfig struct {
	// Endpoint is the destination URL events are POSTed to
	Endpoint string
	// Timeout bounds each delivery attempt
	Timeout time.Duration
}

func DefaultRelayerConfig() *RelayerConfig {
	return &RelayerConfig{
		Timeout: 10 * time.Second,
	}
}

type HTTPRelayer struct {
	httpClient *http.Client
	config     *RelayerConfig
	logger     *zap.Logger
}

// relayPayload is the wire shape the destination expects: the flattened
// event fields plus the idempotency key and a per-attempt request id.
type relayPayload struct {
	SourceTransactionHash string `json:"sourceTransactionHash"`
	SourceBlockNumber     uint64 `json:"sourceBlockNumber"`
	BridgeNonce           string `json:"bridgeNonce"`
	SourceSender          string `json:"sourceSender"`
	DestinationRecipient  string `json:"destinationRecipient"`
	DestinationChainId    uint64 `json:"destinationChainId"`
	TokenAddress          string `json:"tokenAddress"`
	// Amount is a decimal string to avoid JSON number precision loss
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
	RequestId      string `json:"requestId"`
}

// relayResponse is the destination's acknowledgment; Id becomes the
// destination reference on the outcome.
type relayResponse struct {
	Id json.Number `json:"id"`
}

func NewHTTPRelayer(cfg *RelayerConfig, logger *zap.Logger) (*HTTPRelayer, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, errors.New("destination endpoint is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRelayerConfig().Timeout
	}

	return &HTTPRelayer{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		logger:     logger,
	}, nil
}

// Relay delivers one event to the destination endpoint.
//
// Error classification follows the destination's status code: 2xx is
// delivered, 409 means the idempotency key was already consumed and counts
// as delivered, any other 4xx is a permanent RelayRejectedError, and 5xx or
// transport failures are transient and retryable.
func (r *HTTPRelayer) Relay(ctx context.Context, event *types.BridgeEvent) (*types.RelayOutcome, error) {
	payload := &relayPayload{
		SourceTransactionHash: event.SourceTxHash,
		SourceBlockNumber:     event.BlockHeight,
		BridgeNonce:           event.Nonce.String(),
		SourceSender:          event.Sender.Hex(),
		DestinationRecipient:  event.Recipient.Hex(),
		DestinationChainId:    event.DestinationChainId,
		TokenAddress:          event.Token.Hex(),
		Amount:                event.Amount.String(),
		IdempotencyKey:        event.IdempotencyKey(),
		RequestId:             uuid.New().String(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal relay payload")
	}

	callCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build relay request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach destination endpoint")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read destination response")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		outcome := &types.RelayOutcome{Event: event, Delivered: true}
		var ack relayResponse
		if err := json.Unmarshal(respBody, &ack); err == nil {
			outcome.DestinationReference = ack.Id.String()
		}
		r.logger.Sugar().Infow("Relayed event",
			"idempotencyKey", payload.IdempotencyKey,
			"destinationReference", outcome.DestinationReference,
		)
		return outcome, nil

	case resp.StatusCode == http.StatusConflict:
		// The destination already consumed this idempotency key; a
		// re-delivered event after a crash lands here.
		r.logger.Sugar().Infow("Destination reports event already delivered",
			"idempotencyKey", payload.IdempotencyKey,
		)
		return &types.RelayOutcome{Event: event, Delivered: true}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &types.RelayRejectedError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}

	default:
		return nil, errors.Errorf("destination returned status %d: %s", resp.StatusCode, string(respBody))
	}
}
