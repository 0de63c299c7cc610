package relayerConfig

import (
	"fmt"
	"strings"

	"github.com/bridgekit/relayer/pkg/config"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/yaml"
)

const (
	EnvPrefix = "RELAYER_"

	Debug = "debug"
)

// Defaults mirror the operational parameters the bridge has been run with in
// production: public RPC endpoints tolerate ~500-block log queries, and 12
// confirmations is the usual finality cushion on Ethereum-like chains.
const (
	DefaultConfirmationDepth    = 12
	DefaultMaxChunkSize         = 500
	DefaultScanIntervalSeconds  = 15
	DefaultErrorCooldownSeconds = 60
	DefaultHeadRetryAttempts    = 5
	DefaultRelayRetryAttempts   = 5
	DefaultRetryDelayMillis     = 400
	DefaultRequestTimeoutMillis = 10000
	DefaultAdminPort            = 9090
)

// FailurePolicy selects what happens when an event's relay is permanently
// exhausted. "block" halts cursor advancement and keeps retrying the range;
// "skip" records the event as a dead letter and moves on. Blocking is the
// default: skipping risks silent loss of a bridge deposit.
type FailurePolicy string

const (
	FailurePolicyBlock FailurePolicy = "block"
	FailurePolicySkip  FailurePolicy = "skip"
)

type Bridge struct {
	Name                string         `json:"name" yaml:"name"`
	ChainId             config.ChainId `json:"chainId" yaml:"chainId"`
	RpcURL              string         `json:"rpcUrl" yaml:"rpcUrl"`
	ContractAddress     string         `json:"contractAddress" yaml:"contractAddress"`
	DestinationEndpoint string         `json:"destinationEndpoint" yaml:"destinationEndpoint"`

	// StartBlock overrides the initial cursor on first run. When nil the
	// cursor is initialized to head - confirmationDepth.
	StartBlock *uint64 `json:"startBlock,omitempty" yaml:"startBlock,omitempty"`

	ConfirmationDepth    uint64        `json:"confirmationDepth" yaml:"confirmationDepth"`
	MaxChunkSize         uint64        `json:"maxChunkSize" yaml:"maxChunkSize"`
	ScanIntervalSeconds  int           `json:"scanIntervalSeconds" yaml:"scanIntervalSeconds"`
	ErrorCooldownSeconds int           `json:"errorCooldownSeconds" yaml:"errorCooldownSeconds"`
	HeadRetryAttempts    uint          `json:"headRetryAttempts" yaml:"headRetryAttempts"`
	RelayRetryAttempts   uint          `json:"relayRetryAttempts" yaml:"relayRetryAttempts"`
	RetryDelayMillis     int           `json:"retryDelayMillis" yaml:"retryDelayMillis"`
	RequestTimeoutMillis int           `json:"requestTimeoutMillis" yaml:"requestTimeoutMillis"`
	FailurePolicy        FailurePolicy `json:"failurePolicy" yaml:"failurePolicy"`
}

func (b *Bridge) Validate() field.ErrorList {
	var allErrors field.ErrorList
	if b.Name == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("name"), "name is required"))
	}
	if b.ChainId == 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("chainId"), "chainId is required"))
	}
	if b.RpcURL == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("rpcUrl"), "rpcUrl is required"))
	}
	if b.ContractAddress == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("contractAddress"), "contractAddress is required"))
	}
	if b.DestinationEndpoint == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("destinationEndpoint"), "destinationEndpoint is required"))
	}
	if b.MaxChunkSize == 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("maxChunkSize"), b.MaxChunkSize, "maxChunkSize must be positive"))
	}
	if b.FailurePolicy != FailurePolicyBlock && b.FailurePolicy != FailurePolicySkip {
		allErrors = append(allErrors, field.Invalid(field.NewPath("failurePolicy"), b.FailurePolicy, `failurePolicy must be "block" or "skip"`))
	}
	return allErrors
}

// applyDefaults fills in zero-valued tuning knobs.
func (b *Bridge) applyDefaults() {
	if b.ConfirmationDepth == 0 {
		b.ConfirmationDepth = DefaultConfirmationDepth
	}
	if b.MaxChunkSize == 0 {
		b.MaxChunkSize = DefaultMaxChunkSize
	}
	if b.ScanIntervalSeconds == 0 {
		b.ScanIntervalSeconds = DefaultScanIntervalSeconds
	}
	if b.ErrorCooldownSeconds == 0 {
		b.ErrorCooldownSeconds = DefaultErrorCooldownSeconds
	}
	if b.HeadRetryAttempts == 0 {
		b.HeadRetryAttempts = DefaultHeadRetryAttempts
	}
	if b.RelayRetryAttempts == 0 {
		b.RelayRetryAttempts = DefaultRelayRetryAttempts
	}
	if b.RetryDelayMillis == 0 {
		b.RetryDelayMillis = DefaultRetryDelayMillis
	}
	if b.RequestTimeoutMillis == 0 {
		b.RequestTimeoutMillis = DefaultRequestTimeoutMillis
	}
	if b.FailurePolicy == "" {
		b.FailurePolicy = FailurePolicyBlock
	}
}

type BadgerConfig struct {
	Dir              string `json:"dir" yaml:"dir"`
	InMemory         bool   `json:"inMemory" yaml:"inMemory"`
	ValueLogFileSize int64  `json:"valueLogFileSize" yaml:"valueLogFileSize"`
}

type StorageConfig struct {
	Type         string        `json:"type" yaml:"type"` // "memory" or "badger"
	BadgerConfig *BadgerConfig `json:"badger,omitempty" yaml:"badger,omitempty"`
}

func (s *StorageConfig) Validate() field.ErrorList {
	var allErrors field.ErrorList
	switch s.Type {
	case "memory":
	case "badger":
		if s.BadgerConfig == nil {
			allErrors = append(allErrors, field.Required(field.NewPath("badger"), "badger config is required for badger storage"))
		} else if s.BadgerConfig.Dir == "" && !s.BadgerConfig.InMemory {
			allErrors = append(allErrors, field.Required(field.NewPath("badger", "dir"), "dir is required unless inMemory is set"))
		}
	default:
		allErrors = append(allErrors, field.Invalid(field.NewPath("type"), s.Type, `storage type must be "memory" or "badger"`))
	}
	return allErrors
}

type RelayerConfig struct {
	Debug     bool          `json:"debug" yaml:"debug"`
	AdminPort int           `json:"adminPort" yaml:"adminPort"`
	Storage   StorageConfig `json:"storage" yaml:"storage"`
	Bridges   []Bridge      `json:"bridges" yaml:"bridges"`
}

func (rc *RelayerConfig) Validate() error {
	var allErrors field.ErrorList
	if len(rc.Bridges) == 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("bridges"), "at least one bridge is required"))
	}
	seen := map[string]bool{}
	for i, bridge := range rc.Bridges {
		if bridgeErrors := bridge.Validate(); len(bridgeErrors) > 0 {
			allErrors = append(allErrors, field.Invalid(field.NewPath("bridges").Index(i), bridge.Name, bridgeErrors.ToAggregate().Error()))
		}
		// Each worker must own a disjoint cursor key
		key := fmt.Sprintf("%d:%s", bridge.ChainId, strings.ToLower(bridge.ContractAddress))
		if seen[key] {
			allErrors = append(allErrors, field.Duplicate(field.NewPath("bridges").Index(i), key))
		}
		seen[key] = true
	}
	if storageErrors := rc.Storage.Validate(); len(storageErrors) > 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("storage"), rc.Storage.Type, storageErrors.ToAggregate().Error()))
	}
	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// NewRelayerConfig returns a config with defaults applied and no bridges.
func NewRelayerConfig() *RelayerConfig {
	return &RelayerConfig{
		AdminPort: DefaultAdminPort,
		Storage:   StorageConfig{Type: "memory"},
	}
}

// NewRelayerConfigFromYamlBytes parses and defaults a YAML config document.
func NewRelayerConfigFromYamlBytes(data []byte) (*RelayerConfig, error) {
	rc := NewRelayerConfig()
	if err := yaml.Unmarshal(data, rc); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal relayer config")
	}
	for i := range rc.Bridges {
		rc.Bridges[i].applyDefaults()
	}
	if rc.AdminPort == 0 {
		rc.AdminPort = DefaultAdminPort
	}
	if rc.Storage.Type == "" {
		rc.Storage.Type = "memory"
	}
	return rc, nil
}
