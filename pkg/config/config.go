package config

import "strings"

type ChainId uint

const (
	ChainId_EthereumMainnet ChainId = 1
	ChainId_EthereumSepolia ChainId = 11155111
	ChainId_EthereumHolesky ChainId = 17000
	ChainId_BaseMainnet     ChainId = 8453
)

var (
	SupportedChainIds = []ChainId{
		ChainId_EthereumMainnet,
		ChainId_EthereumSepolia,
		ChainId_EthereumHolesky,
		ChainId_BaseMainnet,
	}
)

// KebabToSnakeCase converts a flag name like "max-chunk-size" into the
// viper key "max_chunk_size" so env vars and flags resolve to the same key.
func KebabToSnakeCase(str string) string {
	return strings.ReplaceAll(str, "-", "_")
}
