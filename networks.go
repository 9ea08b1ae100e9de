package agentpay

import (
	"fmt"
	"strings"
)

// NetworkKind represents the blockchain virtual machine type.
type NetworkKind int

const (
	// NetworkKindUnknown represents an unrecognized network.
	NetworkKindUnknown NetworkKind = iota
	// NetworkKindSVM represents Solana Virtual Machine chains.
	NetworkKindSVM
	// NetworkKindEVM represents Ethereum Virtual Machine chains.
	NetworkKindEVM
)

// NetworkConfig holds chain-specific settlement configuration.
type NetworkConfig struct {
	// ID is the protocol network identifier (e.g., "solana", "base").
	ID string

	// Kind is the virtual machine family, which selects the settlement
	// backend.
	Kind NetworkKind

	// RPCURL is the default public RPC endpoint.
	RPCURL string

	// NativeSymbol is the base coin's ticker ("SOL", "ETH", "POL").
	NativeSymbol string

	// NativeDecimals is the base coin's precision (9 lamports, 18 wei).
	NativeDecimals int

	// USDCAsset is the canonical USDC mint or contract address.
	USDCAsset string

	// ChainID is the EIP-155 chain identifier. Zero for non-EVM chains.
	ChainID int64
}

// Supported network configurations. USDC addresses are the canonical
// Circle deployments per network.
var (
	// SolanaMainnet is the configuration for Solana mainnet.
	SolanaMainnet = NetworkConfig{
		ID:             "solana",
		Kind:           NetworkKindSVM,
		RPCURL:         "https://api.mainnet-beta.solana.com",
		NativeSymbol:   "SOL",
		NativeDecimals: 9,
		USDCAsset:      "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	}

	// SolanaDevnet is the configuration for Solana devnet.
	SolanaDevnet = NetworkConfig{
		ID:             "solana-devnet",
		Kind:           NetworkKindSVM,
		RPCURL:         "https://api.devnet.solana.com",
		NativeSymbol:   "SOL",
		NativeDecimals: 9,
		USDCAsset:      "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
	}

	// BaseMainnet is the configuration for Base mainnet.
	BaseMainnet = NetworkConfig{
		ID:             "base",
		Kind:           NetworkKindEVM,
		RPCURL:         "https://mainnet.base.org",
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		USDCAsset:      "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		ChainID:        8453,
	}

	// BaseSepolia is the configuration for Base Sepolia testnet.
	BaseSepolia = NetworkConfig{
		ID:             "base-sepolia",
		Kind:           NetworkKindEVM,
		RPCURL:         "https://sepolia.base.org",
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		USDCAsset:      "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		ChainID:        84532,
	}

	// PolygonMainnet is the configuration for Polygon PoS mainnet.
	PolygonMainnet = NetworkConfig{
		ID:             "polygon",
		Kind:           NetworkKindEVM,
		RPCURL:         "https://polygon-rpc.com",
		NativeSymbol:   "POL",
		NativeDecimals: 18,
		USDCAsset:      "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		ChainID:        137,
	}

	// PolygonAmoy is the configuration for Polygon Amoy testnet.
	PolygonAmoy = NetworkConfig{
		ID:             "polygon-amoy",
		Kind:           NetworkKindEVM,
		RPCURL:         "https://rpc-amoy.polygon.technology",
		NativeSymbol:   "POL",
		NativeDecimals: 18,
		USDCAsset:      "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		ChainID:        80002,
	}
)

var networks = map[string]NetworkConfig{
	SolanaMainnet.ID:  SolanaMainnet,
	SolanaDevnet.ID:   SolanaDevnet,
	BaseMainnet.ID:    BaseMainnet,
	BaseSepolia.ID:    BaseSepolia,
	PolygonMainnet.ID: PolygonMainnet,
	PolygonAmoy.ID:    PolygonAmoy,
}

// LookupNetwork resolves a network identifier to its configuration.
func LookupNetwork(networkID string) (NetworkConfig, error) {
	cfg, ok := networks[networkID]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("%w: %q", ErrInvalidNetwork, networkID)
	}
	return cfg, nil
}

// ResolveAssetKind classifies a requirement's asset field for the given
// network: the network's native symbol (or an empty asset) selects a native
// transfer, anything else is a token mint or contract address.
func ResolveAssetKind(network NetworkConfig, asset string) AssetKind {
	if asset == "" || strings.EqualFold(asset, network.NativeSymbol) {
		return AssetKindNative
	}
	return AssetKindToken
}

// ValidateAddress validates that an address matches the network's format:
// base58 (32-44 chars) for SVM, 0x-prefixed hex (42 chars) for EVM.
func ValidateAddress(networkID, address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	cfg, err := LookupNetwork(networkID)
	if err != nil {
		return err
	}

	switch cfg.Kind {
	case NetworkKindEVM:
		if len(address) != 42 || (address[0:2] != "0x" && address[0:2] != "0X") {
			return fmt.Errorf("address %q is invalid for EVM network %q, expected 0x-prefixed hex address (42 chars)", address, networkID)
		}
		for i := 2; i < len(address); i++ {
			c := address[i]
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
				return fmt.Errorf("address %q is invalid for EVM network %q, expected 0x-prefixed hex address (42 chars)", address, networkID)
			}
		}

	case NetworkKindSVM:
		if len(address) < 32 || len(address) > 44 {
			return fmt.Errorf("address %q is invalid for Solana network %q, expected base58 address (32-44 chars)", address, networkID)
		}
		// Base58 excludes 0, O, I, l.
		for i := 0; i < len(address); i++ {
			c := address[i]
			if !((c >= '1' && c <= '9') || (c >= 'A' && c <= 'Z' && c != 'I' && c != 'O') || (c >= 'a' && c <= 'z' && c != 'l')) {
				return fmt.Errorf("address %q is invalid for Solana network %q, expected base58 address (32-44 chars)", address, networkID)
			}
		}
	}

	return nil
}
