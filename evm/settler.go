package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/x402tap/agentpay"
	"github.com/x402tap/agentpay/retry"
)

// RPC is the subset of the Ethereum JSON-RPC surface the settler needs.
// Tests substitute a stub, production passes *ethclient.Client.
type RPC interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ RPC = (*ethclient.Client)(nil)

const (
	// nativeTransferGas is the fixed gas cost of a plain value transfer.
	nativeTransferGas = 21_000

	// erc20TransferGas covers a standard ERC-20 transfer call.
	erc20TransferGas = 100_000

	// defaultReceiptInterval is the delay between receipt polls.
	defaultReceiptInterval = 1 * time.Second
)

// Settler executes payments on an EVM network with the same contract as the
// Solana settler: the balance check precedes any broadcast.
type Settler struct {
	client       RPC
	wallet       *Wallet
	network      agentpay.NetworkConfig
	pollInterval time.Duration
	retryConfig  retry.Config
	logger       *slog.Logger
}

// SettlerOption configures a Settler.
type SettlerOption func(*Settler)

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(interval time.Duration) SettlerOption {
	return func(s *Settler) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithRetryConfig sets the retry policy for transient RPC reads.
func WithRetryConfig(cfg retry.Config) SettlerOption {
	return func(s *Settler) { s.retryConfig = cfg }
}

// WithLogger sets the settler's logger.
func WithLogger(logger *slog.Logger) SettlerOption {
	return func(s *Settler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSettler creates a settler for the given network backed by client and
// funded by wallet.
func NewSettler(client RPC, wallet *Wallet, network agentpay.NetworkConfig, opts ...SettlerOption) *Settler {
	s := &Settler{
		client:       client,
		wallet:       wallet,
		network:      network,
		pollInterval: defaultReceiptInterval,
		retryConfig:  retry.DefaultConfig,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Network returns the settler's network identifier.
func (s *Settler) Network() string {
	return s.network.ID
}

// Address returns the paying wallet address.
func (s *Settler) Address() string {
	return s.wallet.Address()
}

func transient(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Pay settles a payment requirement and returns the transaction hash. The
// asset field selects the strategy: the network's native symbol (or an empty
// asset) moves the base coin, anything else is an ERC-20 contract address.
func (s *Settler) Pay(ctx context.Context, req agentpay.PaymentRequirement) (string, error) {
	if !common.IsHexAddress(req.PayTo) {
		return "", fmt.Errorf("%w: invalid recipient address %q", agentpay.ErrMalformedRequirement, req.PayTo)
	}
	recipient := common.HexToAddress(req.PayTo)

	var hash common.Hash
	var err error
	if agentpay.ResolveAssetKind(s.network, req.Asset) == agentpay.AssetKindNative {
		hash, err = s.payNative(ctx, recipient, req.Amount)
	} else {
		hash, err = s.payToken(ctx, recipient, req.Asset, req.Amount)
	}
	if err != nil {
		return "", err
	}

	s.logger.Info("payment broadcast",
		"network", s.network.ID,
		"asset", req.Asset,
		"amount", req.Amount,
		"recipient", req.PayTo,
		"hash", hash.Hex())

	return hash.Hex(), nil
}

// payNative moves the base coin with a plain value transfer.
func (s *Settler) payNative(ctx context.Context, recipient common.Address, amount string) (common.Hash, error) {
	wei, err := agentpay.AmountToBaseUnits(amount, s.network.NativeDecimals)
	if err != nil {
		return common.Hash{}, err
	}

	balance, err := retry.Do(ctx, s.retryConfig, transient, func() (*big.Int, error) {
		return s.client.BalanceAt(ctx, s.wallet.CommonAddress(), nil)
	})
	if err != nil {
		return common.Hash{}, networkError("balance lookup failed", err)
	}

	if balance.Cmp(wei) < 0 {
		return common.Hash{}, insufficientBalance(balance, wei, s.network.NativeSymbol)
	}

	return s.broadcast(ctx, recipient, wei, nativeTransferGas, nil)
}

// payToken moves an ERC-20 token via a transfer(address,uint256) call.
func (s *Settler) payToken(ctx context.Context, recipient common.Address, asset, amount string) (common.Hash, error) {
	if !common.IsHexAddress(asset) {
		return common.Hash{}, fmt.Errorf("%w: invalid token contract %q", agentpay.ErrMalformedRequirement, asset)
	}
	contract := common.HexToAddress(asset)

	decimals, err := s.tokenDecimals(ctx, contract)
	if err != nil {
		return common.Hash{}, err
	}

	units, err := agentpay.AmountToBaseUnits(amount, decimals)
	if err != nil {
		return common.Hash{}, err
	}

	held, err := s.tokenBalance(ctx, contract, s.wallet.CommonAddress())
	if err != nil {
		return common.Hash{}, err
	}

	if held.Cmp(units) < 0 {
		return common.Hash{}, insufficientBalance(held, units, asset)
	}

	calldata := packTransfer(recipient, units)
	return s.broadcast(ctx, contract, big.NewInt(0), erc20TransferGas, calldata)
}

// broadcast assembles, signs, and sends a legacy transaction. All failures
// past this point are transfer failures.
func (s *Settler) broadcast(ctx context.Context, to common.Address, value *big.Int, gasLimit uint64, data []byte) (common.Hash, error) {
	nonce, err := retry.Do(ctx, s.retryConfig, transient, func() (uint64, error) {
		return s.client.PendingNonceAt(ctx, s.wallet.CommonAddress())
	})
	if err != nil {
		return common.Hash{}, networkError("nonce lookup failed", err)
	}

	gasPrice, err := retry.Do(ctx, s.retryConfig, transient, func() (*big.Int, error) {
		return s.client.SuggestGasPrice(ctx)
	})
	if err != nil {
		return common.Hash{}, networkError("gas price lookup failed", err)
	}

	chainID, err := s.chainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.wallet.privateKey)
	if err != nil {
		return common.Hash{}, transferFailed("failed to sign transaction", err)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, transferFailed("failed to send transaction", err)
	}

	return signed.Hash(), nil
}

// chainID prefers the static network configuration and falls back to the
// node for networks without one.
func (s *Settler) chainID(ctx context.Context) (*big.Int, error) {
	if s.network.ChainID != 0 {
		return big.NewInt(s.network.ChainID), nil
	}
	id, err := retry.Do(ctx, s.retryConfig, transient, func() (*big.Int, error) {
		return s.client.ChainID(ctx)
	})
	if err != nil {
		return nil, networkError("chain id lookup failed", err)
	}
	return id, nil
}

func insufficientBalance(held, needed *big.Int, asset string) error {
	return agentpay.NewPaymentError(agentpay.ErrCodeInsufficientBalance,
		fmt.Sprintf("insufficient %s balance: have %s, need %s base units", asset, held, needed),
		agentpay.ErrInsufficientBalance).
		WithDetails("asset", asset).
		WithDetails("held", held.String()).
		WithDetails("needed", needed.String())
}

func transferFailed(message string, cause error) error {
	return agentpay.NewPaymentError(agentpay.ErrCodeTransferFailed, message,
		fmt.Errorf("%w: %v", agentpay.ErrTransferFailed, cause))
}

func networkError(message string, cause error) error {
	if cause == nil {
		return agentpay.NewPaymentError(agentpay.ErrCodeNetworkError, message, agentpay.ErrNetworkError)
	}
	return agentpay.NewPaymentError(agentpay.ErrCodeNetworkError, message,
		fmt.Errorf("%w: %v", agentpay.ErrNetworkError, cause))
}
