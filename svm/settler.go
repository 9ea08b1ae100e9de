package svm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/x402tap/agentpay"
	"github.com/x402tap/agentpay/retry"
)

// RPC is the subset of the Solana JSON-RPC surface the settler needs.
// Narrow by intent: tests substitute a stub, production passes *rpc.Client.
type RPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

var _ RPC = (*rpc.Client)(nil)

// defaultPollInterval is the fixed delay between signature status polls.
const defaultPollInterval = 1 * time.Second

// Settler executes payments on a Solana network: balance check first, then
// build, sign, and broadcast a transfer. Nothing is broadcast when the
// balance check fails.
type Settler struct {
	client       RPC
	wallet       *Wallet
	network      agentpay.NetworkConfig
	commitment   rpc.CommitmentType
	pollInterval time.Duration
	retryConfig  retry.Config
	logger       *slog.Logger
}

// SettlerOption configures a Settler.
type SettlerOption func(*Settler)

// WithCommitment sets the commitment level for reads and preflight.
func WithCommitment(commitment rpc.CommitmentType) SettlerOption {
	return func(s *Settler) { s.commitment = commitment }
}

// WithPollInterval sets the signature status polling interval.
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
		commitment:   rpc.CommitmentFinalized,
		pollInterval: defaultPollInterval,
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

// transient reports whether an RPC error is worth retrying. Context
// cancellation is terminal.
func transient(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Pay settles a payment requirement and returns the transaction signature.
// The asset field selects the strategy: the network's native symbol (or an
// empty asset) moves SOL, anything else is treated as an SPL token mint.
func (s *Settler) Pay(ctx context.Context, req agentpay.PaymentRequirement) (string, error) {
	recipient, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return "", fmt.Errorf("%w: invalid recipient address %q", agentpay.ErrMalformedRequirement, req.PayTo)
	}

	var sig solana.Signature
	if agentpay.ResolveAssetKind(s.network, req.Asset) == agentpay.AssetKindNative {
		sig, err = s.payNative(ctx, recipient, req.Amount)
	} else {
		sig, err = s.payToken(ctx, recipient, req.Asset, req.Amount)
	}
	if err != nil {
		return "", err
	}

	s.logger.Info("payment broadcast",
		"network", s.network.ID,
		"asset", req.Asset,
		"amount", req.Amount,
		"recipient", req.PayTo,
		"signature", sig.String())

	return sig.String(), nil
}

// payNative moves SOL with a system program transfer.
func (s *Settler) payNative(ctx context.Context, recipient solana.PublicKey, amount string) (solana.Signature, error) {
	lamports, err := amountToUint64(amount, s.network.NativeDecimals)
	if err != nil {
		return solana.Signature{}, err
	}

	balance, err := retry.Do(ctx, s.retryConfig, transient, func() (*rpc.GetBalanceResult, error) {
		return s.client.GetBalance(ctx, s.wallet.PublicKey(), s.commitment)
	})
	if err != nil {
		return solana.Signature{}, networkError("balance lookup failed", err)
	}

	if balance.Value < lamports {
		return solana.Signature{}, insufficientBalance(balance.Value, lamports, s.network.NativeSymbol)
	}

	instruction := system.NewTransferInstruction(
		lamports,
		s.wallet.PublicKey(),
		recipient,
	).Build()

	return s.broadcast(ctx, []solana.Instruction{instruction})
}

// payToken moves an SPL token. The destination associated token account is
// created in the same transaction when it does not exist yet; the sender
// funds the rent.
func (s *Settler) payToken(ctx context.Context, recipient solana.PublicKey, asset, amount string) (solana.Signature, error) {
	mint, err := solana.PublicKeyFromBase58(asset)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: invalid token mint %q", agentpay.ErrMalformedRequirement, asset)
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(s.wallet.PublicKey(), mint)
	if err != nil {
		return solana.Signature{}, transferFailed("failed to derive source token account", err)
	}

	destATA, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return solana.Signature{}, transferFailed("failed to derive destination token account", err)
	}

	// One read covers both the token decimals and the spendable balance.
	tokenBalance, err := retry.Do(ctx, s.retryConfig, transient, func() (*rpc.GetTokenAccountBalanceResult, error) {
		return s.client.GetTokenAccountBalance(ctx, sourceATA, s.commitment)
	})
	if err != nil {
		// A missing source account holds nothing.
		return solana.Signature{}, insufficientBalance(0, 0, asset)
	}

	decimals := int(tokenBalance.Value.Decimals)
	units, err := amountToUint64(amount, decimals)
	if err != nil {
		return solana.Signature{}, err
	}

	held, ok := new(big.Int).SetString(tokenBalance.Value.Amount, 10)
	if !ok {
		return solana.Signature{}, networkError(fmt.Sprintf("unparseable token balance %q", tokenBalance.Value.Amount), nil)
	}
	if held.Cmp(new(big.Int).SetUint64(units)) < 0 {
		return solana.Signature{}, insufficientBalance(held.Uint64(), units, asset)
	}

	var instructions []solana.Instruction

	destInfo, err := s.client.GetAccountInfo(ctx, destATA)
	if err != nil || destInfo == nil || destInfo.Value == nil {
		instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(
			s.wallet.PublicKey(),
			recipient,
			mint,
		).Build())
	}

	instructions = append(instructions, token.NewTransferInstruction(
		units,
		sourceATA,
		destATA,
		s.wallet.PublicKey(),
		[]solana.PublicKey{},
	).Build())

	return s.broadcast(ctx, instructions)
}

// broadcast assembles, signs, and sends a transaction built from the given
// instructions. All failures past this point are transfer failures.
func (s *Settler) broadcast(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	blockhash, err := retry.Do(ctx, s.retryConfig, transient, func() (*rpc.GetLatestBlockhashResult, error) {
		return s.client.GetLatestBlockhash(ctx, s.commitment)
	})
	if err != nil {
		return solana.Signature{}, networkError("failed to get latest blockhash", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		blockhash.Value.Blockhash,
		solana.TransactionPayer(s.wallet.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, transferFailed("failed to build transaction", err)
	}

	if err := s.wallet.signTransaction(tx); err != nil {
		return solana.Signature{}, transferFailed("failed to sign transaction", err)
	}

	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: s.commitment,
	})
	if err != nil {
		return solana.Signature{}, transferFailed("failed to send transaction", err)
	}

	return sig, nil
}

// amountToUint64 converts a decimal amount string to base units.
func amountToUint64(amount string, decimals int) (uint64, error) {
	units, err := agentpay.AmountToBaseUnits(amount, decimals)
	if err != nil {
		return 0, err
	}
	if !units.IsUint64() {
		return 0, fmt.Errorf("%w: amount %q overflows at %d decimals", agentpay.ErrInvalidAmount, amount, decimals)
	}
	return units.Uint64(), nil
}

func insufficientBalance(held, needed uint64, asset string) error {
	return agentpay.NewPaymentError(agentpay.ErrCodeInsufficientBalance,
		fmt.Sprintf("insufficient %s balance: have %d, need %d base units", asset, held, needed),
		agentpay.ErrInsufficientBalance).
		WithDetails("asset", asset).
		WithDetails("held", held).
		WithDetails("needed", needed)
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
