package svm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"

	"github.com/x402tap/agentpay"
	"github.com/x402tap/agentpay/retry"
)

// stubRPC satisfies the RPC interface with canned responses so settlement
// paths can be exercised without a validator.
type stubRPC struct {
	balance         uint64
	balanceErr      error
	tokenBalance    *rpc.UiTokenAmount
	tokenBalanceErr error
	destAccount     *rpc.Account
	statuses        []*rpc.SignatureStatusesResult
	statusIndex     int
	sendErr         error
	sentTxs         []*solana.Transaction
	sigInfos        []*rpc.TransactionSignature
	txs             map[solana.Signature]*rpc.GetTransactionResult
}

func (s *stubRPC) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	if s.balanceErr != nil {
		return nil, s.balanceErr
	}
	return &rpc.GetBalanceResult{Value: s.balance}, nil
}

func (s *stubRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1, 2, 3}},
	}, nil
}

func (s *stubRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	if s.sendErr != nil {
		return solana.Signature{}, s.sendErr
	}
	s.sentTxs = append(s.sentTxs, tx)
	sig := solana.Signature{}
	sig[0] = byte(len(s.sentTxs))
	return sig, nil
}

func (s *stubRPC) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if s.statusIndex >= len(s.statuses) {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	status := s.statuses[s.statusIndex]
	s.statusIndex++
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{status}}, nil
}

func (s *stubRPC) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if s.destAccount == nil {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: s.destAccount}, nil
}

func (s *stubRPC) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	if s.tokenBalanceErr != nil {
		return nil, s.tokenBalanceErr
	}
	return &rpc.GetTokenAccountBalanceResult{Value: s.tokenBalance}, nil
}

func (s *stubRPC) GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	return s.sigInfos, nil
}

func (s *stubRPC) GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	tx, ok := s.txs[txSig]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return tx, nil
}

var fastRetry = retry.Config{
	MaxAttempts:  1,
	InitialDelay: time.Millisecond,
	MaxDelay:     time.Millisecond,
	Multiplier:   1,
}

func newTestSettler(t *testing.T, stub *stubRPC) *Settler {
	t.Helper()

	keypair := solana.NewWallet()
	wallet, err := NewWallet(WithPrivateKey(keypair.PrivateKey.String()))
	require.NoError(t, err)

	return NewSettler(stub, wallet, agentpay.SolanaDevnet,
		WithRetryConfig(fastRetry),
		WithPollInterval(time.Millisecond))
}

func recipientAddress() string {
	return solana.NewWallet().PublicKey().String()
}

func TestPay_NativeSuccess(t *testing.T) {
	stub := &stubRPC{balance: 10_000_000_000} // 10 SOL
	settler := newTestSettler(t, stub)

	sig, err := settler.Pay(context.Background(), agentpay.PaymentRequirement{
		Network: "solana-devnet",
		Asset:   "SOL",
		PayTo:   recipientAddress(),
		Amount:  "0.01",
	})
	require.NoError(t, err)
	require.NotEmpty(t, sig)
	require.Len(t, stub.sentTxs, 1)

	// System transfer carries discriminator 2 then the lamports as u64 LE.
	data := stub.sentTxs[0].Message.Instructions[0].Data
	require.Equal(t, uint64(10_000_000), binary.LittleEndian.Uint64(data[4:12]))
}

func TestPay_NativeInsufficientBalance(t *testing.T) {
	stub := &stubRPC{balance: 1_000_000} // 0.001 SOL
	settler := newTestSettler(t, stub)

	_, err := settler.Pay(context.Background(), agentpay.PaymentRequirement{
		Network: "solana-devnet",
		Asset:   "SOL",
		PayTo:   recipientAddress(),
		Amount:  "0.01",
	})
	require.ErrorIs(t, err, agentpay.ErrInsufficientBalance)
	require.Empty(t, stub.sentTxs, "nothing may be broadcast when the balance check fails")
}

func TestPay_NativeBalanceLookupFailure(t *testing.T) {
	stub := &stubRPC{balanceErr: errors.New("rpc unreachable")}
	settler := newTestSettler(t, stub)

	_, err := settler.Pay(context.Background(), agentpay.PaymentRequirement{
		Network: "solana-devnet",
		Asset:   "SOL",
		PayTo:   recipientAddress(),
		Amount:  "0.01",
	})
	require.ErrorIs(t, err, agentpay.ErrNetworkError)
	require.Empty(t, stub.sentTxs)
}

func TestPay_TokenAmountConversion(t *testing.T) {
	stub := &stubRPC{
		tokenBalance: &rpc.UiTokenAmount{Amount: "5000000", Decimals: 6},
		destAccount:  &rpc.Account{},
	}
	settler := newTestSettler(t, stub)

	_, err := settler.Pay(context.Background(), agentpay.PaymentRequirement{
		Network: "solana-devnet",
		Asset:   agentpay.SolanaDevnet.USDCAsset,
		PayTo:   recipientAddress(),
		Amount:  "1.5",
	})
	require.NoError(t, err)
	require.Len(t, stub.sentTxs, 1)

	// Existing destination account: single transfer instruction with
	// discriminator 3 then the amount as u64 LE.
	instructions := stub.sentTxs[0].Message.Instructions
	require.Len(t, instructions, 1)
	data := instructions[0].Data
	require.Equal(t, byte(3), data[0])
	require.Equal(t, uint64(1_500_000), binary.LittleEndian.Uint64(data[1:9]))
}

func TestPay_TokenCreatesMissingDestination(t *testing.T) {
	stub := &stubRPC{
		tokenBalance: &rpc.UiTokenAmount{Amount: "5000000", Decimals: 6},
		destAccount:  nil,
	}
	settler := newTestSettler(t, stub)

	_, err := settler.Pay(context.Background(), agentpay.PaymentRequirement{
		Network: "solana-devnet",
		Asset:   agentpay.SolanaDevnet.USDCAsset,
		PayTo:   recipientAddress(),
		Amount:  "1.5",
	})
	require.NoError(t, err)
	require.Len(t, stub.sentTxs, 1)
	require.Len(t, stub.sentTxs[0].Message.Instructions, 2,
		"missing destination account must be created in the same transaction")
}

func TestPay_TokenInsufficientBalance(t *testing.T) {
	stub := &stubRPC{
		tokenBalance: &rpc.UiTokenAmount{Amount: "1000000", Decimals: 6},
		destAccount:  &rpc.Account{},
	}
	settler := newTestSettler(t, stub)

	_, err := settler.Pay(context.Background(), agentpay.PaymentRequirement{
		Network: "solana-devnet",
		Asset:   agentpay.SolanaDevnet.USDCAsset,
		PayTo:   recipientAddress(),
		Amount:  "1.5",
	})
	require.ErrorIs(t, err, agentpay.ErrInsufficientBalance)
	require.Empty(t, stub.sentTxs)
}

func TestPay_TokenMissingSourceAccount(t *testing.T) {
	stub := &stubRPC{tokenBalanceErr: errors.New("could not find account")}
	settler := newTestSettler(t, stub)

	_, err := settler.Pay(context.Background(), agentpay.PaymentRequirement{
		Network: "solana-devnet",
		Asset:   agentpay.SolanaDevnet.USDCAsset,
		PayTo:   recipientAddress(),
		Amount:  "1.5",
	})
	require.ErrorIs(t, err, agentpay.ErrInsufficientBalance)
}

func TestPay_BroadcastFailure(t *testing.T) {
	stub := &stubRPC{
		balance: 10_000_000_000,
		sendErr: errors.New("blockhash not found"),
	}
	settler := newTestSettler(t, stub)

	_, err := settler.Pay(context.Background(), agentpay.PaymentRequirement{
		Network: "solana-devnet",
		Asset:   "SOL",
		PayTo:   recipientAddress(),
		Amount:  "0.01",
	})
	require.ErrorIs(t, err, agentpay.ErrTransferFailed)
}

func TestPay_InvalidRecipient(t *testing.T) {
	settler := newTestSettler(t, &stubRPC{balance: 10_000_000_000})

	_, err := settler.Pay(context.Background(), agentpay.PaymentRequirement{
		Network: "solana-devnet",
		Asset:   "SOL",
		PayTo:   "not-a-valid-address",
		Amount:  "0.01",
	})
	require.ErrorIs(t, err, agentpay.ErrMalformedRequirement)
}

func testSignature() string {
	sig := solana.Signature{1}
	return sig.String()
}

func TestConfirm_PendingThenConfirmed(t *testing.T) {
	stub := &stubRPC{
		statuses: []*rpc.SignatureStatusesResult{
			nil,
			{ConfirmationStatus: rpc.ConfirmationStatusProcessed},
			{ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
		},
	}
	settler := newTestSettler(t, stub)

	err := settler.Confirm(context.Background(), testSignature(), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, stub.statusIndex)
}

func TestConfirm_OnChainFailure(t *testing.T) {
	stub := &stubRPC{
		statuses: []*rpc.SignatureStatusesResult{
			{Err: map[string]any{"InstructionError": []any{0, "Custom"}}},
		},
	}
	settler := newTestSettler(t, stub)

	err := settler.Confirm(context.Background(), testSignature(), 5*time.Second)
	require.ErrorIs(t, err, agentpay.ErrTransferFailed)
}

func TestConfirm_Timeout(t *testing.T) {
	settler := newTestSettler(t, &stubRPC{})

	start := time.Now()
	err := settler.Confirm(context.Background(), testSignature(), 20*time.Millisecond)
	require.ErrorIs(t, err, agentpay.ErrConfirmationTimeout)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond,
		"timeout must never fire before the deadline")

	var paymentErr *agentpay.PaymentError
	require.ErrorAs(t, err, &paymentErr)
	require.Equal(t, testSignature(), paymentErr.Details["signature"])
}

func TestConfirm_ContextExpiry(t *testing.T) {
	settler := newTestSettler(t, &stubRPC{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := settler.Confirm(ctx, testSignature(), time.Second)
	require.ErrorIs(t, err, agentpay.ErrConfirmationTimeout,
		"a cancelled wait is as ambiguous as a timed-out one")

	var paymentErr *agentpay.PaymentError
	require.ErrorAs(t, err, &paymentErr)
	require.Equal(t, agentpay.ErrCodeConfirmationTimeout, paymentErr.Code)
	require.Equal(t, testSignature(), paymentErr.Details["signature"])
}

func TestFetchHistory(t *testing.T) {
	sentSig := solana.Signature{1}
	receivedSig := solana.Signature{2}
	noopSig := solana.Signature{3}
	blockTime := solana.UnixTimeSeconds(1724800000)

	stub := &stubRPC{
		sigInfos: []*rpc.TransactionSignature{
			{Signature: sentSig, BlockTime: &blockTime},
			{Signature: receivedSig, BlockTime: &blockTime},
			{Signature: noopSig, BlockTime: &blockTime},
		},
		txs: map[solana.Signature]*rpc.GetTransactionResult{
			sentSig: {Meta: &rpc.TransactionMeta{
				PreBalances:  []uint64{2_000_000_000},
				PostBalances: []uint64{1_000_000_000},
			}},
			receivedSig: {Meta: &rpc.TransactionMeta{
				PreBalances:  []uint64{1_000_000_000},
				PostBalances: []uint64{1_500_000_000},
			}},
			noopSig: {Meta: &rpc.TransactionMeta{
				PreBalances:  []uint64{1_500_000_000},
				PostBalances: []uint64{1_500_000_000},
			}},
		},
	}
	settler := newTestSettler(t, stub)

	records, err := settler.FetchHistory(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2, "zero-delta transactions are skipped")

	require.Equal(t, agentpay.DirectionSent, records[0].Direction)
	require.InDelta(t, 1.0, records[0].Amount, 1e-12)
	require.Equal(t, settler.Address(), records[0].From)
	require.Equal(t, int64(1724800000000), records[0].Timestamp)

	require.Equal(t, agentpay.DirectionReceived, records[1].Direction)
	require.InDelta(t, 0.5, records[1].Amount, 1e-12)
	require.Equal(t, settler.Address(), records[1].To)
}

func TestNewWallet_KeySources(t *testing.T) {
	keypair := solana.NewWallet()

	t.Run("base58", func(t *testing.T) {
		w, err := NewWallet(WithPrivateKey(keypair.PrivateKey.String()))
		require.NoError(t, err)
		require.Equal(t, keypair.PublicKey().String(), w.Address())
	})

	t.Run("invalid base58", func(t *testing.T) {
		_, err := NewWallet(WithPrivateKey("not base58 %%%"))
		require.ErrorIs(t, err, agentpay.ErrInvalidKey)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := NewWallet()
		require.ErrorIs(t, err, agentpay.ErrInvalidKey)
	})

	t.Run("keygen file", func(t *testing.T) {
		// solana-keygen writes the key as a JSON array of byte values.
		raw := make([]int, len(keypair.PrivateKey))
		for i, b := range keypair.PrivateKey {
			raw[i] = int(b)
		}
		data, err := json.Marshal(raw)
		require.NoError(t, err)

		path := filepath.Join(t.TempDir(), "id.json")
		require.NoError(t, os.WriteFile(path, data, 0o600))

		w, err := NewWallet(WithKeygenFile(path))
		require.NoError(t, err)
		require.Equal(t, keypair.PublicKey().String(), w.Address())
	})

	t.Run("keygen file wrong length", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "short.json")
		require.NoError(t, os.WriteFile(path, []byte("[1,2,3]"), 0o600))

		_, err := NewWallet(WithKeygenFile(path))
		require.ErrorIs(t, err, agentpay.ErrInvalidKeystore)
	})
}
