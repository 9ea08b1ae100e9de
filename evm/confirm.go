package evm

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/x402tap/agentpay"
)

// Confirm polls for the transaction receipt until it lands or timeout
// elapses. A reverted transaction (receipt status 0) is a definitive
// transfer failure; a timeout is ambiguous and callers must treat the funds
// as spent.
func (s *Settler) Confirm(ctx context.Context, hash string, timeout time.Duration) error {
	txHash := common.HexToHash(hash)
	deadline := time.Now().Add(timeout)

	for {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				s.logger.Debug("payment confirmed",
					"hash", hash,
					"block", receipt.BlockNumber)
				return nil
			}
			return agentpay.NewPaymentError(agentpay.ErrCodeTransferFailed,
				"transaction reverted",
				fmt.Errorf("%w: receipt status %d", agentpay.ErrTransferFailed, receipt.Status)).
				WithDetails("hash", hash)
		}

		// The timeout check follows the receipt check: a receipt that lands
		// exactly at the deadline still counts.
		if !time.Now().Before(deadline) {
			return agentpay.NewPaymentError(agentpay.ErrCodeConfirmationTimeout,
				fmt.Sprintf("no receipt within %s, payment may have succeeded", timeout),
				agentpay.ErrConfirmationTimeout).
				WithDetails("hash", hash).
				WithDetails("timeout", timeout.String())
		}

		select {
		case <-ctx.Done():
			// Context expiry mid-poll is the same ambiguous outcome as the
			// deadline: the transaction is out and may still land.
			return agentpay.NewPaymentError(agentpay.ErrCodeConfirmationTimeout,
				"confirmation interrupted, payment may have succeeded",
				fmt.Errorf("%w: %v", agentpay.ErrConfirmationTimeout, ctx.Err())).
				WithDetails("hash", hash)
		case <-time.After(s.pollInterval):
		}
	}
}
