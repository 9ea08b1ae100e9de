package svm

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/x402tap/agentpay"
)

// Confirm polls the signature status at a fixed interval until the
// transaction is confirmed or finalized, or until timeout elapses. A timeout
// is ambiguous: the transaction was already broadcast and may still land, so
// callers must treat the funds as spent. A definitive on-chain failure is
// reported as a transfer failure.
func (s *Settler) Confirm(ctx context.Context, signature string, timeout time.Duration) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return transferFailed(fmt.Sprintf("invalid transaction signature %q", signature), err)
	}

	deadline := time.Now().Add(timeout)

	for {
		out, err := s.client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]

			if status.Err != nil {
				return agentpay.NewPaymentError(agentpay.ErrCodeTransferFailed,
					"transaction failed on chain",
					fmt.Errorf("%w: %v", agentpay.ErrTransferFailed, status.Err)).
					WithDetails("signature", signature)
			}

			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				s.logger.Debug("payment confirmed",
					"signature", signature,
					"status", string(status.ConfirmationStatus))
				return nil
			}
		}

		// The timeout check follows the status check: a signature that
		// confirms exactly at the deadline still counts.
		if !time.Now().Before(deadline) {
			return agentpay.NewPaymentError(agentpay.ErrCodeConfirmationTimeout,
				fmt.Sprintf("no confirmation within %s, payment may have succeeded", timeout),
				agentpay.ErrConfirmationTimeout).
				WithDetails("signature", signature).
				WithDetails("timeout", timeout.String())
		}

		select {
		case <-ctx.Done():
			// Context expiry mid-poll is the same ambiguous outcome as the
			// deadline: the transaction is out and may still land.
			return agentpay.NewPaymentError(agentpay.ErrCodeConfirmationTimeout,
				"confirmation interrupted, payment may have succeeded",
				fmt.Errorf("%w: %v", agentpay.ErrConfirmationTimeout, ctx.Err())).
				WithDetails("signature", signature)
		case <-time.After(s.pollInterval):
		}
	}
}
