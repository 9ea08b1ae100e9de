package svm

import (
	"context"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/x402tap/agentpay"
)

// FetchHistory backfills payment records from on-chain transactions touching
// the wallet. Direction and amount are derived from the wallet's pre/post
// lamport balances; transactions that did not move the native balance are
// skipped. Counterparty addresses are not recoverable from balance deltas
// alone, so To is left empty for sent records and From for received ones.
func (s *Settler) FetchHistory(ctx context.Context, limit int) ([]agentpay.PaymentRecord, error) {
	opts := &rpc.GetSignaturesForAddressOpts{}
	if limit > 0 {
		fetchLimit := limit
		opts.Limit = &fetchLimit
	}

	sigs, err := s.client.GetSignaturesForAddressWithOpts(ctx, s.wallet.PublicKey(), opts)
	if err != nil {
		return nil, networkError("failed to fetch signatures", err)
	}

	records := make([]agentpay.PaymentRecord, 0, len(sigs))
	maxVersion := uint64(0)

	for _, sigInfo := range sigs {
		if limit > 0 && len(records) >= limit {
			break
		}

		tx, err := s.client.GetTransaction(ctx, sigInfo.Signature, &rpc.GetTransactionOpts{
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if err != nil || tx == nil || tx.Meta == nil {
			continue
		}

		var preBalance, postBalance uint64
		if len(tx.Meta.PreBalances) > 0 {
			preBalance = tx.Meta.PreBalances[0]
		}
		if len(tx.Meta.PostBalances) > 0 {
			postBalance = tx.Meta.PostBalances[0]
		}

		diff := float64(int64(postBalance)-int64(preBalance)) / 1_000_000_000
		if diff == 0 {
			continue
		}

		record := agentpay.PaymentRecord{
			Signature: sigInfo.Signature.String(),
			Asset:     s.network.NativeSymbol,
		}
		if sigInfo.BlockTime != nil {
			record.Timestamp = sigInfo.BlockTime.Time().UnixMilli()
		}

		if diff < 0 {
			record.Direction = agentpay.DirectionSent
			record.Amount = -diff
			record.From = s.wallet.Address()
		} else {
			record.Direction = agentpay.DirectionReceived
			record.Amount = diff
			record.To = s.wallet.Address()
		}

		records = append(records, record)
	}

	return records, nil
}
