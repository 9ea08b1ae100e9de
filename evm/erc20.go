package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/x402tap/agentpay/retry"
)

// ERC-20 function selectors: the first four bytes of the keccak-256 hash of
// the canonical signature.
var (
	transferSelector  = []byte{0xa9, 0x05, 0x9c, 0xbb} // transfer(address,uint256)
	balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31} // balanceOf(address)
	decimalsSelector  = []byte{0x31, 0x3c, 0xe5, 0x67} // decimals()
)

// packTransfer ABI-encodes a transfer(address,uint256) call.
func packTransfer(recipient common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(recipient.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// packBalanceOf ABI-encodes a balanceOf(address) call.
func packBalanceOf(owner common.Address) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
	return data
}

// tokenDecimals reads the token's decimals() value.
func (s *Settler) tokenDecimals(ctx context.Context, contract common.Address) (int, error) {
	out, err := retry.Do(ctx, s.retryConfig, transient, func() ([]byte, error) {
		return s.client.CallContract(ctx, ethereum.CallMsg{
			To:   &contract,
			Data: decimalsSelector,
		}, nil)
	})
	if err != nil {
		return 0, networkError("decimals lookup failed", err)
	}
	if len(out) < 32 {
		return 0, networkError(fmt.Sprintf("short decimals response (%d bytes)", len(out)), nil)
	}
	return int(out[31]), nil
}

// tokenBalance reads balanceOf(owner) on the token contract.
func (s *Settler) tokenBalance(ctx context.Context, contract, owner common.Address) (*big.Int, error) {
	out, err := retry.Do(ctx, s.retryConfig, transient, func() ([]byte, error) {
		return s.client.CallContract(ctx, ethereum.CallMsg{
			To:   &contract,
			Data: packBalanceOf(owner),
		}, nil)
	})
	if err != nil {
		return nil, networkError("balance lookup failed", err)
	}
	return new(big.Int).SetBytes(out), nil
}
