package agentpay

import (
	"math/big"
	"testing"
	"time"
)

func TestAmountToBaseUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     int64
		wantErr  bool
	}{
		{"token with 6 decimals", "1.5", 6, 1500000, false},
		{"sub-cent usdc", "0.01", 6, 10000, false},
		{"native sol", "0.01", 9, 10000000, false},
		{"whole amount", "2", 6, 2000000, false},
		{"zero", "0", 6, 0, false},
		{"full precision", "0.000001", 6, 1, false},
		{"excess precision", "0.0000001", 6, 0, true},
		{"negative", "-1", 6, 0, true},
		{"not a number", "abc", 6, 0, true},
		{"empty", "", 6, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AmountToBaseUnits(tt.amount, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("AmountToBaseUnits(%q, %d) expected error, got %v", tt.amount, tt.decimals, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("AmountToBaseUnits(%q, %d) unexpected error: %v", tt.amount, tt.decimals, err)
			}
			if got.Cmp(big.NewInt(tt.want)) != 0 {
				t.Errorf("AmountToBaseUnits(%q, %d) = %v, want %d", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestBaseUnitsToAmount(t *testing.T) {
	tests := []struct {
		name     string
		value    *big.Int
		decimals int
		want     string
	}{
		{"token units", big.NewInt(1500000), 6, "1.500000"},
		{"lamports", big.NewInt(10000000), 9, "0.010000000"},
		{"nil value", nil, 6, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BaseUnitsToAmount(tt.value, tt.decimals); got != tt.want {
				t.Errorf("BaseUnitsToAmount(%v, %d) = %q, want %q", tt.value, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestGenerateNonce(t *testing.T) {
	a := GenerateNonce()
	b := GenerateNonce()

	if len(a) != 32 {
		t.Errorf("nonce length = %d, want 32 hex chars", len(a))
	}
	if a == b {
		t.Error("consecutive nonces should differ")
	}
}

func TestTimeoutDuration(t *testing.T) {
	fallback := 30 * time.Second

	r := PaymentRequirement{Timeout: 120}
	if got := r.TimeoutDuration(fallback); got != 120*time.Second {
		t.Errorf("TimeoutDuration = %v, want 120s", got)
	}

	r = PaymentRequirement{}
	if got := r.TimeoutDuration(fallback); got != fallback {
		t.Errorf("TimeoutDuration = %v, want fallback %v", got, fallback)
	}
}
