package fees

import (
	"errors"
	"testing"
)

func TestComputeSplit_ProBankRail(t *testing.T) {
	// £100 sale, pro tier, bank rail: commission £3.00, processing fee
	// 2.9% of £99.80 (289p) + 20p = £3.09, net £93.91
	split, err := ComputeSplit(10000, TierPro, RailBank)
	if err != nil {
		t.Fatalf("ComputeSplit failed: %v", err)
	}
	if split.Commission != 300 {
		t.Errorf("Expected commission 300, got %d", split.Commission)
	}
	if split.ProcessingFee != 309 {
		t.Errorf("Expected processing fee 309, got %d", split.ProcessingFee)
	}
	if split.Net != 9391 {
		t.Errorf("Expected net 9391, got %d", split.Net)
	}
}

func TestComputeSplit_PGAProWalletRail(t *testing.T) {
	// £100 sale, pga-pro tier, wallet rail:
	// commission £1.00, flat 20p processing, net £98.80
	split, err := ComputeSplit(10000, TierPGAPro, RailWallet)
	if err != nil {
		t.Fatalf("ComputeSplit failed: %v", err)
	}
	if split.Commission != 100 {
		t.Errorf("Expected commission 100, got %d", split.Commission)
	}
	if split.ProcessingFee != 20 {
		t.Errorf("Expected processing fee 20, got %d", split.ProcessingFee)
	}
	if split.Net != 9880 {
		t.Errorf("Expected net 9880, got %d", split.Net)
	}
}

func TestComputeSplit_SumInvariant(t *testing.T) {
	tiers := []Tier{TierFree, TierPro, TierBusiness, TierPGAPro, Tier("unknown")}
	rails := []Rail{RailBank, RailWallet}
	amounts := []Pence{1, 99, 100, 101, 2050, 10000, 999999, 123456789}

	for _, tier := range tiers {
		for _, rail := range rails {
			for _, gross := range amounts {
				split, err := ComputeSplit(gross, tier, rail)
				if err != nil {
					if errors.Is(err, ErrFeeExceedsAmount) {
						continue // pathological small amounts, checked below
					}
					t.Fatalf("ComputeSplit(%d, %s, %s) failed: %v", gross, tier, rail, err)
				}
				sum := split.Commission + split.ProcessingFee + split.Net
				if sum != gross {
					t.Errorf("%s/%s/%d: split sums to %d, want %d", tier, rail, gross, sum, gross)
				}
				if split.Net < 0 {
					t.Errorf("%s/%s/%d: negative net %d", tier, rail, gross, split.Net)
				}
			}
		}
	}
}

func TestComputeSplit_UnknownTierDefaultsToFree(t *testing.T) {
	known, err := ComputeSplit(10000, TierFree, RailWallet)
	if err != nil {
		t.Fatalf("ComputeSplit failed: %v", err)
	}
	unknown, err := ComputeSplit(10000, Tier("platinum"), RailWallet)
	if err != nil {
		t.Fatalf("ComputeSplit failed: %v", err)
	}
	if unknown.Commission != known.Commission {
		t.Errorf("Unknown tier commission %d, want free-tier %d", unknown.Commission, known.Commission)
	}
}

func TestComputeSplit_FeeExceedsAmount(t *testing.T) {
	// 10p sale on the wallet rail: 20p flat fee exceeds the gross.
	_, err := ComputeSplit(10, TierFree, RailWallet)
	if !errors.Is(err, ErrFeeExceedsAmount) {
		t.Errorf("Expected ErrFeeExceedsAmount, got %v", err)
	}
	// Same on the bank rail: the percentage base bottoms out at zero
	// rather than going negative.
	_, err = ComputeSplit(10, TierFree, RailBank)
	if !errors.Is(err, ErrFeeExceedsAmount) {
		t.Errorf("Expected ErrFeeExceedsAmount, got %v", err)
	}
}

func TestComputeSplit_RejectsNonPositive(t *testing.T) {
	for _, gross := range []Pence{0, -100} {
		if _, err := ComputeSplit(gross, TierPro, RailBank); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ComputeSplit(%d): expected ErrInvalidAmount, got %v", gross, err)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Pence
		wantErr bool
	}{
		{"100.00", 10000, false},
		{"0.01", 1, false},
		{"20.50", 2050, false},
		{"100", 10000, false},
		{"100.005", 0, true},
		{"0", 0, true},
		{"-5.00", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %d", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := Format(9391); got != "93.91" {
		t.Errorf("Format(9391) = %q, want 93.91", got)
	}
	if got := Format(5); got != "0.05" {
		t.Errorf("Format(5) = %q, want 0.05", got)
	}
	if got := Format(0); got != "0.00" {
		t.Errorf("Format(0) = %q, want 0.00", got)
	}
}
