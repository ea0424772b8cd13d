package transfer

import "testing"

func TestPayoutMethodValidate(t *testing.T) {
	cases := []struct {
		name    string
		payout  PayoutMethod
		wantErr bool
	}{
		{
			name: "valid bank",
			payout: PayoutMethod{
				Method:        PayoutMethodBank,
				AccountName:   "Demo Trader",
				AccountNumber: "0012345678",
				BankName:      "First National",
				IFSC:          "FNB0001234",
			},
		},
		{
			name:   "valid upi",
			payout: PayoutMethod{Method: PayoutMethodUPI, VPA: "trader@bank"},
		},
		{
			name:   "valid qr",
			payout: PayoutMethod{Method: PayoutMethodQR, QRData: "base64-blob"},
		},
		{
			name:    "missing method",
			payout:  PayoutMethod{},
			wantErr: true,
		},
		{
			name:    "unknown method",
			payout:  PayoutMethod{Method: "cheque"},
			wantErr: true,
		},
		{
			name: "bank missing ifsc",
			payout: PayoutMethod{
				Method:        PayoutMethodBank,
				AccountName:   "Demo Trader",
				AccountNumber: "0012345678",
				BankName:      "First National",
			},
			wantErr: true,
		},
		{
			name:    "upi without at sign",
			payout:  PayoutMethod{Method: PayoutMethodUPI, VPA: "traderbank"},
			wantErr: true,
		},
		{
			name:    "upi carrying bank fields",
			payout:  PayoutMethod{Method: PayoutMethodUPI, VPA: "trader@bank", AccountNumber: "001"},
			wantErr: true,
		},
		{
			name:    "qr carrying upi fields",
			payout:  PayoutMethod{Method: PayoutMethodQR, QRData: "blob", VPA: "trader@bank"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payout.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPayoutRoundTrip(t *testing.T) {
	in := PayoutMethod{Method: PayoutMethodUPI, VPA: "trader@bank"}
	raw, err := in.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := UnmarshalPayout(raw)
	if err != nil {
		t.Fatalf("UnmarshalPayout: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestUnmarshalPayoutRejectsInvalid(t *testing.T) {
	if _, err := UnmarshalPayout(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if _, err := UnmarshalPayout([]byte(`{"method":"bank"}`)); err == nil {
		t.Fatal("expected error for incomplete bank payout")
	}
}
