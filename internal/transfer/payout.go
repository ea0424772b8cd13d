package transfer

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	PayoutMethodBank = "bank"
	PayoutMethodUPI  = "upi"
	PayoutMethodQR   = "qr"
)

// PayoutMethod is the destination for an external withdrawal. Exactly the
// fields of the selected method must be set; the rest stay empty.
type PayoutMethod struct {
	Method string `json:"method"`

	// bank
	AccountName   string `json:"account_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`

	// upi
	VPA string `json:"vpa,omitempty"`

	// qr
	QRData string `json:"qr_data,omitempty"`
}

func (p PayoutMethod) Validate() error {
	switch p.Method {
	case PayoutMethodBank:
		if strings.TrimSpace(p.AccountName) == "" {
			return fmt.Errorf("account_name is required for bank payout")
		}
		if strings.TrimSpace(p.AccountNumber) == "" {
			return fmt.Errorf("account_number is required for bank payout")
		}
		if strings.TrimSpace(p.BankName) == "" {
			return fmt.Errorf("bank_name is required for bank payout")
		}
		if strings.TrimSpace(p.IFSC) == "" {
			return fmt.Errorf("ifsc is required for bank payout")
		}
		if p.VPA != "" || p.QRData != "" {
			return fmt.Errorf("bank payout must not carry upi or qr fields")
		}
	case PayoutMethodUPI:
		vpa := strings.TrimSpace(p.VPA)
		if vpa == "" {
			return fmt.Errorf("vpa is required for upi payout")
		}
		if !strings.Contains(vpa, "@") {
			return fmt.Errorf("vpa must be of the form name@provider")
		}
		if p.AccountNumber != "" || p.QRData != "" {
			return fmt.Errorf("upi payout must not carry bank or qr fields")
		}
	case PayoutMethodQR:
		if strings.TrimSpace(p.QRData) == "" {
			return fmt.Errorf("qr_data is required for qr payout")
		}
		if p.AccountNumber != "" || p.VPA != "" {
			return fmt.Errorf("qr payout must not carry bank or upi fields")
		}
	case "":
		return fmt.Errorf("payout method is required")
	default:
		return fmt.Errorf("unknown payout method %q", p.Method)
	}
	return nil
}

func (p PayoutMethod) Marshal() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func UnmarshalPayout(raw []byte) (PayoutMethod, error) {
	var p PayoutMethod
	if len(raw) == 0 {
		return p, fmt.Errorf("empty payout payload")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payout: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
