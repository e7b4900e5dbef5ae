package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

func init() {
	// Clients read money fields as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

type PaymentMethod string

const (
	PaymentFull    PaymentMethod = "full"
	PaymentLayaway PaymentMethod = "layaway"
)

// ParsePaymentMethod accepts the string enum or the legacy numeric codes
// (0 = full, 1 = layaway). An empty value means full payment.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "full", "0":
		return PaymentFull, nil
	case "layaway", "1":
		return PaymentLayaway, nil
	default:
		return "", fmt.Errorf("unsupported payment_method %q", raw)
	}
}

func (p *PaymentMethod) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = PaymentFull
		return nil
	}

	var raw string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	} else {
		var code json.Number
		if err := json.Unmarshal(data, &code); err != nil {
			return fmt.Errorf("payment_method must be a string or a numeric code")
		}
		raw = code.String()
	}

	parsed, err := ParsePaymentMethod(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p PaymentMethod) Valid() bool {
	return p == PaymentFull || p == PaymentLayaway
}
