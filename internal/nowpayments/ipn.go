package nowpayments

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SignatureHeader carries the HMAC of an IPN body.
const SignatureHeader = "x-nowpayments-sig"

// ErrInvalidSignature is returned when an IPN signature does not verify.
var ErrInvalidSignature = errors.New("invalid ipn signature")

// Payment statuses reported in IPNs.
const (
	StatusWaiting       = "waiting"
	StatusConfirming    = "confirming"
	StatusConfirmed     = "confirmed"
	StatusPartiallyPaid = "partially_paid"
	StatusFinished      = "finished"
	StatusFailed        = "failed"
	StatusExpired       = "expired"
)

// IPN is an instant payment notification. Numeric fields arrive as either
// JSON numbers or strings.
type IPN struct {
	PaymentID     string
	PaymentStatus string
	OrderID       string
	PayAmount     decimal.Decimal
	PaymentAmount decimal.Decimal
	ActuallyPaid  decimal.Decimal
	PayCurrency   string
	PriceAmount   decimal.Decimal
	PriceCurrency string
}

// UnmarshalJSON supports flexible NOWPayments payloads.
func (p *IPN) UnmarshalJSON(data []byte) error {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.PaymentID = readStringRaw(raw, "payment_id")
	p.PaymentStatus = strings.ToLower(readStringRaw(raw, "payment_status"))
	p.OrderID = readStringRaw(raw, "order_id")
	p.PayCurrency = strings.ToLower(readStringRaw(raw, "pay_currency"))
	p.PriceCurrency = strings.ToLower(readStringRaw(raw, "price_currency"))
	p.PayAmount, _ = readDecimalRaw(raw, "pay_amount")
	p.PaymentAmount, _ = readDecimalRaw(raw, "payment_amount")
	p.ActuallyPaid, _ = readDecimalRaw(raw, "actually_paid")
	p.PriceAmount, _ = readDecimalRaw(raw, "price_amount")
	return nil
}

// LooksLikeIPN reports whether a decoded JSON object carries IPN fields.
func LooksLikeIPN(raw map[string]json.RawMessage) bool {
	_, status := raw["payment_status"]
	_, order := raw["order_id"]
	return status || order
}

// Credits reports whether the status should credit the payer.
func (p IPN) Credits() bool {
	return p.PaymentStatus == StatusConfirmed || p.PaymentStatus == StatusPartiallyPaid
}

// PaidAmount is the crypto amount to credit. A partial payment only counts
// actually_paid, since pay_amount is what the invoice asked for. Other
// statuses pick pay_amount, then payment_amount, then actually_paid.
func (p IPN) PaidAmount() decimal.Decimal {
	if p.PaymentStatus == StatusPartiallyPaid {
		if p.ActuallyPaid.IsPositive() {
			return p.ActuallyPaid
		}
		return decimal.Zero
	}
	for _, d := range []decimal.Decimal{p.PayAmount, p.PaymentAmount, p.ActuallyPaid} {
		if d.IsPositive() {
			return d
		}
	}
	return decimal.Zero
}

// VerifySignature checks the HMAC-SHA512 of the key-sorted body against sig.
func VerifySignature(secret string, body []byte, sig string) error {
	if sig == "" {
		return ErrInvalidSignature
	}
	canonical, err := canonicalJSON(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	want, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(Sign(secret, canonical), want) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the raw HMAC-SHA512 of payload.
func Sign(secret string, payload []byte) []byte {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// canonicalJSON re-encodes body with object keys sorted, as the provider signs it.
func canonicalJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
