// Package payments is the adapter to the card processor.
//
// A payment is authorized (held) when the buyer pays, captured when the
// seller is released, and voided or refunded when the buyer gets money back.
// Every call carries an idempotency key derived from the transaction ID and
// the operation, so a retried call never moves money twice.
package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransient is a timeout, rate limit or processor outage. The caller
	// should leave its record unchanged and try again later.
	ErrTransient = errors.New("payment gateway temporarily unavailable")

	ErrDeclined         = errors.New("payment declined")
	ErrNotFound         = errors.New("payment not found")
	ErrAlreadyFinalized = errors.New("payment already finalized")
	ErrInvalidRequest   = errors.New("invalid payment request")
)

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Method is how the buyer pays.
type Method string

const (
	MethodCard         Method = "card"
	MethodBankTransfer Method = "bank_transfer"
)

func (m Method) Valid() bool {
	return m == MethodCard || m == MethodBankTransfer
}

// HoldStatus is the processor-side state of an authorization.
type HoldStatus string

const (
	HoldAuthorized HoldStatus = "authorized"
	HoldCaptured   HoldStatus = "captured"
	HoldVoided     HoldStatus = "voided"
	HoldRefunded   HoldStatus = "refunded"
)

type AuthorizeRequest struct {
	TransactionID    string
	Amount           decimal.Decimal
	Currency         string
	Method           Method
	PaymentMethodRef string // processor token for the buyer's card or bank account
	DestinationRef   string // seller's connected account, optional
	IdempotencyKey   string
}

type Hold struct {
	Ref      string          `json:"ref"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Status   HoldStatus      `json:"status"`
}

// CaptureRequest captures up to the held amount. Anything not captured is
// released back to the buyer by the processor.
type CaptureRequest struct {
	TransactionID  string
	HoldRef        string
	Amount         decimal.Decimal
	PlatformFee    decimal.Decimal
	Currency       string
	DestinationRef string // same as at authorization; the fee is only split off a routed charge
	IdempotencyKey string
}

type CaptureResult struct {
	Ref         string          `json:"ref"`
	Amount      decimal.Decimal `json:"amount"`
	PlatformFee decimal.Decimal `json:"platformFee"`
}

// RefundRequest returns money to the buyer. An uncaptured hold is voided in
// full; a captured payment is refunded by Amount, or entirely when Amount is
// zero.
type RefundRequest struct {
	TransactionID  string
	HoldRef        string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

type RefundResult struct {
	Ref    string          `json:"ref"`
	Amount decimal.Decimal `json:"amount"`
	Voided bool            `json:"voided"`
}

// Gateway is the processor boundary used by the state machines.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*Hold, error)
	Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// IdempotencyKey derives the processor idempotency key for an operation on
// a transaction.
func IdempotencyKey(op, transactionID string) string {
	return op + "_" + transactionID
}

// zeroDecimal lists ISO 4217 currencies without minor units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

func minorExponent(currency string) int32 {
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// ToMinor converts an amount to integer minor units, rounding half away
// from zero.
func ToMinor(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(minorExponent(currency)).Round(0).IntPart()
}

// FromMinor converts integer minor units back to a decimal amount.
func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.NewFromInt(minor).Shift(-minorExponent(currency))
}
