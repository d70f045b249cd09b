// Package fees turns a quote's line items into the amounts charged to the
// buyer and paid out to the seller.
//
// The platform keeps a fixed 5% of the total. The seller chooses, at creation
// time, how much of that fee the buyer carries (FeeRatioClient, 0-100).
// Values are exact decimals; rounding to currency minor units happens only at
// the payment gateway boundary, so a breakdown can always be re-derived from
// the stored inputs without drift.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRatio    = errors.New("fee ratio must be between 0 and 100")
	ErrInvalidTaxRate  = errors.New("tax rate must be between 0 and 100")
	ErrInvalidSubtotal = errors.New("subtotal must be positive")
	ErrInvalidItem     = errors.New("invalid line item")
)

var (
	hundred = decimal.NewFromInt(100)

	// PlatformRate is the share of the total kept by the platform.
	PlatformRate = decimal.RequireFromString("0.05")
)

// LineItem is one priced entry of a quote.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

// Total returns quantity × unit price.
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(li.Quantity))
}

// Breakdown is the full result of a fee distribution.
type Breakdown struct {
	Subtotal        decimal.Decimal `json:"subtotal"`
	TaxRate         decimal.Decimal `json:"taxRate"`
	TaxAmount       decimal.Decimal `json:"taxAmount"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	PlatformFeeRate decimal.Decimal `json:"platformFeeRate"`
	FeeRatioClient  int             `json:"feeRatioClient"`
	TotalFees       decimal.Decimal `json:"totalFees"`
	ClientFees      decimal.Decimal `json:"clientFees"`
	SellerFees      decimal.Decimal `json:"sellerFees"`
	FinalPrice      decimal.Decimal `json:"finalPrice"`
	SellerReceives  decimal.Decimal `json:"sellerReceives"`
}

// Distribute computes the breakdown for a subtotal, a tax rate in percent and
// the buyer's share of the platform fee in percent.
func Distribute(subtotal, taxRate decimal.Decimal, feeRatioClient int) (Breakdown, error) {
	if feeRatioClient < 0 || feeRatioClient > 100 {
		return Breakdown{}, ErrInvalidRatio
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(hundred) {
		return Breakdown{}, ErrInvalidTaxRate
	}
	if !subtotal.IsPositive() {
		return Breakdown{}, ErrInvalidSubtotal
	}

	taxAmount := subtotal.Mul(taxRate).Div(hundred)
	total := subtotal.Add(taxAmount)
	b := OnTotal(total, feeRatioClient)
	b.Subtotal = subtotal
	b.TaxRate = taxRate
	b.TaxAmount = taxAmount
	return b, nil
}

// OnTotal distributes the platform fee over an already tax-inclusive total.
// The ratio is clamped to [0, 100]. Dispute settlements use it on the
// residual that is released to the seller.
func OnTotal(total decimal.Decimal, feeRatioClient int) Breakdown {
	feeRatioClient = clampRatio(feeRatioClient)
	totalFees := total.Mul(PlatformRate)
	clientFees := totalFees.Mul(decimal.NewFromInt(int64(feeRatioClient))).Div(hundred)
	sellerFees := totalFees.Sub(clientFees)

	return Breakdown{
		Subtotal:        total,
		TaxRate:         decimal.Zero,
		TaxAmount:       decimal.Zero,
		TotalAmount:     total,
		PlatformFeeRate: PlatformRate,
		FeeRatioClient:  feeRatioClient,
		TotalFees:       totalFees,
		ClientFees:      clientFees,
		SellerFees:      sellerFees,
		FinalPrice:      total.Add(clientFees),
		SellerReceives:  total.Sub(sellerFees),
	}
}

// Subtotal sums line items after validating them.
func Subtotal(items []LineItem) (decimal.Decimal, error) {
	if len(items) == 0 {
		return decimal.Zero, fmt.Errorf("%w: at least one line item is required", ErrInvalidItem)
	}
	sum := decimal.Zero
	for i, li := range items {
		if li.Quantity <= 0 {
			return decimal.Zero, fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidItem, i)
		}
		if li.UnitPrice.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: item %d unit price is negative", ErrInvalidItem, i)
		}
		sum = sum.Add(li.Total())
	}
	return sum, nil
}

// FromItems recomputes a breakdown from the canonical line items. Changing
// the ratio always goes through here rather than adjusting previously
// distributed amounts.
func FromItems(items []LineItem, taxRate decimal.Decimal, feeRatioClient int) (Breakdown, error) {
	subtotal, err := Subtotal(items)
	if err != nil {
		return Breakdown{}, err
	}
	return Distribute(subtotal, taxRate, feeRatioClient)
}

func clampRatio(r int) int {
	switch {
	case r < 0:
		return 0
	case r > 100:
		return 100
	}
	return r
}
