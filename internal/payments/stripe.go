package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeGateway implements Gateway with manual-capture PaymentIntents.
// Authorize confirms an intent with capture_method=manual, Capture collects
// the platform fee as application_fee_amount, and Refund cancels an
// uncaptured intent or refunds a captured one.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a gateway using secretKey. timeout bounds each
// HTTP request; retries are left to the Resilient decorator.
func NewStripeGateway(secretKey string, timeout time.Duration) *StripeGateway {
	backends := stripe.NewBackends(&http.Client{Timeout: timeout})
	return &StripeGateway{api: client.New(secretKey, backends)}
}

func (g *StripeGateway) Authorize(ctx context.Context, req AuthorizeRequest) (*Hold, error) {
	if !req.Amount.IsPositive() || req.PaymentMethodRef == "" {
		return nil, ErrInvalidRequest
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(ToMinor(req.Amount, req.Currency)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
	}
	if req.DestinationRef != "" {
		params.TransferData = &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.DestinationRef),
		}
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("transaction_id", req.TransactionID)
	params.AddMetadata("payment_method", string(req.Method))

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify(err)
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		return nil, fmt.Errorf("%w: intent %s is %s", ErrDeclined, pi.ID, pi.Status)
	}
	return &Hold{
		Ref:      pi.ID,
		Amount:   FromMinor(pi.Amount, string(pi.Currency)),
		Currency: string(pi.Currency),
		Status:   HoldAuthorized,
	}, nil
}

func (g *StripeGateway) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	if req.HoldRef == "" || !req.Amount.IsPositive() {
		return nil, ErrInvalidRequest
	}

	params := captureParams(req)
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := g.api.PaymentIntents.Capture(req.HoldRef, params)
	if err != nil {
		return nil, classify(err)
	}
	return &CaptureResult{
		Ref:         pi.ID,
		Amount:      FromMinor(pi.AmountReceived, string(pi.Currency)),
		PlatformFee: FromMinor(pi.ApplicationFeeAmount, string(pi.Currency)),
	}, nil
}

// captureParams builds the capture call. Stripe only accepts an application
// fee on an intent with a transfer destination; without one the whole charge
// lands on the platform account and the fee is settled at payout.
func captureParams(req CaptureRequest) *stripe.PaymentIntentCaptureParams {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(ToMinor(req.Amount, req.Currency)),
	}
	if req.PlatformFee.IsPositive() && req.DestinationRef != "" {
		params.ApplicationFeeAmount = stripe.Int64(ToMinor(req.PlatformFee, req.Currency))
	}
	return params
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.HoldRef == "" {
		return nil, ErrInvalidRequest
	}

	getParams := &stripe.PaymentIntentParams{}
	getParams.Context = ctx
	pi, err := g.api.PaymentIntents.Get(req.HoldRef, getParams)
	if err != nil {
		return nil, classify(err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		cancel := &stripe.PaymentIntentCancelParams{
			CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
		}
		cancel.Context = ctx
		cancel.SetIdempotencyKey(req.IdempotencyKey)
		canceled, err := g.api.PaymentIntents.Cancel(req.HoldRef, cancel)
		if err != nil {
			return nil, classify(err)
		}
		return &RefundResult{
			Ref:    canceled.ID,
			Amount: FromMinor(canceled.Amount, string(canceled.Currency)),
			Voided: true,
		}, nil

	case stripe.PaymentIntentStatusSucceeded:
		params := &stripe.RefundParams{PaymentIntent: stripe.String(req.HoldRef)}
		if req.Amount.IsPositive() {
			params.Amount = stripe.Int64(ToMinor(req.Amount, string(pi.Currency)))
		}
		if pi.ApplicationFeeAmount > 0 {
			params.RefundApplicationFee = stripe.Bool(true)
		}
		if pi.TransferData != nil {
			params.ReverseTransfer = stripe.Bool(true)
		}
		params.Context = ctx
		params.SetIdempotencyKey(req.IdempotencyKey)
		params.AddMetadata("transaction_id", req.TransactionID)

		r, err := g.api.Refunds.New(params)
		if err != nil {
			return nil, classify(err)
		}
		return &RefundResult{Ref: r.ID, Amount: FromMinor(r.Amount, string(r.Currency))}, nil

	case stripe.PaymentIntentStatusCanceled:
		// Voided on an earlier attempt whose response was lost.
		return &RefundResult{Ref: pi.ID, Amount: FromMinor(pi.Amount, string(pi.Currency)), Voided: true}, nil

	default:
		return nil, fmt.Errorf("%w: intent %s is %s", ErrAlreadyFinalized, pi.ID, pi.Status)
	}
}

// classify maps processor errors onto the package sentinels. Anything that
// is not a *stripe.Error is a network failure and therefore transient.
func classify(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrTransient, se.Msg)
	case se.Type == stripe.ErrorTypeCard:
		return fmt.Errorf("%w: %s", ErrDeclined, se.Msg)
	case se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, se.Msg)
	case se.Code == stripe.ErrorCodePaymentIntentUnexpectedState:
		return fmt.Errorf("%w: %s", ErrAlreadyFinalized, se.Msg)
	case se.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("%w: %s", ErrTransient, se.Msg)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, se.Msg)
	}
}

var _ Gateway = (*StripeGateway)(nil)
