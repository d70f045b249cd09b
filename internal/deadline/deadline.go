// Package deadline computes payment and validation deadlines for escrow
// transactions. Everything here is pure: callers pass the current time.
//
// Payment deadlines come in two tiers. Bank transfers settle slowly, so the
// bank window closes well before the card window. Each tier is resolved by an
// ordered rule table; the first rule that produces a value wins.
package deadline

import "time"

const (
	// BankLeadBeforeService is how long before the service date bank
	// transfers stop being accepted.
	BankLeadBeforeService = 96 * time.Hour

	// CardLeadBeforeService is how long before the service date card
	// payments stop being accepted.
	CardLeadBeforeService = 24 * time.Hour

	// BankLeadBeforeCard separates the bank cutoff from the card cutoff.
	BankLeadBeforeCard = 72 * time.Hour

	// ActivationGrace is added to the end of the service period before the
	// validation window opens.
	ActivationGrace = 2 * time.Hour

	// ValidationWindow is how long the buyer has to validate or dispute once
	// the window is open.
	ValidationWindow = 48 * time.Hour
)

// Phase is the payment phase a pending transaction is in.
type Phase string

const (
	PhaseBankActive Phase = "bank_active"
	PhaseCardActive Phase = "card_active"
	PhaseExpired    Phase = "expired"
)

// Inputs are the stored deadline-related fields of a transaction.
type Inputs struct {
	Card        *time.Time // explicit card deadline
	Bank        *time.Time // explicit bank-transfer deadline
	Legacy      *time.Time // unified deadline written by older clients
	ServiceDate *time.Time
}

// Effective is the resolved pair of payment deadlines plus the phase at the
// evaluation instant.
type Effective struct {
	Bank  *time.Time `json:"bankDeadline"`
	Card  *time.Time `json:"cardDeadline"`
	Phase Phase      `json:"phase"`
}

// Rule derives one deadline. It receives the inputs and the card deadline
// resolved so far (nil while resolving the card deadline itself).
type Rule struct {
	Name  string
	Apply func(in Inputs, card *time.Time) *time.Time
}

// CardRules resolves the card deadline, in priority order.
var CardRules = []Rule{
	{Name: "explicit_card", Apply: func(in Inputs, _ *time.Time) *time.Time { return in.Card }},
	{Name: "legacy_unified", Apply: func(in Inputs, _ *time.Time) *time.Time { return in.Legacy }},
	{Name: "service_date", Apply: func(in Inputs, _ *time.Time) *time.Time {
		return shift(in.ServiceDate, -CardLeadBeforeService)
	}},
}

// BankRules resolves the bank deadline, in priority order.
var BankRules = []Rule{
	{Name: "explicit_bank", Apply: func(in Inputs, _ *time.Time) *time.Time { return in.Bank }},
	{Name: "service_date", Apply: func(in Inputs, _ *time.Time) *time.Time {
		return shift(in.ServiceDate, -BankLeadBeforeService)
	}},
	{Name: "card_derived", Apply: func(_ Inputs, card *time.Time) *time.Time {
		return shift(card, -BankLeadBeforeCard)
	}},
}

// Resolve runs a rule table and returns the first non-nil value along with
// the name of the rule that produced it. It returns (nil, "") when no rule
// applies.
func Resolve(rules []Rule, in Inputs, card *time.Time) (*time.Time, string) {
	for _, r := range rules {
		if v := r.Apply(in, card); v != nil {
			t := *v
			return &t, r.Name
		}
	}
	return nil, ""
}

// Compute returns the effective bank and card deadlines and the phase at now.
// It never fails: with no usable inputs both deadlines are nil and the phase
// is expired.
func Compute(in Inputs, now time.Time) Effective {
	card, _ := Resolve(CardRules, in, nil)
	bank, _ := Resolve(BankRules, in, card)
	return Effective{Bank: bank, Card: card, Phase: phaseAt(bank, card, now)}
}

func phaseAt(bank, card *time.Time, now time.Time) Phase {
	if bank != nil && now.Before(*bank) {
		return PhaseBankActive
	}
	if card != nil && now.Before(*card) {
		return PhaseCardActive
	}
	return PhaseExpired
}

// Final is the last instant a payment is accepted: the card deadline when
// one resolves, otherwise the bank deadline. Nil when neither resolves.
func (e Effective) Final() *time.Time {
	if e.Card != nil {
		return e.Card
	}
	return e.Bank
}

// Overdue reports whether a payment deadline exists and has elapsed at now.
// A transaction without any resolvable deadline is never overdue.
func (e Effective) Overdue(now time.Time) bool {
	f := e.Final()
	return f != nil && !now.Before(*f)
}

// ServiceEnd returns the end of the service period: the end date when set,
// otherwise the service date.
func ServiceEnd(serviceDate, serviceEndDate *time.Time) *time.Time {
	if serviceEndDate != nil {
		return serviceEndDate
	}
	return serviceDate
}

// ActivationTime is the earliest instant the validation window may open.
// Nil when the transaction has no service date at all.
func ActivationTime(serviceDate, serviceEndDate *time.Time) *time.Time {
	return shift(ServiceEnd(serviceDate, serviceEndDate), ActivationGrace)
}

// CanActivate reports whether the validation window may open at now.
// Transactions without a service date can be activated immediately.
func CanActivate(serviceDate, serviceEndDate *time.Time, now time.Time) bool {
	at := ActivationTime(serviceDate, serviceEndDate)
	return at == nil || !now.Before(*at)
}

// ValidationDeadline returns the validation deadline for a window opened at
// activatedAt.
func ValidationDeadline(activatedAt time.Time) time.Time {
	return activatedAt.Add(ValidationWindow)
}

// ForServiceDate returns explicit bank and card deadlines for a service
// date. Used when a date change is accepted so that deadlines are recomputed
// in the same update. If the card deadline has already passed, both are
// pushed to now + extension so the buyer still gets a card window.
func ForServiceDate(serviceDate, now time.Time, extension time.Duration) (bank, card time.Time) {
	card = serviceDate.Add(-CardLeadBeforeService)
	bank = serviceDate.Add(-BankLeadBeforeService)
	if !now.Before(card) {
		card = now.Add(extension)
		bank = now
	}
	return bank, card
}

func shift(t *time.Time, d time.Duration) *time.Time {
	if t == nil {
		return nil
	}
	v := t.Add(d)
	return &v
}
