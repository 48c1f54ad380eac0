// Package loyalty derives a customer's discount from lifetime spend.
package loyalty

import (
	"github.com/shopspring/decimal"
)

// FirstPurchaseBonus is the flat percent granted when no prior spend exists.
var FirstPurchaseBonus = decimal.NewFromInt(3)

// Tier is one row of the loyalty table.
type Tier struct {
	Threshold decimal.Decimal `json:"threshold"`
	Percent   decimal.Decimal `json:"percent"`
	Name      string          `json:"name"`
}

// DefaultTiers is the shop's loyalty table in UAH, ascending by threshold.
var DefaultTiers = []Tier{
	{Threshold: decimal.Zero, Percent: decimal.Zero, Name: "Start"},
	{Threshold: decimal.NewFromInt(3000), Percent: decimal.NewFromInt(3), Name: "Bronze"},
	{Threshold: decimal.NewFromInt(10000), Percent: decimal.NewFromInt(5), Name: "Silver"},
	{Threshold: decimal.NewFromInt(25000), Percent: decimal.NewFromInt(7), Name: "Gold"},
	{Threshold: decimal.NewFromInt(50000), Percent: decimal.NewFromInt(10), Name: "Platinum"},
}

// Status is the loyalty state for one spend value. NextTier and Progress are
// nil at the top tier.
type Status struct {
	TotalSpent    decimal.Decimal  `json:"totalSpent"`
	Tier          Tier             `json:"-"`
	TierName      string           `json:"tierName"`
	TierPercent   decimal.Decimal  `json:"-"`
	BonusPercent  decimal.Decimal  `json:"bonusPercent"`
	FirstPurchase bool             `json:"firstPurchase"`
	NextTier      *Tier            `json:"nextTier,omitempty"`
	Progress      *decimal.Decimal `json:"progress,omitempty"`
}

// Calculate returns the tier with the largest threshold not above spend, the
// next tier with progress toward it, and the effective bonus percent. Spend
// below the first threshold maps to the first tier. Negative spend is
// treated as zero. tiers must be sorted ascending and non-empty.
func Calculate(spend decimal.Decimal, tiers []Tier) Status {
	if spend.IsNegative() {
		spend = decimal.Zero
	}

	idx := 0
	for i, t := range tiers {
		if t.Threshold.LessThanOrEqual(spend) {
			idx = i
		}
	}
	cur := tiers[idx]

	st := Status{
		TotalSpent:   spend,
		Tier:         cur,
		TierName:     cur.Name,
		TierPercent:  cur.Percent,
		BonusPercent: cur.Percent,
	}

	if spend.IsZero() {
		st.FirstPurchase = true
		if FirstPurchaseBonus.GreaterThan(st.BonusPercent) {
			st.BonusPercent = FirstPurchaseBonus
		}
	}

	if idx+1 < len(tiers) {
		next := tiers[idx+1]
		st.NextTier = &next
		p := progress(spend, cur.Threshold, next.Threshold)
		st.Progress = &p
	}

	return st
}

func progress(spend, from, to decimal.Decimal) decimal.Decimal {
	span := to.Sub(from)
	if !span.IsPositive() {
		return decimal.NewFromInt(100)
	}
	p := spend.Sub(from).Div(span).Mul(decimal.NewFromInt(100)).Round(2)
	switch {
	case p.IsNegative():
		return decimal.Zero
	case p.GreaterThan(decimal.NewFromInt(100)):
		return decimal.NewFromInt(100)
	}
	return p
}
