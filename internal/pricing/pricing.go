// Package pricing derives the money state of a cart: line amounts after
// ordered discounts, subtotal discounts against the running remainder,
// per-line tax allocation and the cart totals.
//
// All intermediate math runs on decimals; rounding to minor units happens
// at the points the rules define (each percent discount, each line's tax)
// using the tenant's rounding mode.
package pricing

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
)

// TaxResolver supplies tax rules, normally the master-data cache.
type TaxResolver interface {
	TaxRule(ctx context.Context, tenantID, code string) (*domain.TaxRule, error)
}

// Engine is stateless; one instance serves every tenant.
type Engine struct {
	taxes TaxResolver
}

func NewEngine(taxes TaxResolver) *Engine {
	return &Engine{taxes: taxes}
}

// Round converts a decimal to minor units under the tenant policy.
func Round(d decimal.Decimal, mode domain.RoundingMode) int64 {
	switch mode {
	case domain.RoundFloor:
		return d.Floor().IntPart()
	case domain.RoundCeiling:
		return d.Ceil().IntPart()
	default:
		return d.Round(0).IntPart()
	}
}

// applyDiscounts resolves a discount sequence against a starting amount.
// Percent discounts apply to the running remainder, amount discounts
// subtract directly; the remainder never crosses zero.
func applyDiscounts(start int64, discounts []domain.Discount, mode domain.RoundingMode) (remainder int64, total int64) {
	running := start
	for i := range discounts {
		d := &discounts[i]
		var resolved int64
		switch d.Kind {
		case domain.DiscountPercent:
			pct := decimal.NewFromFloat(d.Percent).Div(decimal.NewFromInt(100))
			resolved = Round(decimal.NewFromInt(running).Mul(pct), mode)
		default:
			resolved = d.Amount
		}
		if resolved > running {
			resolved = running
		}
		if resolved < 0 {
			resolved = 0
		}
		d.ResolvedAmount = resolved
		running -= resolved
		total += resolved
	}
	return running, total
}

// allocate splits total across weights proportionally with a largest
// remainder pass, so the shares always sum to total exactly.
func allocate(total int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	if total == 0 || len(weights) == 0 {
		return shares
	}
	var sum int64
	for _, w := range weights {
		sum += w
	}
	if sum == 0 {
		return shares
	}

	totalDec := decimal.NewFromInt(total)
	sumDec := decimal.NewFromInt(sum)
	remainders := make([]decimal.Decimal, len(weights))
	var assigned int64
	for i, w := range weights {
		exact := totalDec.Mul(decimal.NewFromInt(w)).Div(sumDec)
		floor := exact.Floor()
		shares[i] = floor.IntPart()
		remainders[i] = exact.Sub(floor)
		assigned += shares[i]
	}
	// Hand the leftover units to the largest fractional remainders,
	// earliest line first on ties.
	for leftover := total - assigned; leftover > 0; leftover-- {
		best := -1
		for i := range remainders {
			if best == -1 || remainders[i].GreaterThan(remainders[best]) {
				best = i
			}
		}
		shares[best]++
		remainders[best] = decimal.Zero
	}
	return shares
}

// Reprice recomputes every derived money field of the cart in place:
// discount resolutions, line amounts, tax lines, and totals. Payments are
// folded into the deposit and balance figures but never altered.
func (e *Engine) Reprice(ctx context.Context, cart *domain.Cart, mode domain.RoundingMode) error {
	if !mode.Valid() {
		mode = domain.RoundHalfUp
	}

	// Line amounts with their ordered discounts.
	var subtotal, lineDiscountTotal, quantity int64
	for i := range cart.Lines {
		line := &cart.Lines[i]
		if line.IsCancelled {
			continue
		}
		base := line.UnitPrice * line.Quantity
		remainder, discounted := applyDiscounts(base, line.Discounts, mode)
		line.Amount = remainder
		subtotal += remainder
		lineDiscountTotal += discounted
		quantity += line.Quantity
	}

	// Subtotal discounts against the running remainder.
	netSubtotal, subtotalDiscountTotal := applyDiscounts(subtotal, cart.SubtotalDiscounts, mode)

	// Spread the subtotal discounts across lines in proportion to their
	// amounts; taxes are computed on these effective amounts so a
	// discounted cart is taxed on what the customer actually pays.
	active := make([]*domain.LineItem, 0, len(cart.Lines))
	weights := make([]int64, 0, len(cart.Lines))
	for i := range cart.Lines {
		if cart.Lines[i].IsCancelled {
			continue
		}
		active = append(active, &cart.Lines[i])
		weights = append(weights, cart.Lines[i].Amount)
	}
	shares := allocate(subtotalDiscountTotal, weights)

	// Per-line tax on the effective amounts, aggregated by tax code.
	taxIndex := map[string]int{}
	taxes := make([]domain.TaxLine, 0, 2)
	var taxTotal, externalTaxTotal int64
	for i, line := range active {
		effective := line.Amount - shares[i]
		rule, err := e.taxes.TaxRule(ctx, cart.TenantID, line.TaxCode)
		if err != nil {
			return err
		}

		var tax int64
		target := effective
		rate := decimal.NewFromFloat(rule.Rate)
		switch rule.Kind {
		case domain.TaxExternal:
			tax = Round(decimal.NewFromInt(effective).Mul(rate), mode)
			externalTaxTotal += tax
		case domain.TaxInternal:
			// The tax-inclusive amount is split base-first: round the
			// base, then take the tax as the remainder so base plus tax
			// always reassembles the amount paid.
			one := decimal.NewFromInt(1)
			target = Round(decimal.NewFromInt(effective).Div(one.Add(rate)), mode)
			tax = effective - target
		default:
			tax = 0
		}

		idx, ok := taxIndex[rule.Code]
		if !ok {
			idx = len(taxes)
			taxIndex[rule.Code] = idx
			taxes = append(taxes, domain.TaxLine{
				TaxCode: rule.Code,
				TaxKind: rule.Kind,
				Rate:    rule.Rate,
			})
		}
		taxes[idx].TargetAmount += target
		taxes[idx].TaxAmount += tax
		taxTotal += tax
	}
	cart.Taxes = taxes

	var deposit, change int64
	for _, p := range cart.Payments {
		deposit += p.Amount
		change += p.Change
	}

	totalWithTax := netSubtotal + externalTaxTotal

	cart.Totals = domain.CartTotals{
		Quantity:              quantity,
		SubtotalAmount:        subtotal,
		LineDiscountTotal:     lineDiscountTotal,
		SubtotalDiscountTotal: subtotalDiscountTotal,
		TaxTotal:              taxTotal,
		TotalWithTax:          totalWithTax,
		TaxExclusiveTotal:     totalWithTax - taxTotal,
		DepositTotal:          deposit,
		ChangeTotal:           change,
		Balance:               totalWithTax - deposit,
	}
	return nil
}

// ValidateLineDiscount checks a discount before it is attached to a line.
func ValidateLineDiscount(line *domain.LineItem, d domain.Discount) error {
	return validateDiscount(d, line.Amount)
}

// ValidateSubtotalDiscount checks a discount before it is attached to the
// cart subtotal; remaining is the subtotal after discounts already
// declared.
func ValidateSubtotalDiscount(remaining int64, d domain.Discount) error {
	return validateDiscount(d, remaining)
}

func validateDiscount(d domain.Discount, remaining int64) error {
	switch d.Kind {
	case domain.DiscountPercent:
		if d.Percent <= 0 || d.Percent > 100 {
			return apperr.Validation(apperr.Code(apperr.ServiceCart, 4, 1), "discount percent must be in (0,100]").
				WithUser("invalid discount rate")
		}
	case domain.DiscountAmount:
		if d.Amount <= 0 {
			return apperr.Validation(apperr.Code(apperr.ServiceCart, 4, 2), "discount amount must be positive").
				WithUser("invalid discount amount")
		}
		if d.Amount > remaining {
			return apperr.Unprocessable(apperr.Code(apperr.ServiceCart, 4, 3), "discount exceeds discountable amount").
				WithUser("discount exceeds the amount due")
		}
	default:
		return apperr.Validation(apperr.Code(apperr.ServiceCart, 4, 4), "unknown discount kind").
			WithUser("invalid discount")
	}
	return nil
}
