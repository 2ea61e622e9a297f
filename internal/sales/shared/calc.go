// Package shared holds calculation helpers used across the sales document chain.
package shared

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// LineTotal computes quantity × price × (1 − discount/100), rounded to 4
// decimals. VAT is not part of the line total; it is added at header level.
func LineTotal(quantity, unitPrice, discountPercent decimal.Decimal) decimal.Decimal {
	gross := quantity.Mul(unitPrice)
	factor := decimal.NewFromInt(1).Sub(discountPercent.Div(hundred))
	return gross.Mul(factor).Round(4)
}

// LineTax computes the VAT amount for one line from its total.
func LineTax(lineTotal, vatRate decimal.Decimal) decimal.Decimal {
	return lineTotal.Mul(vatRate.Div(hundred)).Round(4)
}

// HeaderTotals sums line totals and taxes and adds shipping. Totals are
// always recomputed server-side from current line state; recomputing twice
// from the same lines yields the same numbers.
func HeaderTotals(lineTotals, lineTaxes []decimal.Decimal, shipping decimal.Decimal) (subtotal, tax, total decimal.Decimal) {
	subtotal = decimal.Zero
	for _, t := range lineTotals {
		subtotal = subtotal.Add(t)
	}
	tax = decimal.Zero
	for _, t := range lineTaxes {
		tax = tax.Add(t)
	}
	total = subtotal.Add(tax).Add(shipping)
	return subtotal, tax, total
}
