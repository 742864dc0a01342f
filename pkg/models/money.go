package models

import "github.com/shopspring/decimal"

// Money is a cost amount in a fixed currency, held at 4-decimal-place
// internal precision. It is a thin alias over decimal.Decimal
// so every package that touches cost (adapters, cost accountant, storage)
// shares one non-floating-point representation.
type Money = decimal.Decimal

// Zero is the additive identity for Money.
var Zero = decimal.Zero

// MoneyFromFloat builds a Money value from a float64, rounded to 4 places.
// Use only at the boundary where a provider SDK hands back a float price;
// internal arithmetic always stays in decimal.Decimal.
func MoneyFromFloat(f float64) Money {
	return decimal.NewFromFloat(f).Round(4)
}
