package cart

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// StaticPromos applies percentage discounts from configuration
type StaticPromos struct {
	percent map[string]decimal.Decimal
}

// NewStaticPromos builds a promo book from code -> percent off
func NewStaticPromos(codes map[string]float64) *StaticPromos {
	p := &StaticPromos{percent: make(map[string]decimal.Decimal, len(codes))}
	for code, pct := range codes {
		p.percent[strings.ToLower(code)] = decimal.NewFromFloat(pct)
	}
	return p
}

// Discount returns the amount taken off subtotal
func (p *StaticPromos) Discount(ctx context.Context, code string, subtotal decimal.Decimal) (decimal.Decimal, error) {
	pct, ok := p.percent[strings.ToLower(code)]
	if !ok {
		return decimal.Zero, errors.Errorf("unknown promo code %q", code)
	}
	return subtotal.Mul(pct).Div(decimal.NewFromInt(100)).Round(2), nil
}
