// Package fees computes the server-side price breakdown of an order.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/tradehold-backend/pkg/config"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
)

var bpsDivisor = decimal.NewFromInt(10000)

// Breakdown is the full price of an order in minor units.
type Breakdown struct {
	ProductAmountCents int64
	ShippingFeeCents   int64
	PlatformFeeCents   int64
	TotalCents         int64
	Currency           string
}

// Consistent reports whether the total matches its components.
func (b Breakdown) Consistent() bool {
	return b.TotalCents == b.ProductAmountCents+b.ShippingFeeCents+b.PlatformFeeCents
}

// Calculator applies the configured fee schedule. It holds no state besides the schedule.
type Calculator struct {
	platformFeeBps    int64
	shippingFlatCents int64
	currency          string
}

func NewCalculator(cfg config.FeesConfig) (*Calculator, error) {
	if cfg.PlatformFeeBps < 0 || cfg.PlatformFeeBps > 10000 {
		return nil, fmt.Errorf("platform fee bps out of range: %d", cfg.PlatformFeeBps)
	}
	if cfg.ShippingFlatCents < 0 {
		return nil, fmt.Errorf("shipping flat fee must not be negative")
	}
	currency := cfg.SettlementCurrency
	if currency == "" {
		currency = "usd"
	}
	return &Calculator{
		platformFeeBps:    cfg.PlatformFeeBps,
		shippingFlatCents: cfg.ShippingFlatCents,
		currency:          currency,
	}, nil
}

// Currency is the settlement currency every order is priced in.
func (c *Calculator) Currency() string {
	return c.currency
}

// Calculate prices a product for the given delivery and payment modes.
// Payment mode does not change the amounts; it is accepted so callers price
// every order through a single entry point.
func (c *Calculator) Calculate(productCents int64, delivery enums.DeliveryMode, payment enums.PaymentMode) (Breakdown, error) {
	if productCents <= 0 {
		return Breakdown{}, fmt.Errorf("product amount must be positive")
	}
	if !delivery.IsValid() {
		return Breakdown{}, fmt.Errorf("invalid delivery mode %q", delivery)
	}
	if !payment.IsValid() {
		return Breakdown{}, fmt.Errorf("invalid payment mode %q", payment)
	}

	shipping := int64(0)
	if delivery == enums.DeliveryModeShipping {
		shipping = c.shippingFlatCents
	}
	platform := c.PlatformFee(productCents)

	return Breakdown{
		ProductAmountCents: productCents,
		ShippingFeeCents:   shipping,
		PlatformFeeCents:   platform,
		TotalCents:         productCents + shipping + platform,
		Currency:           c.currency,
	}, nil
}

// PlatformFee is the configured percentage of the product amount, rounded half-up to a whole cent.
func (c *Calculator) PlatformFee(productCents int64) int64 {
	fee := decimal.NewFromInt(productCents).
		Mul(decimal.NewFromInt(c.platformFeeBps)).
		Div(bpsDivisor).
		Round(0)
	return fee.IntPart()
}

// Verify rejects persisted amounts whose total drifted from its components. The
// fee itself is not recomputed since the schedule may change after checkout.
func (c *Calculator) Verify(stored Breakdown, delivery enums.DeliveryMode) error {
	if !stored.Consistent() {
		return fmt.Errorf("total %d does not match components", stored.TotalCents)
	}
	if stored.ShippingFeeCents != 0 && delivery == enums.DeliveryModeMeetup {
		return fmt.Errorf("meetup orders carry no shipping fee")
	}
	return nil
}
