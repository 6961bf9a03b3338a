package enums

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 code. Amounts are always stored in the currency's
// minor unit, so a KRW amount is whole won and a USD amount is cents.
type Currency string

const (
	CurrencyKRW Currency = "KRW"
	CurrencyUSD Currency = "USD"
)

var validCurrencies = []Currency{
	CurrencyKRW,
	CurrencyUSD,
}

// minorUnitDigits is the number of decimal places between the major unit and
// the stored minor unit.
var minorUnitDigits = map[Currency]int32{
	CurrencyKRW: 0,
	CurrencyUSD: 2,
}

func (c Currency) String() string {
	return string(c)
}

func (c Currency) IsValid() bool {
	return slices.Contains(validCurrencies, c)
}

// Lower returns the code in the lowercase form payment gateways expect.
func (c Currency) Lower() string {
	return strings.ToLower(string(c))
}

// MinorUnitDigits reports how many decimal places the currency's minor unit
// represents.
func (c Currency) MinorUnitDigits() int32 {
	return minorUnitDigits[c]
}

// FormatMinor renders a minor-unit amount in major units, e.g. 1999 USD as
// "19.99" and 1999 KRW as "1999".
func (c Currency) FormatMinor(amount int64) string {
	digits := c.MinorUnitDigits()
	return decimal.New(amount, -digits).StringFixed(digits)
}

// ParseCurrency accepts a code in any case.
func ParseCurrency(value string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(value)))
	if !c.IsValid() {
		return "", fmt.Errorf("invalid currency %q", value)
	}
	return c, nil
}
