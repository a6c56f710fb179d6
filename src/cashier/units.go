package cashier

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToChainUnits scales whole ledger tokens to the contract's base units, amount * 10^decimals
func ToChainUnits(amount int64, decimals uint8) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(big.NewInt(amount), scale)
}

func toDecimal(v *big.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}

// FormatTokens renders base units as a token amount, "1234.5"
func FormatTokens(v *big.Int, decimals uint8) string {
	return toDecimal(v, decimals).String()
}

func TokensFloat(v *big.Int, decimals uint8) float64 {
	return toDecimal(v, decimals).InexactFloat64()
}
