// Package fixedpoint implements the integer basis-point arithmetic used by
// vault share accounting. Every product is formed in 256-bit precision and
// every quotient is truncated toward zero.
package fixedpoint

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// MulDiv returns floor(a*b/denom). A zero denominator yields zero.
func MulDiv(a, b, denom uint64) (uint64, error) {
	if denom == 0 {
		return 0, nil
	}
	var z uint256.Int
	z.Mul(uint256.NewInt(a), uint256.NewInt(b))
	z.Div(&z, uint256.NewInt(denom))
	return toUint64(&z)
}

// MulDiv3 returns floor(a*b*c/denom). A zero denominator yields zero.
func MulDiv3(a, b, c, denom uint64) (uint64, error) {
	if denom == 0 {
		return 0, nil
	}
	var z uint256.Int
	z.Mul(uint256.NewInt(a), uint256.NewInt(b))
	z.Mul(&z, uint256.NewInt(c))
	z.Div(&z, uint256.NewInt(denom))
	return toUint64(&z)
}

// ApplyBps returns floor(amount*bps/10000).
func ApplyBps(amount, bps uint64) (uint64, error) {
	return MulDiv(amount, bps, domain.MaxBps)
}

// Add returns a+b or domain.ErrOverflow.
func Add(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, fmt.Errorf("fixedpoint: %d + %d: %w", a, b, domain.ErrOverflow)
	}
	return a + b, nil
}

// Sub returns a-b or domain.ErrInsufficientBalance when b exceeds a.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, fmt.Errorf("fixedpoint: %d - %d: %w", a, b, domain.ErrInsufficientBalance)
	}
	return a - b, nil
}

func toUint64(z *uint256.Int) (uint64, error) {
	if !z.IsUint64() {
		return 0, fmt.Errorf("fixedpoint: result %s: %w", z.Dec(), domain.ErrOverflow)
	}
	return z.Uint64(), nil
}
