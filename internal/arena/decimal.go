package arena

import "github.com/shopspring/decimal"

// DigestScale is the number of fractional digits used when serializing an
// amount for digest computation. Every implementation of this ledger must
// agree on this scale for digests to be portable.
const DigestScale = 8

// CanonicalAmount renders d as a fixed-precision decimal string suitable
// for digest computation: no scientific notation, always DigestScale
// fractional digits, independent of how d was constructed.
func CanonicalAmount(d decimal.Decimal) string {
	return d.StringFixed(DigestScale)
}
