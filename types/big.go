package types

import (
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// BigInt wraps math/big.Int to provide JSON and CBOR encodings suitable for
// token amounts: JSON as a quoted decimal string (amounts routinely exceed
// the float64 safe range), CBOR as the big-endian byte representation.
type BigInt big.Int

// MathBigInt converts b to a *big.Int.
func (b *BigInt) MathBigInt() *big.Int {
	return (*big.Int)(b)
}

// SetUint64 sets b to the value of v and returns b.
func (b *BigInt) SetUint64(v uint64) *BigInt {
	return (*BigInt)(b.MathBigInt().SetUint64(v))
}

// SetBytes sets b from a big-endian byte slice and returns b.
func (b *BigInt) SetBytes(buf []byte) *BigInt {
	return (*BigInt)(b.MathBigInt().SetBytes(buf))
}

// String returns the decimal representation of b.
func (b *BigInt) String() string {
	return b.MathBigInt().String()
}

// Sign returns the sign of b (-1, 0 or +1).
func (b *BigInt) Sign() int {
	return b.MathBigInt().Sign()
}

// Equal reports whether b and other hold the same value.
func (b *BigInt) Equal(other *BigInt) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.MathBigInt().Cmp(other.MathBigInt()) == 0
}

// MarshalJSON implements the json.Marshaler interface.
func (b *BigInt) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface. It accepts both
// quoted and bare decimal representations.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if _, ok := b.MathBigInt().SetString(s, 10); !ok {
		return fmt.Errorf("invalid decimal number: %q", data)
	}
	return nil
}

// MarshalCBOR implements the cbor.Marshaler interface.
func (b *BigInt) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(b.MathBigInt().Bytes())
}

// UnmarshalCBOR implements the cbor.Unmarshaler interface.
func (b *BigInt) UnmarshalCBOR(data []byte) error {
	var buf []byte
	if err := cbor.Unmarshal(data, &buf); err != nil {
		return err
	}
	b.SetBytes(buf)
	return nil
}
