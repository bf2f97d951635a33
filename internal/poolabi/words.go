package poolabi

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	minInt24 = -(1 << 23)
	maxInt24 = 1<<23 - 1
)

// checkWord verifies a 32-byte ABI word holds a value that fits typ. The
// abi package reads narrow integers as full 256-bit values and does not
// reject overflow or dirty address padding.
func checkWord(typ abi.Type, word []byte) error {
	if len(word) != 32 {
		return fmt.Errorf("word is %d bytes", len(word))
	}
	switch typ.T {
	case abi.AddressTy:
		for _, b := range word[:12] {
			if b != 0 {
				return fmt.Errorf("address word has non-zero padding")
			}
		}
		return nil
	case abi.UintTy:
		v := new(big.Int).SetBytes(word)
		if v.BitLen() > typ.Size {
			return fmt.Errorf("value exceeds uint%d", typ.Size)
		}
		return nil
	case abi.IntTy:
		if typ.Size == 256 {
			return nil
		}
		v := signed256(word)
		// A value fits intN when its magnitude (or ^v for negatives) needs
		// fewer than N bits.
		m := v
		if v.Sign() < 0 {
			m = new(big.Int).Not(v)
		}
		if m.BitLen() >= typ.Size {
			return fmt.Errorf("value %s exceeds int%d", v, typ.Size)
		}
		return nil
	default:
		return fmt.Errorf("unsupported type %s", typ.String())
	}
}

func signed256(word []byte) *big.Int {
	v := new(big.Int).SetBytes(word)
	if len(word) == 32 && word[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return v
}
