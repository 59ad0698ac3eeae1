package tensor

import (
	"fmt"
	"strings"
)

// Kind is the numeric storage format of a tensor's scalars. The values match
// the type codes used by the Cast operator parameters.
type Kind int

const (
	Float32  Kind = 1
	Float16  Kind = 2
	Int8     Kind = 3 // reserved: layout operators accept it, Cast does not
	BFloat16 Kind = 4
)

// Size returns the byte size of one scalar.
func (k Kind) Size() int {
	switch k {
	case Float32:
		return 4
	case Float16, BFloat16:
		return 2
	case Int8:
		return 1
	default:
		panic(fmt.Sprintf("tensor: unknown kind %d", int(k)))
	}
}

func (k Kind) String() string {
	switch k {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	case BFloat16:
		return "bf16"
	case Int8:
		return "int8"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == Float32 || k == Float16 || k == BFloat16 || k == Int8
}

// ParseKind accepts the names printed by String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "fp32", "float32", "f32":
		return Float32, nil
	case "fp16", "float16", "f16":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	case "int8", "i8":
		return Int8, nil
	}
	return 0, fmt.Errorf("tensor: unknown kind %q", s)
}
