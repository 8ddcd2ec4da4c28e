package contract

import (
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"callgate/internal/callerr"
)

// ParseArgs converts command-line strings into Go values accepted by the ABI
// packer for method's inputs. Array and tuple inputs are not supported.
func ParseArgs(method abi.Method, raw []string) ([]interface{}, error) {
	if len(raw) != len(method.Inputs) {
		return nil, callerr.Fatalf("parse args", "%s expects %d arguments, got %d", method.Name, len(method.Inputs), len(raw))
	}

	out := make([]interface{}, len(raw))
	for i, input := range method.Inputs {
		v, err := parseArg(input.Type, strings.TrimSpace(raw[i]))
		if err != nil {
			return nil, callerr.Fatalf("parse args", "argument %d (%s %s): %w", i, input.Type.String(), input.Name, err)
		}
		out[i] = v
	}
	return out, nil
}

func parseArg(t abi.Type, s string) (interface{}, error) {
	switch t.T {
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, errInvalid("address", s)
		}
		return common.HexToAddress(s), nil

	case abi.BoolTy:
		return strconv.ParseBool(s)

	case abi.StringTy:
		return s, nil

	case abi.BytesTy:
		return hexutil.Decode(s)

	case abi.FixedBytesTy:
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) > t.Size {
			return nil, errInvalid(t.String(), s)
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil

	case abi.IntTy, abi.UintTy:
		n, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, errInvalid(t.String(), s)
		}
		if t.T == abi.UintTy && n.Sign() < 0 {
			return nil, errInvalid(t.String(), s)
		}
		return sizedInt(t, n)

	default:
		return nil, errUnsupported(t.String())
	}
}

// sizedInt converts n to the Go type the packer expects for t: native
// integers up to 64 bits, *big.Int above.
func sizedInt(t abi.Type, n *big.Int) (interface{}, error) {
	goType := t.GetType()
	if goType == reflect.TypeOf(&big.Int{}) {
		return n, nil
	}

	v := reflect.New(goType).Elem()
	if t.T == abi.UintTy {
		if !n.IsUint64() || v.OverflowUint(n.Uint64()) {
			return nil, errInvalid(t.String(), n.String())
		}
		v.SetUint(n.Uint64())
	} else {
		if !n.IsInt64() || v.OverflowInt(n.Int64()) {
			return nil, errInvalid(t.String(), n.String())
		}
		v.SetInt(n.Int64())
	}
	return v.Interface(), nil
}

type argError struct {
	kind, value string
	unsupported bool
}

func (e *argError) Error() string {
	if e.unsupported {
		return "unsupported argument type " + e.kind
	}
	return "invalid " + e.kind + " value " + strconv.Quote(e.value)
}

func errInvalid(kind, value string) error {
	return &argError{kind: kind, value: value}
}

func errUnsupported(kind string) error {
	return &argError{kind: kind, unsupported: true}
}
