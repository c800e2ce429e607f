package txn

import (
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/abi"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Method is a resolved ABI method: its signature and 4-byte selector.
type Method struct {
	Signature string
	Selector  []byte
}

// NewMethod parses an ABI signature such as "accept_trade(string)void".
func NewMethod(signature string) (Method, error) {
	m, err := abi.MethodFromSignature(signature)
	if err != nil {
		return Method{}, fmt.Errorf("txn: method %q: %w", signature, err)
	}
	return Method{Signature: signature, Selector: m.GetSelector()}, nil
}

// MustMethod is NewMethod for package-level method tables.
func MustMethod(signature string) Method {
	m, err := NewMethod(signature)
	if err != nil {
		panic(err)
	}
	return m
}

var abiString = mustType("string")

func mustType(name string) abi.Type {
	t, err := abi.TypeOf(name)
	if err != nil {
		panic(err)
	}
	return t
}

// StringArg encodes s as an ABI string (2-byte length prefix).
func StringArg(s string) []byte {
	enc, err := abiString.Encode(s)
	if err != nil {
		// string encoding only fails for inputs longer than 65535 bytes
		panic(err)
	}
	return enc
}

// DecodeStringArg reverses StringArg.
func DecodeStringArg(raw []byte) (string, error) {
	v, err := abiString.Decode(raw)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("txn: abi string decoded to %T", v)
	}
	return s, nil
}

// AddressArg encodes an ABI address (its 32 raw bytes).
func AddressArg(addr types.Address) []byte {
	out := make([]byte, len(addr))
	copy(out, addr[:])
	return out
}
