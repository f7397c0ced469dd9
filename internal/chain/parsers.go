package chain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/nspcc-dev/neo-go/pkg/util"
)

// =============================================================================
// Stack Item Parsers
// =============================================================================

// ParseArray extracts an array of StackItems from a parent StackItem.
func ParseArray(item StackItem) ([]StackItem, error) {
	if item.Type != "Array" && item.Type != "Struct" {
		return nil, fmt.Errorf("expected Array or Struct, got %s", item.Type)
	}

	var items []StackItem
	if err := json.Unmarshal(item.Value, &items); err != nil {
		return nil, fmt.Errorf("unmarshal array: %w", err)
	}
	return items, nil
}

// ParseByteArray decodes a ByteString or Buffer item. Null yields nil.
func ParseByteArray(item StackItem) ([]byte, error) {
	switch item.Type {
	case "ByteString", "Buffer":
		var value string
		if err := json.Unmarshal(item.Value, &value); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(value)
	case "Null", "Any":
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected type: %s", item.Type)
}

// ParseHash160 decodes a serialized Uint160 into its 0x-prefixed display form.
func ParseHash160(item StackItem) (string, error) {
	if item.Type != "ByteString" && item.Type != "Buffer" {
		return "", fmt.Errorf("unexpected type: %s", item.Type)
	}
	raw, err := ParseByteArray(item)
	if err != nil {
		return "", err
	}
	u, err := util.Uint160DecodeBytesBE(raw)
	if err != nil {
		return "", fmt.Errorf("decode hash160: %w", err)
	}
	return "0x" + u.StringLE(), nil
}

// ParseInteger parses an Integer item. Booleans are accepted as 0/1 since
// some contracts return them from integer-typed methods.
func ParseInteger(item StackItem) (*big.Int, error) {
	switch item.Type {
	case "Integer":
		var value string
		if err := json.Unmarshal(item.Value, &value); err != nil {
			return nil, err
		}
		n, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", value)
		}
		return n, nil
	case "Boolean":
		b, err := ParseBoolean(item)
		if err != nil {
			return nil, err
		}
		if b {
			return big.NewInt(1), nil
		}
		return big.NewInt(0), nil
	}
	return nil, fmt.Errorf("unexpected type: %s", item.Type)
}

// ParseBoolean parses a Boolean item. Integer and ByteString encodings are
// accepted the way the VM converts them.
func ParseBoolean(item StackItem) (bool, error) {
	switch item.Type {
	case "Boolean":
		var value bool
		if err := json.Unmarshal(item.Value, &value); err != nil {
			return false, err
		}
		return value, nil
	case "Integer":
		n, err := ParseInteger(item)
		if err != nil {
			return false, err
		}
		return n.Sign() != 0, nil
	case "ByteString", "Buffer":
		raw, err := ParseByteArray(item)
		if err != nil {
			return false, err
		}
		for _, b := range raw {
			if b != 0 {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unexpected type: %s", item.Type)
}

// ParseString decodes a ByteString item as UTF-8. Null yields "".
func ParseString(item StackItem) (string, error) {
	switch item.Type {
	case "ByteString", "Buffer":
		raw, err := ParseByteArray(item)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case "Null", "Any":
		return "", nil
	}
	return "", fmt.Errorf("unexpected type for string: %s", item.Type)
}
