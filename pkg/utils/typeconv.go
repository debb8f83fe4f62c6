package utils

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ConvertToBigInt parses upstream numeric values without going through float64.
// Accepts decimal strings, 0x-prefixed hex strings and json.Number.
func ConvertToBigInt(val interface{}) (*big.Int, error) {
	switch v := val.(type) {
	case nil:
		return nil, fmt.Errorf("cannot convert nil to big.Int")
	case *big.Int:
		return new(big.Int).Set(v), nil
	case json.Number:
		return parseBigString(string(v))
	case string:
		return parseBigString(v)
	case []byte:
		return parseBigString(string(v))
	case int:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to big.Int", val)
	}
}

func parseBigString(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty numeric value")
	}
	n := new(big.Int)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if _, ok := n.SetString(s[2:], 16); !ok {
			return nil, fmt.Errorf("invalid hex value %q", s)
		}
		return n, nil
	}
	if _, ok := n.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid decimal value %q", s)
	}
	return n, nil
}

// ConvertToInt64 is used for small bounded values such as scores and timestamps.
func ConvertToInt64(val interface{}) (int64, error) {
	switch v := val.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	default:
		b, err := ConvertToBigInt(val)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %T to int64", val)
		}
		if !b.IsInt64() {
			return 0, fmt.Errorf("value %s overflows int64", b)
		}
		return b.Int64(), nil
	}
}

func ConvertToString(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return string(v)
	case []byte:
		return string(v)
	case *big.Int:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func ConvertToBool(val interface{}) (bool, error) {
	switch v := val.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(v)
	case json.Number:
		return strconv.ParseBool(string(v))
	default:
		return false, fmt.Errorf("cannot convert %T to bool", val)
	}
}

// NormalizeAddress lowercases a 0x-prefixed address; anything else is returned trimmed.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		return "0x" + strings.ToLower(addr[2:])
	}
	return addr
}
