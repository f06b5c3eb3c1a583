package objectstore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Keys are strings, integers or arrays of those. Encoded keys are file-name
// safe and compare bytewise in key order: integers sort before strings and a
// shorter array sorts before any array it prefixes.

const (
	intTag       = 'n'
	stringTag    = 's'
	keySeparator = "."
)

func encodeKey(key any) (string, error) {
	if parts, ok := key.([]any); ok {
		if len(parts) == 0 {
			return "", fmt.Errorf("%w: empty array key", ErrData)
		}
		encoded := make([]string, len(parts))
		for i, part := range parts {
			component, err := encodeComponent(part)
			if err != nil {
				return "", err
			}
			encoded[i] = component
		}
		return strings.Join(encoded, keySeparator), nil
	}
	return encodeComponent(key)
}

func encodeComponent(value any) (string, error) {
	switch v := canonicalValue(value).(type) {
	case int64:
		return string(intTag) + fmt.Sprintf("%016x", uint64(v)^(1<<63)), nil
	case string:
		return string(stringTag) + hex.EncodeToString([]byte(v)), nil
	case nil:
		return "", fmt.Errorf("%w: missing key value", ErrData)
	default:
		return "", fmt.Errorf("%w: unsupported key type %T", ErrData, value)
	}
}

func decodeKey(encoded string) (any, error) {
	components := strings.Split(encoded, keySeparator)
	values := make([]any, len(components))
	for i, component := range components {
		value, err := decodeComponent(component)
		if err != nil {
			return nil, err
		}
		values[i] = value
	}
	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}

func decodeComponent(component string) (any, error) {
	if component == "" {
		return nil, fmt.Errorf("%w: empty key component", ErrData)
	}
	body := component[1:]
	switch component[0] {
	case intTag:
		raw, err := strconv.ParseUint(body, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrData, err)
		}
		return int64(raw ^ (1 << 63)), nil
	case stringTag:
		raw, err := hex.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrData, err)
		}
		return string(raw), nil
	}
	return nil, fmt.Errorf("%w: unknown key tag %q", ErrData, component[0])
}

// canonicalValue maps numeric variants onto int64 where they are integral.
func canonicalValue(value any) any {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint32:
		return int64(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v)
		}
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	}
	return value
}

// evaluateKeyPath extracts the key of value at keyPath. ok is false when any
// component is missing or null.
func evaluateKeyPath(value map[string]any, keyPath []string) (any, bool) {
	if len(keyPath) == 1 {
		component, exists := value[keyPath[0]]
		if !exists || component == nil {
			return nil, false
		}
		return canonicalValue(component), true
	}
	parts := make([]any, len(keyPath))
	for i, field := range keyPath {
		component, exists := value[field]
		if !exists || component == nil {
			return nil, false
		}
		parts[i] = canonicalValue(component)
	}
	return parts, true
}
