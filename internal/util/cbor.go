package util

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// maxRenderedBytes caps how much of a byte string is printed. ML-DSA keys
// and signatures are kilobytes long.
const maxRenderedBytes = 32

// RenderCBOR decodes one CBOR item and prints it as indented JSON. Integer
// keys of the outermost map are replaced by their labels when present.
func RenderCBOR(data []byte, labels map[uint64]string) (string, error) {
	var item any
	if err := cbor.Unmarshal(data, &item); err != nil {
		return "", fmt.Errorf("decode cbor: %w", err)
	}
	if m, ok := item.(map[any]any); ok && len(labels) > 0 {
		relabelled := make(map[any]any, len(m))
		for k, v := range m {
			if n, ok := k.(uint64); ok {
				if name, ok := labels[n]; ok {
					relabelled[name] = v
					continue
				}
			}
			relabelled[k] = v
		}
		item = relabelled
	}
	out, err := json.MarshalIndent(jsonable(item), "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func jsonable(item any) any {
	switch v := item.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[keyString(k)] = jsonable(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = jsonable(v[i])
		}
		return out
	case []byte:
		if len(v) > maxRenderedBytes {
			return fmt.Sprintf("h'%s..' (%d bytes)", hex.EncodeToString(v[:maxRenderedBytes]), len(v))
		}
		return fmt.Sprintf("h'%x'", v)
	case cbor.Tag:
		return map[string]any{"tag": v.Number, "value": jsonable(v.Content)}
	default:
		return v
	}
}

func keyString(k any) string {
	switch v := k.(type) {
	case string:
		return v
	case []byte:
		return fmt.Sprintf("h'%x'", v)
	default:
		return fmt.Sprint(v)
	}
}
