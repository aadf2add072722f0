package graph

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalHash returns the lowercase hex SHA-256 of v's canonical JSON
// encoding: object keys sorted lexicographically, no insignificant
// whitespace. This is used for stateHashBefore/inputHash/outputHash/
// stateHashAfter (spec §4.7 "State hashing") and, called directly by the
// activity boundary, for its idempotency key. It generalizes the engine's
// computeIdempotencyKey, which hashed a fixed (runID, stepID, frontier,
// state) tuple; here any JSON-serializable value is hashed the same way so
// state, input, output, and activity requests share one canonicalization.
func CanonicalHash(v interface{}) (string, error) {
	canon, err := canonicalize(v)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

// canonicalize round-trips v through JSON so that map keys are re-ordered
// on marshal (Go already sorts map[string]any keys when encoding, but
// nested maps arriving as map[string]interface{} from mixed sources are
// normalized here too) and numbers are decoded as json.Number, keeping
// their textual form, giving a stable shape regardless of how the caller
// constructed v.
func canonicalize(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return sortValue(generic), nil
}

func sortValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]interface{}, len(val))
		for _, k := range keys {
			ordered[k] = sortValue(val[k])
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = sortValue(e)
		}
		return out
	default:
		return val
	}
}
