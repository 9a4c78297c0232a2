package ledger

import (
	"encoding/json"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// marshalPayload/unmarshalPayload move a payload map to and from the jsonb
// column. This is storage encoding only — it has no bearing on content_hash,
// which is always computed over the canonical encoding in internal/canonical.
func marshalPayload(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	bs, err := json.Marshal(m)
	if err != nil {
		return nil, kernelerrors.Validation("payload is not JSON-serializable: " + err.Error())
	}
	return bs, nil
}

func unmarshalPayload(bs []byte) (map[string]interface{}, error) {
	if len(bs) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(bs, &m); err != nil {
		return nil, kernelerrors.Transient("decode stored payload", err)
	}
	return m, nil
}
