package handlers

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pysugar/hostaway-sync/internal/normalize"
)

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeObject(raw json.RawMessage) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// accountIDValue accepts a positive number or numeric string.
func accountIDValue(raw json.RawMessage) (int64, bool) {
	if isNull(raw) {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	return normalize.Int64(map[string]any{"accountId": v}, "accountId")
}
