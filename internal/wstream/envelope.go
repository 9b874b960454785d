package wstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// envelope is the combined-stream wrapper: {"stream": "...", "data": {...}}.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// StreamKind classifies a routed message by its stream-name suffix.
type StreamKind int

const (
	KindDepth StreamKind = iota
	KindAggTrade
	KindForceOrder
	KindUnknown
)

func classify(stream string) StreamKind {
	switch {
	case strings.HasSuffix(stream, "@depth@100ms") || strings.Contains(stream, "@depth"):
		return KindDepth
	case strings.HasSuffix(stream, "@aggTrade"):
		return KindAggTrade
	case strings.Contains(stream, "forceOrder"):
		return KindForceOrder
	default:
		return KindUnknown
	}
}

// parseEnvelope decodes a combined-stream message and reports its kind.
func parseEnvelope(raw []byte) (StreamKind, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return KindUnknown, nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Stream == "" {
		// single-stream endpoints (e.g. the liquidation stream) are not
		// wrapped; treat the whole payload as the data.
		return KindForceOrder, raw, nil
	}
	return classify(env.Stream), env.Data, nil
}
