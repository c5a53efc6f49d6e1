package core

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/nexflow/streambridge/pkg/errors"
)

// StreamEvent is the wire-level event exchanged with every platform.
type StreamEvent struct {
	// Key is the partition/ordering key; may be empty
	Key string `json:"key,omitempty"`

	// Value is the deserialized payload: a decoded JSON value when the
	// payload parses as JSON, otherwise the raw string
	Value interface{} `json:"value"`

	// Timestamp is the producer- or broker-assigned event time
	Timestamp time.Time `json:"timestamp"`

	// Partition is the platform-specific subdivision the event belongs to
	// (partition index, shard ID, stream name, partition ID)
	Partition string `json:"partition,omitempty"`

	// Offset is the platform-specific position marker (offset, sequence
	// number, message ID, ack ID, stream entry ID)
	Offset string `json:"offset,omitempty"`

	// Headers is the flat normalized header map
	Headers map[string]string `json:"headers,omitempty"`

	// Metadata carries platform-specific extras (delivery attempts,
	// redelivery counts, shard identifiers, correlation IDs)
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NormalizeValue opportunistically decodes raw payload bytes as JSON. On
// parse failure the raw string passes through unchanged, so non-JSON
// producers round-trip byte-identically.
func NormalizeValue(raw []byte) interface{} {
	if len(raw) == 0 {
		return ""
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	return decoded
}

// EncodeValue serializes an event value for the wire. Strings and byte
// slices pass through untouched; everything else is JSON-encoded.
func EncodeValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePayload, "failed to encode event value")
		}
		return data, nil
	}
}

// SetMeta records a platform-specific metadata entry, allocating the map
// lazily.
func (e *StreamEvent) SetMeta(key string, value interface{}) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
}
