package node

import (
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Field names of the cache-node request and response messages.
const (
	fieldKey      = "key"
	fieldValue    = "value"
	fieldTTL      = "ttl_ms"
	fieldExpected = "expected"
	fieldFound    = "found"
	fieldOK       = "ok"
)

// newMessage builds a structpb.Struct from plain Go values.
// Byte slices are base64 encoded since proto strings must be valid UTF-8.
func newMessage(fields map[string]any) (*structpb.Struct, error) {
	m := make(map[string]any, len(fields))
	for k, v := range fields {
		switch tv := v.(type) {
		case []byte:
			m[k] = base64.StdEncoding.EncodeToString(tv)
		case time.Duration:
			m[k] = ttlMillis(tv)
		default:
			m[k] = v
		}
	}
	return structpb.NewStruct(m)
}

// ttlMillis converts a TTL to whole milliseconds, rounding a positive TTL up
// so it never becomes 0 (no expiry).
func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Millisecond - 1) / time.Millisecond)
}

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[name].GetStringValue()
}

func bytesField(s *structpb.Struct, name string) ([]byte, error) {
	raw := stringField(s, name)
	if raw == "" {
		return []byte{}, nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", name, err)
	}
	return b, nil
}

func durationField(s *structpb.Struct, name string) time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(s.GetFields()[name].GetNumberValue()) * time.Millisecond
}

func boolField(s *structpb.Struct, name string) bool {
	if s == nil {
		return false
	}
	return s.GetFields()[name].GetBoolValue()
}
