// Package connectjson lets Connect handlers exchange plain Go structs as JSON
// without generated protobuf types.
package connectjson

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bufbuild/connect-go"
)

// Codec encodes messages with encoding/json. Unknown request fields are
// rejected so that client typos fail loudly.
type Codec struct{}

func (Codec) Name() string {
	return "json"
}

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode json message: %w", err)
	}
	return nil
}

var _ connect.Codec = (*Codec)(nil)
