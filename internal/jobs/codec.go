package jobs

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Encode serializes a payload for the wire.
func Encode(payload any) ([]byte, error) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload %T: %w", payload, err)
	}
	return body, nil
}

// Decode deserializes a message body into v.
func Decode(body []byte, v any) error {
	if err := sonic.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode payload into %T: %w", v, err)
	}
	return nil
}
