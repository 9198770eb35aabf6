// Package codec serializes records to opaque strings that are safe to pass
// as argv and to store in state files. Records are CBOR-encoded with a
// deterministic (canonical) encoder and wrapped in unpadded URL-safe base64,
// so equal records always encode to equal strings and the result contains no
// shell metacharacters.
package codec

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v to an opaque string.
func Marshal(v any) (string, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Unmarshal decodes a string produced by Marshal into v.
func Unmarshal(s string, v any) error {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// MarshalToFile writes the encoded record to path with a full
// rewrite-and-truncate, replacing any previous content.
func MarshalToFile(path string, v any) error {
	s, err := Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(s), 0o644)
}

// UnmarshalFromFile reads an encoded record from path.
func UnmarshalFromFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return Unmarshal(string(b), v)
}
