package request

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/pixelgate/internal/domain"
)

// Payload is the JSON document carried by an encoded request path.
type Payload struct {
	Bucket       string         `json:"bucket,omitempty"`
	Key          string         `json:"key"`
	Edits        domain.EditSet `json:"edits"`
	OutputFormat string         `json:"outputFormat,omitempty"`
}

var base64Alphabet = strings.NewReplacer("-", "+", "_", "/")

// DecodePayload decodes the last path segment of an encoded request. Both
// base64 alphabets are accepted, with or without padding.
func DecodePayload(path string) (Payload, error) {
	segment := path[strings.LastIndexByte(path, '/')+1:]
	segment = base64Alphabet.Replace(strings.TrimRight(segment, "="))

	raw, err := base64.RawStdEncoding.DecodeString(segment)
	if err != nil {
		return Payload{}, ErrDecodeRequest.wrap(fmt.Errorf("decode base64: %w", err))
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, ErrDecodeRequest.wrap(fmt.Errorf("decode payload: %w", err))
	}
	if p.Key == "" {
		return Payload{}, ErrDecodeRequest.wrap(errors.New("payload has no key"))
	}
	return p, nil
}

// EncodeRequest renders p as an encoded request path using the URL-safe
// alphabet.
func EncodeRequest(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return "/" + base64.URLEncoding.EncodeToString(raw), nil
}
