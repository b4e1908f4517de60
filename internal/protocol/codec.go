package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrMissingKind = errors.New("missing kind")
)

// UnknownKindError is returned by Decode for a well-formed envelope whose kind
// is not part of the protocol.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown message kind: %s", e.Kind)
}

// Encode renders env as a single JSON object without a line terminator.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses one line. Surrounding whitespace (including a trailing "\r")
// is ignored.
func Decode(line []byte) (Envelope, error) {
	line = bytes.TrimSpace(line)

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Kind == "" {
		return Envelope{}, ErrMissingKind
	}
	if !env.Kind.Valid() {
		return Envelope{}, &UnknownKindError{Kind: env.Kind}
	}
	return env, nil
}
