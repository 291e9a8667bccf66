package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Blob format identifiers written into every encoded file.
const (
	FormatName    = "froyo.state"
	FormatVersion = 1
)

// ErrCorrupt is returned when persisted data cannot be decoded or fails its checksum.
var ErrCorrupt = errors.New("corrupt state data")

// BlobKind names the payload stored in a blob.
type BlobKind string

const (
	BlobEntry     BlobKind = "entry"
	BlobHistory   BlobKind = "history"
	BlobSnapshots BlobKind = "snapshots"
)

type envelope struct {
	Format        string          `json:"format"`
	FormatVersion int             `json:"format_version"`
	Kind          BlobKind        `json:"kind"`
	Checksum      string          `json:"checksum"`
	Payload       json.RawMessage `json:"payload"`
}

// EncodeBlob wraps v in a versioned, checksummed envelope.
func EncodeBlob(kind BlobKind, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	sum := sha256.Sum256(payload)
	return json.Marshal(envelope{
		Format:        FormatName,
		FormatVersion: FormatVersion,
		Kind:          kind,
		Checksum:      hex.EncodeToString(sum[:]),
		Payload:       payload,
	})
}

// DecodeBlob verifies the envelope and decodes its payload into v.
// Every failure wraps ErrCorrupt.
func DecodeBlob(data []byte, kind BlobKind, v interface{}) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Format != FormatName {
		return fmt.Errorf("%w: unexpected format %q", ErrCorrupt, env.Format)
	}
	if env.FormatVersion < 1 || env.FormatVersion > FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, env.FormatVersion)
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: expected %s blob, found %s", ErrCorrupt, kind, env.Kind)
	}
	sum := sha256.Sum256(env.Payload)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}
