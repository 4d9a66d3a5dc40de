package cache

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeArtifact serializes an artifact for byte-oriented backends.
func encodeArtifact(a Artifact) ([]byte, error) {
	b, err := msgpack.Marshal(&a)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return b, nil
}

// decodeArtifact is the inverse of encodeArtifact.
func decodeArtifact(b []byte) (Artifact, error) {
	var a Artifact
	if err := msgpack.Unmarshal(b, &a); err != nil {
		return Artifact{}, fmt.Errorf("decode artifact: %w", err)
	}
	return a, nil
}
