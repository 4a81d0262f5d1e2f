// Package types defines the identifiers shared by the verifier services.
//
// A ProgramID names one verification request: the program bytes together
// with every input that can change its verdict. IDs are printed in base58.
package types

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// IDSize is the length of a ProgramID in bytes.
const IDSize = 32

var (
	// ErrInvalidProgramID is returned when a program id has invalid length.
	ErrInvalidProgramID = errors.New("invalid program id: must be 32 bytes")
)

// ProgramID is the blake3 digest of a program and its verification inputs.
type ProgramID [IDSize]byte

// NewProgramID hashes the given parts. Each part is length-prefixed so that
// moving bytes between adjacent parts changes the id.
func NewProgramID(parts ...[]byte) ProgramID {
	h := blake3.New()
	var n [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	var id ProgramID
	copy(id[:], h.Sum(nil))
	return id
}

// ProgramIDFromBase58 parses a base58-encoded program id.
func ProgramIDFromBase58(s string) (ProgramID, error) {
	var id ProgramID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != IDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], data)
	return id, nil
}

// ProgramIDFromBytes creates a ProgramID from a byte slice.
func ProgramIDFromBytes(b []byte) (ProgramID, error) {
	var id ProgramID
	if len(b) != IDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ProgramID) String() string {
	return base58.Encode(id[:])
}

// IsZero returns true if the id is all zeros.
func (id ProgramID) IsZero() bool {
	return id == ProgramID{}
}

// Bytes returns the id as a byte slice.
func (id ProgramID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ProgramID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ProgramID) UnmarshalText(text []byte) error {
	parsed, err := ProgramIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
