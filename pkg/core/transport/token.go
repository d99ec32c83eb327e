// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TokenKind separates the token sequences of independent users of the transport.
type TokenKind uint8

const (
	// TokenKindData tags bulk data collectives (boxing).
	TokenKindData TokenKind = iota

	// TokenKindCheck tags consistency checks.
	TokenKindCheck

	// TokenKindControl tags control-plane exchanges.
	TokenKindControl
)

// String implements fmt.Stringer.
func (k TokenKind) String() string {
	switch k {
	case TokenKindData:
		return "data"
	case TokenKindCheck:
		return "check"
	case TokenKindControl:
		return "control"
	}
	return fmt.Sprintf("TokenKind(%d)", int(k))
}

// tokenNamespace is the UUID namespace for name-based tokens.
var tokenNamespace = uuid.MustParse("7b3e6f0a-4a1c-5d62-9e8b-2f41c0a9d513")

// Token tags the frames of one point-to-point transfer or of one ring step, so that a receiver can
// match the frame it is waiting for.
//
// Tokens are name-based UUIDs (uuid.NewSHA1) derived from a kind and a sequence number: every rank that
// issues the same collectives in the same order derives the same tokens, without any coordination.
type Token uuid.UUID

// NewToken returns the token for the given kind and sequence number.
func NewToken(kind TokenKind, seq uint64) Token {
	return Token(uuid.NewSHA1(tokenNamespace, []byte(fmt.Sprintf("%s/%d", kind, seq))))
}

// TokenFromBytes parses a token serialized with Token.Bytes.
func TokenFromBytes(data []byte) (Token, error) {
	id, err := uuid.FromBytes(data)
	if err != nil {
		return Token{}, errors.Wrap(err, "invalid transport token")
	}
	return Token(id), nil
}

// Bytes serializes the token (16 bytes).
func (t Token) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, t[:])
	return b
}

// String implements fmt.Stringer.
func (t Token) String() string { return uuid.UUID(t).String() }

// TokenSequencer hands out tokens with increasing sequence numbers, one sequence per TokenKind.
//
// Each rank owns one TokenSequencer; as long as all ranks issue collectives of a kind in the same
// order, they obtain matching tokens. It is safe for concurrent use, but concurrent collectives of the
// same kind would get tokens in a non-deterministic order, so callers serialize them.
type TokenSequencer struct {
	mu   sync.Mutex
	next map[TokenKind]uint64
}

// NewTokenSequencer returns a sequencer starting at 0 for every kind.
func NewTokenSequencer() *TokenSequencer {
	return &TokenSequencer{next: make(map[TokenKind]uint64)}
}

// Next returns the next token of the given kind.
func (s *TokenSequencer) Next(kind TokenKind) Token {
	s.mu.Lock()
	seq := s.next[kind]
	s.next[kind] = seq + 1
	s.mu.Unlock()
	return NewToken(kind, seq)
}
