// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package pow is the proof-of-work admission gate for comment
// submissions. Clients fetch a challenge secret, brute-force a nonce
// whose hash clears the difficulty target, and attach the solution to
// their submission. Challenges are single-use and expire.
package pow

import (
	"container/list"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cumments-foundation/cumments/lib/clock"
)

// Verification failure modes.
var (
	// ErrMalformed means the response is not "<secret>|<nonce>".
	ErrMalformed = errors.New("pow: malformed challenge response")

	// ErrUnknownSecret means the secret was never minted, already
	// consumed, or evicted.
	ErrUnknownSecret = errors.New("pow: unknown challenge secret")

	// ErrExpired means the challenge outlived its TTL.
	ErrExpired = errors.New("pow: challenge expired")

	// ErrInsufficientWork means the nonce does not clear the
	// difficulty target. The challenge stays live so the client can
	// keep searching.
	ErrInsufficientWork = errors.New("pow: insufficient work")
)

const (
	secretBytes     = 16
	defaultCapacity = 65536
	defaultTTL      = 10 * time.Minute
	maxDifficulty   = 64
)

// Config holds the parameters for a Gate.
type Config struct {
	// Difficulty is the required number of leading zero bits in
	// SHA-256(secret || nonce). Must be in [1, 64].
	Difficulty int

	// TTL is how long a minted challenge stays valid. Defaults to
	// 10 minutes.
	TTL time.Duration

	// Capacity bounds the number of outstanding challenges. Minting
	// beyond it evicts the oldest. Defaults to 65,536.
	Capacity int

	// Clock provides time. Required.
	Clock clock.Clock
}

// Challenge is a minted proof-of-work challenge.
type Challenge struct {
	Secret     string `json:"secret"`
	Difficulty int    `json:"difficulty"`
}

// Gate mints and verifies proof-of-work challenges. Safe for
// concurrent use; all operations are O(1) under a single mutex.
type Gate struct {
	difficulty int
	ttl        time.Duration
	capacity   int
	clock      clock.Clock

	mu      sync.Mutex
	order   *list.List               // oldest at front, *entry values
	entries map[string]*list.Element // secret → element in order
}

type entry struct {
	secret   string
	issuedAt time.Time
}

// New creates a Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Difficulty < 1 || cfg.Difficulty > maxDifficulty {
		return nil, fmt.Errorf("pow: difficulty %d outside [1, %d]", cfg.Difficulty, maxDifficulty)
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("pow: Clock is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Gate{
		difficulty: cfg.Difficulty,
		ttl:        ttl,
		capacity:   capacity,
		clock:      cfg.Clock,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}, nil
}

// Mint issues a fresh challenge and registers it for later
// verification. When the gate is at capacity, the oldest outstanding
// challenge is evicted.
func (g *Gate) Mint() (Challenge, error) {
	var raw [secretBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return Challenge{}, fmt.Errorf("pow: minting secret: %w", err)
	}
	secret := hex.EncodeToString(raw[:])

	g.mu.Lock()
	defer g.mu.Unlock()

	for g.order.Len() >= g.capacity {
		oldest := g.order.Front()
		g.order.Remove(oldest)
		delete(g.entries, oldest.Value.(*entry).secret)
	}
	g.entries[secret] = g.order.PushBack(&entry{secret: secret, issuedAt: g.clock.Now()})

	return Challenge{Secret: secret, Difficulty: g.difficulty}, nil
}

// Verify checks a "<secret>|<nonce>" response. On success the secret
// is consumed; a second verification of the same pair fails with
// ErrUnknownSecret. An expired secret is removed on sight. A valid
// secret with insufficient work stays live.
func (g *Gate) Verify(response string) error {
	secret, nonce, ok := strings.Cut(response, "|")
	if !ok || secret == "" || nonce == "" {
		return ErrMalformed
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	element, found := g.entries[secret]
	if !found {
		return ErrUnknownSecret
	}
	issued := element.Value.(*entry).issuedAt
	if g.clock.Now().Sub(issued) > g.ttl {
		g.order.Remove(element)
		delete(g.entries, secret)
		return ErrExpired
	}

	if !Solves(secret, nonce, g.difficulty) {
		return ErrInsufficientWork
	}

	g.order.Remove(element)
	delete(g.entries, secret)
	return nil
}

// Outstanding reports the number of live challenges.
func (g *Gate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order.Len()
}

// Solves reports whether SHA-256(secret || nonce) has at least
// difficulty leading zero bits.
func Solves(secret, nonce string, difficulty int) bool {
	digest := sha256.Sum256([]byte(secret + nonce))
	return leadingZeroBits(digest[:]) >= difficulty
}

func leadingZeroBits(digest []byte) int {
	bits := 0
	for _, b := range digest {
		if b == 0 {
			bits += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return bits
			}
			bits++
		}
	}
	return bits
}
