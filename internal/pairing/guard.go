package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

const (
	// lockout policy
	maxFailedAttempts = 5
	lockoutWindow     = 300 * time.Second
	// attempt tracking is bounded so a flood of distinct client
	// identities cannot grow the map without limit
	maxTrackedClients = 1024
)

var (
	ErrPairingDisabled = errors.New("pairing is not enabled")
	ErrAlreadyPaired   = errors.New("already paired")
	ErrInvalidCode     = errors.New("invalid pairing code")
)

// LockedError reports a client identity locked out after repeated
// failed pairing attempts.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("too many failed attempts, retry in %ds", int(e.RetryAfter.Seconds()))
}

// Config describes a Guard. Required is fixed at construction.
type Config struct {
	Required  bool
	TokenFile string
}

// Status is the public pairing state. PairingCode is only present while
// pairing is required and no token has ever been issued.
type Status struct {
	PairingRequired bool   `json:"pairing_required"`
	Paired          bool   `json:"paired"`
	PairingCode     string `json:"pairing_code,omitempty"`
}

type attemptRecord struct {
	count     int
	lockedAt  time.Time
	firstSeen time.Time
}

// Guard gates sensitive operations behind a one-time pairing handshake
// and persistent bearer tokens. Tokens are persisted as one-way hashes;
// lockout bookkeeping is in memory only.
type Guard struct {
	cfg Config

	mu       sync.Mutex
	loaded   bool
	hashes   map[string]struct{}
	code     string
	consumed bool // code was exchanged for a token; never regenerate
	attempts map[string]*attemptRecord

	now func() time.Time // test hook
}

func New(cfg Config) *Guard {
	return &Guard{
		cfg:      cfg,
		hashes:   make(map[string]struct{}),
		attempts: make(map[string]*attemptRecord),
		now:      time.Now,
	}
}

// Status lazily loads persisted tokens on first use. A pairing code is
// generated (or a pending one kept) iff pairing is required and zero
// tokens exist; once any token exists the code is never exposed again.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loadLocked()

	st := Status{PairingRequired: g.cfg.Required, Paired: len(g.hashes) > 0}
	if g.cfg.Required && len(g.hashes) == 0 && !g.consumed {
		if g.code == "" {
			g.code = generateCode()
		}
		st.PairingCode = g.code
	}
	return st
}

// IsAuthenticated reports whether token grants access. Always true when
// pairing is not required. Empty or whitespace tokens are rejected.
func (g *Guard) IsAuthenticated(token string) bool {
	if !g.cfg.Required {
		return true
	}
	if strings.TrimSpace(token) == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loadLocked()
	_, ok := g.hashes[hashToken(token)]
	return ok
}

// TryPair exchanges a pairing code for a new bearer token. The plaintext
// token is returned exactly once; only its hash is persisted. The code is
// single-use: a successful pairing clears it permanently.
func (g *Guard) TryPair(code, clientIdentity string) (string, error) {
	if !g.cfg.Required {
		return "", ErrPairingDisabled
	}
	if clientIdentity == "" {
		clientIdentity = "unknown"
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.loadLocked()

	if remaining := g.lockRemainingLocked(clientIdentity); remaining > 0 {
		return "", &LockedError{RetryAfter: remaining}
	}

	// Surface pairing status before code comparison: no pending code
	// means a token was already issued.
	if g.code == "" {
		// ensure a code exists for a fresh guard queried via TryPair first
		if len(g.hashes) == 0 && !g.consumed {
			g.code = generateCode()
		} else {
			return "", ErrAlreadyPaired
		}
	}

	if strings.TrimSpace(code) != g.code {
		if locked := g.recordFailureLocked(clientIdentity); locked > 0 {
			return "", &LockedError{RetryAfter: locked}
		}
		return "", ErrInvalidCode
	}

	// Success: mint a token, persist its hash, retire the code.
	delete(g.attempts, clientIdentity)
	token := generateToken()
	g.hashes[hashToken(token)] = struct{}{}
	if err := g.saveLocked(); err != nil {
		// roll back so a retry with the same code can succeed
		delete(g.hashes, hashToken(token))
		return "", fmt.Errorf("persist token: %w", err)
	}
	g.code = ""
	g.consumed = true
	return token, nil
}

// lockRemainingLocked returns the remaining lockout for identity, expiring
// stale lockouts as a side effect.
func (g *Guard) lockRemainingLocked(identity string) time.Duration {
	rec, ok := g.attempts[identity]
	if !ok || rec.lockedAt.IsZero() {
		return 0
	}
	elapsed := g.now().Sub(rec.lockedAt)
	if elapsed >= lockoutWindow {
		// window elapsed: counting resumes from zero
		delete(g.attempts, identity)
		return 0
	}
	return lockoutWindow - elapsed
}

// recordFailureLocked bumps the failure counter for identity and returns a
// positive duration when this failure crossed the lockout threshold.
func (g *Guard) recordFailureLocked(identity string) time.Duration {
	rec, ok := g.attempts[identity]
	if !ok {
		g.evictOldestLocked()
		rec = &attemptRecord{firstSeen: g.now()}
		g.attempts[identity] = rec
	}
	rec.count++
	if rec.count >= maxFailedAttempts {
		rec.lockedAt = g.now()
		return lockoutWindow
	}
	return 0
}

func (g *Guard) evictOldestLocked() {
	if len(g.attempts) < maxTrackedClients {
		return
	}
	oldestKey := ""
	var oldest time.Time
	for k, rec := range g.attempts {
		if oldestKey == "" || rec.firstSeen.Before(oldest) {
			oldestKey = k
			oldest = rec.firstSeen
		}
	}
	delete(g.attempts, oldestKey)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// generateCode returns a random 6-digit pairing code.
func generateCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		// crypto/rand failure is unrecoverable for code generation
		panic(fmt.Sprintf("pairing: entropy unavailable: %v", err))
	}
	return fmt.Sprintf("%06d", n.Int64())
}

// generateToken returns a random 32-byte bearer token encoded as hex.
func generateToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("pairing: entropy unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
