package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SeedManager holds the operator's server seed. Each round derives its own
// seed from it; the round seed's hash is committed at round start and the
// seed itself revealed at settlement so outcomes can be replayed.
type SeedManager struct {
	mu         sync.RWMutex
	serverSeed string
	rotatedAt  time.Time
}

func NewSeedManager() *SeedManager {
	return &SeedManager{
		serverSeed: generateSeed(),
		rotatedAt:  time.Now(),
	}
}

// Rotate replaces the server seed. Rounds already committed keep their
// derived seeds; only future rounds are affected.
func (s *SeedManager) Rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverSeed = generateSeed()
	s.rotatedAt = time.Now()
}

func (s *SeedManager) RotatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rotatedAt
}

// RoundSeed derives the seed for one round from the server seed and the
// round's unique identifier.
func (s *SeedManager) RoundSeed(roundID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := hmac.New(sha256.New, []byte(s.serverSeed))
	h.Write([]byte(roundID))
	return hex.EncodeToString(h.Sum(nil))
}

// Commitment is the SHA-256 hash published before a round starts.
func Commitment(roundSeed string) string {
	sum := sha256.Sum256([]byte(roundSeed))
	return hex.EncodeToString(sum[:])
}

func generateSeed() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("fairness: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
