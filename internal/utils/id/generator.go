package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces prefixed identifiers for runs, sessions, and workers.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.setStrategy(strategy)
}

func (g *Generator) setStrategy(strategy Strategy) {
	g.mu.Lock()
	g.strategy = strategy
	g.mu.Unlock()
}

// NewRunID generates a run identifier.
func NewRunID() string {
	return defaultGenerator.newIdentifier("run")
}

// NewSessionID generates a session identifier.
func NewSessionID() string {
	return defaultGenerator.newIdentifier("sess")
}

// NewQuestionID generates a human-loop question identifier.
func NewQuestionID() string {
	return defaultGenerator.newIdentifier("q")
}

// NewEventID generates a callback event identifier.
func NewEventID() string {
	return defaultGenerator.newIdentifier("evt")
}

// NewChatID generates a chat session identifier.
func NewChatID() string {
	return defaultGenerator.newIdentifier("chat")
}

// NewWorkerOwnerID generates an orchestrator worker (lease owner) identifier.
func NewWorkerOwnerID() string {
	return defaultGenerator.newIdentifier("orch")
}

// NewTraceID generates a 32-hex-char trace identifier for outbound calls
// that are not under an active sampled span.
func NewTraceID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ksuid.New().String()
	}
	return hex.EncodeToString(b[:])
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		fallthrough
	case StrategyKSUID:
		body = ksuid.New().String()
	default:
		body = ksuid.New().String()
	}

	return fmt.Sprintf("%s-%s", prefix, body)
}

// NewKSUID exposes raw KSUID generation for callers that need unprefixed identifiers.
func NewKSUID() string {
	return ksuid.New().String()
}

// NewUUIDv7 exposes raw UUIDv7 generation for callers that need unprefixed identifiers.
func NewUUIDv7() string {
	uuidv7, err := uuid.NewV7()
	if err != nil {
		return ""
	}
	return uuidv7.String()
}
