// Package config holds typed, atomically-swappable runtime configuration,
// grounded on the teacher's own config split (internal/config/config.go for
// the Config struct and defaults, pkg/config/global.go for the atomic
// snapshot accessor).
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"sync/atomic"
	"time"
)

// PieceDownloadStrategy selects which of the Piece Selector's (C4)
// strategies the engine consults. Non-goal: endgame mode is never entered
// regardless of strategy.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategyDistributed is spec.md's "Distributed" strategy:
	// round-robin over holders, shuffled output.
	PieceDownloadStrategyDistributed PieceDownloadStrategy = iota
	// PieceDownloadStrategyRarestFirst is spec.md's "Rarest-first" strategy.
	PieceDownloadStrategyRarestFirst
)

// Config holds the client's tunables. A Config value is immutable once
// published via Init; callers that need to change settings build a new
// value and Init it.
type Config struct {
	// Identity
	ClientID [sha1.Size]byte

	// Networking
	ListenPort   uint16
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxPeers     int

	// Tracker
	NumWant          uint32
	AnnounceBackoff  time.Duration
	MaxAnnounceRetry int

	// Piece selection
	DownloadStrategy PieceDownloadStrategy

	// Fabric
	ReaderYieldRounds int
	ReaderIdleSleep   time.Duration

	// Debug
	MockPeers bool
	Debug     bool
}

const clientTag = "-RB0001-"

// GenerateClientID builds a 20-byte peer identity: an 8-byte client tag
// (spec.md §3 PeerIdentity) followed by 12 random bytes.
func GenerateClientID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte
	copy(id[:], clientTag)

	if _, err := rand.Read(id[len(clientTag):]); err != nil {
		return [sha1.Size]byte{}, err
	}
	return id, nil
}

// Default returns the reference configuration from spec.md §6: port 6882,
// rarest-first selection, real tracker announces (MockPeers=false).
func Default() (Config, error) {
	clientID, err := GenerateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		ClientID:          clientID,
		ListenPort:        6882,
		DialTimeout:       7 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      100 * time.Millisecond,
		MaxPeers:          50,
		NumWant:           50,
		AnnounceBackoff:   1 * time.Second,
		MaxAnnounceRetry:  0, // retry forever, per spec.md §7 TrackerUnreachable
		DownloadStrategy:  PieceDownloadStrategyRarestFirst,
		ReaderYieldRounds: 32,
		ReaderIdleSleep:   10 * time.Millisecond,
	}, nil
}

var current atomic.Pointer[Config]

// Init publishes cfg as the global snapshot.
func Init(cfg Config) { current.Store(&cfg) }

// Load returns the current config snapshot. Treat the result as read-only.
func Load() *Config { return current.Load() }
