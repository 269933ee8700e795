package session

import (
	"fmt"

	"github.com/Driftline-Labs/accord/pkg/canonicalize"
)

const genesisHash = "genesis"

// Move is one entry in a session's ordered, hash-chained move log.
type Move struct {
	Originator  string         `json:"originator"`
	Payload     map[string]any `json:"movePayload"`
	Sequence    uint64         `json:"moveSequence"`
	Timestamp   int64          `json:"timestamp"`
	ContentHash string         `json:"contentHash"`
	PrevHash    string         `json:"prevHash"`
}

// moveLog is an append-only log where each entry carries the digest of its
// predecessor, making any rewrite of history detectable.
type moveLog struct {
	entries  []Move
	headHash string
}

func newMoveLog() *moveLog {
	return &moveLog{headHash: genesisHash}
}

func (l *moveLog) append(originator string, payload map[string]any, sequence uint64, timestamp int64) (Move, error) {
	contentHash, err := canonicalize.CanonicalHash(map[string]any{
		"originator": originator,
		"payload":    payload,
		"sequence":   sequence,
		"prev":       l.headHash,
	})
	if err != nil {
		return Move{}, fmt.Errorf("session: hash move %d: %w", sequence, err)
	}

	move := Move{
		Originator:  originator,
		Payload:     payload,
		Sequence:    sequence,
		Timestamp:   timestamp,
		ContentHash: contentHash,
		PrevHash:    l.headHash,
	}
	l.entries = append(l.entries, move)
	l.headHash = contentHash
	return move, nil
}

func (l *moveLog) length() int { return len(l.entries) }

func (l *moveLog) head() string { return l.headHash }

// verify walks the chain and reports the first break, if any.
func (l *moveLog) verify() (bool, string) {
	prev := genesisHash
	for i, move := range l.entries {
		if move.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at move %d: expected prev %s, got %s", i, prev, move.PrevHash)
		}
		recomputed, err := canonicalize.CanonicalHash(map[string]any{
			"originator": move.Originator,
			"payload":    move.Payload,
			"sequence":   move.Sequence,
			"prev":       move.PrevHash,
		})
		if err != nil {
			return false, fmt.Sprintf("move %d not hashable: %v", i, err)
		}
		if recomputed != move.ContentHash {
			return false, fmt.Sprintf("content mismatch at move %d", i)
		}
		prev = move.ContentHash
	}
	return true, ""
}
