// Package siva is the kernel's narrow contract with the external SIVA
// reasoner. The kernel never reasons: it hands a persona-pinned scenario
// to a Scorer and consumes the scored outcome. The static implementation
// here exists for tests and local runs; production wires a real client.
package siva

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

// ScoreRequest pins one scenario evaluation. Seed makes the downstream
// reasoner reproducible; replays must pass the original seed.
type ScoreRequest struct {
	PersonaID     string                 `json:"persona_id"`
	PolicyVersion int                    `json:"policy_version"`
	ScenarioID    string                 `json:"scenario_id"`
	ScenarioKind  contracts.ScenarioKind `json:"scenario_kind"`
	Payload       string                 `json:"payload"`
	Seed          int64                  `json:"seed"`
}

// ScoreResult is what the reasoner did with one scenario.
type ScoreResult struct {
	Outcome   contracts.ScenarioOutcome `json:"outcome"`
	Scores    contracts.DimensionScores `json:"scores"`
	TokensIn  int                       `json:"tokens_in"`
	TokensOut int                       `json:"tokens_out"`
	LatencyMS int                       `json:"latency_ms"`
}

// Scorer is the single operation the kernel needs from the reasoner.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error)
}

// StaticScorer is a deterministic stand-in: the outcome and dimension
// scores derive from a hash of (scenario, persona, seed), so identical
// requests always score identically across runs and platforms.
type StaticScorer struct {
	// GoldenPassRatio tunes how often golden scenarios pass; kill
	// scenarios block at the complementary rate. 1.0 passes everything.
	GoldenPassRatio float64
}

// NewStaticScorer returns a scorer that passes ~95% of golden scenarios
// and blocks ~97% of kill scenarios, enough to clear promotion gates.
func NewStaticScorer() *StaticScorer {
	return &StaticScorer{GoldenPassRatio: 0.95}
}

// Score derives a deterministic result from the request alone.
func (s *StaticScorer) Score(_ context.Context, req ScoreRequest) (*ScoreResult, error) {
	h := sha256.New()
	h.Write([]byte(req.ScenarioID))
	h.Write([]byte(req.PersonaID))
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], uint64(req.Seed))
	h.Write(seed[:])
	sum := h.Sum(nil)

	// roll in [0,1) from the first 8 digest bytes.
	roll := float64(binary.BigEndian.Uint64(sum[:8])>>11) / float64(1<<53)

	ratio := s.GoldenPassRatio
	if ratio <= 0 {
		ratio = 0.95
	}

	res := &ScoreResult{
		TokensIn:  800 + int(sum[8])*4,
		TokensOut: 200 + int(sum[9])*2,
		LatencyMS: 150 + int(sum[10]),
	}

	switch req.ScenarioKind {
	case contracts.ScenarioKill:
		// Kill scenarios should be blocked; high dimension scores mean
		// the reasoner contained the trap.
		if roll < ratio+0.02 {
			res.Outcome = contracts.OutcomeBlock
			res.Scores = deriveScores(sum, 3.5, 1.5)
		} else {
			res.Outcome = contracts.OutcomeFail
			res.Scores = deriveScores(sum, 1.0, 1.5)
		}
	default:
		if roll < ratio {
			res.Outcome = contracts.OutcomePass
			res.Scores = deriveScores(sum, 3.5, 1.5)
		} else {
			res.Outcome = contracts.OutcomeFail
			res.Scores = deriveScores(sum, 1.0, 1.5)
		}
	}
	return res, nil
}

// deriveScores spreads eight digest bytes across [base, base+spread],
// clamped to the [1,5] dimension range.
func deriveScores(sum []byte, base, spread float64) contracts.DimensionScores {
	at := func(i int) float64 {
		v := base + spread*float64(sum[16+i])/255
		if v < 1 {
			v = 1
		}
		if v > 5 {
			v = 5
		}
		return v
	}
	return contracts.DimensionScores{
		Qualification:        at(0),
		NeedsDiscovery:       at(1),
		ValueArticulation:    at(2),
		ObjectionHandling:    at(3),
		ProcessAdherence:     at(4),
		Compliance:           at(5),
		RelationshipBuilding: at(6),
		NextStepSecured:      at(7),
	}
}
