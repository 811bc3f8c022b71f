package candidates

import (
	"time"

	"github.com/google/uuid"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// Candidate is one trigger-backed unit of work flowing through the
// filter/evidence/AI/decision pipeline (spec §9.2).
type Candidate struct {
	CandidateID    string
	MarketID       string
	SnapshotID     string
	CreatedAtUTC   time.Time
	UpdatedAtUTC   time.Time
	TriggerReasons []TriggerType
	Status         Status
	FilterReason   *polyconst.NoTradeReason
	DecidedAtUTC   *time.Time
	DecisionIDHex  *string
}

// New constructs a fresh NEW candidate from a set of fired triggers.
func New(marketID, snapshotID string, triggers []TriggerType, now time.Time) *Candidate {
	return &Candidate{
		CandidateID:    uuid.NewString(),
		MarketID:       marketID,
		SnapshotID:     snapshotID,
		CreatedAtUTC:   now,
		UpdatedAtUTC:   now,
		TriggerReasons: triggers,
		Status:         StatusNew,
	}
}

// SetStatus transitions the candidate's status, recording a NO_TRADE
// filter reason and/or decision linkage where applicable.
func (c *Candidate) SetStatus(status Status, filterReason *polyconst.NoTradeReason, decisionIDHex *string, now time.Time) {
	c.Status = status
	if filterReason != nil {
		c.FilterReason = filterReason
	}
	if status == StatusDecided {
		c.DecidedAtUTC = &now
	}
	if decisionIDHex != nil {
		c.DecisionIDHex = decisionIDHex
	}
	c.UpdatedAtUTC = now
}

// IsExpired reports whether the candidate has exceeded CandidateMaxAgeSec
// without reaching a terminal status.
func (c *Candidate) IsExpired(now time.Time) bool {
	age := now.Sub(c.CreatedAtUTC).Seconds()
	return age > polyconst.CandidateMaxAgeSec
}
