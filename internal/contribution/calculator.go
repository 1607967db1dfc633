package contribution

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNoParticipants is returned when a split is requested with no shares.
	ErrNoParticipants = errors.New("contribution: at least one participant is required")
	// ErrNegativePool is returned when the pool amount is negative.
	ErrNegativePool = errors.New("contribution: pool amount must not be negative")
	// ErrSplitTypeMismatch indicates participants carry different split types.
	ErrSplitTypeMismatch = errors.New("contribution: all participants must share one split type")
	// ErrPercentSumInvalid indicates the percentage shares do not sum to 100%.
	ErrPercentSumInvalid = errors.New("contribution: percentages must sum to exactly 100%")
	// ErrFixedSumMismatch indicates fixed amounts do not add up to the pool.
	ErrFixedSumMismatch = errors.New("contribution: fixed amounts must sum to the pool")
	// ErrMissingTimeData indicates a participant reported no minutes for a time split.
	ErrMissingTimeData = errors.New("contribution: every participant must report minutes spent")
	// ErrDuplicateStaff indicates the same staff member appears twice in one split.
	ErrDuplicateStaff = errors.New("contribution: duplicate staff in split")
	// ErrInvariantViolation indicates computed shares broke the exact-sum
	// guarantee. This is a logic bug, never a business condition.
	ErrInvariantViolation = errors.New("contribution: computed shares violate exact-sum invariant")
)

// SplitType selects the allocation strategy for one line item.
type SplitType string

const (
	SplitPercentage SplitType = "percentage"
	SplitFixed      SplitType = "fixed"
	SplitEqual      SplitType = "equal"
	SplitTime       SplitType = "time"
	SplitHybrid     SplitType = "hybrid"
)

// Valid reports whether the split type is one of the supported strategies.
func (t SplitType) Valid() bool {
	switch t {
	case SplitPercentage, SplitFixed, SplitEqual, SplitTime, SplitHybrid:
		return true
	}
	return false
}

// Share is one staff member's stake in a line item's revenue. PercentBps uses
// basis points (100% = 10000) so the arithmetic stays integral. Amount is
// filled in by Calculate.
type Share struct {
	StaffID     uuid.UUID
	Type        SplitType
	PercentBps  int32
	FixedAmount int64
	Minutes     int32
	Role        string
	Amount      int64
}

// Weights describes how a hybrid split divides the pool between its base
// percentage, time, and skill sub-pools. Values are basis points summing to
// 10000.
type Weights struct {
	BaseBps  int32
	TimeBps  int32
	SkillBps int32
}

// DefaultWeights is the 40/30/30 hybrid division used when none is configured.
var DefaultWeights = Weights{BaseBps: 4000, TimeBps: 3000, SkillBps: 3000}

// Calculator distributes a pool of money across staff shares. The skill table
// is read-only configuration injected at startup.
type Calculator struct {
	Hybrid             Weights
	SkillWeights       map[string]int64
	NeutralSkillWeight int64
}

// Calculate fills the Amount on every share so that amounts sum exactly to
// pool. The result is deterministic: ties and remainders resolve by input
// order, never by map iteration.
func (c *Calculator) Calculate(pool int64, shares []Share) ([]Share, error) {
	if pool < 0 {
		return nil, ErrNegativePool
	}
	if len(shares) == 0 {
		return nil, ErrNoParticipants
	}
	splitType := shares[0].Type
	if !splitType.Valid() {
		return nil, fmt.Errorf("%w: unknown split type %q", ErrSplitTypeMismatch, splitType)
	}
	seen := make(map[uuid.UUID]struct{}, len(shares))
	for _, sh := range shares {
		if sh.Type != splitType {
			return nil, ErrSplitTypeMismatch
		}
		if _, dup := seen[sh.StaffID]; dup {
			return nil, ErrDuplicateStaff
		}
		seen[sh.StaffID] = struct{}{}
	}

	out := make([]Share, len(shares))
	copy(out, shares)

	var err error
	switch splitType {
	case SplitPercentage:
		err = c.percentage(pool, out)
	case SplitFixed:
		err = c.fixed(pool, out)
	case SplitEqual:
		c.equal(pool, out)
	case SplitTime:
		err = c.timeBased(pool, out)
	case SplitHybrid:
		err = c.hybrid(pool, out)
	}
	if err != nil {
		return nil, err
	}
	if err := validate(pool, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Calculator) percentage(pool int64, shares []Share) error {
	var sum int64
	for _, sh := range shares {
		if sh.PercentBps < 0 {
			return ErrPercentSumInvalid
		}
		sum += int64(sh.PercentBps)
	}
	if sum != 10000 {
		return ErrPercentSumInvalid
	}
	for i := range shares {
		shares[i].Amount = pool * int64(shares[i].PercentBps) / 10000
	}
	topUpLargest(pool, shares)
	return nil
}

func (c *Calculator) fixed(pool int64, shares []Share) error {
	var sum int64
	for _, sh := range shares {
		sum += sh.FixedAmount
	}
	if sum != pool {
		return ErrFixedSumMismatch
	}
	for i := range shares {
		shares[i].Amount = shares[i].FixedAmount
	}
	return nil
}

func (c *Calculator) equal(pool int64, shares []Share) {
	n := int64(len(shares))
	each := pool / n
	for i := range shares {
		shares[i].Amount = each
	}
	// remainder goes to the first participant in input order
	shares[0].Amount += pool - each*n
}

func (c *Calculator) timeBased(pool int64, shares []Share) error {
	var total int64
	for _, sh := range shares {
		if sh.Minutes <= 0 {
			return ErrMissingTimeData
		}
		total += int64(sh.Minutes)
	}
	for i := range shares {
		shares[i].Amount = pool * int64(shares[i].Minutes) / total
	}
	topUpLargest(pool, shares)
	return nil
}

func (c *Calculator) hybrid(pool int64, shares []Share) error {
	weights := c.Hybrid
	if weights.BaseBps+weights.TimeBps+weights.SkillBps != 10000 {
		weights = DefaultWeights
	}
	basePool := pool * int64(weights.BaseBps) / 10000
	timePool := pool * int64(weights.TimeBps) / 10000
	skillPool := pool - basePool - timePool

	var percentSum, minuteSum, weightSum int64
	skill := make([]int64, len(shares))
	for i, sh := range shares {
		if sh.PercentBps < 0 {
			return ErrPercentSumInvalid
		}
		percentSum += int64(sh.PercentBps)
		if sh.Minutes <= 0 {
			return ErrMissingTimeData
		}
		minuteSum += int64(sh.Minutes)
		skill[i] = c.skillWeight(sh.Role)
		weightSum += skill[i]
	}
	if percentSum != 10000 {
		return ErrPercentSumInvalid
	}

	for i := range shares {
		amount := basePool * int64(shares[i].PercentBps) / 10000
		amount += timePool * int64(shares[i].Minutes) / minuteSum
		amount += skillPool * skill[i] / weightSum
		shares[i].Amount = amount
	}
	// single reconciliation over the combined amounts
	topUpLargest(pool, shares)
	return nil
}

func (c *Calculator) skillWeight(role string) int64 {
	if w, ok := c.SkillWeights[role]; ok && w > 0 {
		return w
	}
	if c.NeutralSkillWeight > 0 {
		return c.NeutralSkillWeight
	}
	return 100
}

// topUpLargest adds the floor-division shortfall to the participant with the
// largest computed amount; the first such participant in input order wins ties.
func topUpLargest(pool int64, shares []Share) {
	var sum int64
	for _, sh := range shares {
		sum += sh.Amount
	}
	shortfall := pool - sum
	if shortfall == 0 {
		return
	}
	maxIdx := 0
	for i := 1; i < len(shares); i++ {
		if shares[i].Amount > shares[maxIdx].Amount {
			maxIdx = i
		}
	}
	shares[maxIdx].Amount += shortfall
}

func validate(pool int64, shares []Share) error {
	var sum int64
	seen := make(map[uuid.UUID]struct{}, len(shares))
	for _, sh := range shares {
		if sh.Amount < 0 {
			return fmt.Errorf("%w: negative amount for staff %s", ErrInvariantViolation, sh.StaffID)
		}
		if _, dup := seen[sh.StaffID]; dup {
			return fmt.Errorf("%w: duplicate staff %s", ErrInvariantViolation, sh.StaffID)
		}
		seen[sh.StaffID] = struct{}{}
		sum += sh.Amount
	}
	if sum != pool {
		return fmt.Errorf("%w: amounts sum to %d, pool is %d", ErrInvariantViolation, sum, pool)
	}
	return nil
}
