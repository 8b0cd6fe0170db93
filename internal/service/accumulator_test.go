package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/citylord/trajectory-engine/internal/filter"
)

func TestAccumulate(t *testing.T) {
	segments := []filter.Segment{
		{DistanceMeters: 50, Verdict: filter.VerdictNormal},
		{DistanceMeters: 200, Verdict: filter.VerdictNormal, Gap: true},
		{DistanceMeters: 100, Verdict: filter.VerdictSoftViolation},
		{DistanceMeters: 1000, Verdict: filter.VerdictHardViolation, Gap: true},
		{DistanceMeters: 0, Verdict: filter.VerdictNormal},
	}

	acc := Accumulate(segments)
	assert.InDelta(t, 250, acc.AddedMeters, 1e-9)
	assert.Equal(t, 2, acc.Contributing)
	assert.Equal(t, 1, acc.Gaps)
	assert.Equal(t, 2, acc.Excluded)
}

func TestAccumulate_Empty(t *testing.T) {
	assert.Equal(t, Accumulation{}, Accumulate(nil))
}
