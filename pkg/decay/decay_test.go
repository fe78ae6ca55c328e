package decay_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentmesh/memcore-go/pkg/decay"
)

func TestEffective_FreshValueUnchanged(t *testing.T) {
	now := time.Now()

	assert.Equal(t, 0.8, decay.Effective(0.8, now, now))
	assert.Equal(t, 0.8, decay.Effective(0.8, now.Add(-24*time.Hour), now))
	assert.Equal(t, 0.8, decay.Effective(0.8, now.Add(-89*24*time.Hour), now))
}

func TestEffective_ExactlyAtThreshold(t *testing.T) {
	now := time.Now()

	// 90 days old: at the threshold but no whole week past it yet.
	assert.Equal(t, 0.8, decay.Effective(0.8, now.Add(-90*24*time.Hour), now))

	// 96 days old: six days past the threshold, still under one week.
	assert.Equal(t, 0.8, decay.Effective(0.8, now.Add(-96*24*time.Hour), now))
}

func TestEffective_OneWeekPastThreshold(t *testing.T) {
	now := time.Now()

	// 97 days = 90 + 7: exactly one whole week of decay.
	got := decay.Effective(0.8, now.Add(-97*24*time.Hour), now)
	assert.InDelta(t, 0.72, got, 1e-9)
}

func TestEffective_MultipleWeeks(t *testing.T) {
	now := time.Now()

	// 90 + 21 days: three whole weeks, 0.8 * 0.9^3.
	got := decay.Effective(0.8, now.Add(-111*24*time.Hour), now)
	assert.InDelta(t, 0.8*0.9*0.9*0.9, got, 1e-9)
}

func TestEffective_NeverNegative(t *testing.T) {
	now := time.Now()

	got := decay.Effective(1.0, now.Add(-10*365*24*time.Hour), now)
	assert.Greater(t, got, 0.0)
	assert.Less(t, got, 0.01)
}

func TestShouldArchive(t *testing.T) {
	now := time.Now()

	// Fresh high-importance entry stays.
	assert.False(t, decay.ShouldArchive(0.8, now, now))

	// Fresh but already below the floor.
	assert.True(t, decay.ShouldArchive(0.1, now, now))

	// 0.25 decays below the 0.2 floor after enough stale weeks:
	// 0.25 * 0.9^3 = 0.182.
	lastTouched := now.Add(-(90 + 21) * 24 * time.Hour)
	assert.True(t, decay.ShouldArchive(0.25, lastTouched, now))

	// The same value one week earlier is still above the floor.
	lastTouched = now.Add(-(90 + 14) * 24 * time.Hour)
	assert.False(t, decay.ShouldArchive(0.25, lastTouched, now))
}
