// Package decay defines the shared staleness convention for importance and
// confidence scores.
//
// The convention: a score untouched for more than StaleAfter loses DecayStep
// (10%) per whole week past that threshold. Anything that falls below
// ArchiveFloor is archived (excluded from search, never deleted). Any
// reinforcement resets the clock. Adjacent structured-fact stores may reuse
// these parameters for consistency; this package does not depend on them.
package decay

import (
	"math"
	"time"
)

const (
	// StaleAfter is how long a score holds its value untouched.
	StaleAfter = 90 * 24 * time.Hour

	// DecayStep is the fraction lost per whole week past StaleAfter.
	DecayStep = 0.10

	// ArchiveFloor is the score below which an item is archived.
	ArchiveFloor = 0.2
)

// Effective returns the current value of a score given when it was last
// reinforced.
//
// Within StaleAfter the stored value is returned unchanged. Past it, the
// value is multiplied by (1 - DecayStep) once per whole elapsed week, so a
// 0.8 score 97 days old evaluates to 0.8 * 0.9 = 0.72. The stored value is
// never mutated by evaluation; reinforcement resets lastTouched and restores
// full standing.
func Effective(value float64, lastTouched, now time.Time) float64 {
	stale := now.Sub(lastTouched) - StaleAfter
	if stale <= 0 {
		return value
	}

	weeks := int(stale / (7 * 24 * time.Hour))
	if weeks <= 0 {
		return value
	}

	return value * math.Pow(1.0-DecayStep, float64(weeks))
}

// ShouldArchive reports whether a score has decayed below ArchiveFloor.
func ShouldArchive(value float64, lastTouched, now time.Time) bool {
	return Effective(value, lastTouched, now) < ArchiveFloor
}
