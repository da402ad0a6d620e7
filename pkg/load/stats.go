package load

import (
	"math"
	"time"
)

// Decay configures exponential decay of reported loads. A Factor of zero (or
// below) keeps only the latest report.
type Decay struct {
	Factor   float64
	Interval time.Duration
}

// Stats tracks one metric's reported load with exponential decay of older
// reports.
type Stats struct {
	weightedSum float64
	sumOfWeight float64
	lastUpdate  time.Time
	reported    bool
}

// NewStats creates stats seeded with a default value that counts as a report
// made at now.
func NewStats(value uint32, now time.Time) Stats {
	return Stats{
		weightedSum: float64(value),
		sumOfWeight: 1,
		lastUpdate:  now,
	}
}

// Update records a new report. Reports older than the last one are ignored.
func (s *Stats) Update(value uint32, now time.Time, decay Decay) {
	if !s.reported || decay.Factor <= 0 || decay.Interval <= 0 || s.sumOfWeight == 0 {
		s.weightedSum = float64(value)
		s.sumOfWeight = 1
		s.lastUpdate = now
		s.reported = true
		return
	}
	if now.Before(s.lastUpdate) {
		return
	}

	elapsed := float64(now.Sub(s.lastUpdate)) / float64(decay.Interval)
	w := math.Pow(decay.Factor, elapsed)
	s.weightedSum = s.weightedSum*w + float64(value)
	s.sumOfWeight = s.sumOfWeight*w + 1
	s.lastUpdate = now
}

// Reset drops history and restores the given default value
func (s *Stats) Reset(value uint32, now time.Time) {
	*s = NewStats(value, now)
}

// Value returns the current weighted average, rounded to the nearest integer
func (s Stats) Value() uint32 {
	if s.sumOfWeight == 0 {
		return 0
	}
	v := math.Round(s.weightedSum / s.sumOfWeight)
	if v < 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

// IsReported reports whether the value came from a load report rather than
// the service default.
func (s Stats) IsReported() bool {
	return s.reported
}

// LastUpdate returns the time of the last report or reset
func (s Stats) LastUpdate() time.Time {
	return s.lastUpdate
}
