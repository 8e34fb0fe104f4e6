package models

import "time"

// Physiological plausibility bounds for incoming samples. Values outside
// these ranges are retained for audit but excluded from aggregates.
const (
	MinValidSpO2      = 50
	MaxValidSpO2      = 100
	MinValidHeartRate = 25
	MaxValidHeartRate = 250
)

// Reading is one SpO2/heart-rate sample from the device, arriving at
// roughly 1 Hz. Append-only.
type Reading struct {
	ID             string
	SessionLocalID string
	Timestamp      time.Time
	SpO2           int
	HeartRate      int
	IsValid        bool
	CreatedAt      time.Time
}

// PlausibleReading reports whether the sample values fall within
// physiological bounds.
func PlausibleReading(spo2, heartRate int) bool {
	if spo2 < MinValidSpO2 || spo2 > MaxValidSpO2 {
		return false
	}
	if heartRate < MinValidHeartRate || heartRate > MaxValidHeartRate {
		return false
	}
	return true
}
