package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned when a session plan is rejected at start.
// User-correctable; the session is never created.
var ErrInvalidConfig = errors.New("invalid protocol config")

// Config is the plan for one IHHT session.
type Config struct {
	PlannedCycles         int
	HypoxicDuration       time.Duration
	HyperoxicDuration     time.Duration
	CalibrationDuration   time.Duration
	StartingAltitudeLevel int
	MinAltitudeLevel      int
	MaxAltitudeLevel      int

	// SafetyFloorSpO2 triggers an emergency abort when SpO2 stays below it
	// for SafetyWindow consecutive valid readings.
	SafetyFloorSpO2 int
	SafetyWindow    int

	// MaskLiftTimeout auto-confirms a pending mask lift so a distracted
	// user cannot stall the protocol indefinitely.
	MaskLiftTimeout time.Duration
}

// Validate checks the plan before a session is created.
func (c Config) Validate() error {
	if c.PlannedCycles < 1 {
		return fmt.Errorf("%w: planned cycles must be >= 1, got %d", ErrInvalidConfig, c.PlannedCycles)
	}
	if c.HypoxicDuration <= 0 {
		return fmt.Errorf("%w: hypoxic duration must be > 0, got %s", ErrInvalidConfig, c.HypoxicDuration)
	}
	if c.HyperoxicDuration <= 0 {
		return fmt.Errorf("%w: hyperoxic duration must be > 0, got %s", ErrInvalidConfig, c.HyperoxicDuration)
	}
	if c.CalibrationDuration < 0 {
		return fmt.Errorf("%w: calibration duration must be >= 0, got %s", ErrInvalidConfig, c.CalibrationDuration)
	}
	if c.MinAltitudeLevel > c.MaxAltitudeLevel {
		return fmt.Errorf("%w: altitude range [%d,%d] is empty", ErrInvalidConfig, c.MinAltitudeLevel, c.MaxAltitudeLevel)
	}
	if c.StartingAltitudeLevel < c.MinAltitudeLevel || c.StartingAltitudeLevel > c.MaxAltitudeLevel {
		return fmt.Errorf("%w: starting altitude %d outside [%d,%d]", ErrInvalidConfig,
			c.StartingAltitudeLevel, c.MinAltitudeLevel, c.MaxAltitudeLevel)
	}
	if c.SafetyFloorSpO2 <= 0 || c.SafetyFloorSpO2 > 100 {
		return fmt.Errorf("%w: safety floor %d outside (0,100]", ErrInvalidConfig, c.SafetyFloorSpO2)
	}
	if c.SafetyWindow < 1 {
		return fmt.Errorf("%w: safety window must be >= 1, got %d", ErrInvalidConfig, c.SafetyWindow)
	}
	if c.MaskLiftTimeout <= 0 {
		return fmt.Errorf("%w: mask lift timeout must be > 0, got %s", ErrInvalidConfig, c.MaskLiftTimeout)
	}
	return nil
}

// DefaultConfig returns the standard 3-cycle plan.
func DefaultConfig() Config {
	return Config{
		PlannedCycles:         3,
		HypoxicDuration:       7 * time.Minute,
		HyperoxicDuration:     3 * time.Minute,
		CalibrationDuration:   30 * time.Second,
		StartingAltitudeLevel: 4,
		MinAltitudeLevel:      1,
		MaxAltitudeLevel:      10,
		SafetyFloorSpO2:       80,
		SafetyWindow:          5,
		MaskLiftTimeout:       30 * time.Second,
	}
}
