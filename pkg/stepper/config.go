// Stepper configuration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package stepper

import "tinyg-go-migration/pkg/errors"

// MotorConfig maps one motor slot to an axis and describes its
// mechanics.
type MotorConfig struct {
	// Axis is the planner axis this motor follows, -1 for an unused
	// slot.
	Axis int

	StepAngle    float64 // degrees per whole step
	Microsteps   float64 // microsteps per whole step
	TravelPerRev float64 // mm (or degrees) of travel per revolution
	Polarity     int     // 0 normal, 1 reversed

	PowerMode PowerMode
}

// StepsPerUnit returns the motor's steps per mm of axis travel.
func (c MotorConfig) StepsPerUnit() float64 {
	return (360.0 / (c.StepAngle / c.Microsteps)) / c.TravelPerRev
}

// Config holds the stepper runtime configuration.
type Config struct {
	Motors [MaxMotors]MotorConfig

	// MotorIdleTimeout is the seconds of idleness before a
	// powered-when-moving motor de-energizes.
	MotorIdleTimeout float64
}

// Validate checks motor mechanics for values the runtime cannot work
// with.
func (c Config) Validate() error {
	for i, m := range c.Motors {
		if m.Axis < 0 {
			continue
		}
		if m.StepAngle <= 0 {
			return errors.MotorConfigError(i+1, "step angle must be positive")
		}
		if m.Microsteps < 1 {
			return errors.MotorConfigError(i+1, "microsteps must be at least 1")
		}
		if m.TravelPerRev == 0 {
			return errors.MotorConfigError(i+1, "travel per revolution must be nonzero")
		}
		if m.Polarity != 0 && m.Polarity != 1 {
			return errors.MotorConfigError(i+1, "polarity must be 0 or 1")
		}
	}
	return nil
}
