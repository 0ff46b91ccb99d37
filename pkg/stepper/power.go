// Motor power management
//
// Motors that only hold torque while moving are de-energized after an
// idle timeout. The load stage arms the timeout; a reactor timer walks
// the state machine from InitiateTimeout through CountdownTimeout to
// Idle, dropping the enable line when the deadline passes.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package stepper

// PowerMode selects how a motor's enable line is managed.
type PowerMode int

const (
	// MotorDisabled never energizes the motor.
	MotorDisabled PowerMode = iota

	// MotorPoweredWhenMoving energizes during moves and drops the
	// enable line after the idle timeout.
	MotorPoweredWhenMoving

	// MotorAlwaysPowered holds torque from the first move onward.
	MotorAlwaysPowered
)

type motorState int

const (
	motorOff motorState = iota
	motorInitiateTimeout
	motorCountdownTimeout
	motorIdle
	motorRunning
)

const (
	motorTimeoutMin = 0.1    // seconds
	motorTimeoutMax = 4200.0 // seconds

	powerPollInterval = 0.1 // seconds
)

type motorPower struct {
	state    motorState
	deadline float64 // reactor time, valid in CountdownTimeout
}

func (st *Stepper) energizeMotor(motor int) {
	if st.cfg.Motors[motor].PowerMode == MotorDisabled {
		return
	}
	st.sink.Energize(motor, true)
}

func (st *Stepper) deenergizeMotor(motor int) {
	st.sink.Energize(motor, false)
	st.motors[motor].state = motorOff
}

// EnergizeAll powers every enabled motor and arms its idle timeout.
// Used at cycle start and after clearing an alarm.
func (st *Stepper) EnergizeAll() {
	for motor := range st.motors {
		if st.cfg.Motors[motor].PowerMode == MotorDisabled {
			continue
		}
		st.energizeMotor(motor)
		st.motors[motor].state = motorInitiateTimeout
	}
}

// DeenergizeAll drops all enable lines immediately. Used on alarm and
// shutdown.
func (st *Stepper) DeenergizeAll() {
	for motor := range st.motors {
		st.deenergizeMotor(motor)
	}
}

// MotorEnergized reports whether a motor's enable line is currently
// asserted.
func (st *Stepper) MotorEnergized(motor int) bool {
	switch st.motors[motor].state {
	case motorRunning, motorInitiateTimeout, motorCountdownTimeout:
		return true
	}
	return false
}

// MotorPowerCallback walks the idle timeout state machine. Registered
// as a reactor timer; eventtime is the reactor clock in seconds.
func (st *Stepper) MotorPowerCallback(eventtime float64) float64 {
	for motor := range st.motors {
		mp := &st.motors[motor]
		switch mp.state {
		case motorInitiateTimeout:
			mp.deadline = eventtime + st.motorTimeout()
			mp.state = motorCountdownTimeout

		case motorCountdownTimeout:
			if eventtime >= mp.deadline {
				st.logger.Debug("motor %d idle timeout, de-energizing", motor+1)
				st.deenergizeMotor(motor)
				mp.state = motorIdle
			}
		}
	}
	return eventtime + powerPollInterval
}

func (st *Stepper) motorTimeout() float64 {
	timeout := st.cfg.MotorIdleTimeout
	if timeout < motorTimeoutMin {
		timeout = motorTimeoutMin
	}
	if timeout > motorTimeoutMax {
		timeout = motorTimeoutMax
	}
	return timeout
}
