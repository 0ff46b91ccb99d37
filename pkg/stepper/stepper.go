// Stepper runtime
//
// Three-stage step generation pipeline. The exec stage slices planned
// moves into segments and prepares the next move in the prep buffer
// while the loader/runtime executes the current one. An ownership flag
// hands the prep buffer back and forth so the loader never observes a
// partially written move. Step pulses come out of an integer DDA that
// carries its fractional position in a substep accumulator across
// segment boundaries, so the steps emitted over a move equal the
// rounded steps-space travel.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package stepper

import (
	"math"

	"tinyg-go-migration/pkg/errors"
	"tinyg-go-migration/pkg/log"
)

const (
	// MaxMotors is the number of motor slots in the runtime.
	MaxMotors = 6

	// FrequencyDDA is the step pulse clock rate in Hz.
	FrequencyDDA = 100000.0

	// FrequencyDwell is the dwell countdown clock rate in Hz.
	FrequencyDwell = 1000.0

	// DDASubsteps scales the DDA accumulator for fractional step
	// resolution.
	DDASubsteps = 100000

	microsecondsPerSecond = 1000000.0

	// Following-error nudge correction. A single scaled correction is
	// injected, then held off for a few segments to let it settle.
	stepCorrectionThreshold = 2.0
	stepCorrectionFactor    = 0.25
	stepCorrectionMax       = 0.60
	stepCorrectionHoldoff   = 5
)

type moveType int

const (
	moveNull moveType = iota
	moveLine
	moveDwell
)

// prepOwner hands the prep buffer between the exec and load stages.
type prepOwner int

const (
	// OwnedByExec means exec may write the next move into prep.
	OwnedByExec prepOwner = iota

	// OwnedByLoader means prep holds a complete move ready to load.
	OwnedByLoader
)

// StepSink receives the runtime's hardware-facing events: step pulses,
// direction changes and motor enable lines. cmd/tinyg points this at
// the GPIO port writer; tests and the simulator use a recorder.
type StepSink interface {
	Step(motor int)
	SetDirection(motor int, reverse bool)
	Energize(motor int, on bool)
}

type prepMotor struct {
	direction     int // 0 forward, 1 reverse, after polarity
	prevDirection int

	substepIncrement int64 // DDA accumulator increment per tick

	// accumulator scaling applied at load when the segment time
	// changed, so the carried fraction stays in proportion
	accumulatorCorrection float64
	correctionApplies     bool

	correctionHoldoff int
	correctedSteps    float64

	prevSegmentTime float64
}

type prepMove struct {
	owner    prepOwner
	moveType moveType

	ddaTicks          int64
	ddaTicksXSubsteps int64
	dwellTicks        int64

	mot [MaxMotors]prepMotor
}

type runMotor struct {
	substepAccumulator int64
	substepIncrement   int64
	direction          int
}

type runMove struct {
	moveType          moveType
	ddaTicksDowncount int64
	ddaTicksXSubsteps int64
	dwellTicksDowncount int64

	mot [MaxMotors]runMotor
}

// Stepper is the step generation runtime for all motors.
type Stepper struct {
	cfg  Config
	sink StepSink

	pre prepMove
	run runMove

	motors [MaxMotors]motorPower

	// encoderSteps counts emitted steps, signed by travel direction.
	// It is the runtime's step-space position truth.
	encoderSteps [MaxMotors]int64

	// RequestExec asks the controller to prepare the next move. Fired
	// from load once the prep buffer is handed back to exec.
	RequestExec func()

	logger *log.Logger
}

// New creates a stepper runtime over a step sink.
func New(cfg Config, sink StepSink) (*Stepper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st := &Stepper{
		cfg:    cfg,
		sink:   sink,
		logger: log.GetLogger("stepper"),
	}
	st.Reset()
	for i := range st.motors {
		st.motors[i].state = motorOff
	}
	return st, nil
}

// Reset returns the runtime to a known state between cycles. The
// substep accumulators clear here and then go maximally negative at
// the first load through the direction-change normalization.
func (st *Stepper) Reset() {
	st.run = runMove{}
	st.pre = prepMove{owner: OwnedByExec, moveType: moveNull}
	for i := range st.pre.mot {
		st.pre.mot[i].prevDirection = -1 // force normalization on first load
		st.pre.mot[i].correctedSteps = 0
	}
}

// Busy reports whether a move is running on the DDA or dwell clock.
func (st *Stepper) Busy() bool {
	return st.run.ddaTicksDowncount > 0 || st.run.dwellTicksDowncount > 0
}

// DwellActive reports whether the loaded move is a dwell. Clock
// drivers use it to pick the tick rate.
func (st *Stepper) DwellActive() bool {
	return st.run.dwellTicksDowncount > 0
}

// PrepOwner exposes the handoff flag for the exec stage.
func (st *Stepper) PrepOwner() prepOwner {
	return st.pre.owner
}

// EncoderSteps returns the emitted step count for a motor, signed by
// direction. The bridge reads this as the step-space position.
func (st *Stepper) EncoderSteps(motor int) int64 {
	return st.encoderSteps[motor]
}

// SetEncoderSteps overwrites a motor's step-space position. Used when
// the machine position is set directly, as in homing.
func (st *Stepper) SetEncoderSteps(motor int, steps int64) {
	st.encoderSteps[motor] = steps
}

// PrepLine prepares a straight segment for loading. travelSteps is the
// signed steps-space travel per motor, followingError the steps-space
// error fed back from the encoder counts, microseconds the segment
// duration. Must only be called while prep is owned by exec.
func (st *Stepper) PrepLine(travelSteps, followingError [MaxMotors]float64, microseconds float64) error {
	if st.pre.owner != OwnedByExec {
		return errors.StepperPrepError("prep buffer is not free")
	}
	if microseconds < epsilonTime {
		st.pre.moveType = moveNull
		return errors.StepperPrepError("zero or negative segment time")
	}

	st.pre.ddaTicks = int64((microseconds / microsecondsPerSecond) * FrequencyDDA)
	// Kept as an integer multiply so the DDA math stays exact.
	st.pre.ddaTicksXSubsteps = st.pre.ddaTicks * DDASubsteps

	for motor := 0; motor < MaxMotors; motor++ {
		pm := &st.pre.mot[motor]

		if math.Abs(travelSteps[motor]) < epsilonSteps {
			pm.substepIncrement = 0
			continue
		}

		// Nudge correction: inject one scaled term when the following
		// error has grown past the threshold, then hold off.
		pm.correctionHoldoff--
		steps := travelSteps[motor]
		if pm.correctionHoldoff < 0 && math.Abs(followingError[motor]) > stepCorrectionThreshold {
			pm.correctionHoldoff = stepCorrectionHoldoff
			correction := followingError[motor] * stepCorrectionFactor
			correction = math.Min(correction, stepCorrectionMax)
			correction = math.Max(correction, -stepCorrectionMax)
			pm.correctedSteps += correction
			steps -= correction
		}

		// Accumulator correction applies at load when the segment
		// time changed from the previous segment.
		segTime := microseconds / microsecondsPerSecond
		if math.Abs(segTime-pm.prevSegmentTime) > 0.0000001 {
			if pm.prevSegmentTime > 0 {
				pm.accumulatorCorrection = segTime / pm.prevSegmentTime
				pm.correctionApplies = true
			}
			pm.prevSegmentTime = segTime
		}

		if steps < 0 {
			pm.direction = 1 ^ st.cfg.Motors[motor].Polarity
		} else {
			pm.direction = 0 ^ st.cfg.Motors[motor].Polarity
		}
		pm.substepIncrement = int64(math.Round(math.Abs(steps) * DDASubsteps))
	}

	st.pre.moveType = moveLine
	st.pre.owner = OwnedByLoader
	st.loadIfIdle()
	return nil
}

// PrepDwell prepares a dwell for loading.
func (st *Stepper) PrepDwell(seconds float64) error {
	if st.pre.owner != OwnedByExec {
		return errors.StepperPrepError("prep buffer is not free")
	}
	st.pre.moveType = moveDwell
	st.pre.dwellTicks = int64(seconds * FrequencyDwell)
	st.pre.owner = OwnedByLoader
	st.loadIfIdle()
	return nil
}

// PrepNull marks the prep buffer consumed with nothing to run.
func (st *Stepper) PrepNull() {
	st.pre.moveType = moveNull
	st.pre.owner = OwnedByExec
}

func (st *Stepper) loadIfIdle() {
	if !st.Busy() {
		st.loadMove()
	}
}

// loadMove copies prep into run and starts the clock. Runs only when
// the DDA is idle: either directly after a prep while stopped, or from
// the tick that brought the downcount to zero.
func (st *Stepper) loadMove() {
	if st.pre.owner != OwnedByLoader {
		st.goIdle()
		return
	}

	switch st.pre.moveType {
	case moveLine:
		st.run.moveType = moveLine
		st.run.ddaTicksDowncount = st.pre.ddaTicks
		st.run.ddaTicksXSubsteps = st.pre.ddaTicksXSubsteps

		for motor := 0; motor < MaxMotors; motor++ {
			pm := &st.pre.mot[motor]
			rm := &st.run.mot[motor]

			rm.substepIncrement = pm.substepIncrement
			if pm.substepIncrement == 0 {
				// Non-participating motor: arm the idle timeout if it
				// only holds torque while moving.
				if st.cfg.Motors[motor].PowerMode == MotorPoweredWhenMoving &&
					st.motors[motor].state == motorRunning {
					st.motors[motor].state = motorInitiateTimeout
				}
				continue
			}

			if pm.correctionApplies {
				pm.correctionApplies = false
				rm.substepAccumulator = int64(float64(rm.substepAccumulator) * pm.accumulatorCorrection)
			}

			// Direction change normalizes the accumulator so the
			// fractional position is measured from the new direction.
			if pm.direction != pm.prevDirection {
				pm.prevDirection = pm.direction
				rm.substepAccumulator = -(st.run.ddaTicksXSubsteps + rm.substepAccumulator)
				st.sink.SetDirection(motor, pm.direction == 1)
			}
			rm.direction = pm.direction

			st.energizeMotor(motor)
			st.motors[motor].state = motorRunning
		}

	case moveDwell:
		st.run.moveType = moveDwell
		st.run.dwellTicksDowncount = st.pre.dwellTicks

	case moveNull:
		st.goIdle()
	}

	st.pre.moveType = moveNull
	st.pre.owner = OwnedByExec
	if st.RequestExec != nil {
		st.RequestExec()
	}
}

// goIdle parks the runtime and starts idle timeouts on motors that
// only hold torque while moving.
func (st *Stepper) goIdle() {
	st.run.moveType = moveNull
	for motor := range st.motors {
		if st.motors[motor].state != motorRunning {
			continue
		}
		switch st.cfg.Motors[motor].PowerMode {
		case MotorPoweredWhenMoving:
			st.motors[motor].state = motorInitiateTimeout
		case MotorAlwaysPowered:
			// stays energized
		case MotorDisabled:
			st.deenergizeMotor(motor)
		}
	}
}

// Tick advances the DDA by one clock period, emitting step pulses for
// motors whose accumulator crosses zero. When the downcount reaches
// zero the next move loads immediately so back-to-back segments chain
// without a gap.
func (st *Stepper) Tick() {
	if st.run.ddaTicksDowncount <= 0 {
		return
	}

	for motor := 0; motor < MaxMotors; motor++ {
		rm := &st.run.mot[motor]
		if rm.substepIncrement == 0 {
			continue
		}
		rm.substepAccumulator += rm.substepIncrement
		if rm.substepAccumulator > 0 {
			rm.substepAccumulator -= st.run.ddaTicksXSubsteps
			st.sink.Step(motor)
			if rm.direction == st.cfg.Motors[motor].Polarity {
				st.encoderSteps[motor]++
			} else {
				st.encoderSteps[motor]--
			}
		}
	}

	st.run.ddaTicksDowncount--
	if st.run.ddaTicksDowncount == 0 {
		for motor := range st.run.mot {
			st.run.mot[motor].substepIncrement = 0
		}
		st.loadMove()
	}
}

// DwellTick advances the dwell clock by one period.
func (st *Stepper) DwellTick() {
	if st.run.dwellTicksDowncount <= 0 {
		return
	}
	st.run.dwellTicksDowncount--
	if st.run.dwellTicksDowncount == 0 {
		st.loadMove()
	}
}

const (
	epsilonTime  = 0.001 // microseconds
	epsilonSteps = 0.001
)
