// Planner to stepper bridge
//
// Converts planned segments from length units into steps space and
// feeds them to the prep stage. Keeps the step-space position ledger:
// the commanded position trails the prepared position by one segment,
// and the difference against the encoder counts is the following error
// fed back into prep for nudge correction.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package stepper

import (
	"math"

	"tinyg-go-migration/pkg/log"
	"tinyg-go-migration/pkg/planner"
)

const microsecondsPerMinute = 60000000.0

// Bridge drives planner execution into the stepper runtime. It
// implements planner.SegmentSink.
type Bridge struct {
	plan *planner.Planner
	st   *Stepper

	positionSteps  [MaxMotors]float64 // through the last prepared segment
	commandedSteps [MaxMotors]float64 // one segment behind
	followingError [MaxMotors]float64

	executing bool
	lastErr   error

	logger *log.Logger
}

// NewBridge wires a planner and a stepper runtime together. The
// planner's exec requests and the stepper's prep handbacks both funnel
// into the bridge's exec loop.
func NewBridge(plan *planner.Planner, st *Stepper) *Bridge {
	b := &Bridge{
		plan:   plan,
		st:     st,
		logger: log.GetLogger("stepper"),
	}
	plan.RequestExec = b.RequestExec
	st.RequestExec = b.RequestExec
	return b
}

// RequestExec pulls segments out of the planner while the prep buffer
// is free. Safe to call from the load stage mid-loop; the reentrant
// call returns immediately and the outer loop continues.
func (b *Bridge) RequestExec() {
	if b.executing {
		return
	}
	b.executing = true
	defer func() { b.executing = false }()

	for b.st.PrepOwner() == OwnedByExec {
		status, err := b.plan.ExecMove(b)
		if err != nil {
			b.lastErr = err
			b.logger.Error("move execution failed: %v", err)
			return
		}
		if status == planner.ExecNoop {
			return
		}
	}
}

// Err returns the last execution error, clearing it.
func (b *Bridge) Err() error {
	err := b.lastErr
	b.lastErr = nil
	return err
}

// PrepSegment converts one segment into steps-space travel per motor
// and hands it to prep.
func (b *Bridge) PrepSegment(seg planner.Segment) error {
	var travel, followErr [MaxMotors]float64

	for motor := range b.st.cfg.Motors {
		mc := b.st.cfg.Motors[motor]
		if mc.Axis < 0 {
			continue
		}
		target := seg.Target[mc.Axis] * mc.StepsPerUnit()
		travel[motor] = target - b.positionSteps[motor]

		// Commanded trails prepared by one segment. The encoder has only
		// finished the segments before the one now loaded, so it is
		// compared against commanded before commanded advances.
		b.followingError[motor] = float64(b.st.EncoderSteps(motor)) - b.commandedSteps[motor]
		b.commandedSteps[motor] = b.positionSteps[motor]
		b.positionSteps[motor] = target
		followErr[motor] = b.followingError[motor]
	}

	return b.st.PrepLine(travel, followErr, seg.Time*microsecondsPerMinute)
}

// PrepDwell hands a dwell to prep.
func (b *Bridge) PrepDwell(seconds float64) error {
	return b.st.PrepDwell(seconds)
}

// SyncPosition resets the step-space ledger to a machine position.
// Called after homing, position sets and planner flushes.
func (b *Bridge) SyncPosition(position planner.Vector) {
	for motor := range b.st.cfg.Motors {
		mc := b.st.cfg.Motors[motor]
		if mc.Axis < 0 {
			continue
		}
		steps := position[mc.Axis] * mc.StepsPerUnit()
		b.positionSteps[motor] = steps
		b.commandedSteps[motor] = steps
		b.followingError[motor] = 0
		b.st.SetEncoderSteps(motor, int64(math.Round(steps)))
	}
}

// FollowingError reports a motor's current steps-space following
// error.
func (b *Bridge) FollowingError(motor int) float64 {
	return b.followingError[motor]
}
