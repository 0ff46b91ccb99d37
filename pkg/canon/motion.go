// Motion commands
//
// Free space motion, straight feeds, dwells and arc feeds. Each command
// resolves its target in the gcode model, computes the optimal and
// minimum move times, and queues the move into the planner.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package canon

import (
	"tinyg-go-migration/pkg/errors"
	"tinyg-go-migration/pkg/planner"
)

// StraightTraverse handles G0.
func (m *Machine) StraightTraverse(values planner.Vector, flags [planner.NumAxes]bool) error {
	if err := m.checkMotionAllowed("G0"); err != nil {
		return err
	}
	m.gm.motionMode = MotionModeTraverse
	m.setTarget(values, flags)
	if vectorEqual(m.gm.target, m.gm.position) {
		return nil
	}
	if err := m.checkSoftLimits(m.gm.target); err != nil {
		return err
	}

	m.CycleStart() // required for homing and other cycles
	minutes, minTime := m.moveTimes()
	m.gm.minTime = minTime
	err := m.plan.AppendLine(m.gm.target, minutes, minTime,
		m.CoordOffsetVector(), m.gm.lineNumber)
	m.setEndpointPosition(err)
	return err
}

// StraightFeed handles G1. Errors out when no feed rate has been set in
// units-per-minute mode.
func (m *Machine) StraightFeed(values planner.Vector, flags [planner.NumAxes]bool) error {
	if err := m.checkMotionAllowed("G1"); err != nil {
		return err
	}
	m.gm.motionMode = MotionModeFeed

	if !m.gm.inverseFeedRateMode && m.gm.feedRate < epsilon {
		return errors.FeedRateError("G1")
	}

	m.setTarget(values, flags)
	if vectorEqual(m.gm.target, m.gm.position) {
		return nil
	}
	if err := m.checkSoftLimits(m.gm.target); err != nil {
		return err
	}

	m.CycleStart()
	minutes, minTime := m.moveTimes()
	m.gm.minTime = minTime
	err := m.plan.AppendLine(m.gm.target, minutes, minTime,
		m.CoordOffsetVector(), m.gm.lineNumber)
	m.setEndpointPosition(err)
	return err
}

// Dwell handles G4 with a P parameter in seconds.
func (m *Machine) Dwell(seconds float64) error {
	if seconds < 0 {
		return errors.GCodeInvalidParameterError("G4", "P", "", "negative dwell time")
	}
	return m.plan.AppendDwell(seconds)
}

// ArcFeed handles G2 and G3. The target resolves like a straight feed;
// the IJK offsets (set beforehand via SetArcOffset) or the R radius
// select the center in the active plane. The planner's arc generator
// does the geometry and emits the segment chain.
func (m *Machine) ArcFeed(values planner.Vector, flags [planner.NumAxes]bool,
	radiusMode, clockwise bool) error {

	cmd := "G3"
	if clockwise {
		cmd = "G2"
	}
	if err := m.checkMotionAllowed(cmd); err != nil {
		return err
	}
	if clockwise {
		m.gm.motionMode = MotionModeCWArc
	} else {
		m.gm.motionMode = MotionModeCCWArc
	}

	if !m.gm.inverseFeedRateMode && m.gm.feedRate < epsilon {
		return errors.FeedRateError(cmd)
	}

	m.setTarget(values, flags)
	if err := m.checkSoftLimits(m.gm.target); err != nil {
		return err
	}

	if radiusMode {
		if !flags[m.gm.planeAxis0] && !flags[m.gm.planeAxis1] {
			return errors.ArcSpecificationError("radius arcs require an endpoint in the arc plane")
		}
	}

	m.CycleStart()
	minutes, minTime := m.moveTimes()
	m.gm.minTime = minTime

	err := m.plan.ArcFeed(m.gm.target,
		m.gm.arcOffset[m.gm.planeAxis0], m.gm.arcOffset[m.gm.planeAxis1],
		m.gm.arcRadius, radiusMode, clockwise,
		minutes, minTime,
		m.gm.planeAxis0, m.gm.planeAxis1, m.gm.planeAxis2,
		m.CoordOffsetVector(), m.gm.lineNumber)
	m.setEndpointPosition(err)
	return err
}

// ArcCallback drains pending arc segments into the planner. Called from
// the controller loop while an arc is active.
func (m *Machine) ArcCallback() (bool, error) {
	return m.plan.ArcCallback()
}

/*
 * Stored position moves (G28 / G30)
 */

// SetG28Position handles G28.1, storing the current model position.
func (m *Machine) SetG28Position() { m.g28Position = m.gm.position }

// GotoG28Position handles G28: traverse through the optional
// intermediate point, then to the stored position, both in absolute
// machine coordinates.
func (m *Machine) GotoG28Position(values planner.Vector, flags [planner.NumAxes]bool) error {
	return m.gotoStoredPosition(values, flags, m.g28Position)
}

// SetG30Position handles G30.1, storing the current model position.
func (m *Machine) SetG30Position() { m.g30Position = m.gm.position }

// GotoG30Position handles G30, the second stored position.
func (m *Machine) GotoG30Position(values planner.Vector, flags [planner.NumAxes]bool) error {
	return m.gotoStoredPosition(values, flags, m.g30Position)
}

func (m *Machine) gotoStoredPosition(values planner.Vector, flags [planner.NumAxes]bool,
	stored planner.Vector) error {

	m.SetAbsoluteOverride(true)
	defer m.SetAbsoluteOverride(false)

	if err := m.StraightTraverse(values, flags); err != nil {
		return err
	}
	if m.plan.Available() == 0 {
		return errors.PlannerFullError()
	}
	var all [planner.NumAxes]bool
	for i := range all {
		all[i] = true
	}
	return m.StraightTraverse(stored, all)
}
