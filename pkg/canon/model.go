// Gcode model
//
// The active gcode model and its setters. Incoming block values arrive
// in native block units and are normalized here: linear units to mm,
// relative coordinates to absolute, work coordinates to machine
// coordinates, ABC radius values to degrees.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package canon

import (
	"math"

	"tinyg-go-migration/pkg/errors"
	"tinyg-go-migration/pkg/planner"
)

// MotionMode is the active modal motion group.
type MotionMode int

const (
	MotionModeTraverse MotionMode = iota // G0
	MotionModeFeed                       // G1
	MotionModeCWArc                      // G2
	MotionModeCCWArc                     // G3
	MotionModeCancel                     // G80
)

// Plane selects the arc plane.
type Plane int

const (
	PlaneXY Plane = iota // G17
	PlaneXZ              // G18
	PlaneYZ              // G19
)

// Units is the linear input unit mode.
type Units int

const (
	UnitsInches Units = iota // G20
	UnitsMM                  // G21
)

// DistanceMode selects absolute or incremental targets.
type DistanceMode int

const (
	AbsoluteMode    DistanceMode = iota // G90
	IncrementalMode                     // G91
)

// PathControl selects the path blending behavior.
type PathControl int

const (
	PathExactPath PathControl = iota // G61
	PathExactStop                    // G61.1
	PathContinuous                   // G64
)

// CoordSystem selects the active work coordinate system. Absolute
// machine coordinates (G53) are coordinate system zero and cannot hold
// offsets.
type CoordSystem int

const (
	AbsoluteCoords CoordSystem = iota // G53
	G54
	G55
	G56
	G57
	G58
	G59

	coordSystemCount = int(G59) + 1
)

// SpindleMode is the spindle run state.
type SpindleMode int

const (
	SpindleOff SpindleMode = iota // M5
	SpindleCW                     // M3
	SpindleCCW                    // M4
)

// model is the active gcode model. Positions and targets are held in
// internal canonical form: absolute machine coordinates, mm and
// degrees.
type model struct {
	lineNumber int

	motionMode   MotionMode
	coordSystem  CoordSystem
	selectPlane  Plane
	unitsMode    Units
	distanceMode DistanceMode
	pathControl  PathControl

	planeAxis0 int
	planeAxis1 int
	planeAxis2 int

	position planner.Vector
	target   planner.Vector

	feedRate            float64 // mm/min
	inverseFeedRate     float64 // minutes per block, this block only
	inverseFeedRateMode bool
	minTime             float64

	absoluteOverride   bool
	originOffsetEnable bool
	originOffset       planner.Vector
	workOffset         planner.Vector

	arcOffset [3]float64
	arcRadius float64

	spindleMode  SpindleMode
	spindleSpeed float64
	mistCoolant  bool
	floodCoolant bool
	tool         int

	feedRateOverrideEnable bool
	feedRateOverrideFactor float64
	traverseOverrideEnable bool
	traverseOverrideFactor float64
	spindleOverrideEnable  bool
	spindleOverrideFactor  float64
}

func (m *Machine) toMM(v float64) float64 {
	if m.gm.unitsMode == UnitsInches {
		return v * mmPerInch
	}
	return v
}

// coordOffset returns the currently active coordinate offset for an
// axis. Zero under absolute override, otherwise the work coordinate
// system offset plus the G92 origin offset when enabled.
func (m *Machine) coordOffset(axis int) float64 {
	if m.gm.absoluteOverride {
		return 0
	}
	if m.gm.originOffsetEnable {
		return m.cfg.Offsets[m.gm.coordSystem][axis] + m.gm.originOffset[axis]
	}
	return m.cfg.Offsets[m.gm.coordSystem][axis]
}

// CoordOffsetVector returns the active coordinate offsets for all axes.
func (m *Machine) CoordOffsetVector() planner.Vector {
	var v planner.Vector
	for i := range v {
		v[i] = m.coordOffset(i)
	}
	return v
}

// ModelWorkPosition returns the gcode model position of an axis in the
// active work coordinate system and units mode.
func (m *Machine) ModelWorkPosition(axis int) float64 {
	pos := m.gm.position[axis] - m.coordOffset(axis)
	if m.gm.unitsMode == UnitsInches {
		return pos / mmPerInch
	}
	return pos
}

// ModelPosition returns the gcode model position in machine
// coordinates.
func (m *Machine) ModelPosition() planner.Vector { return m.gm.position }

// RuntimeMachinePosition returns the executing machine position of an
// axis in mm.
func (m *Machine) RuntimeMachinePosition(axis int) float64 {
	return m.plan.RuntimePosition()[axis]
}

// RuntimeWorkPosition returns the executing work coordinate position of
// an axis in the active units mode.
func (m *Machine) RuntimeWorkPosition(axis int) float64 {
	pos := m.plan.RuntimePosition()[axis] - m.runtimeWorkOffset[axis]
	if m.gm.unitsMode == UnitsInches {
		return pos / mmPerInch
	}
	return pos
}

// SetModelLineNumber records the gcode line number of the block being
// interpreted.
func (m *Machine) SetModelLineNumber(line int) { m.gm.lineNumber = line }

// SetAbsoluteOverride sets the G53 absolute override for the current
// block.
func (m *Machine) SetAbsoluteOverride(on bool) { m.gm.absoluteOverride = on }

// SetArcOffset records IJK offsets in mm.
func (m *Machine) SetArcOffset(i, j, k float64) {
	m.gm.arcOffset[0] = m.toMM(i)
	m.gm.arcOffset[1] = m.toMM(j)
	m.gm.arcOffset[2] = m.toMM(k)
}

// SetArcRadius records an R-word radius in mm.
func (m *Machine) SetArcRadius(r float64) { m.gm.arcRadius = m.toMM(r) }

// setTarget resolves block target values into the model target in
// internal canonical form. XYZ values convert to mm and, in absolute
// mode, are translated through the active coordinate offset. ABC values
// pass through in degrees, except radius-mode axes which convert a
// linear input to degrees over the configured radius. The target starts
// from the model position, so disabled axes and unflagged values keep
// the current position.
func (m *Machine) setTarget(values planner.Vector, flags [planner.NumAxes]bool) {
	m.gm.target = m.gm.position
	for i := planner.AxisX; i <= planner.AxisZ; i++ {
		if !flags[i] || m.cfg.Axes[i].Mode == AxisDisabled {
			continue
		}
		if m.cfg.Axes[i].Mode == AxisStandard || m.cfg.Axes[i].Mode == AxisInhibited {
			if m.gm.distanceMode == AbsoluteMode {
				m.gm.target[i] = m.coordOffset(i) + m.toMM(values[i])
			} else {
				m.gm.target[i] += m.toMM(values[i])
			}
		}
	}
	for i := planner.AxisA; i <= planner.AxisC; i++ {
		if !flags[i] || m.cfg.Axes[i].Mode == AxisDisabled {
			continue
		}
		var tmp float64
		switch m.cfg.Axes[i].Mode {
		case AxisStandard, AxisInhibited:
			tmp = values[i] // no mm conversion, it's already degrees
		case AxisRadius:
			tmp = m.toMM(values[i]) * 360 / (2 * math.Pi * m.cfg.Axes[i].Radius)
		}
		if m.gm.distanceMode == AbsoluteMode {
			m.gm.target[i] = tmp + m.coordOffset(i)
		} else {
			m.gm.target[i] += tmp
		}
	}
}

// setEndpointPosition commits the target as the new model position if
// the move queued successfully. Leaving the position alone on errors
// lets too-short lines accumulate into longer ones.
func (m *Machine) setEndpointPosition(err error) {
	if err == nil {
		m.gm.position = m.gm.target
	}
}

// checkSoftLimits rejects targets outside the configured travel of any
// standard axis. Axes with no travel range configured are not checked.
func (m *Machine) checkSoftLimits(target planner.Vector) error {
	for i := range m.cfg.Axes {
		a := &m.cfg.Axes[i]
		if a.Mode != AxisStandard || a.TravelMin >= a.TravelMax {
			continue
		}
		if target[i] < a.TravelMin-epsilon || target[i] > a.TravelMax+epsilon {
			return errors.SoftLimitError(axisName(i), target[i], a.TravelMin, a.TravelMax)
		}
	}
	return nil
}

func axisName(i int) string {
	return [planner.NumAxes]string{"x", "y", "z", "a", "b", "c"}[i]
}

/*
 * moveTimes computes the optimal and minimum time for the move from
 * position to target.
 *
 * The minimum time is the fastest the move can be performed given the
 * velocity constraints of each participating axis, regardless of the
 * requested feed rate. The optimal time is the time at the requested
 * feed rate, or the minimum time when that feed rate is not achievable.
 * Traverses always run at the minimum time.
 *
 * Per RS274NGC the feed rate applies to the XYZ path length; rotary
 * motion is timed to coincide, and only paces the move when the XYZ
 * axes do not participate.
 */
func (m *Machine) moveTimes() (minutes, minTime float64) {
	var invTime, xyzTime, abcTime, maxTime float64
	minTime = math.MaxFloat64

	if m.gm.motionMode != MotionModeTraverse {
		if m.gm.inverseFeedRateMode {
			invTime = m.gm.inverseFeedRate
		} else {
			xyzTime = math.Sqrt(square(m.gm.target[planner.AxisX]-m.gm.position[planner.AxisX])+
				square(m.gm.target[planner.AxisY]-m.gm.position[planner.AxisY])+
				square(m.gm.target[planner.AxisZ]-m.gm.position[planner.AxisZ])) / m.gm.feedRate
			if xyzTime < epsilon {
				xyzTime = 0
				abcTime = math.Sqrt(square(m.gm.target[planner.AxisA]-m.gm.position[planner.AxisA])+
					square(m.gm.target[planner.AxisB]-m.gm.position[planner.AxisB])+
					square(m.gm.target[planner.AxisC]-m.gm.position[planner.AxisC])) / m.gm.feedRate
			}
		}
		if m.gm.feedRateOverrideEnable && m.gm.feedRateOverrideFactor > 0 {
			invTime /= m.gm.feedRateOverrideFactor
			xyzTime /= m.gm.feedRateOverrideFactor
			abcTime /= m.gm.feedRateOverrideFactor
		}
	}

	for i := 0; i < planner.NumAxes; i++ {
		if m.gm.target[i] == m.gm.position[i] {
			continue // only participating axes limit the move
		}
		var tmp float64
		if m.gm.motionMode != MotionModeTraverse {
			tmp = math.Abs(m.gm.target[i]-m.gm.position[i]) / m.cfg.Axes[i].FeedRateMax
		} else {
			vmax := m.cfg.Axes[i].VelocityMax
			if m.gm.traverseOverrideEnable && m.gm.traverseOverrideFactor > 0 {
				vmax *= math.Min(m.gm.traverseOverrideFactor, 1)
			}
			tmp = math.Abs(m.gm.target[i]-m.gm.position[i]) / vmax
		}
		maxTime = math.Max(maxTime, tmp)
		minTime = math.Min(minTime, tmp)
	}
	if minTime == math.MaxFloat64 {
		minTime = 0
	}
	return max4(invTime, maxTime, xyzTime, abcTime), minTime
}

func square(x float64) float64 { return x * x }

/*
 * Representation (NIST 4.3.3)
 */

// SetMachineAxisPosition sets the position of a single axis in the
// model and the planner.
func (m *Machine) SetMachineAxisPosition(axis int, position float64) {
	m.gm.position[axis] = position
	m.gm.target[axis] = position
	pos := m.plan.Position()
	pos[axis] = position
	m.plan.SetPosition(pos)
}

// SelectPlane handles G17, G18 and G19.
func (m *Machine) SelectPlane(plane Plane) {
	m.gm.selectPlane = plane
	switch plane {
	case PlaneYZ:
		m.gm.planeAxis0 = planner.AxisY
		m.gm.planeAxis1 = planner.AxisZ
		m.gm.planeAxis2 = planner.AxisX
	case PlaneXZ:
		m.gm.planeAxis0 = planner.AxisX
		m.gm.planeAxis1 = planner.AxisZ
		m.gm.planeAxis2 = planner.AxisY
	default:
		m.gm.planeAxis0 = planner.AxisX
		m.gm.planeAxis1 = planner.AxisY
		m.gm.planeAxis2 = planner.AxisZ
	}
}

// SetUnitsMode handles G20 and G21.
func (m *Machine) SetUnitsMode(mode Units) { m.gm.unitsMode = mode }

// SetDistanceMode handles G90 and G91.
func (m *Machine) SetDistanceMode(mode DistanceMode) { m.gm.distanceMode = mode }

// SetPathControl handles G61, G61.1 and G64.
func (m *Machine) SetPathControl(mode PathControl) { m.gm.pathControl = mode }

// SetCoordSystem handles G54 through G59. The runtime work offset is
// updated through a queued command so it changes in execution order.
func (m *Machine) SetCoordSystem(cs CoordSystem) error {
	m.gm.coordSystem = cs
	return m.queueOffsetUpdate()
}

// SetCoordOffsets handles G10 L2 Pn. Offsets arrive in mm and apply to
// the model immediately; persistence is handled by the profile
// autosave, not here.
func (m *Machine) SetCoordOffsets(cs CoordSystem, offsets planner.Vector, flags [planner.NumAxes]bool) error {
	if cs < G54 || int(cs) >= coordSystemCount {
		return errors.GCodeInvalidParameterError("G10", "P", "", "coordinate system out of range")
	}
	for i := range offsets {
		if flags[i] {
			m.cfg.Offsets[cs][i] = offsets[i]
		}
	}
	return nil
}

// SetAbsoluteOrigin handles G28.3: arbitrarily set axis positions to
// absolute values, marking the axes homed. Used to establish a datum
// without running a homing cycle.
func (m *Machine) SetAbsoluteOrigin(values planner.Vector, flags [planner.NumAxes]bool) {
	for i := range values {
		if flags[i] {
			m.SetMachineAxisPosition(i, m.cfg.Offsets[m.gm.coordSystem][i]+m.toMM(values[i]))
			m.homed[i] = true
		}
	}
}

/*
 * G92 origin offsets, per NIST 3.5.18 and LinuxCNC semantics.
 */

// SetOriginOffsets handles G92.
func (m *Machine) SetOriginOffsets(values planner.Vector, flags [planner.NumAxes]bool) error {
	m.gm.originOffsetEnable = true
	for i := range values {
		if flags[i] {
			m.gm.originOffset[i] = m.gm.position[i] -
				m.cfg.Offsets[m.gm.coordSystem][i] - m.toMM(values[i])
		}
	}
	return m.queueOffsetUpdate()
}

// ResetOriginOffsets handles G92.1.
func (m *Machine) ResetOriginOffsets() error {
	m.gm.originOffsetEnable = false
	for i := range m.gm.originOffset {
		m.gm.originOffset[i] = 0
	}
	return m.queueOffsetUpdate()
}

// SuspendOriginOffsets handles G92.2.
func (m *Machine) SuspendOriginOffsets() error {
	m.gm.originOffsetEnable = false
	return m.queueOffsetUpdate()
}

// ResumeOriginOffsets handles G92.3.
func (m *Machine) ResumeOriginOffsets() error {
	m.gm.originOffsetEnable = true
	return m.queueOffsetUpdate()
}

/*
 * Machining attributes (NIST 4.3.5)
 */

// SetFeedRate handles the F word. Sets the inverse feed rate instead
// when G93 is active; that value holds for the current block only.
func (m *Machine) SetFeedRate(feedRate float64) {
	if m.gm.inverseFeedRateMode {
		m.gm.inverseFeedRate = feedRate // minutes per motion for this block only
	} else {
		m.gm.feedRate = m.toMM(feedRate)
	}
}

// SetInverseFeedRateMode handles G93 (true) and G94 (false).
func (m *Machine) SetInverseFeedRateMode(mode bool) { m.gm.inverseFeedRateMode = mode }

/*
 * Override enables (M48 through M51.1). Factors are clamped to a sane
 * range; application happens in the move time calculation.
 */

const (
	overrideFactorMin = 0.05
	overrideFactorMax = 2.0
)

func clampOverrideFactor(f float64) float64 {
	return math.Max(overrideFactorMin, math.Min(overrideFactorMax, f))
}

// OverrideEnables handles M48 and M49, gating all overrides at once.
func (m *Machine) OverrideEnables(enable bool) {
	m.gm.feedRateOverrideEnable = enable
	m.gm.traverseOverrideEnable = enable
	m.gm.spindleOverrideEnable = enable
}

// FeedRateOverrideEnable handles M50. A P0 parameter disables.
func (m *Machine) FeedRateOverrideEnable(enable bool) {
	m.gm.feedRateOverrideEnable = enable
}

// FeedRateOverrideFactor handles M50.1.
func (m *Machine) FeedRateOverrideFactor(factor float64) {
	m.gm.feedRateOverrideEnable = true
	m.gm.feedRateOverrideFactor = clampOverrideFactor(factor)
}

// TraverseOverrideEnable handles M50.2.
func (m *Machine) TraverseOverrideEnable(enable bool) {
	m.gm.traverseOverrideEnable = enable
}

// TraverseOverrideFactor handles M50.3. Traverse overrides only slow
// traverses down, never speed them past the axis limits.
func (m *Machine) TraverseOverrideFactor(factor float64) {
	m.gm.traverseOverrideEnable = true
	m.gm.traverseOverrideFactor = clampOverrideFactor(factor)
}

// SpindleOverrideEnable handles M51.
func (m *Machine) SpindleOverrideEnable(enable bool) {
	m.gm.spindleOverrideEnable = enable
}

// SpindleOverrideFactor handles M51.1.
func (m *Machine) SpindleOverrideFactor(factor float64) {
	m.gm.spindleOverrideEnable = true
	m.gm.spindleOverrideFactor = clampOverrideFactor(factor)
}
