// Arc generation
//
// Converts circular and helical arcs into chains of short line moves
// fed into the planner ring. The arc runs as a background generator so
// long arcs never exhaust the buffer pool: segments are emitted only
// while the ring has buffers beyond the planning headroom.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package planner

import (
	"math"

	"tinyg-go-migration/pkg/errors"
)

// arcState is the persistent arc generator singleton.
type arcState struct {
	active bool

	position Vector // accumulating generator position
	endpoint Vector // final arc target

	workOffset Vector
	lineNumber int

	theta         float64 // current angle around the center
	radius        float64
	angularTravel float64
	linearTravel  float64

	axis1      int // arc plane axis
	axis2      int // arc plane axis
	axisLinear int // transverse axis (helical)

	segments      float64
	segmentCount  int
	segmentTime   float64 // minutes per emitted line
	segmentMin    float64 // minTime share per emitted line
	segmentTheta  float64
	segmentLinear float64

	center1 float64
	center2 float64
}

func (a *arcState) abort() { a.active = false }

// ArcActive reports whether the generator still has segments to emit.
func (p *Planner) ArcActive() bool { return p.arc.active }

// ArcFeed starts an arc from the current planning position to target.
// axis1/axis2 select the arc plane, axisLinear the helical axis.
// In offset form center is position + the two plane offsets; in radius
// form the center is derived from the radius, where a negative radius
// selects the longer of the two solutions. cw runs the arc clockwise.
func (p *Planner) ArcFeed(target Vector, offset1, offset2, radius float64, radiusMode, cw bool,
	minutes, minTime float64, axis1, axis2, axisLinear int, workOffset Vector, lineNumber int) error {

	if p.arc.active {
		return errors.ArcSpecificationError("arc already in progress")
	}

	a := &p.arc
	pos := p.position

	if radiusMode {
		// Solve the center from the chord and the radius. The
		// perpendicular offset term goes imaginary when the endpoint
		// is more than 2r away.
		x := target[axis1] - pos[axis1]
		y := target[axis2] - pos[axis2]
		d := math.Hypot(x, y)
		if d < epsilon {
			return errors.ArcSpecificationError("radius arcs require a distinct endpoint")
		}
		disc := 4*radius*radius - x*x - y*y
		if disc < 0 {
			return errors.ArcRadiusError(radius, "endpoint is farther than the arc diameter")
		}
		hX2DivD := -math.Sqrt(disc) / d
		if !cw {
			hX2DivD = -hX2DivD
		}
		if radius < 0 {
			hX2DivD = -hX2DivD
			radius = -radius
		}
		offset1 = 0.5 * (x - y*hX2DivD)
		offset2 = 0.5 * (y + x*hX2DivD)
	}

	a.center1 = pos[axis1] + offset1
	a.center2 = pos[axis2] + offset2
	a.radius = math.Hypot(pos[axis1]-a.center1, pos[axis2]-a.center2)
	if a.radius < epsilon {
		return errors.ArcSpecificationError("zero radius arc")
	}

	thetaStart := math.Atan2(pos[axis2]-a.center2, pos[axis1]-a.center1)
	thetaEnd := math.Atan2(target[axis2]-a.center2, target[axis1]-a.center1)

	angularTravel := thetaEnd - thetaStart
	if cw {
		if angularTravel >= 0 { // includes the full-circle case
			angularTravel -= 2 * math.Pi
		}
	} else {
		if angularTravel <= 0 {
			angularTravel += 2 * math.Pi
		}
	}

	linearTravel := target[axisLinear] - pos[axisLinear]
	length := math.Hypot(angularTravel*a.radius, math.Abs(linearTravel))
	if length < MinLineLength {
		return errors.New(errors.ErrMinLength, "arc below minimum planning length")
	}

	segments := math.Floor(math.Min(length/ArcSegmentLength, minutes/MinArcSegmentTime))
	if segments < 1 {
		segments = 1
	}

	a.position = pos
	a.endpoint = target
	a.workOffset = workOffset
	a.lineNumber = lineNumber
	a.theta = thetaStart
	a.angularTravel = angularTravel
	a.linearTravel = linearTravel
	a.axis1 = axis1
	a.axis2 = axis2
	a.axisLinear = axisLinear
	a.segments = segments
	a.segmentCount = int(segments)
	a.segmentTime = minutes / segments
	a.segmentMin = minTime / segments
	a.segmentTheta = angularTravel / segments
	a.segmentLinear = linearTravel / segments
	a.active = true

	_, err := p.ArcCallback()
	return err
}

// ArcCallback emits pending arc segments into the planner while the
// ring has free buffers beyond the planning headroom. Called from the
// controller loop until the arc completes. Returns whether the arc is
// still active.
func (p *Planner) ArcCallback() (bool, error) {
	a := &p.arc
	if !a.active {
		return false, nil
	}
	for a.segmentCount > 0 && p.available > Headroom {
		a.segmentCount--

		var target Vector
		if a.segmentCount == 0 {
			target = a.endpoint // land exactly on the arc target
		} else {
			a.theta += a.segmentTheta
			target = a.position
			target[a.axis1] = a.center1 + a.radius*math.Cos(a.theta)
			target[a.axis2] = a.center2 + a.radius*math.Sin(a.theta)
			target[a.axisLinear] += a.segmentLinear
		}

		err := p.AppendLine(target, a.segmentTime, a.segmentMin, a.workOffset, a.lineNumber)
		if err != nil {
			if errors.Is(err, errors.ErrMinLength) || errors.Is(err, errors.ErrMinTime) {
				// degenerate slice, skip it and keep generating
				a.position = target
				continue
			}
			a.segmentCount++ // retry this segment later
			if errors.Is(err, errors.ErrPlannerFull) {
				return true, nil
			}
			return true, err
		}
		a.position = target
	}
	if a.segmentCount == 0 {
		a.active = false
	}
	return a.active, nil
}
