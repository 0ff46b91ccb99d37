// Move execution runtime
//
// Consumes planned buffers and slices them into short constant-time
// segments for the stepper runtime. Head and tail regions are run as
// two quadratic halves joined at the midpoint velocity, approximating
// the constant-jerk S-curve with forward-differenced Bezier math.
// Feedhold deceleration is planned here against the live runtime state.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package planner

import "math"

const epsilon = 0.00001

// Segment is one runtime slice of a move, in length units.
type Segment struct {
	Target     Vector  // absolute machine position at segment end, mm
	Time       float64 // segment duration in minutes
	Velocity   float64 // segment velocity in mm/min
	WorkOffset Vector
	LineNumber int
}

// SegmentSink receives prepared segments and dwells from the runtime.
// The stepper prep stage implements this.
type SegmentSink interface {
	PrepSegment(seg Segment) error
	PrepDwell(seconds float64) error
}

// ExecStatus is the result of one ExecMove call.
type ExecStatus int

const (
	// ExecNoop means there was nothing to run.
	ExecNoop ExecStatus = iota

	// ExecAgain means a segment was produced and the move has more.
	ExecAgain

	// ExecDone means a segment was produced and the move completed.
	ExecDone
)

// HoldState sequences a feedhold through the runtime.
type HoldState int

const (
	HoldOff HoldState = iota
	HoldSync
	HoldPlan
	HoldDecel
	HoldHold
	HoldEndHold
)

type holdState struct {
	state HoldState
}

type section int

const (
	sectionHead section = iota
	sectionBody
	sectionTail
)

type sectionState int

const (
	sectionNew sectionState = iota
	sectionFirstHalf
	sectionSecondHalf
)

// runState is the move runtime singleton. Once a buffer is handed to
// the runtime its contents no longer affect execution.
type runState struct {
	active bool

	position Vector // runtime position, end of last prepared segment
	endpoint Vector // final target of the whole move
	target   Vector // target of the current segment

	sectionTarget Vector // exact position at the end of the running section

	unit       Vector
	workOffset Vector
	lineNumber int

	section      section
	sectionState sectionState

	headLength float64
	bodyLength float64
	tailLength float64

	entryVelocity    float64
	cruiseVelocity   float64
	exitVelocity     float64
	midpointVelocity float64

	jerk float64

	segments        float64
	segmentCount    int
	segmentMoveTime float64
	segmentVelocity float64

	forwardDiff1 float64
	forwardDiff2 float64
}

func (r *runState) moveDone() bool { return !r.active }

// initForwardDiffs sets up forward differencing of a quadratic Bezier
// velocity curve v(u) = A*u^2 + B*u + C over the half-section. The
// concave half pins the control point to the start (B = 0), the convex
// half pins it to the end, which lands the velocity smoothly on v2.
// Each segment runs at the curve's value at the segment midpoint, so the
// segments sum to the section length without overshooting it.
func (r *runState) initForwardDiffs(v0, v2 float64, convex bool) {
	h := 1 / r.segments
	hSquared := h * h
	if convex {
		a := v0 - v2
		b := 2 * (v2 - v0)
		r.segmentVelocity = v0 + b*h/2 + a*hSquared/4
		r.forwardDiff1 = 2*a*hSquared + b*h
		r.forwardDiff2 = 2 * a * hSquared
	} else {
		a := v2 - v0
		r.segmentVelocity = v0 + a*hSquared/4
		r.forwardDiff1 = 2 * a * hSquared
		r.forwardDiff2 = 2 * a * hSquared
	}
}

// ExecMove runs the next increment of work: commands and dwells are
// dispatched whole, lines produce exactly one segment per call.
func (p *Planner) ExecMove(sink SegmentSink) (ExecStatus, error) {
	for {
		bf := p.getRunBuffer()
		if bf == nil {
			return ExecNoop, nil
		}
		switch bf.moveType {
		case MoveTypeCommand:
			if p.ExecCommand != nil {
				p.ExecCommand(bf.command)
			}
			p.freeRunBuffer()
			continue
		case MoveTypeDwell:
			err := sink.PrepDwell(bf.time)
			p.freeRunBuffer()
			return ExecDone, err
		case MoveTypeLine:
			return p.execLine(bf, sink)
		default:
			p.freeRunBuffer()
			continue
		}
	}
}

// execLine runs one segment of a line move.
func (p *Planner) execLine(bf *Buffer, sink SegmentSink) (ExecStatus, error) {
	mr := &p.run

	if !mr.active {
		if p.hold.state == HoldHold {
			return ExecNoop, nil // motion stops here while holding
		}

		bf.replannable = false
		if bf.length < epsilon {
			bf.nx.replannable = false // prevent overplanning the next block
			p.freeRunBuffer()
			return ExecNoop, nil
		}

		bf.moveState = MoveStateRun
		mr.active = true
		mr.section = sectionHead
		mr.sectionState = sectionNew
		mr.jerk = bf.jerk
		mr.headLength = bf.headLength
		mr.bodyLength = bf.bodyLength
		mr.tailLength = bf.tailLength
		mr.entryVelocity = bf.entryVelocity
		mr.cruiseVelocity = bf.cruiseVelocity
		mr.exitVelocity = bf.exitVelocity
		mr.unit = bf.unit
		mr.endpoint = bf.target
		mr.workOffset = bf.workOffset
		mr.lineNumber = bf.lineNumber
	}

	// From this point the bf contents no longer affect execution,
	// except for completion bookkeeping below.

	done, skipped, err := p.execSection(sink)
	if err != nil {
		return ExecNoop, err
	}

	// A feedhold request synchronizes to a segment boundary here, then
	// hands off to the hold planner which runs outside execution.
	if p.hold.state == HoldSync {
		p.hold.state = HoldPlan
	}
	if p.hold.state == HoldDecel && done {
		p.hold.state = HoldHold
	}

	if !done && !skipped {
		return ExecAgain, nil
	}

	mr.active = false
	bf.nx.replannable = false // prevent overplanning the next block
	if bf.moveState == MoveStateRun {
		// free only if actually done; a buffer in MoveStateNew was
		// reused by the hold planner and runs again
		p.freeRunBuffer()
	}
	if skipped {
		return ExecNoop, nil
	}
	return ExecDone, nil
}

// execSection dispatches the current section. Returns done when the
// whole move has produced its last segment, skipped when the move was
// abandoned because its segments fell under the minimum segment time.
func (p *Planner) execSection(sink SegmentSink) (done, skipped bool, err error) {
	mr := &p.run
	for {
		switch mr.section {
		case sectionHead:
			if mr.sectionState == sectionNew {
				if mr.headLength < epsilon {
					mr.section = sectionBody
					continue
				}
				mr.midpointVelocity = (mr.entryVelocity + mr.cruiseVelocity) / 2
				moveTime := mr.headLength / mr.midpointVelocity
				mr.segments = math.Ceil((moveTime * microsecondsPerMinute) / (2 * nomSegmentUsec))
				mr.segmentMoveTime = moveTime / (2 * mr.segments)
				mr.segmentCount = int(mr.segments)
				if mr.segmentMoveTime*microsecondsPerMinute < minSegmentUsec {
					return false, true, nil
				}
				mr.initForwardDiffs(mr.entryVelocity, mr.midpointVelocity, false)
				mr.setSectionTarget(mr.headLength)
				mr.sectionState = sectionFirstHalf
			}
			if mr.sectionState == sectionFirstHalf {
				if !p.execSegment(sink, false) {
					return false, false, nil
				}
				mr.segmentCount = int(mr.segments)
				mr.initForwardDiffs(mr.midpointVelocity, mr.cruiseVelocity, true)
				mr.sectionState = sectionSecondHalf
				return false, false, nil
			}
			if !p.execSegment(sink, true) {
				return false, false, nil
			}
			if mr.bodyLength < epsilon && mr.tailLength < epsilon {
				return true, false, nil
			}
			mr.section = sectionBody
			mr.sectionState = sectionNew
			return false, false, nil

		case sectionBody:
			if mr.sectionState == sectionNew {
				if mr.bodyLength < epsilon {
					mr.section = sectionTail
					continue
				}
				moveTime := mr.bodyLength / mr.cruiseVelocity
				mr.segments = math.Ceil((moveTime * microsecondsPerMinute) / nomSegmentUsec)
				mr.segmentMoveTime = moveTime / mr.segments
				mr.segmentVelocity = mr.cruiseVelocity
				mr.forwardDiff1 = 0
				mr.forwardDiff2 = 0
				mr.segmentCount = int(mr.segments)
				if mr.segmentMoveTime*microsecondsPerMinute < minSegmentUsec {
					return false, true, nil
				}
				mr.setSectionTarget(mr.bodyLength)
				mr.sectionState = sectionSecondHalf
			}
			if !p.execSegment(sink, true) {
				return false, false, nil
			}
			if mr.tailLength < epsilon {
				return true, false, nil
			}
			mr.section = sectionTail
			mr.sectionState = sectionNew
			return false, false, nil

		case sectionTail:
			if mr.sectionState == sectionNew {
				if mr.tailLength < epsilon {
					return true, false, nil
				}
				mr.midpointVelocity = (mr.cruiseVelocity + mr.exitVelocity) / 2
				moveTime := mr.tailLength / mr.midpointVelocity
				mr.segments = math.Ceil((moveTime * microsecondsPerMinute) / (2 * nomSegmentUsec))
				mr.segmentMoveTime = moveTime / (2 * mr.segments)
				mr.segmentCount = int(mr.segments)
				if mr.segmentMoveTime*microsecondsPerMinute < minSegmentUsec {
					return false, true, nil
				}
				mr.initForwardDiffs(mr.cruiseVelocity, mr.midpointVelocity, false)
				mr.setSectionTarget(mr.tailLength)
				mr.sectionState = sectionFirstHalf
			}
			if mr.sectionState == sectionFirstHalf {
				if !p.execSegment(sink, false) {
					return false, false, nil
				}
				mr.segmentCount = int(mr.segments)
				mr.initForwardDiffs(mr.midpointVelocity, mr.exitVelocity, true)
				mr.sectionState = sectionSecondHalf
				return false, false, nil
			}
			if !p.execSegment(sink, true) {
				return false, false, nil
			}
			return true, false, nil
		}
	}
}

// setSectionTarget records the exact end position of the section so
// the final segment lands on it without accumulated rounding error.
func (r *runState) setSectionTarget(sectionLength float64) {
	for i := 0; i < NumAxes; i++ {
		r.sectionTarget[i] = r.position[i] + r.unit[i]*sectionLength
	}
}

// execSegment produces one segment into the sink. Returns true when
// the current half-section has run all of its segments. The last
// segment of a closing half-section lands exactly on the section
// target, correcting discretization error.
func (p *Planner) execSegment(sink SegmentSink, closing bool) bool {
	mr := &p.run

	if closing && mr.segmentCount == 1 {
		mr.target = mr.sectionTarget
	} else {
		travel := mr.segmentVelocity * mr.segmentMoveTime
		for i := 0; i < NumAxes; i++ {
			mr.target[i] = mr.position[i] + mr.unit[i]*travel
		}
	}

	seg := Segment{
		Target:     mr.target,
		Time:       mr.segmentMoveTime,
		Velocity:   mr.segmentVelocity,
		WorkOffset: mr.workOffset,
		LineNumber: mr.lineNumber,
	}
	if err := sink.PrepSegment(seg); err == nil {
		mr.position = mr.target
	}

	mr.segmentVelocity += mr.forwardDiff1
	mr.forwardDiff1 += mr.forwardDiff2

	mr.segmentCount--
	return mr.segmentCount == 0
}

// RequestFeedhold arms feedhold planning. The next executed segment
// boundary hands control to PlanFeedhold.
func (p *Planner) RequestFeedhold() {
	if p.hold.state == HoldOff {
		p.hold.state = HoldSync
		if !p.run.active {
			// nothing executing, hold is immediate
			p.hold.state = HoldHold
		}
	}
}

// HoldState returns the current feedhold sequencing state.
func (p *Planner) HoldState() HoldState { return p.hold.state }

// Holding reports whether motion is fully stopped in a feedhold.
func (p *Planner) Holding() bool { return p.hold.state == HoldHold }

// PlanFeedhold plans the deceleration to zero once execution has
// synchronized to a segment boundary. Called from the controller loop.
// Returns true when hold planning ran.
func (p *Planner) PlanFeedhold() bool {
	if p.hold.state != HoldPlan {
		return false
	}
	bp := p.getRunBuffer()
	if bp == nil {
		p.hold.state = HoldHold
		return true
	}
	mr := &p.run

	availableLength := 0.0
	for i := 0; i < NumAxes; i++ {
		d := mr.endpoint[i] - mr.position[i]
		availableLength += d * d
	}
	availableLength = math.Sqrt(availableLength)

	brakingVelocity := mr.segmentVelocity
	brakingLength := targetLength(brakingVelocity, 0, bp)

	// Deceleration fits entirely in the running move: turn the
	// remainder of the runtime into a tail and re-use the run buffer
	// as the hold point drawing whatever length is left over.
	if brakingLength <= availableLength {
		mr.exitVelocity = 0
		mr.tailLength = brakingLength
		mr.cruiseVelocity = brakingVelocity
		mr.bodyLength = 0
		mr.headLength = 0
		mr.section = sectionTail
		mr.sectionState = sectionNew

		bp.length = availableLength - brakingLength
		bp.deltaVmax = targetVelocity(0, bp.length, bp)
		bp.entryVmax = 0 // this is the hold point
		bp.moveState = MoveStateNew
		for i := 0; i < NumAxes; i++ {
			bp.unit[i] = mr.unit[i]
		}

		p.resetReplannableList()
		p.planBlockList(p.lastBuffer())
		p.hold.state = HoldDecel
		return true
	}

	// Deceleration exceeds the running move. Shed what velocity the
	// remaining length allows, then cascade the braking through the
	// following buffers until it reaches zero.
	mr.section = sectionTail
	mr.sectionState = sectionNew
	mr.tailLength = availableLength
	mr.cruiseVelocity = brakingVelocity
	mr.exitVelocity = brakingVelocity - targetVelocity(0, availableLength, bp)
	mr.bodyLength = 0
	mr.headLength = 0

	brakingVelocity = mr.exitVelocity
	bp.moveState = MoveStateNew
	for i := 0; i < PoolSize; i++ {
		copyBufferPayload(bp, bp.nx)
		if bp.moveType != MoveTypeLine {
			bp = bp.nx
			continue
		}
		bp.entryVmax = brakingVelocity
		brakingLength = targetLength(brakingVelocity, 0, bp)
		if brakingLength > bp.length {
			bp.exitVmax = brakingVelocity - targetVelocity(0, bp.length, bp)
			brakingVelocity = bp.exitVmax
			bp = bp.nx
			continue
		}
		break
	}

	// The deceleration now fits: split into a braking buffer followed
	// by the re-acceleration remainder.
	bp.length = brakingLength
	bp.exitVmax = 0

	bp = bp.nx
	bp.entryVmax = 0
	bp.length -= brakingLength
	bp.deltaVmax = targetVelocity(0, bp.length, bp)
	bp.exitVmax = bp.deltaVmax

	p.resetReplannableList()
	p.planBlockList(p.lastBuffer())
	p.hold.state = HoldDecel
	return true
}

// EndFeedhold releases a completed hold and replans the remaining
// queue from zero velocity. Returns true when motion resumes.
func (p *Planner) EndFeedhold() bool {
	if p.hold.state != HoldHold {
		return false
	}
	p.hold.state = HoldOff
	if p.getRunBuffer() == nil {
		return false
	}
	if p.RequestExec != nil {
		p.RequestExec()
	}
	return true
}

// resetReplannableList marks every queued buffer replannable so a full
// replan can run.
func (p *Planner) resetReplannableList() {
	bf := p.r
	bp := bf
	for {
		bp.replannable = true
		bp = bp.nx
		if bp == bf || bp.state == BufferEmpty {
			break
		}
	}
}

// lastBuffer returns the newest queued buffer.
func (p *Planner) lastBuffer() *Buffer {
	return p.w.pv
}

// copyBufferPayload copies move contents from src into dst, keeping
// dst's ring links.
func copyBufferPayload(dst, src *Buffer) {
	nx, pv := dst.nx, dst.pv
	*dst = *src
	dst.nx = nx
	dst.pv = pv
}
