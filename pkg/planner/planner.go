// Look-ahead motion planner
//
// Maintains a ring of planned moves, computes junction and braking
// velocities across the queue, and shapes each move into a constant-jerk
// trapezoid. Moves are consumed segment-by-segment by the stepper runtime.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package planner

import (
	"math"

	"tinyg-go-migration/pkg/errors"
	"tinyg-go-migration/pkg/log"
)

// Axis indices into a Vector.
const (
	AxisX = iota
	AxisY
	AxisZ
	AxisA
	AxisB
	AxisC
	NumAxes
)

// Vector is a full axis coordinate set (XYZ in mm, ABC in degrees).
type Vector [NumAxes]float64

const (
	microsecondsPerMinute = 60000000.0

	// PoolSize is the number of buffers in the planner ring.
	PoolSize = 28

	// Headroom is the number of buffers held in reserve before new
	// input lines are processed.
	Headroom = 4

	nomSegmentUsec    = 5000.0
	minSegmentUsec    = 2500.0
	minArcSegmentUsec = 10000.0

	// NomSegmentTime is the nominal runtime segment duration in minutes.
	NomSegmentTime = nomSegmentUsec / microsecondsPerMinute

	// MinSegmentTime is the minimum runtime segment duration in minutes.
	MinSegmentTime = minSegmentUsec / microsecondsPerMinute

	// MinArcSegmentTime is the minimum arc segment duration in minutes.
	MinArcSegmentTime = minArcSegmentUsec / microsecondsPerMinute

	minSegmentTimePlusMargin = (minSegmentUsec * 1.0001) / microsecondsPerMinute

	// ArcSegmentLength is the arc segment size in mm.
	ArcSegmentLength = 0.1

	// MinLineLength is the smallest line the system can plan, in mm.
	MinLineLength = 0.08

	// MinSegmentLength is the smallest accel/decel segment in mm.
	MinSegmentLength = 0.05

	// MinTimeMove is the smallest move time the system can plan, in minutes.
	MinTimeMove = MinSegmentTime

	jerkMatchPrecision = 1000
)

// MoveType identifies what a buffer carries.
type MoveType int

const (
	MoveTypeNull MoveType = iota
	MoveTypeLine
	MoveTypeDwell
	MoveTypeCommand
)

// BufferState tracks a buffer through the ring.
type BufferState int

const (
	BufferEmpty BufferState = iota
	BufferLoading
	BufferQueued
	BufferPending
	BufferRunning
)

// MoveState tracks execution progress of a running buffer.
type MoveState int

const (
	MoveStateOff MoveState = iota
	MoveStateNew
	MoveStateRun
	MoveStateSkip
)

// Buffer is one planned move in the ring.
type Buffer struct {
	pv *Buffer
	nx *Buffer

	state     BufferState
	moveType  MoveType
	moveState MoveState

	replannable bool

	target     Vector // absolute machine position at end of move, mm
	unit       Vector // unit vector of the move
	workOffset Vector // work coordinate offset snapshot for reporting

	command any // payload for MoveTypeCommand buffers

	time    float64 // move time in minutes (dwell: seconds)
	minTime float64 // shortest permissible time honoring rate limits

	length     float64
	headLength float64
	bodyLength float64
	tailLength float64

	entryVelocity  float64
	cruiseVelocity float64
	exitVelocity   float64

	entryVmax  float64
	cruiseVmax float64
	exitVmax   float64
	deltaVmax  float64

	brakingVelocity float64

	jerk      float64
	recipJerk float64
	cbrtJerk  float64

	lineNumber int
}

// Target returns the absolute endpoint of the buffered move.
func (b *Buffer) Target() Vector { return b.target }

// Planner owns the buffer ring, the arc generator state, and the
// segment runtime.
type Planner struct {
	pool [PoolSize]Buffer

	w *Buffer // write pointer
	q *Buffer // queued (commit) pointer
	r *Buffer // run pointer

	available int

	position Vector // planning position (endpoint of last queued move)

	prevJerk      float64
	prevRecipJerk float64
	prevCbrtJerk  float64

	junctionAcceleration float64
	axisJunctionDev      [NumAxes]float64
	axisJerk             [NumAxes]float64

	// ExecCommand is invoked when a command buffer reaches the runtime.
	ExecCommand func(payload any)

	// RequestExec is invoked whenever a buffer is committed, to nudge
	// the stepper runtime into pulling the next segment.
	RequestExec func()

	run runState
	arc arcState

	hold holdState

	logger *log.Logger
}

// Config supplies the planner's junction parameters.
type Config struct {
	// JunctionAcceleration is the centripetal acceleration term used
	// for cornering velocity, in mm/min^2.
	JunctionAcceleration float64

	// JunctionDeviation is the per-axis max deviation from the
	// programmed path when cornering, in mm.
	JunctionDeviation [NumAxes]float64
}

// New creates a planner with an initialized buffer ring.
func New(cfg Config) *Planner {
	p := &Planner{
		junctionAcceleration: cfg.JunctionAcceleration,
		axisJunctionDev:      cfg.JunctionDeviation,
		logger:               log.GetLogger("planner"),
	}
	p.initBuffers()
	return p
}

// initBuffers links the pool into a doubly-linked ring and resets all
// pointers to the first buffer.
func (p *Planner) initBuffers() {
	for i := range p.pool {
		p.pool[i] = Buffer{}
		p.pool[i].nx = &p.pool[(i+1)%PoolSize]
		p.pool[i].pv = &p.pool[(i+PoolSize-1)%PoolSize]
	}
	p.w = &p.pool[0]
	p.q = &p.pool[0]
	p.r = &p.pool[0]
	p.available = PoolSize
}

// Available returns the number of free buffers in the ring.
func (p *Planner) Available() int { return p.available }

// QueueEmpty reports whether no buffers are queued or running.
func (p *Planner) QueueEmpty() bool { return p.available == PoolSize && p.run.moveDone() }

// Position returns the planning position (endpoint of the newest
// queued move).
func (p *Planner) Position() Vector { return p.position }

// SetPosition sets the planning position. Used at startup and after a
// queue flush, when the planning position must re-sync to the runtime.
// While no move is executing the runtime position is set as well.
func (p *Planner) SetPosition(pos Vector) {
	p.position = pos
	if !p.run.active {
		p.run.position = pos
	}
}

// RuntimePosition returns the position of the executing machine, which
// lags the planning position by the queued moves.
func (p *Planner) RuntimePosition() Vector { return p.run.position }

// RuntimeVelocity returns the velocity of the current runtime segment
// in mm/min.
func (p *Planner) RuntimeVelocity() float64 { return p.run.segmentVelocity }

// ZeroRuntimeVelocity clears the reported segment velocity. Called when
// a program ends so status reports show the machine at rest.
func (p *Planner) ZeroRuntimeVelocity() { p.run.segmentVelocity = 0 }

// getWriteBuffer claims the next free buffer for loading. Returns nil
// when the ring is full.
func (p *Planner) getWriteBuffer() *Buffer {
	if p.w.state != BufferEmpty {
		return nil
	}
	w := p.w
	w.clear()
	w.state = BufferLoading
	p.available--
	p.w = w.nx
	return w
}

// commitWriteBuffer queues a loaded buffer and signals the runtime.
func (p *Planner) commitWriteBuffer(b *Buffer, moveType MoveType) {
	b.moveType = moveType
	b.moveState = MoveStateNew
	b.state = BufferQueued
	p.q = b.nx
	if p.RequestExec != nil {
		p.RequestExec()
	}
}

// getRunBuffer returns the buffer at the run pointer, promoting it to
// running. Returns nil when there is nothing to run.
func (p *Planner) getRunBuffer() *Buffer {
	r := p.r
	if r.state == BufferQueued || r.state == BufferPending {
		r.state = BufferRunning
	}
	if r.state == BufferRunning {
		return r
	}
	return nil
}

// freeRunBuffer releases the run buffer back to the pool and advances
// the run pointer.
func (p *Planner) freeRunBuffer() {
	r := p.r
	p.r = r.nx
	clear := r.nx // preserve ring links through the reset
	prev := r.pv
	*r = Buffer{nx: clear, pv: prev}
	if p.r.state == BufferQueued {
		p.r.state = BufferPending
	}
	p.available++
}

// clear resets a buffer's payload while preserving its ring links.
func (b *Buffer) clear() {
	nx, pv := b.nx, b.pv
	*b = Buffer{nx: nx, pv: pv}
}

// Flush empties the planner ring and aborts any arc in progress. The
// caller re-syncs the planning position from the runtime afterwards.
func (p *Planner) Flush() {
	p.arc.abort()
	p.run = runState{position: p.run.position}
	p.initBuffers()
	p.position = p.run.position
	p.logger.Info("planner queue flushed")
}

// AppendLine queues a straight move to an absolute target. minutes is
// the requested move duration, minTime the duration below which axis
// rate limits would be violated.
func (p *Planner) AppendLine(target Vector, minutes, minTime float64, workOffset Vector, lineNumber int) error {
	length := 0.0
	for i := 0; i < NumAxes; i++ {
		d := target[i] - p.position[i]
		length += d * d
	}
	length = math.Sqrt(length)

	if length < MinLineLength {
		return errors.New(errors.ErrMinLength, "line below minimum planning length")
	}
	if minutes < MinTimeMove {
		return errors.New(errors.ErrMinTime, "move below minimum planning time")
	}

	bf := p.getWriteBuffer()
	if bf == nil {
		return errors.PlannerFullError()
	}

	bf.lineNumber = lineNumber
	bf.time = minutes
	bf.minTime = minTime
	bf.length = length
	bf.target = target
	bf.workOffset = workOffset
	for i := 0; i < NumAxes; i++ {
		bf.unit[i] = (target[i] - p.position[i]) / length
	}

	p.setJerk(bf)

	bf.cruiseVmax = bf.length / bf.time
	junctionVelocity := p.junctionVmax(bf.pv.unit, bf.unit)
	bf.entryVmax = math.Min(bf.cruiseVmax, junctionVelocity)
	bf.deltaVmax = targetVelocity(0, bf.length, bf)
	bf.exitVmax = math.Min(bf.cruiseVmax, bf.entryVmax+bf.deltaVmax)
	bf.brakingVelocity = bf.deltaVmax
	bf.replannable = true

	p.planBlockList(bf)

	p.position = bf.target
	p.commitWriteBuffer(bf, MoveTypeLine)
	return nil
}

// setJerk selects the move jerk as the largest jerk that still honors
// every participating axis limit, and derives its reciprocal and cube
// root. The derived terms are cached across moves with matching jerk.
func (p *Planner) setJerk(bf *Buffer) {
	jerk := math.MaxFloat64
	for i := 0; i < NumAxes; i++ {
		if math.Abs(bf.unit[i]) > 0 {
			if j := p.axisJerk[i] / math.Abs(bf.unit[i]); j < jerk {
				jerk = j
			}
		}
	}
	bf.jerk = jerk
	if math.Abs(jerk-p.prevJerk) < jerkMatchPrecision {
		bf.cbrtJerk = p.prevCbrtJerk
		bf.recipJerk = p.prevRecipJerk
	} else {
		bf.cbrtJerk = math.Cbrt(jerk)
		bf.recipJerk = 1 / jerk
		p.prevJerk = jerk
		p.prevCbrtJerk = bf.cbrtJerk
		p.prevRecipJerk = bf.recipJerk
	}
}

// SetAxisJerk sets the per-axis maximum jerk in mm/min^3.
func (p *Planner) SetAxisJerk(jerk [NumAxes]float64) { p.axisJerk = jerk }

// junctionDeviation computes the effective cornering deviation as the
// average of the deviation projections of the two unit vectors.
func (p *Planner) junctionDeviation(aUnit, bUnit Vector) float64 {
	aDelta, bDelta := 0.0, 0.0
	for i := 0; i < NumAxes; i++ {
		aDelta += square(aUnit[i] * p.axisJunctionDev[i])
		bDelta += square(bUnit[i] * p.axisJunctionDev[i])
	}
	return (math.Sqrt(aDelta) + math.Sqrt(bDelta)) / 2
}

// junctionVmax computes the maximum cornering velocity between two
// moves from the angle between their unit vectors and the configured
// centripetal acceleration. Straight-through junctions are unlimited,
// full reversals come to a stop.
func (p *Planner) junctionVmax(aUnit, bUnit Vector) float64 {
	costheta := 0.0
	for i := 0; i < NumAxes; i++ {
		costheta -= aUnit[i] * bUnit[i]
	}
	if costheta < -0.99 {
		return 10000000 // straight line
	}
	if costheta > 0.99 {
		return 0 // reversal
	}
	delta := p.junctionDeviation(aUnit, bUnit)
	sinthetaOver2 := math.Sqrt((1 - costheta) / 2)
	radius := delta * sinthetaOver2 / (1 - sinthetaOver2)
	return math.Sqrt(radius * p.junctionAcceleration)
}

// planBlockList replans the chain of replannable buffers ending at bf.
//
// The backward pass accumulates braking velocities from the newest
// buffer toward the oldest replannable one. The forward pass then sets
// entry velocities from the predecessor's exit and recomputes each
// trapezoid. Buffers that come out optimally planned are marked
// non-replannable so later passes skip them.
func (p *Planner) planBlockList(bf *Buffer) {
	bp := bf
	for {
		bp = bp.pv
		if bp == bf || !bp.replannable {
			break
		}
		bp.brakingVelocity = math.Min(bp.nx.entryVmax, bp.nx.brakingVelocity) + bp.deltaVmax
	}

	for bp = bp.nx; bp != bf; bp = bp.nx {
		if bp.pv == bf {
			bp.entryVelocity = bp.entryVmax // list wrapped: first block plans from scratch
		} else {
			bp.entryVelocity = bp.pv.exitVelocity
		}
		bp.cruiseVelocity = bp.cruiseVmax
		bp.exitVelocity = min4(bp.exitVmax, bp.nx.entryVmax, bp.nx.brakingVelocity,
			bp.entryVelocity+bp.deltaVmax)
		calculateTrapezoid(bp)

		if bp.exitVelocity == bp.exitVmax || bp.exitVelocity == bp.nx.entryVmax ||
			(!bp.pv.replannable && bp.exitVelocity == bp.entryVelocity+bp.deltaVmax) {
			bp.replannable = false
		}
	}

	bf.entryVelocity = bf.pv.exitVelocity
	bf.cruiseVelocity = bf.cruiseVmax
	bf.exitVelocity = 0
	calculateTrapezoid(bf)
}

// AppendDwell queues a dwell of the given duration in seconds.
func (p *Planner) AppendDwell(seconds float64) error {
	bf := p.getWriteBuffer()
	if bf == nil {
		return errors.PlannerFullError()
	}
	bf.time = seconds
	p.commitWriteBuffer(bf, MoveTypeDwell)
	return nil
}

// AppendCommand queues a synchronous command. The payload is handed to
// ExecCommand when the runtime reaches it, so machine state changes
// happen in queue order.
func (p *Planner) AppendCommand(payload any) error {
	bf := p.getWriteBuffer()
	if bf == nil {
		return errors.PlannerFullError()
	}
	bf.command = payload
	p.commitWriteBuffer(bf, MoveTypeCommand)
	return nil
}

func square(x float64) float64 { return x * x }

func min4(a, b, c, d float64) float64 {
	return math.Min(math.Min(a, b), math.Min(c, d))
}
