// Canonical machine
//
// The layer between gcode interpretation and the motion planner. Keeps
// the active gcode model and machine state, normalizes incoming block
// values into canonical internal units (mm, degrees, minutes), and
// passes stateless motion commands down to the planner. Loosely follows
// the canonical machining functions of NIST RS274/NGC v3.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package canon

import (
	"math"

	"tinyg-go-migration/pkg/errors"
	"tinyg-go-migration/pkg/log"
	"tinyg-go-migration/pkg/planner"
)

const (
	mmPerInch = 25.4
	epsilon   = 0.00001

	jerkMultiplier = 1000000.0
)

// MachineState is the top-level machine lifecycle state.
type MachineState int

const (
	MachineInit MachineState = iota
	MachineReady
	MachineAlarm
	MachineProgramStop
	MachineProgramEnd
	MachineCycle
)

// CycleState tracks whether a machining cycle is active.
type CycleState int

const (
	CycleOff CycleState = iota
	CycleStarted
	CycleHoming
	CycleProbe
	CycleJog
)

// MotionState tracks whether the machine is moving.
type MotionState int

const (
	MotionStop MotionState = iota
	MotionRun
	MotionHold
)

// CombinedState folds machine, motion and cycle state into a single
// value a user might want to see.
type CombinedState int

const (
	CombinedInit CombinedState = iota
	CombinedReady
	CombinedAlarm
	CombinedProgramStop
	CombinedProgramEnd
	CombinedRun
	CombinedHold
	CombinedHoming
	CombinedProbe
	CombinedJog
)

// AxisMode controls how an axis participates in motion.
type AxisMode int

const (
	AxisDisabled AxisMode = iota
	AxisStandard
	AxisInhibited
	AxisRadius
)

// Axis holds the per-axis machine configuration. Velocities are mm/min
// (degrees/min for rotaries), jerk is in millions of mm/min^3, travel
// in mm.
type Axis struct {
	Mode              AxisMode
	VelocityMax       float64
	FeedRateMax       float64
	TravelMin         float64
	TravelMax         float64
	JerkMax           float64
	JunctionDeviation float64
	Radius            float64
}

// Config is the canonical machine configuration, normally loaded from
// the machine profile.
type Config struct {
	Axes [planner.NumAxes]Axis

	ChordalTolerance     float64
	JunctionAcceleration float64

	// Power-on gcode defaults
	UnitsMode    Units
	CoordSystem  CoordSystem
	SelectPlane  Plane
	DistanceMode DistanceMode
	PathControl  PathControl

	// Work coordinate offset table, G54 through G59.
	Offsets [coordSystemCount]planner.Vector
}

// Machine is the canonical machine. It owns the gcode model and machine
// state and drives an externally supplied planner.
type Machine struct {
	plan *planner.Planner
	cfg  *Config

	gm model

	machineState  MachineState
	cycleState    CycleState
	motionState   MotionState
	combinedState CombinedState

	feedholdRequested   bool
	queueFlushRequested bool
	cycleStartRequested bool

	homed       [planner.NumAxes]bool
	g28Position planner.Vector
	g30Position planner.Vector

	runtimeWorkOffset planner.Vector

	// SpindleFunc is called in execution order when spindle state
	// changes reach the runtime.
	SpindleFunc func(mode SpindleMode, speed float64)

	// CoolantFunc is called in execution order when coolant state
	// changes reach the runtime.
	CoolantFunc func(mist, flood bool)

	// MessageFunc surfaces MSG comment text.
	MessageFunc func(text string)

	// StatusReportFunc requests a status report after state changes
	// worth telling the operator about.
	StatusReportFunc func()

	logger *log.Logger
}

// New creates a canonical machine bound to the given planner. The
// planner's per-axis jerk and the command execution hook are wired
// here; junction parameters are expected to have been applied when the
// planner was constructed.
func New(cfg *Config, plan *planner.Planner) *Machine {
	m := &Machine{
		plan:   plan,
		cfg:    cfg,
		logger: log.GetLogger("canon"),
	}

	var jerk [planner.NumAxes]float64
	for i := range cfg.Axes {
		jerk[i] = cfg.Axes[i].JerkMax * jerkMultiplier
	}
	plan.SetAxisJerk(jerk)
	plan.ExecCommand = m.execCommand

	m.SetUnitsMode(cfg.UnitsMode)
	// The power-on coordinate system applies directly; nothing is queued.
	m.gm.coordSystem = cfg.CoordSystem
	m.execCommand(offsetUpdate{coordSystem: cfg.CoordSystem})
	m.SelectPlane(cfg.SelectPlane)
	m.SetPathControl(cfg.PathControl)
	m.SetDistanceMode(cfg.DistanceMode)

	m.gm.motionMode = MotionModeCancel
	m.gm.feedRateOverrideFactor = 1.0
	m.gm.traverseOverrideFactor = 1.0
	m.gm.spindleOverrideFactor = 1.0

	m.machineState = MachineReady
	m.combinedState = CombinedReady
	return m
}

// PlannerConfig derives the planner junction parameters from a machine
// configuration.
func (c *Config) PlannerConfig() planner.Config {
	var dev [planner.NumAxes]float64
	for i := range c.Axes {
		dev[i] = c.Axes[i].JunctionDeviation
	}
	return planner.Config{
		JunctionAcceleration: c.JunctionAcceleration,
		JunctionDeviation:    dev,
	}
}

// CombinedState folds the raw states into a single reportable value.
func (m *Machine) CombinedState() CombinedState {
	if m.machineState == MachineCycle {
		switch {
		case m.cycleState == CycleHoming:
			m.combinedState = CombinedHoming
		case m.cycleState == CycleProbe:
			m.combinedState = CombinedProbe
		case m.cycleState == CycleJog:
			m.combinedState = CombinedJog
		case m.motionState == MotionHold:
			m.combinedState = CombinedHold
		default:
			m.combinedState = CombinedRun
		}
	} else {
		m.combinedState = CombinedState(m.machineState)
	}
	return m.combinedState
}

func (m *Machine) MachineState() MachineState { return m.machineState }
func (m *Machine) CycleState() CycleState     { return m.cycleState }
func (m *Machine) MotionState() MotionState   { return m.motionState }
func (m *Machine) HoldState() planner.HoldState {
	return m.plan.HoldState()
}

func (m *Machine) MotionMode() MotionMode     { return m.gm.motionMode }
func (m *Machine) CoordSystem() CoordSystem   { return m.gm.coordSystem }
func (m *Machine) UnitsMode() Units           { return m.gm.unitsMode }
func (m *Machine) SelectedPlane() Plane       { return m.gm.selectPlane }
func (m *Machine) PathControl() PathControl   { return m.gm.pathControl }
func (m *Machine) DistanceMode() DistanceMode { return m.gm.distanceMode }
func (m *Machine) Tool() int                  { return m.gm.tool }
func (m *Machine) SpindleMode() SpindleMode   { return m.gm.spindleMode }
func (m *Machine) SpindleSpeed() float64      { return m.gm.spindleSpeed }
func (m *Machine) FeedRate() float64          { return m.gm.feedRate }
func (m *Machine) LineNumber() int            { return m.gm.lineNumber }
func (m *Machine) Homed(axis int) bool        { return m.homed[axis] }

// Busy reports whether queued or running moves remain in the planner.
func (m *Machine) Busy() bool { return !m.plan.QueueEmpty() }

// Alarm shuts the machine down into the alarm state. Motion commands
// are rejected until the alarm is cleared.
func (m *Machine) Alarm(err error) {
	m.machineState = MachineAlarm
	if m.SpindleFunc != nil {
		m.SpindleFunc(SpindleOff, 0)
	}
	if m.CoolantFunc != nil {
		m.CoolantFunc(false, false)
	}
	m.logger.Error("machine alarm: %v", err)
	m.requestStatusReport()
}

// ClearAlarm returns an alarmed machine to ready.
func (m *Machine) ClearAlarm() {
	if m.machineState == MachineAlarm {
		m.machineState = MachineReady
		m.requestStatusReport()
	}
}

func (m *Machine) checkMotionAllowed(command string) error {
	if m.machineState == MachineAlarm {
		return errors.AlarmError(command)
	}
	return nil
}

// CycleStart begins (or resumes) a machining cycle.
func (m *Machine) CycleStart() {
	m.machineState = MachineCycle
	if m.cycleState == CycleOff {
		m.cycleState = CycleStarted // don't change homing, probe or other cycles
	}
	if m.motionState == MotionStop {
		m.motionState = MotionRun
	}
}

// CycleEnd ends a started cycle. Homing and probe cycles end through
// their own completion paths.
func (m *Machine) CycleEnd() {
	if m.cycleState == CycleStarted {
		m.finalizeProgram(MachineProgramStop)
	}
}

/*
 * Feedhold, queue flush and cycle start requests are latched and
 * resolved by the sequencing callback:
 *
 *   A feedhold request during motion is honored; during a feedhold or
 *   a motion stop it is ignored and reset.
 *
 *   A queue flush request during motion is ignored but left pending;
 *   during a feedhold it is deferred until deceleration completes;
 *   during a motion stop it is honored.
 *
 *   A cycle start request during motion is ignored and reset; during a
 *   feedhold it is deferred until deceleration completes, after any
 *   pending queue flush; during a motion stop it is honored and runs
 *   anything left in the queue.
 */

func (m *Machine) RequestFeedhold() { m.feedholdRequested = true }

func (m *Machine) RequestQueueFlush() { m.queueFlushRequested = true }

func (m *Machine) RequestCycleStart() { m.cycleStartRequested = true }

// FeedholdSequencingCallback resolves pending feedhold, queue flush and
// cycle start requests. Called from the controller loop.
func (m *Machine) FeedholdSequencingCallback() {
	if m.feedholdRequested {
		if m.motionState == MotionRun && m.plan.HoldState() == planner.HoldOff {
			m.motionState = MotionHold
			m.plan.RequestFeedhold() // invokes the hold from move execution
		}
		m.feedholdRequested = false
	}
	m.plan.PlanFeedhold() // runs once execution syncs to a boundary
	if m.queueFlushRequested {
		if m.motionState == MotionStop ||
			(m.motionState == MotionHold && m.plan.Holding()) {
			m.queueFlushRequested = false
			m.FlushPlanner()
		}
	}
	if m.cycleStartRequested && !m.queueFlushRequested {
		m.cycleStartRequested = false
		m.CycleStart()
		if m.plan.EndFeedhold() {
			m.motionState = MotionRun
		}
	}
}

// FlushPlanner empties the planner queue and re-syncs the gcode model
// position from wherever the runtime actually stopped.
func (m *Machine) FlushPlanner() {
	m.plan.Flush()
	pos := m.plan.RuntimePosition()
	m.plan.SetPosition(pos)
	m.gm.position = pos
	m.gm.target = pos
	if m.motionState == MotionHold {
		m.motionState = MotionStop
	}
	m.requestStatusReport()
}

// MotionStopped is called by the controller when the planner queue
// drains, moving the machine out of the run state.
func (m *Machine) MotionStopped() {
	if m.motionState == MotionRun {
		m.motionState = MotionStop
	}
}

func (m *Machine) requestStatusReport() {
	if m.StatusReportFunc != nil {
		m.StatusReportFunc()
	}
}

func vectorEqual(a, b planner.Vector) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > epsilon {
			return false
		}
	}
	return true
}

func max4(a, b, c, d float64) float64 {
	return math.Max(math.Max(a, b), math.Max(c, d))
}
