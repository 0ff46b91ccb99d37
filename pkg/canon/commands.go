// Synchronous commands
//
// Machine state changes that must take effect in execution order are
// queued into the planner as command buffers. The planner hands each
// payload back through the ExecCommand hook when the runtime reaches
// it, and the dispatch here applies the change.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package canon

import "tinyg-go-migration/pkg/planner"

type offsetUpdate struct {
	coordSystem CoordSystem
}

type toolChange struct {
	tool int
}

type toolSelect struct {
	tool int
}

type spindleControl struct {
	mode  SpindleMode
	speed float64
}

type mistCoolantControl struct {
	on bool
}

type floodCoolantControl struct {
	on bool
}

type programFinalize struct {
	state MachineState
}

type messageOut struct {
	text string
}

// execCommand dispatches a queued command payload. Invoked by the
// planner when the command's buffer reaches the runtime.
func (m *Machine) execCommand(payload any) {
	switch c := payload.(type) {
	case offsetUpdate:
		var offsets planner.Vector
		for i := range offsets {
			offsets[i] = m.cfg.Offsets[c.coordSystem][i]
			if m.gm.originOffsetEnable {
				offsets[i] += m.gm.originOffset[i]
			}
		}
		m.runtimeWorkOffset = offsets

	case toolChange:
		m.gm.tool = c.tool

	case toolSelect:
		m.gm.tool = c.tool

	case spindleControl:
		m.gm.spindleMode = c.mode
		m.gm.spindleSpeed = c.speed
		if m.SpindleFunc != nil {
			speed := c.speed
			if m.gm.spindleOverrideEnable {
				speed *= m.gm.spindleOverrideFactor
			}
			m.SpindleFunc(c.mode, speed)
		}

	case mistCoolantControl:
		m.gm.mistCoolant = c.on
		m.notifyCoolant()

	case floodCoolantControl:
		m.gm.floodCoolant = c.on
		if !c.on {
			m.gm.mistCoolant = false // M9 turns both off
		}
		m.notifyCoolant()

	case programFinalize:
		m.finalizeProgram(c.state)

	case messageOut:
		if m.MessageFunc != nil {
			m.MessageFunc(c.text)
		}
	}
}

func (m *Machine) notifyCoolant() {
	if m.CoolantFunc != nil {
		m.CoolantFunc(m.gm.mistCoolant, m.gm.floodCoolant)
	}
}

func (m *Machine) queueOffsetUpdate() error {
	return m.plan.AppendCommand(offsetUpdate{coordSystem: m.gm.coordSystem})
}

/*
 * Tool functions (NIST 4.3.8)
 */

// ChangeTool handles M6.
func (m *Machine) ChangeTool(tool int) error {
	return m.plan.AppendCommand(toolChange{tool: tool})
}

// SelectTool handles the T word.
func (m *Machine) SelectTool(tool int) error {
	return m.plan.AppendCommand(toolSelect{tool: tool})
}

/*
 * Spindle functions (NIST 4.3.7)
 */

// SpindleControl handles M3, M4 and M5. The state change is queued so
// the spindle turns on and off in step with the motion around it.
func (m *Machine) SpindleControl(mode SpindleMode, speed float64) error {
	return m.plan.AppendCommand(spindleControl{mode: mode, speed: speed})
}

/*
 * Coolant functions (NIST 4.3.9)
 */

// MistCoolantControl handles M7.
func (m *Machine) MistCoolantControl(on bool) error {
	return m.plan.AppendCommand(mistCoolantControl{on: on})
}

// FloodCoolantControl handles M8 and M9. Turning flood off also turns
// mist off.
func (m *Machine) FloodCoolantControl(on bool) error {
	return m.plan.AppendCommand(floodCoolantControl{on: on})
}

// Message queues MSG comment text so it surfaces in execution order.
func (m *Machine) Message(text string) error {
	return m.plan.AppendCommand(messageOut{text: text})
}

/*
 * Program functions (NIST 4.3.10)
 *
 * Stops occur at the end of the immediately preceding command: the
 * finalize is queued behind everything already in the planner.
 */

// ProgramStop handles M0 and M60.
func (m *Machine) ProgramStop() error {
	return m.plan.AppendCommand(programFinalize{state: MachineProgramStop})
}

// OptionalProgramStop handles M1. Stop switches are not implemented so
// it behaves as M0.
func (m *Machine) OptionalProgramStop() error {
	return m.plan.AppendCommand(programFinalize{state: MachineProgramStop})
}

// ProgramEnd handles M2 and M30, resetting the model per NIST 3.6.1
// before queuing the finalize.
func (m *Machine) ProgramEnd() error {
	if err := m.ResetOriginOffsets(); err != nil { // G92.1
		return err
	}
	if err := m.SetCoordSystem(m.cfg.CoordSystem); err != nil {
		return err
	}
	m.SelectPlane(m.cfg.SelectPlane)
	m.SetDistanceMode(m.cfg.DistanceMode)
	m.SetUnitsMode(m.cfg.UnitsMode)
	if err := m.SpindleControl(SpindleOff, 0); err != nil { // M5
		return err
	}
	if err := m.FloodCoolantControl(false); err != nil { // M9
		return err
	}
	m.SetInverseFeedRateMode(false)
	m.gm.motionMode = MotionModeCancel

	return m.plan.AppendCommand(programFinalize{state: MachineProgramEnd})
}

// finalizeProgram lands the machine in a stopped state. Runs from the
// planner queue for M0/M1/M2/M30, directly for cycle end.
func (m *Machine) finalizeProgram(state MachineState) {
	m.machineState = state
	m.motionState = MotionStop
	m.cycleState = CycleOff
	m.cycleStartRequested = false
	m.plan.EndFeedhold()
	m.plan.ZeroRuntimeVelocity()
	m.requestStatusReport()
}
