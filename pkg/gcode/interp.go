// Gcode interpretation
//
// Applies a parsed block to the canonical machine in the RS274/NGC
// order of execution: feed rate mode, feed rate, spindle speed, tool,
// spindle, coolant, overrides, dwell, plane, units, coordinate system,
// path control, distance mode, non-modal actions, motion, and finally
// program flow. Motion mode is modal: a block with only axis words
// repeats the previous motion command.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"tinyg-go-migration/pkg/canon"
	"tinyg-go-migration/pkg/errors"
	"tinyg-go-migration/pkg/log"
	"tinyg-go-migration/pkg/planner"
)

type nonModal int

const (
	nonModalNone nonModal = iota
	nonModalDwell
	nonModalSetCoordData     // G10
	nonModalGotoG28          // G28
	nonModalSetG28           // G28.1
	nonModalSetAbsOrigin     // G28.3
	nonModalGotoG30          // G30
	nonModalSetG30           // G30.1
	nonModalOriginSet        // G92
	nonModalOriginReset      // G92.1
	nonModalOriginSuspend    // G92.2
	nonModalOriginResume     // G92.3
)

type motion int

const (
	motionNone motion = iota
	motionTraverse
	motionFeed
	motionCWArc
	motionCCWArc
)

// Interpreter feeds parsed gcode blocks into a canonical machine.
type Interpreter struct {
	machine *canon.Machine

	modalMotion motion // persists across blocks

	logger *log.Logger
}

// NewInterpreter creates an interpreter bound to a machine.
func NewInterpreter(m *canon.Machine) *Interpreter {
	return &Interpreter{
		machine: m,
		logger:  log.GetLogger("gcode"),
	}
}

// ExecuteLine parses and executes one gcode line.
func (in *Interpreter) ExecuteLine(line string) error {
	b, err := ParseLine(line)
	if err != nil || b == nil {
		return err
	}
	return in.ExecuteBlock(b)
}

// block-scoped execution state distilled from the words
type blockActions struct {
	motion         motion
	motionExplicit bool
	nonModal       nonModal
	absOverride    bool
	cancelMotion   bool
}

// ExecuteBlock applies a parsed block to the machine.
func (in *Interpreter) ExecuteBlock(b *Block) error {
	m := in.machine

	if b.HasLineNumber {
		m.SetModelLineNumber(b.LineNumber)
	}
	if b.Message != "" {
		if err := m.Message(b.Message); err != nil {
			return err
		}
	}

	var acts blockActions
	acts.motion = in.modalMotion

	// First pass distributes the command words into modal settings and
	// block actions. Conflicting words in one modal group are an error.
	for _, g := range b.GWords {
		if err := in.applyGWord(b, g, &acts); err != nil {
			return err
		}
	}

	if acts.absOverride {
		m.SetAbsoluteOverride(true)
		defer m.SetAbsoluteOverride(false)
	}

	// Words ahead of motion in the execution order
	if b.Has('F') {
		m.SetFeedRate(b.Value('F'))
	}
	if b.Has('T') {
		if err := m.SelectTool(int(b.Value('T'))); err != nil {
			return err
		}
	}
	for _, mw := range b.MWords {
		if err := in.applyMWordPreMotion(b, mw); err != nil {
			return err
		}
	}

	if err := in.applyNonModal(b, &acts); err != nil {
		return err
	}

	if err := in.applyMotion(b, &acts); err != nil {
		return err
	}

	// Program flow words act after the motion they share a block with
	for _, mw := range b.MWords {
		if err := in.applyMWordPostMotion(mw); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) applyGWord(b *Block, g int, acts *blockActions) error {
	m := in.machine
	switch g {
	case 0:
		acts.motion, acts.motionExplicit = motionTraverse, true
	case 10:
		acts.motion, acts.motionExplicit = motionFeed, true
	case 20:
		acts.motion, acts.motionExplicit = motionCWArc, true
	case 30:
		acts.motion, acts.motionExplicit = motionCCWArc, true
	case 800:
		acts.cancelMotion = true

	case 40:
		acts.nonModal = nonModalDwell
	case 100:
		acts.nonModal = nonModalSetCoordData
	case 280:
		acts.nonModal = nonModalGotoG28
	case 281:
		acts.nonModal = nonModalSetG28
	case 283:
		acts.nonModal = nonModalSetAbsOrigin
	case 300:
		acts.nonModal = nonModalGotoG30
	case 301:
		acts.nonModal = nonModalSetG30
	case 920:
		acts.nonModal = nonModalOriginSet
	case 921:
		acts.nonModal = nonModalOriginReset
	case 922:
		acts.nonModal = nonModalOriginSuspend
	case 923:
		acts.nonModal = nonModalOriginResume

	case 170:
		m.SelectPlane(canon.PlaneXY)
	case 180:
		m.SelectPlane(canon.PlaneXZ)
	case 190:
		m.SelectPlane(canon.PlaneYZ)

	case 200:
		m.SetUnitsMode(canon.UnitsInches)
	case 210:
		m.SetUnitsMode(canon.UnitsMM)

	case 530:
		acts.absOverride = true
	case 540, 550, 560, 570, 580, 590:
		return m.SetCoordSystem(canon.G54 + canon.CoordSystem((g-540)/10))

	case 610:
		m.SetPathControl(canon.PathExactPath)
	case 611:
		m.SetPathControl(canon.PathExactStop)
	case 640:
		m.SetPathControl(canon.PathContinuous)

	case 900:
		m.SetDistanceMode(canon.AbsoluteMode)
	case 910:
		m.SetDistanceMode(canon.IncrementalMode)

	case 930:
		m.SetInverseFeedRateMode(true)
	case 940:
		m.SetInverseFeedRateMode(false)

	default:
		return errors.GCodeUnsupportedError(b.Raw)
	}
	return nil
}

func (in *Interpreter) applyMWordPreMotion(b *Block, mw int) error {
	m := in.machine
	switch mw {
	case 30: // M3
		return m.SpindleControl(canon.SpindleCW, in.spindleSpeed(b))
	case 40: // M4
		return m.SpindleControl(canon.SpindleCCW, in.spindleSpeed(b))
	case 50: // M5
		return m.SpindleControl(canon.SpindleOff, 0)
	case 60: // M6
		return m.ChangeTool(int(b.Value('T')))
	case 70: // M7
		return m.MistCoolantControl(true)
	case 80: // M8
		return m.FloodCoolantControl(true)
	case 90: // M9
		return m.FloodCoolantControl(false)

	case 480: // M48
		m.OverrideEnables(true)
	case 490: // M49
		m.OverrideEnables(false)
	case 500: // M50
		m.FeedRateOverrideEnable(!b.Has('P') || b.Value('P') != 0)
	case 501: // M50.1
		m.FeedRateOverrideFactor(b.Value('P'))
	case 502: // M50.2
		m.TraverseOverrideEnable(!b.Has('P') || b.Value('P') != 0)
	case 503: // M50.3
		m.TraverseOverrideFactor(b.Value('P'))
	case 510: // M51
		m.SpindleOverrideEnable(!b.Has('P') || b.Value('P') != 0)
	case 511: // M51.1
		m.SpindleOverrideFactor(b.Value('P'))

	case 0, 10, 20, 300, 600: // program flow handled after motion
	default:
		return errors.GCodeUnsupportedError(b.Raw)
	}
	return nil
}

// spindleSpeed resolves the S word against the modeled speed so M3
// without S keeps the previous speed.
func (in *Interpreter) spindleSpeed(b *Block) float64 {
	if b.Has('S') {
		return b.Value('S')
	}
	return in.machine.SpindleSpeed()
}

func (in *Interpreter) applyMWordPostMotion(mw int) error {
	m := in.machine
	switch mw {
	case 0, 600: // M0, M60
		return m.ProgramStop()
	case 10: // M1
		return m.OptionalProgramStop()
	case 20, 300: // M2, M30
		in.modalMotion = motionNone
		return m.ProgramEnd()
	}
	return nil
}

func (in *Interpreter) applyNonModal(b *Block, acts *blockActions) error {
	m := in.machine
	values, flags := axisWords(b)

	switch acts.nonModal {
	case nonModalNone:
		return nil

	case nonModalDwell:
		if !b.Has('P') {
			return errors.GCodeMissingParameterError("G4", "P")
		}
		return m.Dwell(b.Value('P'))

	case nonModalSetCoordData:
		if int(b.Value('L')) != 2 {
			return errors.GCodeUnsupportedError(b.Raw)
		}
		if !b.Has('P') {
			return errors.GCodeMissingParameterError("G10", "P")
		}
		acts.motionExplicit = false // axis words consumed here
		return m.SetCoordOffsets(canon.CoordSystem(int(b.Value('P'))), values, flags)

	case nonModalGotoG28:
		acts.motionExplicit = false
		return m.GotoG28Position(values, flags)
	case nonModalSetG28:
		m.SetG28Position()
	case nonModalSetAbsOrigin:
		acts.motionExplicit = false
		m.SetAbsoluteOrigin(values, flags)
	case nonModalGotoG30:
		acts.motionExplicit = false
		return m.GotoG30Position(values, flags)
	case nonModalSetG30:
		m.SetG30Position()

	case nonModalOriginSet:
		acts.motionExplicit = false
		return m.SetOriginOffsets(values, flags)
	case nonModalOriginReset:
		return m.ResetOriginOffsets()
	case nonModalOriginSuspend:
		return m.SuspendOriginOffsets()
	case nonModalOriginResume:
		return m.ResumeOriginOffsets()
	}
	return nil
}

func (in *Interpreter) applyMotion(b *Block, acts *blockActions) error {
	m := in.machine
	values, flags := axisWords(b)

	if acts.cancelMotion {
		in.modalMotion = motionNone
		return nil
	}
	if acts.nonModal != nonModalNone && !acts.motionExplicit {
		return nil // axis words belonged to the non-modal command
	}
	if !hasAxisWords(flags) {
		if acts.motionExplicit {
			in.modalMotion = acts.motion
		}
		return nil
	}
	if acts.motion == motionNone {
		return errors.GCodeParseError(b.Raw, "axis words with no active motion mode")
	}
	in.modalMotion = acts.motion

	switch acts.motion {
	case motionTraverse:
		return m.StraightTraverse(values, flags)
	case motionFeed:
		return m.StraightFeed(values, flags)
	case motionCWArc, motionCCWArc:
		m.SetArcOffset(b.Value('I'), b.Value('J'), b.Value('K'))
		radiusMode := b.Has('R')
		if radiusMode {
			m.SetArcRadius(b.Value('R'))
		} else if !b.Has('I') && !b.Has('J') && !b.Has('K') {
			return errors.ArcSpecificationError("arcs require IJK offsets or an R radius")
		}
		return m.ArcFeed(values, flags, radiusMode, acts.motion == motionCWArc)
	}
	return nil
}

func axisWords(b *Block) (planner.Vector, [planner.NumAxes]bool) {
	var values planner.Vector
	var flags [planner.NumAxes]bool
	letters := [planner.NumAxes]byte{'X', 'Y', 'Z', 'A', 'B', 'C'}
	for i, l := range letters {
		if b.Has(l) {
			values[i] = b.Value(l)
			flags[i] = true
		}
	}
	return values, flags
}

func hasAxisWords(flags [planner.NumAxes]bool) bool {
	for _, f := range flags {
		if f {
			return true
		}
	}
	return false
}
