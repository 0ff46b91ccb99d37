// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package planner

import (
	"math"
	"testing"
)

// collectSink gathers segments and dwells from the runtime.
type collectSink struct {
	segments []Segment
	dwells   []float64
}

func (s *collectSink) PrepSegment(seg Segment) error {
	s.segments = append(s.segments, seg)
	return nil
}

func (s *collectSink) PrepDwell(seconds float64) error {
	s.dwells = append(s.dwells, seconds)
	return nil
}

func newTestPlanner() *Planner {
	var dev [NumAxes]float64
	var jerk [NumAxes]float64
	for i := range dev {
		dev[i] = 0.05
		jerk[i] = 5000 * 1e6 // mm/min^3
	}
	p := New(Config{
		JunctionAcceleration: 100000,
		JunctionDeviation:    dev,
	})
	p.SetAxisJerk(jerk)
	return p
}

// drain pulls segments until the runtime goes quiet.
func drain(t *testing.T, p *Planner, sink SegmentSink) {
	t.Helper()
	for i := 0; i < 1000000; i++ {
		status, err := p.ExecMove(sink)
		if err != nil {
			t.Fatalf("ExecMove: %v", err)
		}
		if status == ExecNoop {
			return
		}
	}
	t.Fatal("runtime did not finish")
}

func TestAppendLineTooShort(t *testing.T) {
	p := newTestPlanner()

	var target Vector
	target[AxisX] = MinLineLength / 2
	if err := p.AppendLine(target, 0.01, 0, Vector{}, 1); err == nil {
		t.Fatal("line below minimum length should be rejected")
	}
	if !p.QueueEmpty() {
		t.Error("rejected line should not occupy the queue")
	}
}

func TestAppendLineTooFast(t *testing.T) {
	p := newTestPlanner()

	var target Vector
	target[AxisX] = 10
	if err := p.AppendLine(target, MinTimeMove/2, 0, Vector{}, 1); err == nil {
		t.Fatal("move below minimum time should be rejected")
	}
}

func TestLineExecution(t *testing.T) {
	p := newTestPlanner()
	sink := &collectSink{}

	var target Vector
	target[AxisX] = 10
	if err := p.AppendLine(target, 0.01, 0, Vector{}, 7); err != nil {
		t.Fatalf("AppendLine: %v", err)
	}
	if p.QueueEmpty() {
		t.Fatal("queue should hold the move")
	}

	drain(t, p, sink)

	if len(sink.segments) == 0 {
		t.Fatal("no segments produced")
	}

	last := sink.segments[len(sink.segments)-1]
	if math.Abs(last.Target[AxisX]-10) > 1e-6 {
		t.Errorf("final segment target X = %v, want 10", last.Target[AxisX])
	}
	if last.LineNumber != 7 {
		t.Errorf("segment line number = %d, want 7", last.LineNumber)
	}

	// Segments walk the axis monotonically with positive durations.
	prev := 0.0
	for i, seg := range sink.segments {
		if seg.Target[AxisX] < prev-1e-9 {
			t.Fatalf("segment %d moved backwards: %v after %v", i, seg.Target[AxisX], prev)
		}
		prev = seg.Target[AxisX]
		if seg.Time <= 0 {
			t.Fatalf("segment %d has non-positive time %v", i, seg.Time)
		}
		if seg.Velocity < 0 {
			t.Fatalf("segment %d has negative velocity %v", i, seg.Velocity)
		}
	}

	pos := p.RuntimePosition()
	if math.Abs(pos[AxisX]-10) > 1e-6 {
		t.Errorf("runtime position X = %v, want 10", pos[AxisX])
	}
	if !p.QueueEmpty() {
		t.Error("queue should be empty after the move completes")
	}
}

func TestChainedLinesKeepVelocity(t *testing.T) {
	p := newTestPlanner()
	sink := &collectSink{}

	// Two collinear moves. The junction should not force a stop, so
	// some segment near the boundary still carries velocity.
	var t1, t2 Vector
	t1[AxisX] = 10
	t2[AxisX] = 20
	if err := p.AppendLine(t1, 0.01, 0, Vector{}, 1); err != nil {
		t.Fatalf("AppendLine 1: %v", err)
	}
	if err := p.AppendLine(t2, 0.01, 0, Vector{}, 2); err != nil {
		t.Fatalf("AppendLine 2: %v", err)
	}

	drain(t, p, sink)

	// Find the last segment of the first move and check it exits fast.
	boundaryVelocity := 0.0
	for _, seg := range sink.segments {
		if seg.Target[AxisX] <= 10+1e-6 {
			boundaryVelocity = seg.Velocity
		}
	}
	if boundaryVelocity < 100 {
		t.Errorf("junction velocity %v, collinear moves should not stop", boundaryVelocity)
	}

	pos := p.RuntimePosition()
	if math.Abs(pos[AxisX]-20) > 1e-6 {
		t.Errorf("runtime position X = %v, want 20", pos[AxisX])
	}
}

func TestAppendDwell(t *testing.T) {
	p := newTestPlanner()
	sink := &collectSink{}

	if err := p.AppendDwell(1.5); err != nil {
		t.Fatalf("AppendDwell: %v", err)
	}
	drain(t, p, sink)

	if len(sink.dwells) != 1 || sink.dwells[0] != 1.5 {
		t.Errorf("dwells = %v, want [1.5]", sink.dwells)
	}
	if !p.QueueEmpty() {
		t.Error("queue should be empty after the dwell")
	}
}

func TestAppendCommand(t *testing.T) {
	p := newTestPlanner()
	sink := &collectSink{}

	var got any
	p.ExecCommand = func(payload any) { got = payload }

	if err := p.AppendCommand("spindle-on"); err != nil {
		t.Fatalf("AppendCommand: %v", err)
	}
	drain(t, p, sink)

	if got != "spindle-on" {
		t.Errorf("ExecCommand payload = %v, want spindle-on", got)
	}
}

func TestFlush(t *testing.T) {
	p := newTestPlanner()

	var target Vector
	for i := 1; i <= 5; i++ {
		target[AxisX] = float64(i * 10)
		if err := p.AppendLine(target, 0.01, 0, Vector{}, i); err != nil {
			t.Fatalf("AppendLine %d: %v", i, err)
		}
	}
	if p.Available() == PoolSize {
		t.Fatal("queue should hold the moves")
	}

	p.Flush()

	if !p.QueueEmpty() {
		t.Error("queue should be empty after Flush")
	}
	if p.Position() != p.RuntimePosition() {
		t.Error("planning position should re-sync to the runtime after Flush")
	}
}

func TestFeedholdIdle(t *testing.T) {
	p := newTestPlanner()

	// Nothing running, the hold takes effect immediately.
	p.RequestFeedhold()
	if !p.Holding() {
		t.Fatal("feedhold with no motion should hold immediately")
	}

	// Releasing with an empty queue just clears the hold.
	if p.EndFeedhold() {
		t.Error("EndFeedhold with an empty queue should not resume motion")
	}
	if p.HoldState() != HoldOff {
		t.Errorf("hold state = %v, want HoldOff", p.HoldState())
	}
}

func TestFeedholdDuringMove(t *testing.T) {
	p := newTestPlanner()
	sink := &collectSink{}

	var target Vector
	target[AxisX] = 100
	if err := p.AppendLine(target, 0.1, 0, Vector{}, 1); err != nil {
		t.Fatalf("AppendLine: %v", err)
	}

	// Run a few segments, then ask for a hold.
	for i := 0; i < 5; i++ {
		if _, err := p.ExecMove(sink); err != nil {
			t.Fatalf("ExecMove: %v", err)
		}
	}
	p.RequestFeedhold()
	if p.HoldState() != HoldSync {
		t.Fatalf("hold state = %v, want HoldSync", p.HoldState())
	}

	// One more segment synchronizes the hold to a boundary.
	if _, err := p.ExecMove(sink); err != nil {
		t.Fatalf("ExecMove: %v", err)
	}
	if p.HoldState() != HoldPlan {
		t.Fatalf("hold state = %v, want HoldPlan", p.HoldState())
	}

	if !p.PlanFeedhold() {
		t.Fatal("PlanFeedhold should run in HoldPlan")
	}

	// Deceleration runs to a stop.
	drain(t, p, sink)
	if !p.Holding() {
		t.Fatalf("hold state = %v, want HoldHold", p.HoldState())
	}

	holdPos := p.RuntimePosition()[AxisX]
	if holdPos <= 0 || holdPos >= 100 {
		t.Errorf("hold position X = %v, want inside the move", holdPos)
	}

	// Cycle start resumes and the move finishes at its target.
	if !p.EndFeedhold() {
		t.Fatal("EndFeedhold should resume the held move")
	}
	drain(t, p, sink)

	pos := p.RuntimePosition()
	if math.Abs(pos[AxisX]-100) > 0.01 {
		t.Errorf("runtime position X = %v, want 100", pos[AxisX])
	}
	if !p.QueueEmpty() {
		t.Error("queue should be empty after the resumed move completes")
	}
}

func TestPlannerFull(t *testing.T) {
	p := newTestPlanner()

	var target Vector
	var err error
	for i := 1; i <= PoolSize+1; i++ {
		target[AxisX] = float64(i)
		if err = p.AppendLine(target, 0.01, 0, Vector{}, i); err != nil {
			break
		}
	}
	if err == nil {
		t.Fatal("filling past the pool size should fail")
	}
}
