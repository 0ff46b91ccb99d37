// simulate runs a gcode program against the motion controller core
// with a virtual step clock and reports the resulting machine state
// and per-motor step counts. Scenarios are YAML manifests naming the
// machine profile and the gcode to run.
//
// Usage:
//
//	simulate scenario.yaml
//
// Scenario format:
//
//	profile: machine.cfg
//	gcode_file: part.nc      # or inline:
//	gcode:
//	  - G0 X10 Y10
//	  - G1 X20 F600
//	max_minutes: 10          # simulated time safety limit
//	expect:                  # optional; exits nonzero on a miss
//	  tolerance: 0.01
//	  position:
//	    x: 20
//	    y: 10
package main

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"tinyg-go-migration/pkg/canon"
	"tinyg-go-migration/pkg/config"
	"tinyg-go-migration/pkg/controller"
	"tinyg-go-migration/pkg/stepper"
)

// Scenario is a simulation manifest.
type Scenario struct {
	Profile    string       `yaml:"profile"`
	GCodeFile  string       `yaml:"gcode_file"`
	GCode      []string     `yaml:"gcode"`
	MaxMinutes float64      `yaml:"max_minutes"`
	Expect     *Expectation `yaml:"expect"`
}

// Expectation is an optional pass/fail check on the end state.
type Expectation struct {
	Position  map[string]float64 `yaml:"position"`
	Tolerance float64            `yaml:"tolerance"`
}

// Result is the simulation output, printed as YAML.
type Result struct {
	Lines         int                `yaml:"lines"`
	SimulatedSecs float64            `yaml:"simulated_seconds"`
	EndPosition   map[string]float64 `yaml:"end_position"`
	Steps         map[string]int64   `yaml:"steps"`
	Errors        []string           `yaml:"errors,omitempty"`
}

// stepRecorder counts signed steps per motor.
type stepRecorder struct {
	direction [stepper.MaxMotors]int64
	steps     [stepper.MaxMotors]int64
	pulses    [stepper.MaxMotors]int64
}

func newStepRecorder() *stepRecorder {
	r := &stepRecorder{}
	for i := range r.direction {
		r.direction[i] = 1
	}
	return r
}

func (r *stepRecorder) Step(motor int) {
	r.steps[motor] += r.direction[motor]
	r.pulses[motor]++
}

func (r *stepRecorder) SetDirection(motor int, reverse bool) {
	if reverse {
		r.direction[motor] = -1
	} else {
		r.direction[motor] = 1
	}
}

func (r *stepRecorder) Energize(motor int, on bool) {}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: simulate scenario.yaml\n")
		os.Exit(1)
	}

	scenario, err := loadScenario(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		os.Exit(1)
	}

	result, err := run(scenario)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		os.Exit(1)
	}

	out, err := yaml.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)

	failed := len(result.Errors) > 0
	if misses := checkExpectation(scenario.Expect, result); len(misses) > 0 {
		for _, m := range misses {
			fmt.Fprintf(os.Stderr, "simulate: %s\n", m)
		}
		failed = true
	}
	if failed {
		os.Exit(1)
	}
}

// checkExpectation compares the end position against the scenario's
// expected values within tolerance (default 0.01 mm).
func checkExpectation(exp *Expectation, result *Result) []string {
	if exp == nil {
		return nil
	}
	tol := exp.Tolerance
	if tol <= 0 {
		tol = 0.01
	}

	axes := make([]string, 0, len(exp.Position))
	for axis := range exp.Position {
		axes = append(axes, axis)
	}
	sort.Strings(axes)

	var misses []string
	for _, axis := range axes {
		want := exp.Position[axis]
		got, ok := result.EndPosition[axis]
		if !ok {
			misses = append(misses, fmt.Sprintf("expected axis %s not in result", axis))
			continue
		}
		if math.Abs(got-want) > tol {
			misses = append(misses, fmt.Sprintf(
				"%s = %.4f, expected %.4f (tolerance %.4f)", axis, got, want, tol))
		}
	}
	return misses
}

func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if s.Profile == "" {
		return nil, fmt.Errorf("%s: scenario needs a profile", path)
	}
	if s.MaxMinutes <= 0 {
		s.MaxMinutes = 10
	}

	// Paths resolve relative to the manifest
	dir := filepath.Dir(path)
	if !filepath.IsAbs(s.Profile) {
		s.Profile = filepath.Join(dir, s.Profile)
	}
	if s.GCodeFile != "" && !filepath.IsAbs(s.GCodeFile) {
		s.GCodeFile = filepath.Join(dir, s.GCodeFile)
	}

	if s.GCodeFile != "" {
		f, err := os.Open(s.GCodeFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			s.GCode = append(s.GCode, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	return &s, nil
}

func run(scenario *Scenario) (*Result, error) {
	profile, err := config.LoadMachineProfile(scenario.Profile)
	if err != nil {
		return nil, err
	}

	recorder := newStepRecorder()
	ctrl, err := controller.New(profile, recorder)
	if err != nil {
		return nil, err
	}

	result := &Result{
		EndPosition: make(map[string]float64),
		Steps:       make(map[string]int64),
	}

	for _, line := range scenario.GCode {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		result.Lines++
		if err := ctrl.ExecuteLine(line); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("line %d: %v", result.Lines, err))
			continue
		}
		drain(ctrl, result, scenario.MaxMinutes)
	}

	// Let queued motion finish
	drain(ctrl, result, scenario.MaxMinutes)

	for i, name := range [...]string{"x", "y", "z", "a", "b", "c"} {
		if profile.Machine.Axes[i].Mode == canon.AxisDisabled {
			continue
		}
		result.EndPosition[name] = ctrl.Machine.RuntimeMachinePosition(i)
	}
	for m := range profile.Steppers.Motors {
		if profile.Steppers.Motors[m].Axis < 0 {
			continue
		}
		result.Steps[fmt.Sprintf("motor%d", m+1)] = recorder.steps[m]
	}

	return result, nil
}

// drain advances the virtual step clock until queued motion completes
// or the simulated time limit is hit. Ticks run in batches so the arc
// generator and exec stage get a chance to refill the prep buffer.
func drain(ctrl *controller.Controller, result *Result, maxMinutes float64) {
	const batch = 10000 // DDA ticks per round, 100ms of simulated time

	maxTicks := int64(maxMinutes * 60 * stepper.FrequencyDDA)
	var ticks int64

	for {
		ctrl.Machine.FeedholdSequencingCallback()
		if _, err := ctrl.Machine.ArcCallback(); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return
		}
		ctrl.Bridge.RequestExec()
		if err := ctrl.Bridge.Err(); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return
		}

		if !ctrl.Stepper.Busy() && ctrl.Planner.QueueEmpty() {
			ctrl.Machine.MotionStopped()
			break
		}

		if ctrl.Stepper.DwellActive() {
			for i := 0; i < batch*int(stepper.FrequencyDwell)/int(stepper.FrequencyDDA); i++ {
				ctrl.Stepper.DwellTick()
			}
			ticks += batch
		} else {
			for i := 0; i < batch; i++ {
				ctrl.Stepper.Tick()
			}
			ticks += batch
		}

		if ticks > maxTicks {
			result.Errors = append(result.Errors, "simulated time limit reached")
			break
		}
	}

	result.SimulatedSecs += float64(ticks) / stepper.FrequencyDDA
}
