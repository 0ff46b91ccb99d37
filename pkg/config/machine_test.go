package config

import (
	"os"
	"path/filepath"
	"testing"

	"tinyg-go-migration/pkg/canon"
	"tinyg-go-migration/pkg/planner"
	"tinyg-go-migration/pkg/stepper"
)

const testProfile = `
[machine]
units: mm
coordinate_system: g55
distance_mode: absolute
motor_idle_timeout: 120

[planner]
junction_acceleration: 200000
chordal_tolerance: 0.005

[axis x]
velocity_max: 16000
jerk_max: 5000
travel_min: -5
travel_max: 150

[axis y]
velocity_max: 12000
feed_rate_max: 10000
jerk_max: 4000
junction_deviation: 0.1

[axis a]
mode: radius
velocity_max: 36000
jerk_max: 20000
radius: 10

[offsets g55]
x: 10
y: 20

[motor 1]
axis: x
travel_per_rev: 40
step_pin: PA5
dir_pin: !PA4
enable_pin: PA3

[motor 2]
axis: y
step_angle: 0.9
microsteps: 16
travel_per_rev: 40
polarity: 1
power_mode: always_powered

[report]
listen: :8101
`

func buildProfile(t *testing.T, data string) *MachineProfile {
	t.Helper()
	cfg, err := LoadString(data)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	p, err := BuildMachineProfile(cfg)
	if err != nil {
		t.Fatalf("BuildMachineProfile: %v", err)
	}
	return p
}

func TestMachineProfile(t *testing.T) {
	p := buildProfile(t, testProfile)

	if p.Machine.UnitsMode != canon.UnitsMM {
		t.Errorf("units = %v, want UnitsMM", p.Machine.UnitsMode)
	}
	if p.Machine.CoordSystem != canon.G55 {
		t.Errorf("coord system = %v, want G55", p.Machine.CoordSystem)
	}
	if p.Machine.SelectPlane != canon.PlaneXY {
		t.Errorf("plane = %v, want PlaneXY default", p.Machine.SelectPlane)
	}
	if p.Machine.PathControl != canon.PathContinuous {
		t.Errorf("path control = %v, want PathContinuous default", p.Machine.PathControl)
	}
	if p.Machine.JunctionAcceleration != 200000 {
		t.Errorf("junction acceleration = %v, want 200000", p.Machine.JunctionAcceleration)
	}
	if p.Machine.ChordalTolerance != 0.005 {
		t.Errorf("chordal tolerance = %v, want 0.005", p.Machine.ChordalTolerance)
	}
	if p.Steppers.MotorIdleTimeout != 120 {
		t.Errorf("motor idle timeout = %v, want 120", p.Steppers.MotorIdleTimeout)
	}
}

func TestMachineProfileAxes(t *testing.T) {
	p := buildProfile(t, testProfile)

	x := p.Machine.Axes[planner.AxisX]
	if x.Mode != canon.AxisStandard {
		t.Errorf("X mode = %v, want AxisStandard default", x.Mode)
	}
	if x.VelocityMax != 16000 || x.JerkMax != 5000 {
		t.Errorf("X velocity/jerk = %v/%v, want 16000/5000", x.VelocityMax, x.JerkMax)
	}
	// feed_rate_max falls back to velocity_max.
	if x.FeedRateMax != 16000 {
		t.Errorf("X feed rate max = %v, want 16000", x.FeedRateMax)
	}
	if x.TravelMin != -5 || x.TravelMax != 150 {
		t.Errorf("X travel = %v..%v, want -5..150", x.TravelMin, x.TravelMax)
	}
	if x.JunctionDeviation != 0.05 {
		t.Errorf("X junction deviation = %v, want 0.05 default", x.JunctionDeviation)
	}

	y := p.Machine.Axes[planner.AxisY]
	if y.FeedRateMax != 10000 {
		t.Errorf("Y feed rate max = %v, want 10000", y.FeedRateMax)
	}
	if y.JunctionDeviation != 0.1 {
		t.Errorf("Y junction deviation = %v, want 0.1", y.JunctionDeviation)
	}

	a := p.Machine.Axes[planner.AxisA]
	if a.Mode != canon.AxisRadius || a.Radius != 10 {
		t.Errorf("A mode/radius = %v/%v, want AxisRadius/10", a.Mode, a.Radius)
	}

	// Axes without a section are disabled.
	if p.Machine.Axes[planner.AxisZ].Mode != canon.AxisDisabled {
		t.Errorf("Z mode = %v, want AxisDisabled", p.Machine.Axes[planner.AxisZ].Mode)
	}
}

func TestMachineProfileOffsets(t *testing.T) {
	p := buildProfile(t, testProfile)

	off := p.Machine.Offsets[canon.G55]
	if off[planner.AxisX] != 10 || off[planner.AxisY] != 20 {
		t.Errorf("G55 offsets = %v/%v, want 10/20", off[planner.AxisX], off[planner.AxisY])
	}
	if p.Machine.Offsets[canon.G54] != (planner.Vector{}) {
		t.Errorf("G54 offsets = %v, want all zero", p.Machine.Offsets[canon.G54])
	}
}

func TestMachineProfileMotors(t *testing.T) {
	p := buildProfile(t, testProfile)

	m1 := p.Steppers.Motors[0]
	if m1.Axis != 0 {
		t.Errorf("motor 1 axis = %d, want 0", m1.Axis)
	}
	if m1.StepAngle != 1.8 || m1.Microsteps != 8 {
		t.Errorf("motor 1 angle/microsteps = %v/%v, want 1.8/8 defaults", m1.StepAngle, m1.Microsteps)
	}
	if m1.PowerMode != stepper.MotorPoweredWhenMoving {
		t.Errorf("motor 1 power mode = %v, want MotorPoweredWhenMoving default", m1.PowerMode)
	}
	if got := m1.StepsPerUnit(); got != 40 {
		t.Errorf("motor 1 steps per unit = %v, want 40", got)
	}

	m2 := p.Steppers.Motors[1]
	if m2.Axis != 1 || m2.StepAngle != 0.9 || m2.Microsteps != 16 {
		t.Errorf("motor 2 = %+v, want axis 1, 0.9 deg, 16 microsteps", m2)
	}
	if m2.Polarity != 1 {
		t.Errorf("motor 2 polarity = %d, want 1", m2.Polarity)
	}
	if m2.PowerMode != stepper.MotorAlwaysPowered {
		t.Errorf("motor 2 power mode = %v, want MotorAlwaysPowered", m2.PowerMode)
	}

	// Unconfigured slots stay unused.
	for m := 2; m < stepper.MaxMotors; m++ {
		if p.Steppers.Motors[m].Axis != -1 {
			t.Errorf("motor %d axis = %d, want -1", m+1, p.Steppers.Motors[m].Axis)
		}
	}

	if p.Pins[0].Step.Name != "PA5" {
		t.Errorf("motor 1 step pin = %q, want PA5", p.Pins[0].Step.Name)
	}
	if !p.Pins[0].Dir.Invert {
		t.Error("motor 1 dir pin should be inverted")
	}
}

func TestMachineProfileReport(t *testing.T) {
	p := buildProfile(t, testProfile)
	if p.Listen != ":8101" {
		t.Errorf("listen = %q, want :8101", p.Listen)
	}
	if p.StatusInterval != 0.25 {
		t.Errorf("status interval = %v, want 0.25 default", p.StatusInterval)
	}
}

func TestMachineProfileDefaults(t *testing.T) {
	p := buildProfile(t, "[machine]\n")

	if p.Machine.UnitsMode != canon.UnitsMM || p.Machine.CoordSystem != canon.G54 {
		t.Errorf("defaults = (%v, %v), want (UnitsMM, G54)",
			p.Machine.UnitsMode, p.Machine.CoordSystem)
	}
	if p.Machine.JunctionAcceleration != 100000 || p.Machine.ChordalTolerance != 0.01 {
		t.Errorf("planner defaults = (%v, %v), want (100000, 0.01)",
			p.Machine.JunctionAcceleration, p.Machine.ChordalTolerance)
	}
	if p.Steppers.MotorIdleTimeout != 60 {
		t.Errorf("motor idle timeout = %v, want 60", p.Steppers.MotorIdleTimeout)
	}
	if p.StatusInterval != 0.25 {
		t.Errorf("status interval = %v, want 0.25", p.StatusInterval)
	}
}

func TestMachineProfileErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing machine section", "[planner]\n"},
		{"bad units", "[machine]\nunits: furlongs\n"},
		{"axis missing velocity", "[machine]\n[axis x]\njerk_max: 5000\n"},
		{"axis missing jerk", "[machine]\n[axis x]\nvelocity_max: 16000\n"},
		{"motor missing axis", "[machine]\n[motor 1]\ntravel_per_rev: 40\n"},
		{"motor missing travel", "[machine]\n[motor 1]\naxis: x\n"},
		{"motor bad polarity", "[machine]\n[motor 1]\naxis: x\ntravel_per_rev: 40\npolarity: 2\n"},
		{"negative idle timeout", "[machine]\nmotor_idle_timeout: -1\n"},
	}
	for _, tc := range tests {
		cfg, err := LoadString(tc.data)
		if err != nil {
			continue // parse-level rejection also counts
		}
		if _, err := BuildMachineProfile(cfg); err == nil {
			t.Errorf("%s: BuildMachineProfile should fail", tc.name)
		}
	}
}

func TestLoadMachineProfileFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.cfg")
	if err := os.WriteFile(path, []byte(testProfile), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	p, err := LoadMachineProfile(path)
	if err != nil {
		t.Fatalf("LoadMachineProfile: %v", err)
	}
	if p.Machine.Axes[planner.AxisX].VelocityMax != 16000 {
		t.Errorf("X velocity max = %v, want 16000", p.Machine.Axes[planner.AxisX].VelocityMax)
	}
}
