// Package config provides machine profile parsing. Profiles are ini
// style files with [machine], [planner], [axis ...] and [motor ...]
// sections, loaded with include support and access tracking.
package config

import (
	"fmt"
	"strings"

	"tinyg-go-migration/pkg/canon"
	"tinyg-go-migration/pkg/stepper"
)

// MotorPins holds the step generation pins for one motor slot.
type MotorPins struct {
	Step   Pin
	Dir    Pin
	Enable Pin
}

// MachineProfile is a fully resolved machine configuration: the
// canonical machine setup, the stepper runtime setup and the hardware
// pin map.
type MachineProfile struct {
	Machine  canon.Config
	Steppers stepper.Config
	Pins     [stepper.MaxMotors]MotorPins

	// Report server settings
	Listen         string
	StatusInterval float64 // seconds
}

var axisNames = [...]string{"x", "y", "z", "a", "b", "c"}

// LoadMachineProfile reads and resolves a machine profile file.
func LoadMachineProfile(path string) (*MachineProfile, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return BuildMachineProfile(cfg)
}

// BuildMachineProfile resolves a parsed config into a profile.
func BuildMachineProfile(cfg *Config) (*MachineProfile, error) {
	p := &MachineProfile{}
	for i := range p.Steppers.Motors {
		p.Steppers.Motors[i].Axis = -1
	}

	if err := p.loadMachine(cfg); err != nil {
		return nil, err
	}
	if err := p.loadPlanner(cfg); err != nil {
		return nil, err
	}
	if err := p.loadAxes(cfg); err != nil {
		return nil, err
	}
	if err := p.loadOffsets(cfg); err != nil {
		return nil, err
	}
	if err := p.loadMotors(cfg); err != nil {
		return nil, err
	}
	if err := p.loadReport(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *MachineProfile) loadMachine(cfg *Config) error {
	sec, err := cfg.GetSection("machine")
	if err != nil {
		return err
	}

	units, err := sec.GetChoice("units", []string{"mm", "inches"}, "mm")
	if err != nil {
		return err
	}
	if units == "inches" {
		p.Machine.UnitsMode = canon.UnitsInches
	} else {
		p.Machine.UnitsMode = canon.UnitsMM
	}

	coord, err := sec.GetChoice("coordinate_system",
		[]string{"g54", "g55", "g56", "g57", "g58", "g59"}, "g54")
	if err != nil {
		return err
	}
	p.Machine.CoordSystem = canon.G54 + canon.CoordSystem(coord[2]-'4')

	plane, err := sec.GetChoice("plane", []string{"xy", "xz", "yz"}, "xy")
	if err != nil {
		return err
	}
	switch plane {
	case "xy":
		p.Machine.SelectPlane = canon.PlaneXY
	case "xz":
		p.Machine.SelectPlane = canon.PlaneXZ
	case "yz":
		p.Machine.SelectPlane = canon.PlaneYZ
	}

	distance, err := sec.GetChoice("distance_mode",
		[]string{"absolute", "incremental"}, "absolute")
	if err != nil {
		return err
	}
	if distance == "incremental" {
		p.Machine.DistanceMode = canon.IncrementalMode
	} else {
		p.Machine.DistanceMode = canon.AbsoluteMode
	}

	path, err := sec.GetChoice("path_control",
		[]string{"exact_path", "exact_stop", "continuous"}, "continuous")
	if err != nil {
		return err
	}
	switch path {
	case "exact_path":
		p.Machine.PathControl = canon.PathExactPath
	case "exact_stop":
		p.Machine.PathControl = canon.PathExactStop
	case "continuous":
		p.Machine.PathControl = canon.PathContinuous
	}

	zero := 0.0
	p.Steppers.MotorIdleTimeout, err = sec.GetFloatWithBounds("motor_idle_timeout",
		FloatBounds{Above: &zero}, 60.0)
	return err
}

func (p *MachineProfile) loadPlanner(cfg *Config) error {
	sec := cfg.GetSectionOptional("planner")
	if sec == nil {
		p.Machine.JunctionAcceleration = 100000
		p.Machine.ChordalTolerance = 0.01
		return nil
	}
	zero := 0.0
	var err error
	p.Machine.JunctionAcceleration, err = sec.GetFloatWithBounds("junction_acceleration",
		FloatBounds{Above: &zero}, 100000)
	if err != nil {
		return err
	}
	p.Machine.ChordalTolerance, err = sec.GetFloatWithBounds("chordal_tolerance",
		FloatBounds{Above: &zero}, 0.01)
	return err
}

func (p *MachineProfile) loadAxes(cfg *Config) error {
	for i, name := range axisNames {
		sec := cfg.GetSectionOptional("axis " + name)
		if sec == nil {
			p.Machine.Axes[i].Mode = canon.AxisDisabled
			continue
		}

		mode, err := sec.GetChoice("mode",
			[]string{"standard", "disabled", "inhibited", "radius"}, "standard")
		if err != nil {
			return err
		}
		switch mode {
		case "standard":
			p.Machine.Axes[i].Mode = canon.AxisStandard
		case "disabled":
			p.Machine.Axes[i].Mode = canon.AxisDisabled
		case "inhibited":
			p.Machine.Axes[i].Mode = canon.AxisInhibited
		case "radius":
			p.Machine.Axes[i].Mode = canon.AxisRadius
		}

		zero := 0.0
		a := &p.Machine.Axes[i]
		if a.VelocityMax, err = sec.GetFloatWithBounds("velocity_max",
			FloatBounds{Above: &zero}); err != nil {
			return err
		}
		if a.FeedRateMax, err = sec.GetFloatWithBounds("feed_rate_max",
			FloatBounds{Above: &zero}, a.VelocityMax); err != nil {
			return err
		}
		if a.TravelMin, err = sec.GetFloat("travel_min", 0); err != nil {
			return err
		}
		if a.TravelMax, err = sec.GetFloat("travel_max", 0); err != nil {
			return err
		}
		// jerk_max is given in millions of mm/min^3
		if a.JerkMax, err = sec.GetFloatWithBounds("jerk_max",
			FloatBounds{Above: &zero}); err != nil {
			return err
		}
		if a.JunctionDeviation, err = sec.GetFloatWithBounds("junction_deviation",
			FloatBounds{Above: &zero}, 0.05); err != nil {
			return err
		}
		if a.Radius, err = sec.GetFloatWithBounds("radius",
			FloatBounds{Above: &zero}, 1.0); err != nil {
			return err
		}
	}
	return nil
}

// loadOffsets reads the optional work coordinate offset tables, one
// section per coordinate system: [offsets g54] through [offsets g59].
func (p *MachineProfile) loadOffsets(cfg *Config) error {
	for cs := 0; cs < 6; cs++ {
		sec := cfg.GetSectionOptional(fmt.Sprintf("offsets g5%d", 4+cs))
		if sec == nil {
			continue
		}
		for i, name := range axisNames {
			v, err := sec.GetFloat(name, 0)
			if err != nil {
				return err
			}
			p.Machine.Offsets[int(canon.G54)+cs][i] = v
		}
	}
	return nil
}

func (p *MachineProfile) loadMotors(cfg *Config) error {
	for m := 0; m < stepper.MaxMotors; m++ {
		sec := cfg.GetSectionOptional(fmt.Sprintf("motor %d", m+1))
		if sec == nil {
			continue
		}

		axis, err := sec.GetChoice("axis", axisNames[:])
		if err != nil {
			return err
		}
		mc := &p.Steppers.Motors[m]
		mc.Axis = strings.Index("xyzabc", axis)

		zero := 0.0
		if mc.StepAngle, err = sec.GetFloatWithBounds("step_angle",
			FloatBounds{Above: &zero}, 1.8); err != nil {
			return err
		}
		if mc.Microsteps, err = sec.GetFloatWithBounds("microsteps",
			FloatBounds{Above: &zero}, 8); err != nil {
			return err
		}
		if mc.TravelPerRev, err = sec.GetFloatWithBounds("travel_per_rev",
			FloatBounds{Above: &zero}); err != nil {
			return err
		}
		if mc.Polarity, err = sec.GetIntWithBounds("polarity", intPtr(0), intPtr(1), 0); err != nil {
			return err
		}

		power, err := sec.GetChoice("power_mode",
			[]string{"disabled", "powered_when_moving", "always_powered"},
			"powered_when_moving")
		if err != nil {
			return err
		}
		switch power {
		case "disabled":
			mc.PowerMode = stepper.MotorDisabled
		case "powered_when_moving":
			mc.PowerMode = stepper.MotorPoweredWhenMoving
		case "always_powered":
			mc.PowerMode = stepper.MotorAlwaysPowered
		}

		pinOpts := PinOptions{CanInvert: true}
		if p.Pins[m].Step, err = sec.GetPin("step_pin", pinOpts, Pin{}); err != nil {
			return err
		}
		if p.Pins[m].Dir, err = sec.GetPin("dir_pin", pinOpts, Pin{}); err != nil {
			return err
		}
		if p.Pins[m].Enable, err = sec.GetPin("enable_pin", pinOpts, Pin{}); err != nil {
			return err
		}
	}
	return nil
}

func (p *MachineProfile) loadReport(cfg *Config) error {
	sec := cfg.GetSectionOptional("report")
	if sec == nil {
		p.StatusInterval = 0.25
		return nil
	}
	var err error
	if p.Listen, err = sec.Get("listen", ""); err != nil {
		return err
	}
	zero := 0.0
	p.StatusInterval, err = sec.GetFloatWithBounds("status_interval",
		FloatBounds{Above: &zero}, 0.25)
	return err
}

func intPtr(v int) *int { return &v }
