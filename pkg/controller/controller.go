// Motion controller host runtime
//
// Builds the canonical machine, planner and stepper runtime from a
// machine profile and drives them off reactor timers: a sequencing
// timer for feedhold and arc processing, a step clock timer for DDA
// execution, the motor power timer and a status timer for metrics.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package controller

import (
	"time"

	"tinyg-go-migration/pkg/canon"
	"tinyg-go-migration/pkg/config"
	"tinyg-go-migration/pkg/gcode"
	"tinyg-go-migration/pkg/log"
	"tinyg-go-migration/pkg/metrics"
	"tinyg-go-migration/pkg/planner"
	"tinyg-go-migration/pkg/reactor"
	"tinyg-go-migration/pkg/stepper"
)

const (
	// Sequencing poll interval, seconds. Feedhold resolution and arc
	// segment generation both ride on this timer.
	sequencingInterval = 0.01

	// Step clock interval, seconds. Each firing runs the DDA for the
	// elapsed wall time.
	clockInterval = 0.005

	// Upper bound on DDA ticks run per clock firing, so a stalled
	// process does not spin for seconds catching up.
	maxTicksPerWake = 50000
)

// Controller owns the machine runtime and its reactor timers.
type Controller struct {
	Profile *config.MachineProfile
	Machine *canon.Machine
	Planner *planner.Planner
	Stepper *stepper.Stepper
	Bridge  *stepper.Bridge
	Interp  *gcode.Interpreter
	Reactor *reactor.Reactor

	mm *metrics.MachineMetrics

	lastClockTime float64

	logger *log.Logger
}

// New builds a controller from a machine profile and a step sink.
func New(profile *config.MachineProfile, sink stepper.StepSink) (*Controller, error) {
	var junctionDev [planner.NumAxes]float64
	for i := range profile.Machine.Axes {
		junctionDev[i] = profile.Machine.Axes[i].JunctionDeviation
	}

	plan := planner.New(planner.Config{
		JunctionAcceleration: profile.Machine.JunctionAcceleration,
		JunctionDeviation:    junctionDev,
	})

	machine := canon.New(&profile.Machine, plan)

	st, err := stepper.New(profile.Steppers, sink)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		Profile: profile,
		Machine: machine,
		Planner: plan,
		Stepper: st,
		Bridge:  stepper.NewBridge(plan, st),
		Reactor: reactor.New(),
		mm:      metrics.GlobalMetrics(),
		logger:  log.GetLogger("controller"),
	}
	c.Interp = gcode.NewInterpreter(machine)
	c.Bridge.SyncPosition(plan.Position())

	return c, nil
}

// ExecuteLine runs one line of gcode through the interpreter.
func (c *Controller) ExecuteLine(line string) error {
	start := time.Now()
	err := c.Interp.ExecuteLine(line)
	c.mm.GCodeLinesTotal.Inc(nil)
	if err != nil {
		c.mm.RecordError("gcode")
		return err
	}
	c.mm.RecordGCodeCommand("line", time.Since(start))
	return nil
}

// Start registers the controller's timers on the reactor. Call before
// Run.
func (c *Controller) Start() {
	now := c.Reactor.Monotonic()
	c.lastClockTime = now

	c.Reactor.RegisterTimer(c.sequencingCallback, now+sequencingInterval)
	c.Reactor.RegisterTimer(c.clockCallback, now+clockInterval)
	c.Reactor.RegisterTimer(c.Stepper.MotorPowerCallback, now+sequencingInterval)

	interval := c.Profile.StatusInterval
	if interval <= 0 {
		interval = 0.25
	}
	c.Reactor.RegisterTimer(func(eventtime float64) float64 {
		c.updateMetrics()
		return eventtime + interval
	}, now+interval)
}

// Run enters the reactor loop. Blocks until Shutdown.
func (c *Controller) Run() {
	c.Reactor.Run()
}

// Shutdown stops the reactor loop and de-energizes the motors.
func (c *Controller) Shutdown() {
	c.Stepper.DeenergizeAll()
	c.Reactor.End()
}

// sequencingCallback resolves feedhold requests, drains pending arc
// segments and retires the cycle when the queue empties.
func (c *Controller) sequencingCallback(eventtime float64) float64 {
	c.Machine.FeedholdSequencingCallback()

	if _, err := c.Machine.ArcCallback(); err != nil {
		c.logger.Error("arc generation failed: %v", err)
		c.Machine.Alarm(err)
	}

	c.Bridge.RequestExec()
	if err := c.Bridge.Err(); err != nil {
		c.Machine.Alarm(err)
	}

	if c.Planner.QueueEmpty() && !c.Stepper.Busy() {
		c.Machine.MotionStopped()
	}

	return eventtime + sequencingInterval
}

// clockCallback runs the DDA for the wall time elapsed since the last
// firing. Dwells run on their own slower clock.
func (c *Controller) clockCallback(eventtime float64) float64 {
	elapsed := eventtime - c.lastClockTime
	c.lastClockTime = eventtime

	var ticks int
	if c.Stepper.DwellActive() {
		ticks = int(elapsed * stepper.FrequencyDwell)
		for i := 0; i < ticks; i++ {
			c.Stepper.DwellTick()
		}
		return eventtime + clockInterval
	}

	ticks = int(elapsed * stepper.FrequencyDDA)
	if ticks > maxTicksPerWake {
		ticks = maxTicksPerWake
	}
	for i := 0; i < ticks; i++ {
		c.Stepper.Tick()
	}
	return eventtime + clockInterval
}

// updateMetrics refreshes the status gauges from the runtime.
func (c *Controller) updateMetrics() {
	var machinePos, workPos [planner.NumAxes]float64
	for i := 0; i < planner.NumAxes; i++ {
		machinePos[i] = c.Machine.RuntimeMachinePosition(i)
		workPos[i] = c.Machine.RuntimeWorkPosition(i)
	}
	c.mm.SetMachinePosition(machinePos)
	c.mm.SetWorkPosition(workPos)
	c.mm.Velocity.Set(nil, c.Planner.RuntimeVelocity())
	c.mm.FeedRate.Set(nil, c.Machine.FeedRate())
	c.mm.PlannerAvailable.Set(nil, float64(c.Planner.Available()))
	c.mm.MachineState.Set(nil, float64(c.Machine.MachineState()))

	for motor := range c.Profile.Steppers.Motors {
		if c.Profile.Steppers.Motors[motor].Axis < 0 {
			continue
		}
		c.mm.SetMotorStatus(motor, c.Stepper.MotorEnergized(motor),
			c.Bridge.FollowingError(motor))
	}
}
