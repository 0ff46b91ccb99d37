// Machine metrics definitions
//
// Defines all metrics for the motion controller host including:
// - Position and velocity metrics
// - Planner queue metrics
// - Stepper runtime metrics
// - Gcode processing metrics
// - System metrics
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"strconv"
	"sync"
	"time"
)

// MachineMetrics holds all motion controller metrics
type MachineMetrics struct {
	// Motion metrics
	MachinePosition *Gauge
	WorkPosition    *Gauge
	Velocity        *Gauge
	FeedRate        *Gauge

	// Planner metrics
	PlannerAvailable *Gauge
	MovesPlanned     *Counter
	ArcSegments      *Counter
	Feedholds        *Counter
	QueueFlushes     *Counter

	// Stepper metrics
	StepsEmitted   *Counter
	FollowingError *Gauge
	MotorEnergized *Gauge

	// Machine state metrics
	MachineState *Gauge
	Alarms       *Counter

	// Gcode metrics
	GCodeLinesTotal    *Counter
	GCodeCommandsTotal *Counter
	GCodeExecutionTime *Histogram

	// System metrics
	HostUptime    *Counter
	GoGoroutines  *Gauge
	GoMemoryHeap  *Gauge
	GoMemoryAlloc *Gauge
	GoGCCycles    *Counter

	// Error metrics
	ErrorsTotal   *Counter
	WarningsTotal *Counter

	// Internal
	startTime time.Time
	registry  *Registry
	mu        sync.RWMutex
}

// NewMachineMetrics creates and registers all machine metrics
func NewMachineMetrics() *MachineMetrics {
	mm := &MachineMetrics{
		startTime: time.Now(),
		registry:  NewRegistry(),
	}

	// Motion metrics
	mm.MachinePosition = NewGauge("tinyg_machine_position_mm",
		"Current machine position in millimeters")
	mm.WorkPosition = NewGauge("tinyg_work_position_mm",
		"Current work position in millimeters")
	mm.Velocity = NewGauge("tinyg_velocity_mm_min",
		"Current runtime velocity in mm per minute")
	mm.FeedRate = NewGauge("tinyg_feed_rate_mm_min",
		"Active feed rate setting in mm per minute")

	// Planner metrics
	mm.PlannerAvailable = NewGauge("tinyg_planner_buffers_available",
		"Free buffers in the planner queue")
	mm.MovesPlanned = NewCounter("tinyg_moves_planned_total",
		"Total moves appended to the planner")
	mm.ArcSegments = NewCounter("tinyg_arc_segments_total",
		"Total line segments generated from arcs")
	mm.Feedholds = NewCounter("tinyg_feedholds_total",
		"Total feedhold requests honored")
	mm.QueueFlushes = NewCounter("tinyg_queue_flushes_total",
		"Total planner queue flushes")

	// Stepper metrics
	mm.StepsEmitted = NewCounter("tinyg_steps_emitted_total",
		"Total step pulses emitted per motor")
	mm.FollowingError = NewGauge("tinyg_following_error_steps",
		"Steps-space following error per motor")
	mm.MotorEnergized = NewGauge("tinyg_motor_energized",
		"Motor enable state (1=energized, 0=off)")

	// Machine state metrics
	mm.MachineState = NewGauge("tinyg_machine_state",
		"Machine state (0=init, 1=ready, 2=alarm, 3=stop, 4=end, 5=cycle)")
	mm.Alarms = NewCounter("tinyg_alarms_total",
		"Total alarms raised")

	// Gcode metrics
	mm.GCodeLinesTotal = NewCounter("tinyg_gcode_lines_total",
		"Total gcode lines processed")
	mm.GCodeCommandsTotal = NewCounter("tinyg_gcode_commands_total",
		"Total gcode commands processed by type")
	mm.GCodeExecutionTime = NewHistogram("tinyg_gcode_execution_seconds",
		"Gcode command execution time", DefaultBuckets())

	// System metrics
	mm.HostUptime = NewCounter("tinyg_host_uptime_seconds_total",
		"Total host uptime in seconds")
	mm.GoGoroutines = NewGauge("tinyg_go_goroutines",
		"Number of active goroutines")
	mm.GoMemoryHeap = NewGauge("tinyg_go_memory_heap_bytes",
		"Go heap memory in use")
	mm.GoMemoryAlloc = NewGauge("tinyg_go_memory_alloc_bytes",
		"Go total memory allocated")
	mm.GoGCCycles = NewCounter("tinyg_go_gc_cycles_total",
		"Total Go garbage collection cycles")

	// Error metrics
	mm.ErrorsTotal = NewCounter("tinyg_errors_total",
		"Total errors by type")
	mm.WarningsTotal = NewCounter("tinyg_warnings_total",
		"Total warnings by type")

	// Register all metrics
	mm.registerAll()

	return mm
}

// registerAll registers all metrics with the internal registry
func (mm *MachineMetrics) registerAll() {
	metrics := []Metric{
		mm.MachinePosition, mm.WorkPosition, mm.Velocity, mm.FeedRate,
		mm.PlannerAvailable, mm.MovesPlanned, mm.ArcSegments,
		mm.Feedholds, mm.QueueFlushes,
		mm.StepsEmitted, mm.FollowingError, mm.MotorEnergized,
		mm.MachineState, mm.Alarms,
		mm.GCodeLinesTotal, mm.GCodeCommandsTotal, mm.GCodeExecutionTime,
		mm.HostUptime, mm.GoGoroutines, mm.GoMemoryHeap, mm.GoMemoryAlloc,
		mm.GoGCCycles,
		mm.ErrorsTotal, mm.WarningsTotal,
	}
	for _, m := range metrics {
		mm.registry.MustRegister(m)
	}
}

// UpdateSystemMetrics updates Go runtime metrics
func (mm *MachineMetrics) UpdateSystemMetrics() {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)

	mm.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	mm.GoMemoryHeap.Set(nil, float64(m.HeapAlloc))
	mm.GoMemoryAlloc.Set(nil, float64(m.Alloc))
	mm.GoGCCycles.Add(nil, uint64(m.NumGC)-mm.GoGCCycles.Get(nil))
	uptime := uint64(time.Since(mm.startTime).Seconds())
	mm.HostUptime.Add(nil, uptime-mm.HostUptime.Get(nil))
}

var axisLabels = [...]string{"x", "y", "z", "a", "b", "c"}

// SetMachinePosition updates the per-axis machine position
func (mm *MachineMetrics) SetMachinePosition(position [6]float64) {
	for i, name := range axisLabels {
		mm.MachinePosition.Set(Labels{"axis": name}, position[i])
	}
}

// SetWorkPosition updates the per-axis work position
func (mm *MachineMetrics) SetWorkPosition(position [6]float64) {
	for i, name := range axisLabels {
		mm.WorkPosition.Set(Labels{"axis": name}, position[i])
	}
}

// SetMotorStatus updates a motor's stepper metrics
func (mm *MachineMetrics) SetMotorStatus(motor int, energized bool, followingError float64) {
	label := Labels{"motor": strconv.Itoa(motor + 1)}
	energizedVal := float64(0)
	if energized {
		energizedVal = 1
	}
	mm.MotorEnergized.Set(label, energizedVal)
	mm.FollowingError.Set(label, followingError)
}

// AddSteps adds emitted step pulses for a motor
func (mm *MachineMetrics) AddSteps(motor int, steps uint64) {
	mm.StepsEmitted.Add(Labels{"motor": strconv.Itoa(motor + 1)}, steps)
}

// RecordGCodeCommand records a gcode command execution
func (mm *MachineMetrics) RecordGCodeCommand(cmdType string, duration time.Duration) {
	mm.GCodeCommandsTotal.Inc(Labels{"type": cmdType})
	mm.GCodeExecutionTime.Observe(Labels{"type": cmdType}, duration.Seconds())
}

// RecordError records an error
func (mm *MachineMetrics) RecordError(errorType string) {
	mm.ErrorsTotal.Inc(Labels{"type": errorType})
}

// RecordWarning records a warning
func (mm *MachineMetrics) RecordWarning(warningType string) {
	mm.WarningsTotal.Inc(Labels{"type": warningType})
}

// Gather returns all metrics in Prometheus text format
func (mm *MachineMetrics) Gather() string {
	mm.UpdateSystemMetrics()
	return mm.registry.Gather()
}

// Registry returns the internal registry
func (mm *MachineMetrics) Registry() *Registry {
	return mm.registry
}

// Global metrics instance
var globalMetrics *MachineMetrics
var globalMetricsOnce sync.Once

// GlobalMetrics returns the global machine metrics instance
func GlobalMetrics() *MachineMetrics {
	globalMetricsOnce.Do(func() {
		globalMetrics = NewMachineMetrics()
	})
	return globalMetrics
}
