// Machine adapter for the report server.
package report

import (
	"strconv"
	"strings"
	"sync"

	"tinyg-go-migration/pkg/canon"
	"tinyg-go-migration/pkg/planner"
	"tinyg-go-migration/pkg/stepper"
)

// MachineAdapter adapts the machine runtime to MachineInterface.
type MachineAdapter struct {
	mu sync.RWMutex

	statusProviders map[string]StatusProvider

	gcodeExecutor func(line string) error

	feedholdHandler   func()
	cycleStartHandler func()
	queueFlushHandler func()
	alarmClearHandler func()

	stateGetter func() string
}

// StatusProvider returns the status of a machine object.
type StatusProvider func(attrs []string) map[string]any

// NewMachineAdapter creates an empty machine adapter.
func NewMachineAdapter() *MachineAdapter {
	return &MachineAdapter{
		statusProviders: make(map[string]StatusProvider),
	}
}

// RegisterStatusProvider registers a status provider for an object.
func (ma *MachineAdapter) RegisterStatusProvider(name string, provider StatusProvider) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.statusProviders[name] = provider
}

// UnregisterStatusProvider removes a status provider.
func (ma *MachineAdapter) UnregisterStatusProvider(name string) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	delete(ma.statusProviders, name)
}

// SetGCodeExecutor sets the per-line gcode executor.
func (ma *MachineAdapter) SetGCodeExecutor(executor func(line string) error) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.gcodeExecutor = executor
}

// SetCycleHandlers sets the feedhold, cycle start, queue flush and
// alarm clear handlers.
func (ma *MachineAdapter) SetCycleHandlers(feedhold, cycleStart, queueFlush, alarmClear func()) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.feedholdHandler = feedhold
	ma.cycleStartHandler = cycleStart
	ma.queueFlushHandler = queueFlush
	ma.alarmClearHandler = alarmClear
}

// SetStateGetter sets the machine state getter.
func (ma *MachineAdapter) SetStateGetter(getter func() string) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.stateGetter = getter
}

// GetObjectsList implements MachineInterface.
func (ma *MachineAdapter) GetObjectsList() []string {
	ma.mu.RLock()
	defer ma.mu.RUnlock()

	objects := make([]string, 0, len(ma.statusProviders))
	for name := range ma.statusProviders {
		objects = append(objects, name)
	}
	return objects
}

// GetObjectStatus implements MachineInterface.
func (ma *MachineAdapter) GetObjectStatus(name string, attrs []string) map[string]any {
	ma.mu.RLock()
	provider, ok := ma.statusProviders[name]
	ma.mu.RUnlock()

	if !ok {
		return nil
	}
	return provider(attrs)
}

// ExecuteGCode implements MachineInterface. The script is split into
// lines and executed one at a time.
func (ma *MachineAdapter) ExecuteGCode(script string) error {
	ma.mu.RLock()
	executor := ma.gcodeExecutor
	ma.mu.RUnlock()

	if executor == nil {
		return nil
	}
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := executor(line); err != nil {
			return err
		}
	}
	return nil
}

// Feedhold implements MachineInterface.
func (ma *MachineAdapter) Feedhold() {
	ma.mu.RLock()
	handler := ma.feedholdHandler
	ma.mu.RUnlock()
	if handler != nil {
		handler()
	}
}

// CycleStart implements MachineInterface.
func (ma *MachineAdapter) CycleStart() {
	ma.mu.RLock()
	handler := ma.cycleStartHandler
	ma.mu.RUnlock()
	if handler != nil {
		handler()
	}
}

// QueueFlush implements MachineInterface.
func (ma *MachineAdapter) QueueFlush() {
	ma.mu.RLock()
	handler := ma.queueFlushHandler
	ma.mu.RUnlock()
	if handler != nil {
		handler()
	}
}

// ClearAlarm implements MachineInterface.
func (ma *MachineAdapter) ClearAlarm() {
	ma.mu.RLock()
	handler := ma.alarmClearHandler
	ma.mu.RUnlock()
	if handler != nil {
		handler()
	}
}

// State implements MachineInterface.
func (ma *MachineAdapter) State() string {
	ma.mu.RLock()
	getter := ma.stateGetter
	ma.mu.RUnlock()

	if getter != nil {
		return getter()
	}
	return "ready"
}

// FilterStatus filters a status map to the requested attributes. An
// empty attribute list means everything.
func FilterStatus(status map[string]any, attrs []string) map[string]any {
	if len(attrs) == 0 {
		return status
	}

	filtered := make(map[string]any)
	for _, attr := range attrs {
		if val, ok := status[attr]; ok {
			filtered[attr] = val
		}
	}
	return filtered
}

var machineStateNames = map[canon.MachineState]string{
	canon.MachineInit:        "init",
	canon.MachineReady:       "ready",
	canon.MachineAlarm:       "alarm",
	canon.MachineProgramStop: "stop",
	canon.MachineProgramEnd:  "end",
	canon.MachineCycle:       "cycle",
}

var axisKeys = [...]string{"x", "y", "z", "a", "b", "c"}

// BindMachine wires a canonical machine, planner and stepper bridge
// into the adapter, registering the standard status objects.
func BindMachine(ma *MachineAdapter, m *canon.Machine, plan *planner.Planner,
	st *stepper.Stepper, bridge *stepper.Bridge) {

	ma.SetStateGetter(func() string {
		return machineStateNames[m.MachineState()]
	})

	ma.SetCycleHandlers(
		m.RequestFeedhold,
		m.RequestCycleStart,
		m.RequestQueueFlush,
		m.ClearAlarm,
	)

	ma.RegisterStatusProvider("machine_state", func(attrs []string) map[string]any {
		status := map[string]any{
			"state":  machineStateNames[m.MachineState()],
			"stat":   int(m.CombinedState()),
			"cycle":  int(m.CycleState()),
			"motion": int(m.MotionState()),
			"hold":   int(m.HoldState()),
			"line":   m.LineNumber(),
		}
		return FilterStatus(status, attrs)
	})

	ma.RegisterStatusProvider("position", func(attrs []string) map[string]any {
		status := make(map[string]any, 2*len(axisKeys)+1)
		for i, key := range axisKeys {
			status["pos"+key] = m.RuntimeWorkPosition(i)
			status["mpo"+key] = m.RuntimeMachinePosition(i)
		}
		status["vel"] = plan.RuntimeVelocity()
		return FilterStatus(status, attrs)
	})

	ma.RegisterStatusProvider("gcode_state", func(attrs []string) map[string]any {
		status := map[string]any{
			"feed": m.FeedRate(),
			"unit": int(m.UnitsMode()),
			"coor": int(m.CoordSystem()),
			"dist": int(m.DistanceMode()),
			"plan": int(m.SelectedPlane()),
			"path": int(m.PathControl()),
			"momo": int(m.MotionMode()),
			"tool": m.Tool(),
		}
		return FilterStatus(status, attrs)
	})

	ma.RegisterStatusProvider("planner", func(attrs []string) map[string]any {
		status := map[string]any{
			"available":   plan.Available(),
			"queue_empty": plan.QueueEmpty(),
		}
		return FilterStatus(status, attrs)
	})

	ma.RegisterStatusProvider("motors", func(attrs []string) map[string]any {
		status := make(map[string]any, 2*stepper.MaxMotors+1)
		for motor := 0; motor < stepper.MaxMotors; motor++ {
			key := strconv.Itoa(motor + 1)
			status["enc"+key] = st.EncoderSteps(motor)
			status["ferr"+key] = bridge.FollowingError(motor)
		}
		status["busy"] = st.Busy()
		return FilterStatus(status, attrs)
	})
}
