// tinyg is the Go host for the TinyG motion controller core.
// It loads a machine profile, runs the gcode interpreter, planner and
// stepper runtime on a reactor loop, and serves status reports over
// HTTP/WebSocket.
//
// Usage:
//
//	tinyg -config machine.cfg [options]
//
// Options:
//
//	-config string   Machine profile file (required)
//	-listen string   Report server address (overrides [report] listen)
//	-device string   Serial console device (default: stdin console)
//	-baud int        Serial console baud rate (default 115200)
//	-logfile string  Log file path (default: stdout)
//	-debug           Enable debug logging
//
// Examples:
//
//	# Run with stdin console
//	tinyg -config machine.cfg
//
//	# Run with a serial console and status reports on :8101
//	tinyg -config machine.cfg -device /dev/ttyUSB0 -listen :8101
//
// Besides gcode, the console accepts single character cycle controls
// (! feedhold, ~ cycle start, % queue flush) and two profile commands:
// $save writes the work coordinate offsets back to the profile file,
// $reload re-reads the profile and applies reloadable sections to the
// running machine.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tinyg-go-migration/pkg/canon"
	"tinyg-go-migration/pkg/config"
	"tinyg-go-migration/pkg/controller"
	"tinyg-go-migration/pkg/log"
	"tinyg-go-migration/pkg/metrics"
	"tinyg-go-migration/pkg/reactor"
	"tinyg-go-migration/pkg/report"
	"tinyg-go-migration/pkg/serial"
)

// stepCounterSink counts emitted pulses into the machine metrics. Pin
// level step generation belongs to the firmware side; the host tracks
// the pulses it commanded.
type stepCounterSink struct {
	mm *metrics.MachineMetrics
}

func (s *stepCounterSink) Step(motor int) {
	s.mm.AddSteps(motor, 1)
}

func (s *stepCounterSink) SetDirection(motor int, reverse bool) {}

func (s *stepCounterSink) Energize(motor int, on bool) {
	v := 0.0
	if on {
		v = 1.0
	}
	s.mm.MotorEnergized.Set(metrics.Labels{"motor": fmt.Sprint(motor + 1)}, v)
}

func main() {
	configFile := flag.String("config", "", "Machine profile file (required)")
	listenAddr := flag.String("listen", "", "Report server address (overrides profile)")
	device := flag.String("device", "", "Serial console device (default: stdin)")
	baud := flag.Int("baud", 115200, "Serial console baud rate")
	logFile := flag.String("logfile", "", "Log file path (default: stdout)")
	debug := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	base := log.New("tinyg")
	if *debug {
		base.SetLevel(log.DEBUG)
	}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		base.SetWriter(f)
	}
	log.SetDefaultLogger(base)
	logger := log.GetLogger("main")

	logger.Info("tinyg host starting")

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("profile load failed: %v", err)
		os.Exit(1)
	}
	profile, err := config.BuildMachineProfile(cfg)
	if err != nil {
		logger.Error("profile load failed: %v", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		profile.Listen = *listenAddr
	}

	logger.Info("profile: %s", *configFile)
	for m, mc := range profile.Steppers.Motors {
		if mc.Axis < 0 {
			continue
		}
		logger.Info("  motor %d: axis=%c steps/mm=%.3f", m+1,
			"xyzabc"[mc.Axis], mc.StepsPerUnit())
	}

	ctrl, err := controller.New(profile, &stepCounterSink{mm: metrics.GlobalMetrics()})
	if err != nil {
		logger.Error("controller setup failed: %v", err)
		os.Exit(1)
	}

	// gcode lines from other goroutines run on the reactor thread
	execute := func(line string) error {
		completion := ctrl.Reactor.RegisterAsyncCallback(
			func(eventtime float64) interface{} {
				return ctrl.ExecuteLine(line)
			}, reactor.NOW)
		res := completion.Wait(30*time.Second, reactor.ErrTimeout)
		if err, ok := res.(error); ok {
			return err
		}
		return nil
	}

	// Profile persistence and hot reload. The offsets sections reload
	// into the running machine; anything else needs a restart.
	auto := config.NewAutosaveConfig(cfg, *configFile)
	registry := config.NewRegistry()
	registry.RegisterWithPrefix("offsets ", func(sec *config.Section) (config.Module, error) {
		m := &offsetsModule{name: sec.GetName(), profile: profile}
		return m, m.Reload(sec)
	})
	if _, err := registry.LoadModules(cfg); err != nil {
		logger.Error("profile modules: %v", err)
		os.Exit(1)
	}
	reloadMgr := config.NewReloadManager(registry, cfg, *configFile)

	profileCmd := func(line string) bool {
		switch line {
		case "$save":
			if err := saveOffsets(auto, profile); err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				fmt.Println("ok")
				logger.Info("work offsets saved to %s", *configFile)
			}
			return true
		case "$reload":
			completion := ctrl.Reactor.RegisterAsyncCallback(
				func(eventtime float64) interface{} {
					results, err := reloadMgr.ReloadFromFile()
					if err != nil {
						return err
					}
					return results
				}, reactor.NOW)
			res := completion.Wait(30*time.Second, reactor.ErrTimeout)
			switch v := res.(type) {
			case error:
				fmt.Printf("error: %v\n", v)
			case []config.ReloadResult:
				for _, r := range v {
					if r.WasReloaded {
						logger.Info("reloaded [%s]", r.Section)
					} else if r.Error != nil {
						fmt.Printf("error: [%s]: %v\n", r.Section, r.Error)
					} else {
						fmt.Printf("restart required for [%s]\n", r.Section)
					}
				}
				fmt.Println("ok")
			}
			return true
		}
		return false
	}

	if profile.Listen != "" {
		adapter := report.NewMachineAdapter()
		report.BindMachine(adapter, ctrl.Machine, ctrl.Planner, ctrl.Stepper, ctrl.Bridge)
		adapter.SetGCodeExecutor(execute)

		srv := report.New(report.Config{
			Addr:           profile.Listen,
			Machine:        adapter,
			StatusInterval: time.Duration(profile.StatusInterval * float64(time.Second)),
		})
		ctrl.Machine.MessageFunc = srv.BroadcastMessage
		ctrl.Machine.StatusReportFunc = srv.RequestStatusUpdate
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("report server: %v", err)
			}
		}()
		defer srv.Stop()
		logger.Info("report server on %s", profile.Listen)
	}

	// SIGINT holds motion first and stops once the machine is holding;
	// SIGTERM alarms and stops immediately.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		if sig == syscall.SIGINT {
			logger.Info("interrupt: feedhold then shutdown")
			ctrl.Machine.RequestFeedhold()
			deadline := time.Now().Add(10 * time.Second)
			for !ctrl.Planner.Holding() && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
		} else {
			logger.Info("terminate: alarm and shutdown")
			ctrl.Reactor.RegisterAsyncCallback(func(eventtime float64) interface{} {
				ctrl.Machine.Alarm(fmt.Errorf("terminated by signal"))
				return nil
			}, reactor.NOW)
		}
		ctrl.Shutdown()
	}()

	var console io.ReadCloser = os.Stdin
	if *device != "" {
		cfg := serial.DefaultConfig()
		cfg.Device = *device
		cfg.BaudRate = *baud
		port, err := serial.Open(cfg)
		if err != nil {
			logger.Error("serial open failed: %v", err)
			os.Exit(1)
		}
		defer port.Close()
		console = port
		logger.Info("console on %s @ %d", *device, *baud)
	}

	go consoleLoop(console, ctrl, execute, profileCmd, logger)

	ctrl.Start()
	ctrl.Run()

	logger.Info("tinyg host stopped")
}

// consoleLoop reads gcode lines from the console. The single character
// controls feedhold (!), cycle start (~) and queue flush (%) bypass
// the line reader so they act during motion.
func consoleLoop(r io.Reader, ctrl *controller.Controller,
	execute func(string) error, profileCmd func(string) bool,
	logger *log.Logger) {

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "!":
			ctrl.Machine.RequestFeedhold()
			continue
		case "~":
			ctrl.Machine.RequestCycleStart()
			continue
		case "%":
			ctrl.Machine.RequestQueueFlush()
			continue
		}
		if profileCmd(line) {
			continue
		}

		if err := execute(line); err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println("ok")
	}
	if err := scanner.Err(); err != nil {
		logger.Error("console read failed: %v", err)
	}
}

var offsetAxisNames = [...]string{"x", "y", "z", "a", "b", "c"}

// offsetsModule applies an [offsets g54] through [offsets g59] profile
// section to the running machine's work coordinate offset table.
type offsetsModule struct {
	name    string
	profile *config.MachineProfile
}

func (o *offsetsModule) GetName() string { return o.name }
func (o *offsetsModule) CanReload() bool { return true }

func (o *offsetsModule) Reload(sec *config.Section) error {
	name := sec.GetName()
	if len(name) == 0 || name[len(name)-1] < '4' || name[len(name)-1] > '9' {
		return fmt.Errorf("unknown offsets section [%s]", name)
	}
	cs := int(canon.G54) + int(name[len(name)-1]-'4')
	for i, axis := range offsetAxisNames {
		v, err := sec.GetFloat(axis, o.profile.Machine.Offsets[cs][i])
		if err != nil {
			return err
		}
		o.profile.Machine.Offsets[cs][i] = v
	}
	return nil
}

// saveOffsets writes the current work coordinate offset table back to
// the profile file, backing up the previous file first.
func saveOffsets(auto *config.AutosaveConfig, profile *config.MachineProfile) error {
	for cs := 0; cs < 6; cs++ {
		section := fmt.Sprintf("offsets g5%d", 4+cs)
		offsets := profile.Machine.Offsets[int(canon.G54)+cs]

		nonzero := auto.HasSection(section)
		for i := range offsetAxisNames {
			if offsets[i] != 0 {
				nonzero = true
			}
		}
		if !nonzero {
			continue
		}

		for i, axis := range offsetAxisNames {
			value := strconv.FormatFloat(offsets[i], 'g', -1, 64)
			if err := auto.SetOption(section, axis, value); err != nil {
				return err
			}
		}
	}
	if !auto.HasChanges() {
		return nil
	}
	return auto.SaveChanges("")
}
