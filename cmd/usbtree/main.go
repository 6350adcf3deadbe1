// Command usbtree discovers USB devices and renders their descriptor trees.
//
// With no arguments it runs a simulated bus populated with canned devices.
// Capture files given as arguments are each replayed on their own bus; the
// -live flag discovers the machine's real devices instead. The default
// interactive view streams discoveries as they complete; -text prints the
// tree and exits, -json prints it as JSON.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/usbenum/host"
	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/host/hal/replay"
	"github.com/ardnew/usbenum/host/hal/sim"
	"github.com/ardnew/usbenum/pkg"
	"github.com/ardnew/usbenum/pkg/prof"
	"github.com/ardnew/usbenum/pkg/usbid"
)

// Component identifier for usbtree logging.
const componentTree pkg.Component = "usbtree"

var (
	textMode   = flag.Bool("text", false, "Print the descriptor tree and exit")
	jsonMode   = flag.Bool("json", false, "Print discoveries as JSON and exit")
	verbose    = flag.Bool("v", false, "Enable verbose logging")
	liveMode   = flag.Bool("live", false, "Discover devices on the system bus (Linux)")
	idsPath    = flag.String("ids", "", "Path to a usb.ids database (default: system locations)")
	settle     = flag.Duration("wait", 2*time.Second, "How long -text waits for stragglers")
	cpuProfile = flag.String("cpuprofile", "", "Write a CPU profile (build with -tags profile)")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"usage: %s [flags] [capture.bin ...]\n\n"+
			"Captures are sysfs descriptor blobs, e.g. /sys/bus/usb/devices/1-4/descriptors.\n"+
			"Each capture is replayed on its own bus. Without captures or -live, a\n"+
			"simulated bus with canned devices is discovered instead.\n\n",
		filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

// busRun couples one bus with the host discovering it and the collected
// results, plus display attributes the descriptor tree does not carry.
type busRun struct {
	name      string
	bus       hal.HostBus
	host      *host.Host
	collector *host.Collector

	// expected counts the devices known to be on the bus at start, or 0
	// when the count is open-ended (live discovery).
	expected int

	mu      sync.Mutex
	speeds  map[hal.DeviceAddress]hal.Speed
	results map[hal.DeviceAddress]host.DiscoveryState
}

func newBusRun(name string, bus hal.HostBus, expected int) *busRun {
	run := &busRun{
		name:      name,
		bus:       bus,
		host:      host.New(bus),
		collector: host.NewCollector(),
		expected:  expected,
		speeds:    make(map[hal.DeviceAddress]hal.Speed),
		results:   make(map[hal.DeviceAddress]host.DiscoveryState),
	}
	run.host.RegisterDriver(run.collector)
	return run
}

func (r *busRun) setSpeed(addr hal.DeviceAddress, speed hal.Speed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speeds[addr] = speed
}

func (r *busRun) speed(addr hal.DeviceAddress) hal.Speed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speeds[addr]
}

func (r *busRun) setResult(addr hal.DeviceAddress, state host.DiscoveryState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[addr] = state
}

// result returns the device's discovery state: the live session state while
// a walk is in progress, otherwise the outcome of the last completed walk.
func (r *busRun) result(addr hal.DeviceAddress) host.DiscoveryState {
	if state, ok := r.host.Discovery(addr); ok {
		return state
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[addr]
}

func (r *busRun) forget(addr hal.DeviceAddress) {
	r.collector.Remove(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.speeds, addr)
	delete(r.results, addr)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	} else {
		pkg.SetLogLevel(slog.LevelInfo)
	}
	if *jsonMode {
		*textMode = true
	}

	if *cpuProfile != "" {
		if err := prof.StartCPU(*cpuProfile); err != nil {
			pkg.LogError(componentTree, "cpu profile failed", "error", err)
			os.Exit(1)
		}
		defer prof.StopCPU()
	}

	ids := usbid.New()
	if *idsPath != "" {
		ids = usbid.NewWithPaths([]string{*idsPath})
	}
	if ids.Load() {
		pkg.LogDebug(componentTree, "usb.ids database loaded",
			"vendors", ids.VendorCount(),
			"products", ids.ProductCount())
	}

	runs, simBus, err := assembleBuses(flag.Args())
	if err != nil {
		pkg.LogError(componentTree, "bus setup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := 0
	if *textMode {
		code = runText(ctx, runs, simBus, ids)
	} else {
		code = runTUI(ctx, runs, simBus, ids)
	}
	os.Exit(code)
}

// assembleBuses builds one busRun per requested bus. The simulated bus is
// returned separately so callers can attach its canned devices after start.
func assembleBuses(captures []string) ([]*busRun, *sim.Bus, error) {
	if *liveMode {
		bus, err := openSystemBus()
		if err != nil {
			return nil, nil, err
		}
		return []*busRun{newBusRun("system", bus, 0)}, nil, nil
	}

	if len(captures) > 0 {
		runs := make([]*busRun, 0, len(captures))
		for _, path := range captures {
			bus := replay.New()
			if _, err := bus.LoadFile(path); err != nil {
				return nil, nil, err
			}
			runs = append(runs, newBusRun(filepath.Base(path), bus, 1))
		}
		return runs, nil, nil
	}

	bus := sim.New()
	return []*busRun{newBusRun("sim", bus, 3)}, bus, nil
}

// attachDemoDevices populates the simulated bus once discovery is running.
func attachDemoDevices(bus *sim.Bus) {
	bus.Attach(sim.Keyboard())
	bus.Attach(sim.SerialAdapter())
	bus.Attach(sim.MassStorage())
}

// startHosts starts every host and launches its event pump in the group.
func startHosts(ctx context.Context, g *errgroup.Group, runs []*busRun) error {
	for _, run := range runs {
		run := run
		if err := run.host.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", run.name, err)
		}
		g.Go(func() error {
			return run.host.Run(ctx)
		})
	}
	return nil
}

// runText discovers everything, prints one report, and exits.
func runText(ctx context.Context, runs []*busRun, simBus *sim.Bus, ids *usbid.Database) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Every completed walk counts toward the expected total; when the
	// count is open-ended the settle timer ends the run instead.
	total := 0
	for _, run := range runs {
		total += run.expected
	}
	var completed atomic.Int32
	allDone := make(chan struct{})

	for _, run := range runs {
		run := run
		run.host.SetOnDeviceAttached(run.setSpeed)
		run.host.SetOnDeviceDetached(run.forget)
		run.host.SetOnDiscoveryComplete(func(addr hal.DeviceAddress, state host.DiscoveryState) {
			run.setResult(addr, state)
			if total > 0 && completed.Add(1) == int32(total) {
				close(allDone)
			}
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := startHosts(gctx, g, runs); err != nil {
		pkg.LogError(componentTree, "host start failed", "error", err)
		return 1
	}
	defer stopHosts(runs)

	if simBus != nil {
		attachDemoDevices(simBus)
	}

	select {
	case <-allDone:
	case <-time.After(*settle):
	case <-gctx.Done():
	}
	cancel()

	if err := g.Wait(); err != nil {
		pkg.LogError(componentTree, "discovery failed", "error", err)
		return 1
	}

	if *jsonMode {
		if err := writeJSON(os.Stdout, runs); err != nil {
			pkg.LogError(componentTree, "json output failed", "error", err)
			return 1
		}
		return 0
	}
	writeText(os.Stdout, runs, ids)
	return 0
}

// runTUI discovers interactively until the user quits.
func runTUI(ctx context.Context, runs []*busRun, simBus *sim.Bus, ids *usbid.Database) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := newTUI(runs, ids)

	for _, run := range runs {
		run := run
		run.host.SetOnDeviceAttached(func(addr hal.DeviceAddress, speed hal.Speed) {
			run.setSpeed(addr, speed)
			t.refresh()
		})
		run.host.SetOnDeviceDetached(func(addr hal.DeviceAddress) {
			run.forget(addr)
			t.refresh()
		})
		run.host.SetOnDiscoveryComplete(func(addr hal.DeviceAddress, state host.DiscoveryState) {
			run.setResult(addr, state)
			t.refresh()
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := startHosts(gctx, g, runs); err != nil {
		pkg.LogError(componentTree, "host start failed", "error", err)
		return 1
	}
	defer stopHosts(runs)

	if simBus != nil {
		attachDemoDevices(simBus)
	}

	// A pump failure tears down the interface rather than leaving it
	// running against dead buses.
	g.Go(func() error {
		<-gctx.Done()
		t.stop()
		return nil
	})

	uiErr := t.run()
	cancel()

	if err := g.Wait(); err != nil {
		pkg.LogError(componentTree, "discovery failed", "error", err)
		return 1
	}
	if uiErr != nil {
		fmt.Fprintln(os.Stderr, uiErr)
		return 1
	}
	return 0
}

func stopHosts(runs []*busRun) {
	for _, run := range runs {
		run.host.Stop()
	}
}
