// Package sim is a simulated device backend. Devices are in-memory per
// process, keep a running config, and answer a small set of show commands.
// Used by the dry-run path, local development and the test suite.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/viperbmw/netstacks-sub002/internal/driver"
	"github.com/viperbmw/netstacks-sub002/internal/models"
)

type device struct {
	hostname string
	config   []string
}

// Driver simulates CLI devices. Safe for concurrent sessions, though real
// devices are exactly why the engine serializes pinned jobs.
type Driver struct {
	mu      sync.Mutex
	devices map[string]*device
	// Jitter adds random latency to each operation, zero disables it.
	Jitter time.Duration
}

func New() *Driver {
	return &Driver{devices: make(map[string]*device)}
}

// Reset drops all simulated device state.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = make(map[string]*device)
}

// RunningConfig returns a copy of one device's applied config lines.
func (d *Driver) RunningConfig(host string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[host]
	if !ok {
		return nil
	}
	out := make([]string, len(dev.config))
	copy(out, dev.config)
	return out
}

func (d *Driver) lookup(host string) *device {
	dev, ok := d.devices[host]
	if !ok {
		dev = &device{hostname: host}
		d.devices[host] = dev
	}
	return dev
}

// Connect opens a session to the named host. A payload with
// "unreachable": true simulates a dead device.
func (d *Driver) Connect(ctx context.Context, payload map[string]interface{}) (driver.Session, error) {
	host, _ := payload["host"].(string)
	if host == "" {
		host, _ = payload["target"].(string)
	}
	if host == "" {
		return nil, fmt.Errorf("%w: payload missing host", models.ErrDeviceConnection)
	}
	if v, ok := payload["unreachable"].(bool); ok && v {
		return nil, fmt.Errorf("%w: host %s unreachable", models.ErrDeviceConnection, host)
	}
	return &session{drv: d, host: host}, nil
}

type session struct {
	drv    *Driver
	host   string
	closed bool
}

func (s *session) sleep(ctx context.Context) error {
	if s.drv.Jitter <= 0 {
		return nil
	}
	d := time.Duration(rand.Int63n(int64(s.drv.Jitter)))
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) Execute(ctx context.Context, req driver.Request) (*driver.Result, error) {
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", models.ErrDeviceConnection)
	}
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}

	s.drv.mu.Lock()
	defer s.drv.mu.Unlock()
	dev := s.drv.lookup(s.host)

	var out strings.Builder
	for _, cmd := range req.Commands {
		out.WriteString(s.show(dev, cmd))
	}
	for _, line := range req.Config {
		applyLine(dev, line)
		fmt.Fprintf(&out, "%s(config)# %s\n", dev.hostname, line)
	}
	return &driver.Result{Output: out.String()}, nil
}

// DryRun previews config changes without touching device state.
func (s *session) DryRun(ctx context.Context, req driver.Request) (*driver.Result, error) {
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", models.ErrDeviceConnection)
	}
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}

	s.drv.mu.Lock()
	defer s.drv.mu.Unlock()
	dev := s.drv.lookup(s.host)

	var out strings.Builder
	fmt.Fprintf(&out, "! dry run against %s, no changes applied\n", dev.hostname)
	for _, line := range req.Config {
		fmt.Fprintf(&out, "+ %s\n", line)
	}
	return &driver.Result{Output: out.String(), Simulated: true}, nil
}

func (s *session) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

func (s *session) show(dev *device, cmd string) string {
	switch strings.TrimSpace(cmd) {
	case "show running-config":
		if len(dev.config) == 0 {
			return fmt.Sprintf("hostname %s\n! empty configuration\n", dev.hostname)
		}
		return fmt.Sprintf("hostname %s\n%s\n", dev.hostname, strings.Join(dev.config, "\n"))
	case "show version":
		return fmt.Sprintf("%s uptime is simulated\nnetstacks-sim software, version 1.0\n", dev.hostname)
	default:
		return fmt.Sprintf("%s# %s\n%% simulated output\n", dev.hostname, cmd)
	}
}

func applyLine(dev *device, line string) {
	if rest, ok := strings.CutPrefix(line, "hostname "); ok {
		dev.hostname = rest
	}
	dev.config = append(dev.config, line)
}
