// Package driver defines the capability set workers use to talk to a
// device backend: connect, execute, dry-run, disconnect. Backends register
// under a name and are selected at runtime from the job payload — a flat
// dispatch table, not a hierarchy.
package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/viperbmw/netstacks-sub002/internal/models"
)

// Request carries one operation into a session.
type Request struct {
	// Commands are read operations ("show version").
	Commands []string
	// Config are configuration lines to apply.
	Config []string
	// Args are backend-specific extras (script arguments, template refs).
	Args map[string]interface{}
	// Enable requests privileged mode where the backend distinguishes it.
	Enable bool
}

// Result is the raw outcome of one operation.
type Result struct {
	Output    string `json:"output"`
	Simulated bool   `json:"simulated,omitempty"`
}

// Session is a live connection to one device. Execute and DryRun must
// honor ctx deadlines; DryRun must not mutate device state and fails with
// ErrUnsupportedOperation when the backend cannot simulate.
type Session interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	DryRun(ctx context.Context, req Request) (*Result, error)
	// Close is best-effort; the worker logs errors rather than failing
	// the job, since the operation already completed.
	Close(ctx context.Context) error
}

// Driver opens sessions for one backend kind. Connect fails with
// ErrDeviceConnection on unreachable or unauthenticated targets and is
// never retried by the adapter; retry policy belongs to the caller. Every
// successful Connect must be paired with exactly one Close.
type Driver interface {
	Connect(ctx context.Context, payload map[string]interface{}) (Session, error)
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Driver)
)

// Register installs a backend under a name. Typically called from package
// init or process wiring; later registrations replace earlier ones.
func Register(name string, d Driver) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = d
}

// Lookup selects a backend by name.
func Lookup(name string) (Driver, error) {
	mu.RLock()
	defer mu.RUnlock()
	d, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown driver %q", models.ErrConfiguration, name)
	}
	return d, nil
}

// FromPayload selects the backend named by the job payload's "driver"
// field, defaulting to the simulator.
func FromPayload(payload map[string]interface{}) (Driver, error) {
	name := "sim"
	if v, ok := payload["driver"].(string); ok && v != "" {
		name = v
	}
	return Lookup(name)
}

// StringsFromPayload pulls a []string field out of an opaque payload, which
// arrives as []interface{} after JSON decoding.
func StringsFromPayload(payload map[string]interface{}, field string) []string {
	switch v := payload[field].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
