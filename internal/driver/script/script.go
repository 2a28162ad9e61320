// Package script runs local executables as jobs. It cannot simulate, so
// dry runs are refused rather than silently executed.
package script

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/viperbmw/netstacks-sub002/internal/driver"
	"github.com/viperbmw/netstacks-sub002/internal/models"
)

type Driver struct{}

func New() *Driver {
	return &Driver{}
}

// Connect validates the payload; there is no remote endpoint to reach.
func (d *Driver) Connect(ctx context.Context, payload map[string]interface{}) (driver.Session, error) {
	cmd, _ := payload["command"].(string)
	if cmd == "" {
		return nil, fmt.Errorf("%w: payload missing command", models.ErrDeviceConnection)
	}
	return &session{command: cmd, args: driver.StringsFromPayload(payload, "args")}, nil
}

type session struct {
	command string
	args    []string
}

func (s *session) Execute(ctx context.Context, req driver.Request) (*driver.Result, error) {
	cmd := exec.CommandContext(ctx, s.command, s.args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("script %s failed: %w: %s", s.command, err, out.String())
	}
	return &driver.Result{Output: out.String()}, nil
}

func (s *session) DryRun(ctx context.Context, req driver.Request) (*driver.Result, error) {
	return nil, fmt.Errorf("%w: script backend cannot simulate", models.ErrUnsupportedOperation)
}

func (s *session) Close(ctx context.Context) error {
	return nil
}
