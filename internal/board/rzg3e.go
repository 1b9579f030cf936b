package board

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/deixis/lvbench/internal/capture"
	"github.com/deixis/lvbench/internal/report"
	"github.com/deixis/lvbench/internal/runner"
)

const (
	defaultRZG3EAddress = "192.168.1.172"
	defaultRZG3EUser    = "root"
	defaultRZG3ESDKEnv  = "/opt/rz-vlp/5.0.8/environment-setup-cortexa55-poky-linux"
	defaultRZG3EProject = "lv_port_linux"
	defaultRZG3EBinary  = "lvglsim"
	rzg3eResultName     = "renesas-rzg3e"
	waylandConfig       = "wayland"
)

// RZG3E cross-compiles the Linux port with the Yocto SDK, copies it to
// the board over SSH and runs it there.
type RZG3E struct {
	env *Env
}

func (r *RZG3E) host() string {
	c := r.env.Config.RZG3E
	return firstNonEmpty(c.User, defaultRZG3EUser) + "@" + firstNonEmpty(c.Address, defaultRZG3EAddress)
}

func (r *RZG3E) binary() string {
	return firstNonEmpty(r.env.Config.RZG3E.Binary, defaultRZG3EBinary)
}

func (r *RZG3E) project() string {
	return r.env.boardFolder(firstNonEmpty(r.env.Config.RZG3E.Project, defaultRZG3EProject))
}

func (r *RZG3E) buildDir(t Target) string {
	return filepath.Join(r.project(), "build-"+t.Config)
}

func (r *RZG3E) Requires(action report.Kind, _ Target) []string {
	switch action {
	case report.Build:
		return []string{"bash", "cmake"}
	case report.Run:
		return []string{"scp", "ssh"}
	default:
		return []string{"ssh"}
	}
}

func (r *RZG3E) Build(ctx context.Context, t Target) error {
	sdkEnv := firstNonEmpty(r.env.Config.RZG3E.SDKEnv, defaultRZG3ESDKEnv)
	configure := ". " + shellQuote(sdkEnv) + " && " + shellJoin(
		"cmake", "-DCONFIG="+t.Config, "-B", r.buildDir(t), "-S", r.project())

	if _, err := r.env.run(ctx, runner.Command{Argv: []string{"bash", "-c", configure}}); err != nil {
		return fmt.Errorf("configuring %s: %w", t, err)
	}
	if _, err := r.env.run(ctx, runner.Command{Argv: []string{
		"cmake", "--build", r.buildDir(t), "-j", jobs(),
	}}); err != nil {
		return fmt.Errorf("building %s: %w", t, err)
	}
	return nil
}

func (r *RZG3E) Prepare(ctx context.Context, t Target) (capture.Source, error) {
	local := filepath.Join(r.buildDir(t), "bin", r.binary())
	if _, err := r.env.run(ctx, runner.Command{Argv: []string{"scp", local, r.host() + ":~"}}); err != nil {
		return nil, fmt.Errorf("copying %s to %s: %w", r.binary(), r.host(), err)
	}

	// The compositor must run for the Wayland build and must not hold
	// the display for the others. Failures here surface in the run.
	compositor := "systemctl stop weston.socket"
	if t.Config == waylandConfig {
		compositor = "systemctl start weston"
	}
	if _, err := r.env.try(ctx, runner.Command{Argv: []string{"ssh", r.host(), compositor}}); err != nil {
		return nil, err
	}

	return &capture.ProcessSource{Argv: []string{"ssh", r.host(), "./" + r.binary()}}, nil
}

// Kill stops the benchmark on the board. Ending the local ssh client
// does not stop the remote process.
func (r *RZG3E) Kill(ctx context.Context, t Target) error {
	if _, err := r.env.run(ctx, runner.Command{Argv: []string{"ssh", r.host(), "killall " + r.binary()}}); err != nil {
		return fmt.Errorf("killing %s on %s: %w", r.binary(), r.host(), err)
	}
	return nil
}

func (r *RZG3E) ResultName(Target) string { return rzg3eResultName }
