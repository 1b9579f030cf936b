package board

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/deixis/lvbench/internal/capture"
	"github.com/deixis/lvbench/internal/report"
	"github.com/deixis/lvbench/internal/runner"
)

const defaultBuildPrefix = "build-"

// Native builds the benchmark as a host executable with CMake and runs
// it directly.
type Native struct {
	env *Env
}

func (n *Native) buildDir(t Target) string {
	prefix := n.env.Config.Native.BuildPrefix
	if prefix == "" {
		prefix = defaultBuildPrefix
	}
	return filepath.Join(n.env.boardFolder(t.Board), prefix+t.Config)
}

// Binary is the executable produced for t.
func (n *Native) Binary(t Target) string {
	return filepath.Join(n.buildDir(t), t.Config)
}

func (n *Native) Requires(action report.Kind, _ Target) []string {
	if action == report.Build {
		return []string{"cmake"}
	}
	return nil
}

func (n *Native) Build(ctx context.Context, t Target) error {
	project := n.env.boardFolder(t.Board)
	build := n.buildDir(t)
	conf := filepath.Join(project, fmt.Sprintf("lv_conf_%s.h", t.Config))

	if _, err := n.env.run(ctx, runner.Command{Argv: []string{
		"cmake", "-B", build, "-S", project, "-DLV_BUILD_CONF_PATH=" + conf,
	}}); err != nil {
		return fmt.Errorf("configuring %s: %w", t, err)
	}
	if _, err := n.env.run(ctx, runner.Command{Argv: []string{
		"cmake", "--build", build, "-j", jobs(),
	}}); err != nil {
		return fmt.Errorf("building %s: %w", t, err)
	}
	return nil
}

func (n *Native) Prepare(_ context.Context, t Target) (capture.Source, error) {
	return &capture.ProcessSource{
		Argv: []string{n.Binary(t)},
		Dir:  n.buildDir(t),
	}, nil
}

// Kill is a no-op: the session owns the host process and tears it down.
func (n *Native) Kill(context.Context, Target) error { return nil }

func (n *Native) ResultName(t Target) string { return t.Config }
