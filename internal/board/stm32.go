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
	defaultSTM32Project = "lv_port_stm32u5g9j-dk2"
	stm32ResultName     = "stm32u5g9"
)

// STM32 builds the STM32U5G9J-DK2 firmware with make. Runs are disabled
// unless configured with a flash command and a console.
type STM32 struct {
	env *Env
}

func (s *STM32) project() string {
	return s.env.boardFolder(firstNonEmpty(s.env.Config.STM32.Project, defaultSTM32Project))
}

func (s *STM32) Requires(action report.Kind, _ Target) []string {
	switch {
	case action == report.Build:
		return []string{"python3", "make"}
	case action == report.Run && s.env.Config.STM32.RunEnabled && len(s.env.Config.STM32.FlashCommand) > 0:
		return s.env.Config.STM32.FlashCommand[:1]
	default:
		return nil
	}
}

func (s *STM32) Build(ctx context.Context, t Target) error {
	project := s.project()
	lvgl := s.env.lvglFolder()

	if _, err := s.env.run(ctx, runner.Command{Argv: []string{
		"python3", filepath.Join(lvgl, "scripts", "generate_lv_conf.py"),
		"--template", filepath.Join(lvgl, "lv_conf_template.h"),
		"--defaults", filepath.Join(project, t.Config+".defaults"),
		"--config", filepath.Join(project, "Core", "Inc", "lv_conf.h"),
	}}); err != nil {
		return fmt.Errorf("generating lv_conf.h for %s: %w", t, err)
	}
	if _, err := s.env.run(ctx, runner.Command{Argv: []string{"make", "-C", project, "clean"}}); err != nil {
		return fmt.Errorf("cleaning %s: %w", t, err)
	}
	if _, err := s.env.run(ctx, runner.Command{Argv: []string{"make", "-C", project, "-j" + jobs()}}); err != nil {
		return fmt.Errorf("building %s: %w", t, err)
	}
	return nil
}

func (s *STM32) Prepare(ctx context.Context, t Target) (capture.Source, error) {
	c := s.env.Config.STM32
	if !c.RunEnabled {
		return nil, ErrRunSkipped
	}
	if c.Console == "" {
		return nil, fmt.Errorf("stm32.console is required when runs are enabled")
	}
	if len(c.FlashCommand) > 0 {
		if _, err := s.env.run(ctx, runner.Command{Argv: c.FlashCommand, Dir: s.project()}); err != nil {
			return nil, fmt.Errorf("flashing %s: %w", t, err)
		}
	}
	return &capture.SerialSource{Device: c.Console, Baud: c.Baud}, nil
}

func (s *STM32) Kill(context.Context, Target) error { return nil }

func (s *STM32) ResultName(Target) string { return stm32ResultName }
