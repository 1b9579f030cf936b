package board

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/deixis/lvbench/internal/capture"
	"github.com/deixis/lvbench/internal/config"
	"github.com/deixis/lvbench/internal/report"
	"github.com/deixis/lvbench/internal/runner"
)

// ESP32-S3 bench defaults.
const (
	defaultIDFRoot    = "/home/lvgl/esp"
	defaultIDFVersion = "5.2.5"
	defaultESP32MAC   = "30:30:f9:5a:88:00"
	defaultFlashBaud  = 921600
	defaultHALURL     = "lvgl@127.0.0.1:/home/lvgl/lv_ej_workspace/lv_nuttx/espressif/esp-hal-3rdparty.git"
	nuttxConfig       = "nuttx"
	nuttxBoardConfig  = "esp32s3-lcd-ev:lvgl"
	handshakeDelay    = 2 * time.Second
)

var defaultFlashPorts = []string{"/dev/ttyACM0", "/dev/ttyACM1"}

// builtinVariants are the board configs that need more than the
// defaults. Entries in the config file take precedence.
var builtinVariants = map[string]config.ESP32Variant{
	"eve": {
		IDFVersion: "5.3.1",
		MAC:        "34:85:18:6c:f6:dc",
		Project:    "eve",
	},
	nuttxConfig: {
		Project:   "lv_nuttx/nuttx",
		AppPort:   "/dev/ttyUSB0",
		Handshake: "my_lvgl_app\n",
	},
}

// ESP32 builds with ESP-IDF (or NuttX for the nuttx config), flashes
// over USB and reads the benchmark from the serial console.
type ESP32 struct {
	env *Env
}

// esp32Settings is the resolved configuration for one target.
type esp32Settings struct {
	idfRoot    string
	idfVersion string
	mac        string
	project    string
	flashPorts []string
	appPort    string
	handshake  string
	baud       int
	flashBaud  int
	halURL     string
}

func (e *ESP32) settings(t Target) esp32Settings {
	c := e.env.Config.ESP32
	s := esp32Settings{
		idfRoot:    firstNonEmpty(c.IDFRoot, defaultIDFRoot),
		idfVersion: firstNonEmpty(c.IDFVersion, defaultIDFVersion),
		mac:        firstNonEmpty(c.MAC, defaultESP32MAC),
		project:    t.Board,
		flashPorts: defaultFlashPorts,
		baud:       capture.DefaultBaud,
		flashBaud:  defaultFlashBaud,
		halURL:     firstNonEmpty(c.HALURL, defaultHALURL),
	}
	if len(c.FlashPorts) > 0 {
		s.flashPorts = c.FlashPorts
	}
	if c.Baud > 0 {
		s.baud = c.Baud
	}
	if c.FlashBaud > 0 {
		s.flashBaud = c.FlashBaud
	}
	for _, v := range []config.ESP32Variant{builtinVariants[t.Config], c.Variants[t.Config]} {
		s.idfVersion = firstNonEmpty(v.IDFVersion, s.idfVersion)
		s.mac = firstNonEmpty(v.MAC, s.mac)
		s.project = firstNonEmpty(v.Project, s.project)
		s.appPort = firstNonEmpty(v.AppPort, s.appPort)
		s.handshake = firstNonEmpty(v.Handshake, s.handshake)
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (e *ESP32) projectPath(s esp32Settings) string {
	return filepath.Join(e.env.Workspace, s.project)
}

// exportScript is the ESP-IDF environment script for the version.
func (s esp32Settings) exportScript() string {
	return filepath.Join(s.idfRoot, "esp-idf"+s.idfVersion, "export.sh")
}

// withIDF runs a shell command line after sourcing the ESP-IDF
// environment.
func (s esp32Settings) withIDF(command string) []string {
	return []string{"bash", "-c", ". " + shellQuote(s.exportScript()) + " && " + command}
}

func (e *ESP32) idf(ctx context.Context, s esp32Settings, args ...string) error {
	command := shellJoin(append([]string{"idf.py", "-C", e.projectPath(s), "--ccache"}, args...)...)
	_, err := e.env.run(ctx, runner.Command{Argv: s.withIDF(command)})
	return err
}

func (e *ESP32) Requires(action report.Kind, t Target) []string {
	switch {
	case action == report.Kill:
		return nil
	case action == report.Build && t.Config == nuttxConfig:
		return []string{"bash", "make", "find"}
	default:
		return []string{"bash"}
	}
}

func (e *ESP32) Build(ctx context.Context, t Target) error {
	s := e.settings(t)
	if t.Config == nuttxConfig {
		return e.buildNuttX(ctx, s)
	}

	err := e.idf(ctx, s, "build")
	if err == nil {
		return nil
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Cancelled {
		return fmt.Errorf("building %s: %w", t, err)
	}

	// Incremental builds fail when sources are added or removed.
	// set-target wipes the build directory and reconfigures.
	e.env.logger().Warn("build failed, reconfiguring with a clean build", "target", t.String())
	if err := e.idf(ctx, s, "set-target", t.Board); err != nil {
		return fmt.Errorf("cleaning %s: %w", t, err)
	}
	if err := e.idf(ctx, s, "build"); err != nil {
		return fmt.Errorf("building %s: %w", t, err)
	}
	return nil
}

const nuttxKconfigHeader = `#
# For a description of the syntax of this configuration file,
# see the file kconfig-language.txt in the NuttX tools repository.
#

menuconfig GRAPHICS_LVGL
	bool "Light and Versatile Graphic Library (LVGL)"
	default n
	---help---
		Enable support for the LVGL GUI library.

if GRAPHICS_LVGL

`

const nuttxKconfigFooter = `
config LV_OPTLEVEL
	string "Customize compilation optimization level"
	default ""

endif # GRAPHICS_LVGL
`

// nuttxKconfig wraps the LVGL Kconfig in the NuttX menu entry.
func nuttxKconfig(lvglKconfig []byte) []byte {
	var b bytes.Buffer
	b.WriteString(nuttxKconfigHeader)
	b.Write(lvglKconfig)
	b.WriteString(nuttxKconfigFooter)
	return b.Bytes()
}

func (e *ESP32) buildNuttX(ctx context.Context, s esp32Settings) (err error) {
	project := e.projectPath(s)
	lvglApp := filepath.Join(project, "..", "apps", "graphics", "lvgl")

	if err := e.nuttxClean(ctx, project, lvglApp); err != nil {
		return err
	}
	// The LVGL sources are shared with other boards; never leave NuttX
	// objects behind in them.
	defer func() {
		if cleanErr := e.nuttxClean(context.WithoutCancel(ctx), project, lvglApp); cleanErr != nil {
			err = errors.Join(err, cleanErr)
		}
	}()

	lvglKconfig, err := os.ReadFile(filepath.Join(lvglApp, "lvgl", "Kconfig"))
	if err != nil {
		return fmt.Errorf("reading LVGL Kconfig: %w", err)
	}

	err = Scoped(filepath.Join(lvglApp, "Kconfig"), nuttxKconfig(lvglKconfig), func() error {
		command := fmt.Sprintf("cd %s && ./tools/configure.sh -l %s && make -j%s nuttx",
			shellQuote(project), nuttxBoardConfig, jobs())
		_, err := e.env.run(ctx, runner.Command{
			Argv: []string{"bash", "-c", command},
			Env:  []string{"ESP_HAL_3RDPARTY_URL=" + s.halURL},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("building nuttx: %w", err)
	}

	image, err := os.ReadFile(filepath.Join(project, "nuttx.bin"))
	if err != nil {
		return fmt.Errorf("reading nuttx image: %w", err)
	}
	if err := os.WriteFile(filepath.Join(project, "..", "nuttx.bin"), image, 0o644); err != nil {
		return fmt.Errorf("saving nuttx image: %w", err)
	}
	return nil
}

func (e *ESP32) nuttxClean(ctx context.Context, project, lvglApp string) error {
	// distclean fails on a tree that was never configured.
	if _, err := e.env.try(ctx, runner.Command{Argv: []string{"make", "-C", project, "distclean"}}); err != nil {
		return err
	}
	if _, err := e.env.run(ctx, runner.Command{Argv: []string{
		"find", "-H", filepath.Join(lvglApp, "lvgl"), "-name", "*.o", "-delete",
	}}); err != nil {
		return fmt.Errorf("removing objects from %s: %w", lvglApp, err)
	}
	return nil
}

// flashPort finds the port whose chip reports the configured MAC.
func (e *ESP32) flashPort(ctx context.Context, s esp32Settings) (string, error) {
	for _, port := range s.flashPorts {
		res, err := e.env.try(ctx, runner.Command{
			Argv: s.withIDF(shellJoin("esptool.py", "--port", port, "read_mac")),
		})
		if err != nil {
			return "", err
		}
		if strings.Contains(string(res.Stdout), s.mac) {
			return port, nil
		}
	}
	return "", fmt.Errorf("%w: ESP32-S3 with MAC address %q on %s",
		ErrDeviceNotFound, s.mac, strings.Join(s.flashPorts, ", "))
}

func (e *ESP32) Prepare(ctx context.Context, t Target) (capture.Source, error) {
	s := e.settings(t)
	port, err := e.flashPort(ctx, s)
	if err != nil {
		return nil, err
	}

	if t.Config == nuttxConfig {
		image := filepath.Join(e.projectPath(s), "..", "nuttx.bin")
		_, err = e.env.run(ctx, runner.Command{Argv: s.withIDF(shellJoin(
			"esptool.py", "-c", "esp32s3", "-p", port, "-b", strconv.Itoa(s.flashBaud),
			"write_flash", "-fs", "detect", "-fm", "dio", "-ff", "40m", "0x0000", image,
		))})
	} else {
		err = e.idf(ctx, s, "--port", port, "flash")
	}
	if err != nil {
		return nil, fmt.Errorf("flashing %s: %w", t, err)
	}

	src := &capture.SerialSource{
		Device:    firstNonEmpty(s.appPort, port),
		Baud:      s.baud,
		Handshake: s.handshake,
	}
	if s.handshake != "" {
		src.HandshakeDelay = handshakeDelay
	}
	return src, nil
}

// Kill is a no-op: closing the console ends the session and the board
// is reflashed before the next run.
func (e *ESP32) Kill(context.Context, Target) error { return nil }

func (e *ESP32) ResultName(t Target) string { return t.Config }
