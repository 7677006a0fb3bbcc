// Package config loads the worker's runtime configuration from the
// environment, the way the rest of the fleet configures itself.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable of the capture-and-assert engine. Fields are
// grouped the way envconfig expects: one flat struct, one env var per field.
type Config struct {
	// ScreenshotInterval is the cadence at which CaptureLoop snapshots the
	// current console's framebuffer.
	ScreenshotInterval time.Duration `envconfig:"SCREENSHOTINTERVAL" default:"500ms"`

	// UpdateRequestInterval is how often the current console is asked to
	// refresh its framebuffer cache.
	UpdateRequestInterval time.Duration `envconfig:"UPDATEREQUESTINTERVAL" default:"1s"`

	// DefaultTimeout is used by set_tags_to_assert when no explicit timeout
	// argument is given.
	DefaultTimeout time.Duration `envconfig:"DEFAULT_TIMEOUT" default:"30s"`

	// NoVideo disables the encoder subprocess entirely.
	NoVideo bool `envconfig:"NOVIDEO" default:"false"`

	// Interactive enables the freeze/continue control-file handshake.
	Interactive bool `envconfig:"OS_AUTOINST_INTERACTIVE_MODE" default:"false"`

	// ScreenshotDir is where shot-NNNNNNNNNN.png and last.png live.
	ScreenshotDir string `envconfig:"SCREENSHOT_DIR" default:"/var/lib/os-autoinst-worker/screenshots"`

	// ControlDir holds the stop_waitforneedle / continue_waitforneedle
	// control files.
	ControlDir string `envconfig:"CONTROL_DIR" default:"/var/run/os-autoinst-worker"`

	// NeedleDir is the directory NeedleSet watches and loads from.
	NeedleDir string `envconfig:"NEEDLE_DIR" default:"/var/lib/os-autoinst-worker/needles"`

	// SerialFile is the SUT's append-only serial console log.
	SerialFile string `envconfig:"SERIAL_FILE" default:"serial0"`

	// HeartbeatFile existence is asserted by alive(); unlinked on clean stop.
	HeartbeatFile string `envconfig:"HEARTBEAT_FILE" default:"backend.run"`

	// CrashFile is written when a stall-during-assert aborts fatally.
	CrashFile string `envconfig:"CRASH_FILE" default:"backend.crashed"`

	// VideoOutput is the path the encoder writes its muxed output to.
	VideoOutput string `envconfig:"VIDEO_OUTPUT" default:"video.ogv"`

	// CommandPipe / ResponsePipe name the runner-facing FIFOs. Empty means
	// "use stdin/stdout", which is how the worker is normally spawned.
	CommandPipe  string `envconfig:"COMMAND_PIPE"`
	ResponsePipe string `envconfig:"RESPONSE_PIPE"`

	// DockerHost, when set, selects the hypervisor.Driver backed by the
	// Docker Engine API instead of the default no-op test driver.
	DockerHost string `envconfig:"DOCKER_HOST"`

	// SUTImage is the container image the Docker-backed driver starts as
	// the "virtual machine".
	SUTImage string `envconfig:"SUT_IMAGE" default:"os-autoinst/sut:latest"`

	// TerminalListenAddr is where the websocket-backed "sut" console
	// listens; the worker always starts this listener.
	TerminalListenAddr string `envconfig:"TERMINAL_LISTEN_ADDR" default:"127.0.0.1:9921"`
}

// Load reads Config from the environment, applying defaults for anything
// unset.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
