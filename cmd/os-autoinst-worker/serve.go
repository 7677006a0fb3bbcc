package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kinderp/os-autoinst/pkg/capture"
	"github.com/kinderp/os-autoinst/pkg/config"
	"github.com/kinderp/os-autoinst/pkg/console"
	"github.com/kinderp/os-autoinst/pkg/control"
	"github.com/kinderp/os-autoinst/pkg/encoder"
	"github.com/kinderp/os-autoinst/pkg/hypervisor"
	"github.com/kinderp/os-autoinst/pkg/logging"
	"github.com/kinderp/os-autoinst/pkg/needle"
	"github.com/kinderp/os-autoinst/pkg/screenshot"
	"github.com/kinderp/os-autoinst/pkg/wire"
	"github.com/kinderp/os-autoinst/pkg/worker"
)

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cmd, &cfg)

	log := logging.New("os-autoinst-worker")

	if err := os.MkdirAll(cfg.ScreenshotDir, 0o755); err != nil {
		return fmt.Errorf("create screenshot dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ControlDir, 0o755); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}

	// backend.crashed only means something for the run currently starting;
	// a marker left over from a previous crash must not leak into this one.
	if err := os.Remove(filepath.Join(cfg.ScreenshotDir, cfg.CrashFile)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("removing stale crash marker")
	}

	needles, err := needle.NewSet(cfg.NeedleDir, log)
	if err != nil {
		return fmt.Errorf("load needle set: %w", err)
	}
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := needles.Watch(stopWatch); err != nil {
		log.Warn().Err(err).Msg("needle directory watch disabled")
	}

	enc, err := buildEncoder(cfg, log)
	if err != nil {
		return fmt.Errorf("build encoder: %w", err)
	}

	driver, err := buildDriver(cfg, log)
	if err != nil {
		return fmt.Errorf("build hypervisor driver: %w", err)
	}

	pipeline := screenshot.New(cfg.ScreenshotDir, enc, log)
	signals := control.NewFileSignals(cfg.ControlDir)

	eng := worker.New(worker.Deps{
		Cfg:      cfg,
		Log:      log,
		Pipeline: pipeline,
		Enc:      enc,
		Driver:   driver,
		Needles:  needles,
		Signals:  signals,
	})

	sut := console.NewWSConsole("sut", log)
	eng.Registry().Add(sut)
	termSrv := &http.Server{Addr: cfg.TerminalListenAddr, Handler: sut}
	go func() {
		if err := termSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", cfg.TerminalListenAddr).Msg("console websocket listener failed")
		}
	}()
	defer termSrv.Close()

	cmdPipe, rspPipe, closePipes, err := openPipes(cfg)
	if err != nil {
		return fmt.Errorf("open command/response pipes: %w", err)
	}
	defer closePipes()

	dispatcher := wire.NewDispatcher(cmdPipe, rspPipe, log)
	eng.RegisterHandlers(dispatcher)

	requests := make(chan wire.Request)
	pipeClosed := make(chan struct{})
	go func() {
		defer close(pipeClosed)
		defer close(requests)
		for {
			req, err := dispatcher.ReadRequest()
			if err != nil {
				if err != io.EOF {
					log.Warn().Err(err).Msg("reading command pipe")
				}
				return
			}
			requests <- req
		}
	}()

	loop := capture.New(
		eng.Registry(),
		eng,
		eng.Asserter(),
		requests,
		dispatcher.Dispatch,
		pipeClosed,
		log,
		cfg.UpdateRequestInterval,
		cfg.ScreenshotInterval,
	)
	eng.AttachLoop(loop)

	if err := loop.Run(cmd.Context(), 0); err != nil {
		eng.CrashHook(err)
		return err
	}
	return dispatcher.Quit()
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetBool("novideo"); v {
		cfg.NoVideo = true
	}
	if v, _ := cmd.Flags().GetString("screenshot-dir"); v != "" {
		cfg.ScreenshotDir = v
	}
	if v, _ := cmd.Flags().GetString("needle-dir"); v != "" {
		cfg.NeedleDir = v
	}
	if v, _ := cmd.Flags().GetString("serial-file"); v != "" {
		cfg.SerialFile = v
	}
}

func buildEncoder(cfg config.Config, log zerolog.Logger) (encoder.Encoder, error) {
	if cfg.NoVideo {
		return encoder.NullEncoder{}, nil
	}
	return encoder.NewGstEncoder(cfg.VideoOutput, log)
}

func buildDriver(cfg config.Config, log zerolog.Logger) (hypervisor.Driver, error) {
	if cfg.DockerHost == "" {
		return &hypervisor.FakeDriver{}, nil
	}
	return hypervisor.NewDockerDriver(cfg.SUTImage, log)
}

// openPipes resolves the runner-facing command/response pipes. Empty
// paths mean "use stdio", which is how the worker is normally spawned by
// the runner.
func openPipes(cfg config.Config) (cmdPipe io.Reader, rspPipe io.Writer, closeFn func(), err error) {
	var cmdFile, rspFile *os.File

	if cfg.CommandPipe == "" {
		cmdPipe = os.Stdin
	} else {
		cmdFile, err = os.Open(cfg.CommandPipe)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open command pipe %s: %w", cfg.CommandPipe, err)
		}
		cmdPipe = cmdFile
	}

	if cfg.ResponsePipe == "" {
		rspPipe = os.Stdout
	} else {
		rspFile, err = os.OpenFile(cfg.ResponsePipe, os.O_WRONLY, 0o644)
		if err != nil {
			if cmdFile != nil {
				cmdFile.Close()
			}
			return nil, nil, nil, fmt.Errorf("open response pipe %s: %w", cfg.ResponsePipe, err)
		}
		rspPipe = rspFile
	}

	return cmdPipe, rspPipe, func() {
		if cmdFile != nil {
			cmdFile.Close()
		}
		if rspFile != nil {
			rspFile.Close()
		}
	}, nil
}
