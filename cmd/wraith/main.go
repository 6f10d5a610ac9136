package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/4hmed7ounas/wraith-camera-module/internal/capture"
	"github.com/4hmed7ounas/wraith-camera-module/internal/detect"
	"github.com/4hmed7ounas/wraith-camera-module/internal/identity"
	"github.com/4hmed7ounas/wraith-camera-module/internal/pipeline"
	"github.com/4hmed7ounas/wraith-camera-module/internal/provider"
	"github.com/4hmed7ounas/wraith-camera-module/internal/server"
	"github.com/4hmed7ounas/wraith-camera-module/internal/source"
	"github.com/4hmed7ounas/wraith-camera-module/internal/tray"
)

func main() {
	var (
		sourceFlag  = flag.String("source", "0", "frame source: device index, rtsp:// URL, or http:// MJPEG URL")
		width       = flag.Int("width", capture.DefaultWidth, "requested capture width")
		height      = flag.Int("height", capture.DefaultHeight, "requested capture height")
		fps         = flag.Int("fps", capture.DefaultFPS, "target frames per second")
		dataDir     = flag.String("data", "", "data directory (default ~/.wraith)")
		addr        = flag.String("port", ":8080", "HTTP listen address")
		identityCmd = flag.String("identity-provider", "", "command for the identity detection sidecar")
		objectCmd   = flag.String("object-provider", "", "command for the object detection sidecar")
		textCmd     = flag.String("text-provider", "", "command for the text recognition sidecar")
		useTray     = flag.Bool("tray", false, "show the system tray controls")
	)
	flag.Parse()

	fmt.Println("Wraith - Real-Time Camera Annotation")

	dir := *dataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.WithError(err).Fatal("resolve home directory")
		}
		dir = filepath.Join(home, ".wraith")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.WithError(err).Fatal("create data directory")
	}

	store, err := identity.Open(filepath.Join(dir, "identities.db"))
	if err != nil {
		log.WithError(err).Fatal("open identity store")
	}

	descriptor, err := source.Parse(*sourceFlag)
	if err != nil {
		log.WithError(err).Fatal("parse source")
	}
	descriptor.Options = capture.Options{Width: *width, Height: *height, FPS: *fps}

	output := capture.NewLatch()
	orch := pipeline.New(pipeline.Config{
		Descriptor:  descriptor,
		Resolver:    source.NewResolver(source.Config{}),
		Stages:      buildStages(*identityCmd, *objectCmd, *textCmd),
		Store:       store,
		Output:      output,
		FPS:         *fps,
		SnapshotDir: filepath.Join(dir, "snapshots"),
	})

	srv := server.New(server.Config{
		Pipeline: orch,
		Store:    store,
		Output:   output,
	})
	orch.OnEvent(srv.Events().Publish)

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run() }()

	go func() {
		log.WithField("addr", *addr).Info("http server listening")
		if err := srv.ListenAndServe(*addr); err != nil {
			log.WithError(err).Error("http server stopped")
			orch.Quit()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.WithField("signal", s.String()).Info("shutting down")
		orch.Quit()
	}()

	if *useTray {
		runTray(orch)
	}

	err = <-runErr
	<-orch.Done()
	output.Close()
	if err != nil {
		log.WithError(err).Fatal("pipeline stopped")
	}
}

// buildStages wires one detection stage per configured sidecar command.
// A stage with no command configured simply does not exist; the
// pipeline runs fine with any subset, including none.
func buildStages(identityCmd, objectCmd, textCmd string) []pipeline.Stage {
	var stages []pipeline.Stage
	if identityCmd != "" {
		stages = append(stages, pipeline.Stage{
			Kind:         detect.KindIdentity,
			Capability:   provider.NewExecProvider(detect.KindIdentity, identityCmd, nil, 0),
			SkipInterval: pipeline.DefaultIdentitySkip,
		})
	}
	if objectCmd != "" {
		stages = append(stages, pipeline.Stage{
			Kind:         detect.KindObject,
			Capability:   provider.NewExecProvider(detect.KindObject, objectCmd, nil, 0),
			SkipInterval: pipeline.DefaultObjectSkip,
		})
	}
	if textCmd != "" {
		stages = append(stages, pipeline.Stage{
			Kind:         detect.KindText,
			Capability:   provider.NewExecProvider(detect.KindText, textCmd, nil, 0),
			SkipInterval: pipeline.DefaultTextSkip,
		})
	}
	return stages
}

// runTray blocks on the systray loop until quit. The tray mirrors last
// recognized identities with a coarse poll; it is a convenience surface,
// not a source of truth.
func runTray(orch *pipeline.Orchestrator) {
	t := tray.New()
	t.OnToggle(func(kind detect.Kind, enabled bool) {
		orch.ToggleStage(kind, enabled)
	})
	t.OnSnapshot(orch.SaveFrame)
	t.OnQuit(orch.Quit)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-orch.Done():
				return
			case <-ticker.C:
				t.SetLastIdentity(orch.LastIdentity())
			}
		}
	}()

	t.Run()
}
