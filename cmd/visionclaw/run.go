package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/badrtairlbahrepro/VisionClaw/audio"
	"github.com/badrtairlbahrepro/VisionClaw/config"
	"github.com/badrtairlbahrepro/VisionClaw/gateway"
	"github.com/badrtairlbahrepro/VisionClaw/live"
	"github.com/badrtairlbahrepro/VisionClaw/logger"
	metrics "github.com/badrtairlbahrepro/VisionClaw/metrics/prometheus"
	"github.com/badrtairlbahrepro/VisionClaw/telemetry"
)

// errSessionEnded stops the pumps when the session leaves ready.
var errSessionEnded = errors.New("session ended")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a live session from recorded audio and frames",
	Long: `Run a live session. Microphone audio is read from a raw 16 kHz PCM16 file
(or stdin with "-"), camera frames from a directory of images, and model
speech is written as raw 24 kHz PCM16 to the output file.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSession(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("audio-in", "", "Raw PCM16 16 kHz mono input file, - for stdin")
	runCmd.Flags().String("frames", "", "Directory of camera frames (jpg, png, gif, webp)")
	runCmd.Flags().Duration("frame-every", 200*time.Millisecond, "How often the camera offers a frame")
	runCmd.Flags().Bool("loop-frames", false, "Replay frames from the start when exhausted")
	runCmd.Flags().String("audio-out", "", "Write model speech as raw PCM16 24 kHz mono")
	runCmd.Flags().Bool("realtime", true, "Pace input audio at capture speed")
	runCmd.Flags().Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	runCmd.Flags().Bool("echo-gate", false, "Mute input audio while the model speaks")

	_ = viper.BindPFlag("run.audio_in", runCmd.Flags().Lookup("audio-in"))
	_ = viper.BindPFlag("run.frames", runCmd.Flags().Lookup("frames"))
	_ = viper.BindPFlag("run.frame_every", runCmd.Flags().Lookup("frame-every"))
	_ = viper.BindPFlag("run.loop_frames", runCmd.Flags().Lookup("loop-frames"))
	_ = viper.BindPFlag("run.audio_out", runCmd.Flags().Lookup("audio-out"))
	_ = viper.BindPFlag("run.realtime", runCmd.Flags().Lookup("realtime"))
	_ = viper.BindPFlag("run.duration", runCmd.Flags().Lookup("duration"))
	_ = viper.BindPFlag("run.echo_gate", runCmd.Flags().Lookup("echo-gate"))
}

// RunParameters holds the capture and playback settings of one run.
type RunParameters struct {
	AudioIn    string
	FramesDir  string
	FrameEvery time.Duration
	LoopFrames bool
	AudioOut   string
	Realtime   bool
	Duration   time.Duration
	EchoGate   bool
}

func runParameters(cfg *config.Config) RunParameters {
	return RunParameters{
		AudioIn:    viper.GetString("run.audio_in"),
		FramesDir:  viper.GetString("run.frames"),
		FrameEvery: viper.GetDuration("run.frame_every"),
		LoopFrames: viper.GetBool("run.loop_frames"),
		AudioOut:   viper.GetString("run.audio_out"),
		Realtime:   viper.GetBool("run.realtime"),
		Duration:   viper.GetDuration("run.duration"),
		EchoGate:   viper.GetBool("run.echo_gate") || cfg.Media.EchoGate,
	}
}

func runSession(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Live.APIKey == "" {
		return fmt.Errorf("live API key missing: set %s or live.apiKey", config.EnvGeminiAPIKey)
	}
	params := runParameters(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if params.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.Duration)
		defer cancel()
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	stopMetrics := startMetrics(cfg.Metrics.Addr)
	defer stopMetrics()

	client, closeAll, err := buildSession(ctx, cfg, params, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closeAll()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	readyCtx, cancelReady := context.WithTimeout(ctx, cfg.Live.SetupTimeout+time.Second)
	err = client.WaitReady(readyCtx)
	cancelReady()
	if err != nil {
		return fmt.Errorf("session did not become ready: %w", err)
	}

	err = pump(ctx, client, params, cmd.OutOrStdout())
	_ = client.Disconnect()
	if errors.Is(err, errSessionEnded) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// buildSession wires the gateway, history mirror, playback and client.
func buildSession(ctx context.Context, cfg *config.Config, params RunParameters, out io.Writer) (*live.Client, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var gwOpts []gateway.Option
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, closeStore)
	if store != nil {
		gwOpts = append(gwOpts, gateway.WithStore(store))
	}
	gw, err := gateway.NewClient(cfg, gwOpts...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	opts := []live.Option{
		live.WithGateway(gw),
		live.WithTranscriptSink(&transcriptPrinter{w: out}),
	}
	if params.AudioOut != "" {
		f, err := os.Create(params.AudioOut)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create audio output: %w", err)
		}
		closers = append(closers, func() { _ = f.Close() })
		opts = append(opts, live.WithAudioSink(audio.NewWriterSink(f)))
	}

	client, err := live.NewClient(cfg, opts...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, func() { _ = client.Close() })
	return client, closeAll, nil
}

// pump runs the status printer and capture pumps until the session ends or
// ctx is done.
func pump(ctx context.Context, client *live.Client, params RunParameters, out io.Writer) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watchSession(ctx, client, out)
	})

	if params.AudioIn != "" {
		g.Go(func() error {
			return pumpAudio(ctx, client, params)
		})
	}

	if params.FramesDir != "" {
		g.Go(func() error {
			src, err := newDirFrameSource(params.FramesDir, params.FrameEvery, params.LoopFrames)
			if err != nil {
				return err
			}
			sent, err := client.StreamFrames(ctx, src)
			logger.Info("frame source finished", "sent", sent)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}

// watchSession prints snapshots and returns once the session leaves ready.
func watchSession(ctx context.Context, client *live.Client, out io.Writer) error {
	ch, unsubscribe := client.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-ch:
			if !ok {
				return errSessionEnded
			}
			fmt.Fprintln(out, renderSnapshot(s))
			switch s.State {
			case live.StateError:
				return fmt.Errorf("session failed: %s", s.Cause)
			case live.StateDisconnected:
				return errSessionEnded
			}
		}
	}
}

func pumpAudio(ctx context.Context, client *live.Client, params RunParameters) error {
	in := io.Reader(os.Stdin)
	if params.AudioIn != "-" {
		f, err := os.Open(params.AudioIn)
		if err != nil {
			return fmt.Errorf("failed to open audio input: %w", err)
		}
		defer f.Close()
		in = f
	}

	gate := live.NewEchoGate(client, params.EchoGate)
	reader := newPCMReader(in, 0, params.Realtime)
	for {
		samples, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			logger.Info("audio input finished", "muted_samples", gate.Dropped())
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := gate.SubmitAudioChunk(ctx, samples); err != nil {
			return err
		}
	}
}

// startMetrics serves /metrics when addr is set and returns a stop function.
func startMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}
	exporter := metrics.NewExporter(addr)
	go func() {
		if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics exporter failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("metrics exporter listening", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exporter.Shutdown(ctx)
	}
}
