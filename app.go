package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/geo/r3"
	"github.com/kwv/posefuse/fusion"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *fusion.Config
	Session    *fusion.Session
	Pipeline   *fusion.Pipeline
	Uploads    *fusion.UploadStore
	History    *fusion.HistoryStore
	MQTTClient *fusion.MQTTClient
	Publisher  *fusion.Publisher
	Renderer   *fusion.CoverageRenderer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Renderer: fusion.NewCoverageRenderer(),
	}
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist
func loadConfig(opts ServeOptions) (*fusion.Config, error) {
	var cfg *fusion.Config
	if _, err := os.Stat(opts.ConfigFile); errors.Is(err, os.ErrNotExist) && opts.ConfigFile == "config.yaml" {
		cfg = fusion.DefaultConfig()
	} else {
		loaded, err := fusion.LoadConfig(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.MQTTBroker != "" {
		cfg.MQTT.Broker = opts.MQTTBroker
	}
	if opts.History != "" {
		cfg.History.Path = opts.History
	}
	return cfg, cfg.Validate()
}

// Setup builds every component from cfg. The localizer is injectable so
// tests can run without a localization service.
func (a *App) Setup(cfg *fusion.Config, localizer fusion.Localizer) error {
	a.Config = cfg

	uploads, err := fusion.NewUploadStore(cfg.Server.UploadDir)
	if err != nil {
		return err
	}
	if cfg.Server.ClearUploadsOnStart {
		n, err := uploads.Clear()
		if err != nil {
			return err
		}
		if n > 0 {
			fusion.L().Infof("Cleared %d stale uploads from %s", n, uploads.Dir())
		}
	}
	a.Uploads = uploads

	if localizer == nil {
		httpLoc, err := fusion.NewHTTPLocalizer(cfg.Localizer.Endpoint, cfg.Localizer.LocalizeOptions()...)
		if err != nil {
			return err
		}
		localizer = httpLoc
	}

	a.Session = fusion.NewSession(fusion.NewSceneStore(cfg.Server.SceneRoot, fusion.NewModelCache()))
	a.Pipeline = fusion.NewPipeline(
		cfg.PipelineSettings(),
		cfg.Policy,
		cfg.RANSAC.Sim3Config(cfg.Policy.MinInliers),
		localizer,
		a.Session,
		fusion.WithImageRemover(uploads),
	)

	if cfg.History.Path != "" {
		history, err := fusion.OpenHistory(cfg.History.Path)
		if err != nil {
			return err
		}
		a.History = history
		a.Pipeline.AddObserver(history.Observer(a.Session))
		fusion.L().Infof("[HISTORY] Recording alignment cycles to %s", cfg.History.Path)
	}

	mqttClient, err := fusion.InitMQTT(cfg.MQTT, a.handleCommand)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		a.MQTTClient = mqttClient
		a.Publisher = fusion.NewPublisher(mqttClient.GetClient(), mqttClient.Prefix())
		a.Pipeline.AddObserver(a.Publisher.CycleObserver(a.Pipeline.State()))
	}

	if a.Renderer == nil {
		a.Renderer = fusion.NewCoverageRenderer()
	}
	return nil
}

// handleCommand executes a remote command received over MQTT
func (a *App) handleCommand(command string) {
	switch command {
	case "reset":
		a.Reset()
	default:
		fusion.L().Warnf("[MQTT] Unknown command %q", command)
	}
}

// Reset starts a new scan
func (a *App) Reset() {
	a.Pipeline.Reset()
	if a.Publisher != nil {
		if err := a.Publisher.PublishCleared(); err != nil {
			fusion.L().Debugf("[MQTT] Cleared pose not published: %v", err)
		}
	}
}

// Close releases resources held by the components
func (a *App) Close() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			fusion.L().Warnf("[HISTORY] Closing: %v", err)
		}
	}
}

// Serve runs the HTTP endpoint and the pipeline until SIGINT/SIGTERM
func (a *App) Serve(opts ServeOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := fusion.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	fusion.SetLogger(logger)

	if err := a.Setup(cfg, nil); err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Pipeline.Run(ctx)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           newHTTPServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		fusion.L().Infof("[HTTP] Listening on %s", cfg.Server.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		fusion.L().Info("Shutting down...")
	case err := <-serverErr:
		stop()
		a.Pipeline.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fusion.L().Warnf("[HTTP] Shutdown: %v", err)
	}
	a.Pipeline.Wait()
	return nil
}

// pairsFile is the input of the align command
type pairsFile struct {
	Session        [][]float64 `json:"session"`
	Reconstruction [][]float64 `json:"reconstruction"`
}

// alignResult is the JSON output of the align command
type alignResult struct {
	Scale     float64          `json:"scale"`
	Rotation  fusion.Matrix3   `json:"rotation"`
	Translate [3]float64       `json:"translation"`
	Matrix    [4][4]float64    `json:"T_session_to_reconstruction"`
	Stats     *fusion.FitStats `json:"stats"`
	Inliers   []int            `json:"inliers"`
	Valid     bool             `json:"valid"`
	Reason    string           `json:"reason,omitempty"`
	Score     float64          `json:"score"`
}

func toVectors(name string, rows [][]float64) ([]r3.Vector, error) {
	out := make([]r3.Vector, len(rows))
	for i, row := range rows {
		if len(row) != 3 {
			return nil, fmt.Errorf("%s[%d]: expected 3 values, got %d", name, i, len(row))
		}
		out[i] = r3.Vector{X: row[0], Y: row[1], Z: row[2]}
	}
	return out, nil
}

// Align fits a similarity transform over a correspondence file
func (a *App) Align(opts AlignOptions, out io.Writer) error {
	data, err := os.ReadFile(opts.PairsFile)
	if err != nil {
		return fmt.Errorf("reading pairs file: %w", err)
	}
	var pf pairsFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parsing pairs file: %w", err)
	}
	X, err := toVectors("session", pf.Session)
	if err != nil {
		return err
	}
	Y, err := toVectors("reconstruction", pf.Reconstruction)
	if err != nil {
		return err
	}

	cfg := fusion.DefaultSim3Config()
	cfg.WithScale = !opts.NoScale
	cfg.ThresholdInit = opts.ThresholdInit
	cfg.ThresholdRefine = opts.ThresholdRefine
	if opts.MaxTrials > 0 {
		cfg.MaxTrials = opts.MaxTrials
	}
	if opts.Seed != 0 {
		cfg.RNG = rand.New(rand.NewSource(opts.Seed))
	}

	sim, err := fusion.EstimateSim3(X, Y, cfg)
	if err != nil {
		return fmt.Errorf("estimating transform: %w", err)
	}
	valid, reason := fusion.ValidateSim3(sim, nil, fusion.DefaultPolicy())

	res := alignResult{
		Scale:     sim.Scale,
		Rotation:  sim.Rotation,
		Translate: [3]float64{sim.Translation.X, sim.Translation.Y, sim.Translation.Z},
		Matrix:    sim.Matrix4(),
		Stats:     sim.Stats,
		Inliers:   sim.Inliers,
		Valid:     valid,
		Reason:    reason,
		Score:     fusion.ScoreFromRMSE(sim.Stats.RMSE),
	}

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	st := sim.Stats
	fmt.Fprintf(out, "Pairs: %d, inliers: %d\n", st.N, st.NumInliers)
	fmt.Fprintf(out, "Thresholds: init=%.4f refine=%.4f\n", st.ThresholdInit, st.ThresholdRefine)
	fmt.Fprintf(out, "Scale: %.6f\n", sim.Scale)
	fmt.Fprintf(out, "RMSE: %.6f  median: %.6f  max: %.6f\n", st.RMSE, st.MedianErr, st.MaxErr)
	fmt.Fprintf(out, "det(R): %.6f  orthogonality error: %.2e\n", st.DetR, st.OrthErr)
	if valid {
		fmt.Fprintf(out, "Validation: accepted (score %.3f)\n", res.Score)
	} else {
		fmt.Fprintf(out, "Validation: rejected (%s)\n", reason)
	}
	fmt.Fprintln(out, "T_session_to_reconstruction:")
	for _, row := range res.Matrix {
		fmt.Fprintf(out, "  [% .6f % .6f % .6f % .6f]\n", row[0], row[1], row[2], row[3])
	}
	return nil
}
