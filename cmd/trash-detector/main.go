package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/underwater-trash-detector/internal/annotate"
	"github.com/dj-oyu/underwater-trash-detector/internal/classes"
	"github.com/dj-oyu/underwater-trash-detector/internal/codec"
	"github.com/dj-oyu/underwater-trash-detector/internal/config"
	"github.com/dj-oyu/underwater-trash-detector/internal/detector"
	"github.com/dj-oyu/underwater-trash-detector/internal/emitter"
	"github.com/dj-oyu/underwater-trash-detector/internal/live"
	"github.com/dj-oyu/underwater-trash-detector/internal/logger"
	"github.com/dj-oyu/underwater-trash-detector/internal/metrics"
	"github.com/dj-oyu/underwater-trash-detector/internal/pipeline"
	"github.com/dj-oyu/underwater-trash-detector/internal/session"
	"github.com/dj-oyu/underwater-trash-detector/internal/webserver"
)

var (
	// Command-line flags
	configPath   = flag.String("config", "", "YAML configuration file")
	httpAddr     = flag.String("http", "", "HTTP server address (overrides config)")
	modelPath    = flag.String("model", "", "Model weights path (overrides config)")
	modelBackend = flag.String("backend", "", "Detector backend: python, onnx (overrides config)")
	videoCodec   = flag.String("codec", "", "Video backend: ffmpeg, gocv (overrides config)")
	pprofAddr    = flag.String("pprof", "", "pprof server address (disabled when empty)")
	logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor     = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Info("Main", "Underwater trash detector starting...")
	logger.Info("Main", "Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if *httpAddr != "" {
		cfg.Server.Addr = *httpAddr
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	if *modelBackend != "" {
		cfg.Model.Backend = *modelBackend
	}
	if *videoCodec != "" {
		cfg.Codec = *videoCodec
	}
	if err := config.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()

	vc, err := codec.New(cfg.Codec)
	if err != nil {
		return fmt.Errorf("video backend: %w", err)
	}

	// A missing model leaves the server up in degraded mode.
	holder := detector.NewHolder()
	loadModel(ctx, cfg.Model, holder)
	defer func() {
		if err := holder.Close(); err != nil {
			logger.Warn("Main", "Model close: %v", err)
		}
	}()

	store := session.NewStore(session.Config{
		TTL:           cfg.Sessions.TTL,
		Capacity:      cfg.Sessions.Capacity,
		SweepInterval: cfg.Sessions.SweepInterval,
	})
	store.OnEvict(func(*session.Session, session.EvictReason) {
		m.SessionsEvicted.Add(1)
		m.SessionsActive.Store(int64(store.Len()))
	})

	annotator := annotate.New(classes.NewRegistry())
	runner := pipeline.NewRunner(pipeline.Deps{
		Codec:     vc,
		Annotator: annotator,
		Models:    holder,
		Store:     store,
		Metrics:   m,
		TempDir:   cfg.Server.UploadDir,
	})
	if holder.Model() != nil {
		if _, err := runner.ReloadClasses(ctx, cfg.Model.Labels); err != nil {
			logger.Warn("Main", "Class table: %v", err)
		}
	}

	jobs := pipeline.NewJobs(runner, m, pipeline.JobsConfig{
		Workers:   cfg.Jobs.Workers,
		QueueSize: cfg.Jobs.QueueSize,
		Retain:    cfg.Jobs.Retain,
	})

	var mq *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		mq = emitter.NewMQTTEmitter(cfg.MQTT)
		if err := mq.Connect(ctx); err != nil {
			logger.Warn("MQTT", "Initial connect failed, retrying in background: %v", err)
		}
		jobs.OnFinish(mq.OnJobFinished)
	}

	liveSrv := live.NewServer(live.Config{
		STUNServers: cfg.WebRTC.STUNServers,
		MaxPeers:    cfg.WebRTC.MaxPeers,
		Defaults: annotate.Options{
			Threshold:     cfg.Defaults.Threshold,
			MaxDetections: cfg.Defaults.MaxDetections,
		},
	}, annotator, holder, m)

	web := webserver.NewServer(*cfg, webserver.Deps{
		Runner:  runner,
		Jobs:    jobs,
		Live:    liveSrv,
		Metrics: m,
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		store.Run(ctx)
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		metricsServer = m.StartServer(cfg.Metrics.Addr)
		go func() {
			logger.Info("Metrics", "Metrics server listening on %s", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics", "Metrics server error: %v", err)
			}
		}()
	}

	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "pprof server listening on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Error("Main", "pprof server error: %v", err)
			}
		}()
	}

	serveErr := web.ListenAndServe(ctx)

	logger.Info("Main", "Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := jobs.Close(shutdownCtx); err != nil {
		logger.Warn("Jobs", "Running jobs cancelled: %v", err)
	}
	if err := liveSrv.Close(); err != nil {
		logger.Warn("Live", "Close: %v", err)
	}
	if mq != nil {
		mq.Disconnect()
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	wg.Wait()
	return serveErr
}

// loadModel starts the configured backend and records the outcome in holder.
func loadModel(ctx context.Context, cfg config.ModelConfig, holder *detector.Holder) {
	start := time.Now()
	var (
		model detector.Model
		err   error
	)
	switch cfg.Backend {
	case "onnx":
		model, err = detector.NewONNXModel(detector.ONNXConfig{
			LibraryPath:   cfg.ONNXLibrary,
			ModelPath:     cfg.Path,
			InputSize:     cfg.InputSize,
			MinConfidence: cfg.MinConfidence,
			IoU:           cfg.IoU,
			Threads:       cfg.Threads,
			Labels:        cfg.Labels,
		})
	default:
		var w *detector.PythonWorker
		w, err = detector.NewPythonWorker(detector.PythonWorkerConfig{
			Command:      cfg.WorkerCommand,
			Args:         cfg.WorkerArgs,
			ModelPath:    cfg.Path,
			StartTimeout: cfg.StartTimeout,
		})
		if err == nil {
			err = w.Start(ctx)
			model = w
		}
	}
	if err != nil {
		logger.Error("Model", "Failed to load %s model from %s: %v", cfg.Backend, cfg.Path, err)
		holder.Fail(err)
		return
	}
	holder.Set(model, cfg.Backend)
	logger.Info("Model", "Loaded %s model from %s in %v", cfg.Backend, cfg.Path, time.Since(start).Round(time.Millisecond))
}
