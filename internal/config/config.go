// Package config holds the runtime configuration of the detector server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Defaults DetectDefaults `yaml:"defaults"`
	Model    ModelConfig    `yaml:"model"`
	Sessions SessionConfig  `yaml:"sessions"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	WebRTC   WebRTCConfig   `yaml:"webrtc"`
	Codec    string         `yaml:"codec"` // ffmpeg, gocv

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ServerConfig controls the HTTP listener and uploads.
type ServerConfig struct {
	Addr              string   `yaml:"addr"`
	UploadDir         string   `yaml:"upload_dir"`
	MaxUploadMB       int64    `yaml:"max_upload_mb"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// DetectDefaults are used when a request leaves a parameter out.
type DetectDefaults struct {
	FrameSkip     int     `yaml:"frame_skip"`
	Threshold     float64 `yaml:"confidence_threshold"`
	MaxDetections int     `yaml:"max_detections"`
}

// ModelConfig selects and tunes the detector backend.
type ModelConfig struct {
	Backend       string         `yaml:"backend"` // python, onnx
	Path          string         `yaml:"path"`
	WorkerCommand string         `yaml:"worker_command"`
	WorkerArgs    []string       `yaml:"worker_args"`
	ONNXLibrary   string         `yaml:"onnx_library"`
	InputSize     int            `yaml:"input_size"`
	MinConfidence float64        `yaml:"min_confidence"`
	IoU           float64        `yaml:"iou"`
	Threads       int            `yaml:"threads"`
	StartTimeout  time.Duration  `yaml:"start_timeout"`
	Labels        map[int]string `yaml:"labels,omitempty"`
}

// SessionConfig bounds the export buffer.
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Capacity      int           `yaml:"capacity"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// JobsConfig sizes the background worker pool.
type JobsConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	// Retain is how long finished jobs stay queryable.
	Retain time.Duration `yaml:"retain"`
}

// MetricsConfig sets the Prometheus listener. Empty Addr serves /metrics on
// the main server only.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// MQTTConfig enables publishing job summaries when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// WebRTCConfig controls live detection peers.
type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers"`
	MaxPeers    int      `yaml:"max_peers"`
}

// DefaultConfig returns the configuration used without a file.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":5000",
			UploadDir:         os.TempDir(),
			MaxUploadMB:       500,
			AllowedExtensions: []string{"mp4", "avi", "mov", "mkv"},
		},
		Defaults: DetectDefaults{
			FrameSkip:     5,
			Threshold:     0.5,
			MaxDetections: 20,
		},
		Model: ModelConfig{
			Backend:       "python",
			Path:          "models/trash_detector.pt",
			WorkerCommand: "python3",
			WorkerArgs:    []string{"scripts/detector_worker.py"},
			InputSize:     640,
			MinConfidence: 0.25,
			IoU:           0.7,
			StartTimeout:  60 * time.Second,
		},
		Sessions: SessionConfig{
			TTL:           30 * time.Minute,
			Capacity:      16,
			SweepInterval: time.Minute,
		},
		Jobs: JobsConfig{
			Workers:   2,
			QueueSize: 8,
			Retain:    time.Hour,
		},
		MQTT: MQTTConfig{
			Topic:    "trash-detector/jobs",
			ClientID: "trash-detector",
		},
		WebRTC: WebRTCConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxPeers:    4,
		},
		Codec:           "ffmpeg",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads a YAML file on top of DefaultConfig and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges and normalises extensions to lower case without dots.
func Validate(cfg *Config) error {
	var errs []error
	if cfg.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if cfg.Server.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("server.max_upload_mb must be positive"))
	}
	if len(cfg.Server.AllowedExtensions) == 0 {
		errs = append(errs, errors.New("server.allowed_extensions must not be empty"))
	}
	for i, ext := range cfg.Server.AllowedExtensions {
		cfg.Server.AllowedExtensions[i] = strings.ToLower(strings.TrimPrefix(ext, "."))
	}
	if cfg.Defaults.FrameSkip < 1 {
		errs = append(errs, fmt.Errorf("defaults.frame_skip must be >= 1, got %d", cfg.Defaults.FrameSkip))
	}
	if cfg.Defaults.Threshold < 0 || cfg.Defaults.Threshold > 1 {
		errs = append(errs, fmt.Errorf("defaults.confidence_threshold must be in [0,1], got %g", cfg.Defaults.Threshold))
	}
	if cfg.Defaults.MaxDetections < 0 {
		errs = append(errs, fmt.Errorf("defaults.max_detections must be >= 0, got %d", cfg.Defaults.MaxDetections))
	}
	switch cfg.Model.Backend {
	case "python":
		if cfg.Model.WorkerCommand == "" {
			errs = append(errs, errors.New("model.worker_command is required for the python backend"))
		}
	case "onnx":
		if cfg.Model.Path == "" {
			errs = append(errs, errors.New("model.path is required for the onnx backend"))
		}
		if cfg.Model.InputSize <= 0 {
			errs = append(errs, errors.New("model.input_size must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("model.backend must be python or onnx, got %q", cfg.Model.Backend))
	}
	if cfg.Sessions.TTL < 0 || cfg.Sessions.Capacity < 0 {
		errs = append(errs, errors.New("sessions.ttl and sessions.capacity must not be negative"))
	}
	if cfg.Jobs.Workers < 1 {
		errs = append(errs, fmt.Errorf("jobs.workers must be >= 1, got %d", cfg.Jobs.Workers))
	}
	if cfg.Jobs.QueueSize < 0 {
		errs = append(errs, errors.New("jobs.queue_size must not be negative"))
	}
	if cfg.MQTT.Broker != "" && cfg.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt.topic is required when mqtt.broker is set"))
	}
	if cfg.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// AllowedExtension reports whether filename has one of the accepted
// video extensions.
func (c ServerConfig) AllowedExtension(filename string) bool {
	dot := strings.LastIndexByte(filename, '.')
	if dot < 0 {
		return false
	}
	ext := strings.ToLower(filename[dot+1:])
	for _, allowed := range c.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// MaxUploadBytes converts MaxUploadMB to bytes.
func (c ServerConfig) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}
