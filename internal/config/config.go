package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option. Durations are expressed in
// milliseconds or seconds in the YAML file (matching the option table) and
// converted via the accessor methods below.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Store struct {
		// Driver selects "postgres" or "memory". The memory driver is for
		// development and tests; it is seeded via the API or code.
		Driver string `yaml:"driver"`
		Host   string `yaml:"host"`
		Port   string `yaml:"port"`
		User   string `yaml:"user"`
		Pass   string `yaml:"password"`
		Name   string `yaml:"name"`
	} `yaml:"store"`

	Redis struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"redis"`

	NATS struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Detector struct {
		// Mode selects "remote" (HTTP sidecar, see cmd/detector-sim) or
		// "static" (fixed detections for development).
		Mode            string  `yaml:"mode"`
		URL             string  `yaml:"url"`
		ConfThreshold   float64 `yaml:"conf_threshold"`
		IoUThreshold    float64 `yaml:"iou_threshold"`
		TrackingEnabled bool    `yaml:"tracking_enabled"`
	} `yaml:"detector"`

	Pipeline struct {
		TargetFPS                   float64 `yaml:"target_fps"`
		FetchTimeoutMs              int     `yaml:"fetch_timeout_ms"`
		MaxConsecutiveFetchFailures int     `yaml:"max_consecutive_fetch_failures"`
		BackoffIntervalMs           int     `yaml:"backoff_interval_ms"`
		PublishTimeoutMs            int     `yaml:"publish_timeout_ms"`
	} `yaml:"pipeline"`

	Matching struct {
		Metric         string   `yaml:"metric"` // "iou" or "ioa"
		Threshold      float64  `yaml:"threshold"`
		VehicleClasses []string `yaml:"vehicle_classes"`
	} `yaml:"matching"`

	Occupancy struct {
		FreeDebounceFrames   int `yaml:"free_debounce_frames"`
		PersistMinIntervalMs int `yaml:"persist_min_interval_ms"`
	} `yaml:"occupancy"`

	Annotate struct {
		TrailLength int `yaml:"trail_length"`
		JPEGQuality int `yaml:"jpeg_quality"`
	} `yaml:"annotate"`

	Broadcast struct {
		PerViewerSendTimeoutMs int `yaml:"per_viewer_send_timeout_ms"`
		KeepaliveIdleSec       int `yaml:"keepalive_idle_sec"`
		IdleTTLSec             int `yaml:"idle_ttl_sec"`
		SweepIntervalSec       int `yaml:"sweep_interval_sec"`
	} `yaml:"broadcast"`

	Cache struct {
		CamerasRefreshIntervalSec int `yaml:"cameras_refresh_interval_sec"`
	} `yaml:"cache"`

	Plates struct {
		QueueCapacity int `yaml:"queue_capacity"`
		MaxAgeSec     int `yaml:"max_age_sec"`
	} `yaml:"plates"`

	Supervisor struct {
		WorkerShutdownTimeoutSec int `yaml:"worker_shutdown_timeout_sec"`
	} `yaml:"supervisor"`

	Auth struct {
		// ServiceSecret signs service tokens for the ingress endpoints.
		// Empty disables ingress auth (dev mode).
		ServiceSecret string `yaml:"service_secret"`
	} `yaml:"auth"`

	RateLimit struct {
		PlateIngressPerMinute int `yaml:"plate_ingress_per_minute"`
	} `yaml:"rate_limit"`
}

// Default returns the documented defaults for every option.
func Default() Config {
	var c Config
	c.Server.Port = "8080"
	c.Store.Driver = "memory"
	c.Store.Host = "localhost"
	c.Store.Port = "5432"
	c.Redis.Addr = "localhost:6379"
	c.NATS.URL = "nats://localhost:4222"
	c.NATS.SubjectPrefix = "parking.occupancy"
	c.Detector.Mode = "static"
	c.Detector.URL = "http://localhost:8090/detect"
	c.Detector.ConfThreshold = 0.25
	c.Detector.IoUThreshold = 0.45
	c.Detector.TrackingEnabled = true
	c.Pipeline.TargetFPS = 10
	c.Pipeline.FetchTimeoutMs = 3000
	c.Pipeline.MaxConsecutiveFetchFailures = 30
	c.Pipeline.BackoffIntervalMs = 5000
	c.Pipeline.PublishTimeoutMs = 100
	c.Matching.Metric = "iou"
	c.Matching.Threshold = 0.5
	c.Matching.VehicleClasses = []string{"car", "truck", "bus", "motorcycle"}
	c.Occupancy.FreeDebounceFrames = 10
	c.Occupancy.PersistMinIntervalMs = 5000
	c.Annotate.TrailLength = 30
	c.Annotate.JPEGQuality = 85
	c.Broadcast.PerViewerSendTimeoutMs = 500
	c.Broadcast.KeepaliveIdleSec = 30
	c.Broadcast.IdleTTLSec = 300
	c.Broadcast.SweepIntervalSec = 60
	c.Cache.CamerasRefreshIntervalSec = 30
	c.Plates.QueueCapacity = 10
	c.Plates.MaxAgeSec = 300
	c.Supervisor.WorkerShutdownTimeoutSec = 5
	c.RateLimit.PlateIngressPerMinute = 120
	return c
}

// Load reads the YAML file (if present), applies env overrides, and
// validates. A missing file is not an error: defaults apply.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, &c); err != nil {
				return c, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return c, fmt.Errorf("read %s: %w", path, err)
		}
	}

	applyEnv(&c)

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func applyEnv(c *Config) {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.Host = getEnv("DB_HOST", c.Store.Host)
	c.Store.Port = getEnv("DB_PORT", c.Store.Port)
	c.Store.User = getEnv("DB_USER", c.Store.User)
	c.Store.Pass = getEnv("DB_PASSWORD", c.Store.Pass)
	c.Store.Name = getEnv("DB_NAME", c.Store.Name)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Detector.URL = getEnv("DETECTOR_URL", c.Detector.URL)
	c.Detector.Mode = getEnv("DETECTOR_MODE", c.Detector.Mode)
	c.Auth.ServiceSecret = getEnv("SERVICE_SECRET", c.Auth.ServiceSecret)
	c.Pipeline.TargetFPS = getEnvFloat("TARGET_FPS", c.Pipeline.TargetFPS)
}

// Validate rejects nonsensical tunables up front. Per-record config data
// (space bboxes etc.) is validated at load time by the cache, not here.
func (c Config) Validate() error {
	if c.Pipeline.TargetFPS <= 0 {
		return fmt.Errorf("target_fps must be > 0, got %v", c.Pipeline.TargetFPS)
	}
	if c.Matching.Metric != "iou" && c.Matching.Metric != "ioa" {
		return fmt.Errorf("matching.metric must be iou or ioa, got %q", c.Matching.Metric)
	}
	if c.Matching.Threshold <= 0 || c.Matching.Threshold > 1 {
		return fmt.Errorf("matching.threshold out of range: %v", c.Matching.Threshold)
	}
	if c.Occupancy.FreeDebounceFrames < 1 {
		return fmt.Errorf("free_debounce_frames must be >= 1, got %d", c.Occupancy.FreeDebounceFrames)
	}
	if c.Annotate.JPEGQuality < 1 || c.Annotate.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality out of range: %d", c.Annotate.JPEGQuality)
	}
	if c.Plates.QueueCapacity < 1 {
		return fmt.Errorf("plates.queue_capacity must be >= 1, got %d", c.Plates.QueueCapacity)
	}
	return nil
}

func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Pipeline.FetchTimeoutMs) * time.Millisecond
}

func (c Config) BackoffInterval() time.Duration {
	return time.Duration(c.Pipeline.BackoffIntervalMs) * time.Millisecond
}

func (c Config) PublishTimeout() time.Duration {
	return time.Duration(c.Pipeline.PublishTimeoutMs) * time.Millisecond
}

func (c Config) PerViewerSendTimeout() time.Duration {
	return time.Duration(c.Broadcast.PerViewerSendTimeoutMs) * time.Millisecond
}

func (c Config) KeepaliveIdle() time.Duration {
	return time.Duration(c.Broadcast.KeepaliveIdleSec) * time.Second
}

func (c Config) BroadcasterIdleTTL() time.Duration {
	return time.Duration(c.Broadcast.IdleTTLSec) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Broadcast.SweepIntervalSec) * time.Second
}

func (c Config) CamerasRefreshInterval() time.Duration {
	return time.Duration(c.Cache.CamerasRefreshIntervalSec) * time.Second
}

func (c Config) PlateMaxAge() time.Duration {
	return time.Duration(c.Plates.MaxAgeSec) * time.Second
}

func (c Config) PersistMinInterval() time.Duration {
	return time.Duration(c.Occupancy.PersistMinIntervalMs) * time.Millisecond
}

func (c Config) WorkerShutdownTimeout() time.Duration {
	return time.Duration(c.Supervisor.WorkerShutdownTimeoutSec) * time.Second
}

func (c Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.Store.User, c.Store.Pass, c.Store.Host, c.Store.Port, c.Store.Name)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
