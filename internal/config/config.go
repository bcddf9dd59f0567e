// Package config is the go-flags configuration surface of the service
// and its translation into per-component settings.
package config

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/deckocr/deckd/internal/fingerprint"
	"github.com/deckocr/deckd/internal/ocr/fallbackgate"
	"github.com/deckocr/deckd/internal/pipeline"
	"github.com/deckocr/deckd/internal/preprocess"
	"github.com/deckocr/deckd/internal/ratelimit"
	"github.com/deckocr/deckd/internal/retention"
)

// Config is the top-level configuration object.
type Config struct {
	Service struct {
		Address string `long:"address" env:"ADDRESS" default:":8080" description:"Service bind address"`
	} `group:"Service" namespace:"service" env-namespace:"SERVICE"`

	Redis struct {
		Address string `long:"address" env:"ADDRESS" default:"localhost:6379" description:"Redis address"`
	} `group:"Redis" namespace:"redis" env-namespace:"REDIS"`

	Catalogue struct {
		Path              string `long:"path" env:"PATH" default:"catalogue.db" description:"Catalogue database path"`
		Bulk              string `long:"bulk" env:"BULK" description:"Bulk card JSON to hydrate from at startup"`
		Snapshot          string `long:"snapshot" env:"SNAPSHOT" description:"Snapshot tag recorded on hydration"`
		Offline           bool   `long:"offline" env:"OFFLINE" description:"Disable the online resolution ladder"`
		RemoteBaseURL     string `long:"remote-base-url" env:"REMOTE_BASE_URL" description:"Remote catalogue base URL"`
		RemoteTimeoutSec  int    `long:"remote-timeout-sec" env:"REMOTE_TIMEOUT_SEC" default:"5" description:"Remote call timeout"`
		RemoteIntervalMS  int    `long:"remote-min-interval-ms" env:"REMOTE_MIN_INTERVAL_MS" default:"120" description:"Minimum spacing between remote calls"`
		FuzzyTopK         int    `long:"fuzzy-top-k" env:"FUZZY_TOP_K" default:"5" description:"Candidates retained per fuzzy resolution"`
		AlwaysVerify      bool   `long:"always-verify" env:"ALWAYS_VERIFY" description:"Verify every resolution against the remote catalogue"`
	} `group:"Catalogue" namespace:"catalogue" env-namespace:"CATALOGUE"`

	OCR struct {
		Engine            string  `long:"engine" env:"ENGINE" default:"sidecar" choice:"sidecar" choice:"scripted" description:"Primary OCR engine"`
		Endpoint          string  `long:"endpoint" env:"ENDPOINT" default:"http://localhost:8884" description:"OCR sidecar endpoint"`
		Languages         string  `long:"languages" env:"LANGUAGES" default:"en" description:"Comma-separated recognition languages"`
		MinSpanConfidence float64 `long:"min-span-confidence" env:"MIN_SPAN_CONFIDENCE" default:"0.62" description:"Spans below this confidence are dropped"`
		MinQuantityLines  int     `long:"min-quantity-lines" env:"MIN_QUANTITY_LINES" default:"10" description:"Quantity lines expected of a good read"`
		EarlyStopConf     float64 `long:"early-stop-confidence" env:"EARLY_STOP_CONFIDENCE" default:"0.90" description:"Variant sweep stops early above this confidence"`
		MaxLongEdgePx     int     `long:"max-long-edge-px" env:"MAX_LONG_EDGE_PX" default:"1920" description:"Images are scaled down to this long edge"`
		Denoise           bool    `long:"denoise" env:"DENOISE" description:"Enable the denoise variant"`
		Binarize          bool    `long:"binarize" env:"BINARIZE" description:"Enable the binarized variant"`
		Sharpen           bool    `long:"sharpen" env:"SHARPEN" description:"Enable the sharpen variant"`
		Superres          bool    `long:"superres" env:"SUPERRES" description:"Enable 2x upscaling of small images"`
	} `group:"OCR" namespace:"ocr" env-namespace:"OCR"`

	Vision struct {
		Enabled             bool    `long:"enabled" env:"ENABLED" description:"Enable the vision fallback"`
		Endpoint            string  `long:"endpoint" env:"ENDPOINT" description:"Vision provider endpoint"`
		APIKey              string  `long:"api-key" env:"API_KEY" description:"Vision provider credential"`
		MinConfidence       float64 `long:"min-conf" env:"MIN_CONF" default:"0.62" description:"Baseline confidence below which the fallback is considered"`
		MinLines            int     `long:"min-lines" env:"MIN_LINES" default:"10" description:"Baseline quantity-line count below which the fallback is considered"`
		FailureThreshold    int     `long:"failure-threshold" env:"FAILURE_THRESHOLD" default:"5" description:"Consecutive failures before the circuit opens"`
		RecoveryTimeoutSec  int     `long:"recovery-timeout-sec" env:"RECOVERY_TIMEOUT_SEC" default:"60" description:"Open-circuit hold before probing"`
		MonitoringWindowSec int     `long:"monitoring-window-sec" env:"MONITORING_WINDOW_SEC" default:"900" description:"Fallback-rate sliding window"`
		MaxFallbackRate     float64 `long:"max-fallback-rate" env:"MAX_FALLBACK_RATE" default:"0.15" description:"Fallback-rate ceiling before thresholds tighten"`
	} `group:"Vision" namespace:"vision" env-namespace:"VISION"`

	Retention struct {
		ImagesHours  int    `long:"images-hours" env:"IMAGES_HOURS" default:"24" description:"Stored image retention"`
		JobsHours    int    `long:"jobs-hours" env:"JOBS_HOURS" default:"1" description:"Job record retention"`
		HashesDays   int    `long:"hashes-days" env:"HASHES_DAYS" default:"7" description:"Fingerprint entry retention"`
		LogsDays     int    `long:"logs-days" env:"LOGS_DAYS" default:"7" description:"Log file retention"`
		MetricsDays  int    `long:"metrics-days" env:"METRICS_DAYS" default:"30" description:"Metric series retention"`
		UploadDir    string `long:"upload-dir" env:"UPLOAD_DIR" description:"Directory of stored uploads"`
		LogDir       string `long:"log-dir" env:"LOG_DIR" description:"Directory of rotated log files"`
	} `group:"Retention" namespace:"retention" env-namespace:"RETENTION"`

	Limits struct {
		PerMinute int `long:"per-minute" env:"PER_MINUTE" default:"30" description:"Requests admitted per minute per client"`
		Burst     int `long:"burst" env:"BURST" default:"3" description:"Requests admitted per five seconds per client"`
	} `group:"Limits" namespace:"limits" env-namespace:"LIMITS"`

	Idempotency struct {
		LockTTLSec   int `long:"lock-ttl-sec" env:"LOCK_TTL_SEC" default:"30" description:"Distributed lock auto-release"`
		BlockWaitSec int `long:"block-wait-sec" env:"BLOCK_WAIT_SEC" default:"5" description:"Wait bound on a contended key"`
	} `group:"Idempotency" namespace:"idempotency" env-namespace:"IDEMPOTENCY"`

	Upload struct {
		MaxImageMiB int `long:"max-image-mib" env:"MAX_IMAGE_MIB" default:"10" description:"Upload size ceiling"`
	} `group:"Upload" namespace:"upload" env-namespace:"UPLOAD"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// InitLog applies the logging configuration to the process logger.
func (c *Config) InitLog() {
	if c.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(level)
	}
}

// LanguageList splits the configured language tags.
func (c *Config) LanguageList() []string {
	var out []string
	for _, l := range strings.Split(c.OCR.Languages, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// PreprocessOptions maps the OCR flags onto variant generation.
func (c *Config) PreprocessOptions() preprocess.Options {
	return preprocess.Options{
		Denoise:       c.OCR.Denoise,
		Binarize:      c.OCR.Binarize,
		Sharpen:       c.OCR.Sharpen,
		Superres:      c.OCR.Superres,
		MaxLongEdgePx: c.OCR.MaxLongEdgePx,
	}
}

// PipelineConfig assembles the pipeline stage settings.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Preprocess:          c.PreprocessOptions(),
		MinSpanConfidence:   c.OCR.MinSpanConfidence,
		EarlyStopConfidence: c.OCR.EarlyStopConf,
	}
}

// GateConfig assembles the vision fallback gate policy.
func (c *Config) GateConfig() fallbackgate.Config {
	return fallbackgate.Config{
		Enabled:          c.Vision.Enabled,
		MinConfidence:    c.Vision.MinConfidence,
		MinLines:         c.Vision.MinLines,
		FailureThreshold: c.Vision.FailureThreshold,
		RecoveryTimeout:  time.Duration(c.Vision.RecoveryTimeoutSec) * time.Second,
		MonitoringWindow: time.Duration(c.Vision.MonitoringWindowSec) * time.Second,
		MaxFallbackRate:  c.Vision.MaxFallbackRate,
	}
}

// RetentionPolicy assembles the sweep policy.
func (c *Config) RetentionPolicy() retention.Policy {
	return retention.Policy{
		Images:    time.Duration(c.Retention.ImagesHours) * time.Hour,
		Jobs:      time.Duration(c.Retention.JobsHours) * time.Hour,
		Hashes:    time.Duration(c.Retention.HashesDays) * 24 * time.Hour,
		Logs:      time.Duration(c.Retention.LogsDays) * 24 * time.Hour,
		Metrics:   time.Duration(c.Retention.MetricsDays) * 24 * time.Hour,
		UploadDir: c.Retention.UploadDir,
		LogDir:    c.Retention.LogDir,
	}
}

// RateLimits assembles the request admission ceilings.
func (c *Config) RateLimits() ratelimit.Limits {
	return ratelimit.Limits{PerMinute: c.Limits.PerMinute, Burst: c.Limits.Burst}
}

// MaxUploadBytes is the configured upload ceiling in bytes.
func (c *Config) MaxUploadBytes() int {
	return c.Upload.MaxImageMiB << 20
}

// FingerprintConfig is the idempotency-key view of the recognized
// options. Semantically equal configurations produce equal keys.
func (c *Config) FingerprintConfig(snapshot string) fingerprint.PipelineConfig {
	return fingerprint.PipelineConfig{
		Engine:                c.OCR.Engine,
		Languages:             c.LanguageList(),
		MinSpanConfidence:     c.OCR.MinSpanConfidence,
		MinQuantityLines:      c.OCR.MinQuantityLines,
		FuzzyTopK:             c.Catalogue.FuzzyTopK,
		AlwaysVerifyCatalogue: c.Catalogue.AlwaysVerify,
		VisionFallbackEnabled: c.Vision.Enabled,
		Denoise:               c.OCR.Denoise,
		Binarize:              c.OCR.Binarize,
		Sharpen:               c.OCR.Sharpen,
		Superres:              c.OCR.Superres,
		CatalogueSnapshot:     snapshot,
	}
}
