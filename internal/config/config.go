package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// ConfigError reports an invalid or unparseable configuration value.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// Config holds every tunable of the fingerprinting pipeline. Zero values are
// never meaningful; start from Default and override.
type Config struct {
	// Spectral framing.
	SampleRate int // Hz
	FrameSize  int // samples per FFT frame, power of two
	Hop        int // samples between successive frames

	// Event point extraction.
	PeakNeighbourhoodT int     // +/- frames for the local max check
	PeakNeighbourhoodF int     // +/- bins for the local max check
	PeakEMAAlpha       float64 // per-bin running average smoothing
	PeakEMAK           float64 // accept magnitude > K * ema[bin]
	PeaksPerFrameMax   int     // density cap per frame

	// Triplet geometry.
	FpDtMin        int // min frames between anchor and second peak
	FpDtMax        int // max frames between anchor and second peak
	FpDfMin        int // min bins between peaks
	FpDfMax        int // max bins between peaks
	FpMaxPerAnchor int // combination cap per anchor

	// Matching.
	QueryRange          int // +/- tolerance on the hash key during lookup
	MinHitsUnfiltered   int
	MinHitsFiltered     int
	HitPartMaxSize      int
	HitPartDivider      int
	MinTimeFactor       float64
	MaxTimeFactor       float64
	MinMatchDuration    float64 // seconds
	MinSecWithMatch     float64 // fraction of reference seconds with a hit
	MatchFallbackToHist bool

	// Storage.
	StorageBackend  string // memory, kv, file or sqlite
	StoreFolder     string // badger dir, sqlite file or file-backend folder
	CacheToFile     bool
	CacheFolder     string
	UseCachedPrints bool
	ReportFolder    string // fingerprint report export; empty disables

	// Monitoring long queries.
	MonitorStep    int // seconds per window
	MonitorOverlap int // seconds of overlap between windows
}

// Default returns the reference configuration. Peak and triplet windows are
// documented in DESIGN.md.
func Default() Config {
	return Config{
		SampleRate: 16000,
		FrameSize:  1024,
		Hop:        128,

		PeakNeighbourhoodT: 7,
		PeakNeighbourhoodF: 7,
		PeakEMAAlpha:       0.995,
		PeakEMAK:           1.5,
		PeaksPerFrameMax:   6,

		FpDtMin:        2,
		FpDtMax:        33,
		FpDfMin:        1,
		FpDfMax:        128,
		FpMaxPerAnchor: 10,

		QueryRange:          2,
		MinHitsUnfiltered:   10,
		MinHitsFiltered:     5,
		HitPartMaxSize:      250,
		HitPartDivider:      4,
		MinTimeFactor:       0.8,
		MaxTimeFactor:       1.2,
		MinMatchDuration:    3,
		MinSecWithMatch:     0.2,
		MatchFallbackToHist: false,

		StorageBackend:  "memory",
		StoreFolder:     "trifone-db",
		CacheToFile:     false,
		CacheFolder:     "trifone-cache",
		UseCachedPrints: false,
		ReportFolder:    "fingerprints",

		MonitorStep:    25,
		MonitorOverlap: 5,
	}
}

// FromEnv overlays environment variables onto Default. A .env file in the
// working directory is honoured when present.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	var err error

	intVars := []struct {
		key string
		dst *int
	}{
		{"SAMPLE_RATE", &cfg.SampleRate},
		{"FRAME_SIZE", &cfg.FrameSize},
		{"HOP", &cfg.Hop},
		{"PEAK_NEIGHBOURHOOD_T", &cfg.PeakNeighbourhoodT},
		{"PEAK_NEIGHBOURHOOD_F", &cfg.PeakNeighbourhoodF},
		{"PEAKS_PER_FRAME_MAX", &cfg.PeaksPerFrameMax},
		{"FP_DT_MIN", &cfg.FpDtMin},
		{"FP_DT_MAX", &cfg.FpDtMax},
		{"FP_DF_MIN", &cfg.FpDfMin},
		{"FP_DF_MAX", &cfg.FpDfMax},
		{"FP_MAX_PER_ANCHOR", &cfg.FpMaxPerAnchor},
		{"QUERY_RANGE", &cfg.QueryRange},
		{"MIN_HITS_UNFILTERED", &cfg.MinHitsUnfiltered},
		{"MIN_HITS_FILTERED", &cfg.MinHitsFiltered},
		{"HIT_PART_MAX_SIZE", &cfg.HitPartMaxSize},
		{"HIT_PART_DIVIDER", &cfg.HitPartDivider},
		{"MONITOR_STEP", &cfg.MonitorStep},
		{"MONITOR_OVERLAP", &cfg.MonitorOverlap},
	}
	for _, v := range intVars {
		if *v.dst, err = envInt(v.key, *v.dst); err != nil {
			return cfg, err
		}
	}

	floatVars := []struct {
		key string
		dst *float64
	}{
		{"PEAK_EMA_ALPHA", &cfg.PeakEMAAlpha},
		{"PEAK_EMA_K", &cfg.PeakEMAK},
		{"MIN_TIME_FACTOR", &cfg.MinTimeFactor},
		{"MAX_TIME_FACTOR", &cfg.MaxTimeFactor},
		{"MIN_MATCH_DURATION", &cfg.MinMatchDuration},
		{"MIN_SEC_WITH_MATCH", &cfg.MinSecWithMatch},
	}
	for _, v := range floatVars {
		if *v.dst, err = envFloat(v.key, *v.dst); err != nil {
			return cfg, err
		}
	}

	boolVars := []struct {
		key string
		dst *bool
	}{
		{"MATCH_FALLBACK_TO_HIST", &cfg.MatchFallbackToHist},
		{"CACHE_TO_FILE", &cfg.CacheToFile},
		{"USE_CACHED_PRINTS", &cfg.UseCachedPrints},
	}
	for _, v := range boolVars {
		if *v.dst, err = envBool(v.key, *v.dst); err != nil {
			return cfg, err
		}
	}

	if s := os.Getenv("STORAGE_BACKEND"); s != "" {
		cfg.StorageBackend = s
	}
	if s := os.Getenv("STORE_FOLDER"); s != "" {
		cfg.StoreFolder = s
	}
	if s := os.Getenv("CACHE_FOLDER"); s != "" {
		cfg.CacheFolder = s
	}
	if s := os.Getenv("REPORT_FOLDER"); s != "" {
		cfg.ReportFolder = s
	}

	return cfg, cfg.Validate()
}

func envInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def, &ConfigError{Key: key, Reason: "not an integer: " + s}
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def, &ConfigError{Key: key, Reason: "not a number: " + s}
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def, &ConfigError{Key: key, Reason: "not a boolean: " + s}
	}
	return b, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return &ConfigError{Key: "SAMPLE_RATE", Reason: "must be positive"}
	case c.FrameSize <= 0 || c.FrameSize&(c.FrameSize-1) != 0:
		return &ConfigError{Key: "FRAME_SIZE", Reason: "must be a positive power of two"}
	case c.Hop <= 0 || c.Hop > c.FrameSize:
		return &ConfigError{Key: "HOP", Reason: "must be in (0, FRAME_SIZE]"}
	case c.PeakEMAAlpha <= 0 || c.PeakEMAAlpha >= 1:
		return &ConfigError{Key: "PEAK_EMA_ALPHA", Reason: "must be in (0, 1)"}
	case c.FpDtMin < 1 || c.FpDtMax < c.FpDtMin:
		return &ConfigError{Key: "FP_DT_MAX", Reason: "time window must satisfy 1 <= min <= max"}
	case c.FpDfMin < 0 || c.FpDfMax < c.FpDfMin:
		return &ConfigError{Key: "FP_DF_MAX", Reason: "frequency window must satisfy 0 <= min <= max"}
	case c.QueryRange < 0:
		return &ConfigError{Key: "QUERY_RANGE", Reason: "must not be negative"}
	case c.MinTimeFactor >= c.MaxTimeFactor:
		return &ConfigError{Key: "MIN_TIME_FACTOR", Reason: "must be below MAX_TIME_FACTOR"}
	case c.HitPartDivider <= 0:
		return &ConfigError{Key: "HIT_PART_DIVIDER", Reason: "must be positive"}
	case c.MonitorStep <= c.MonitorOverlap:
		return &ConfigError{Key: "MONITOR_STEP", Reason: "must exceed MONITOR_OVERLAP"}
	}

	switch c.StorageBackend {
	case "memory", "kv", "file", "sqlite":
	default:
		return &ConfigError{Key: "STORAGE_BACKEND", Reason: "unknown backend " + c.StorageBackend}
	}
	return nil
}

// FramesToSeconds converts a frame index to seconds.
func (c Config) FramesToSeconds(t int) float64 {
	return float64(t) * float64(c.Hop) / float64(c.SampleRate)
}

// BinToHz converts a frequency bin index to the bin's centre frequency.
func (c Config) BinToHz(f int) float64 {
	binSize := float64(c.SampleRate) / float64(c.FrameSize)
	return float64(f)*binSize + binSize/2
}
