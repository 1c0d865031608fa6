package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Log        LogConfig
	Classifier ClassifierConfig
	Layout     LayoutConfig
	OCR        OCRConfig
	Vision     VisionConfig
	Pipeline   PipelineConfig
}

type LogConfig struct {
	Level string
}

// ClassifierConfig holds the chars-per-page thresholds used to tell native
// PDFs from scans. These are empirical tuning knobs, not constants.
type ClassifierConfig struct {
	NativeCharsPerPage   float64
	GoodScanCharsPerPage float64
	MinTextCharsPerPage  float64
}

type LayoutConfig struct {
	MaxDescriptionLen int
	// ClosingBalancePolicy selects between "last" (last labeled occurrence,
	// the default) and "max" (legacy maximum-value heuristic).
	ClosingBalancePolicy string
}

type OCRConfig struct {
	BaseURL           string
	EngineHint        string // "auto", "tesseract" or "easyocr"
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
}

type VisionConfig struct {
	APIKey            string
	Model             string
	Endpoint          string
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
	MaxInlineBytes    int
}

type PipelineConfig struct {
	ConfidenceThreshold float64
	MaxEscalations      int
	LayoutTimeout       time.Duration
}

// Load reads configuration from environment variables. A .env file in the
// working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Classifier: ClassifierConfig{
			NativeCharsPerPage:   getEnvAsFloat("CLASSIFIER_NATIVE_CHARS_PER_PAGE", 500),
			GoodScanCharsPerPage: getEnvAsFloat("CLASSIFIER_GOOD_SCAN_CHARS_PER_PAGE", 200),
			MinTextCharsPerPage:  getEnvAsFloat("CLASSIFIER_MIN_TEXT_CHARS_PER_PAGE", 50),
		},
		Layout: LayoutConfig{
			MaxDescriptionLen:    getEnvAsInt("LAYOUT_MAX_DESCRIPTION_LEN", 200),
			ClosingBalancePolicy: getEnv("LAYOUT_CLOSING_BALANCE_POLICY", "last"),
		},
		OCR: OCRConfig{
			BaseURL:           getEnv("OCR_WORKER_URL", ""),
			EngineHint:        getEnv("OCR_ENGINE", "auto"),
			Timeout:           getEnvAsDuration("OCR_TIMEOUT", 45*time.Second),
			MaxRetries:        getEnvAsInt("OCR_MAX_RETRIES", 2),
			RequestsPerSecond: getEnvAsFloat("OCR_REQUESTS_PER_SECOND", 2),
		},
		Vision: VisionConfig{
			APIKey:            getEnv("GEMINI_API_KEY", ""),
			Model:             getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			Endpoint:          getEnv("GEMINI_ENDPOINT", "https://generativelanguage.googleapis.com"),
			Timeout:           getEnvAsDuration("VISION_TIMEOUT", 60*time.Second),
			MaxRetries:        getEnvAsInt("VISION_MAX_RETRIES", 2),
			RequestsPerSecond: getEnvAsFloat("VISION_REQUESTS_PER_SECOND", 1),
			MaxInlineBytes:    getEnvAsInt("VISION_MAX_INLINE_BYTES", 15<<20),
		},
		Pipeline: PipelineConfig{
			ConfidenceThreshold: getEnvAsFloat("PIPELINE_CONFIDENCE_THRESHOLD", 0.7),
			MaxEscalations:      getEnvAsInt("PIPELINE_MAX_ESCALATIONS", 2),
			LayoutTimeout:       getEnvAsDuration("LAYOUT_TIMEOUT", 10*time.Second),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
