package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendGenAI  = "genai"
	BackendLegacy = "legacy"
)

// DefaultImageKeywords are the prompt fragments that mark an image request.
// English and transliterated Urdu/Hindi terms.
var DefaultImageKeywords = []string{
	"generate", "create", "draw", "show me", "picture", "photo",
	"banao", "dikhao", "tasveer", "pic", "image",
}

type Config struct {
	GeminiAPIKey string
	Backend      string
	TextModel    string
	ImageModel   string

	DatabaseDriver string
	DatabaseURL    string
	HTTPPort       string
	LogLevel       string
	JWTSecret      string

	PersonasFile      string
	ImageKeywords     []string
	ImagePromptMaxLen int
	HistoryTurns      int
	GenerationTimeout time.Duration
	GenerationRPM     int
	SearchGrounding   bool
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = FromEnv()

	if AppConfig.GeminiAPIKey == "" {
		log.Println("GEMINI_API_KEY is not set, generation stays inactive until a key is supplied")
	}
}

// FromEnv builds a Config from the current process environment.
func FromEnv() Config {
	return Config{
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		Backend:      strings.ToLower(getEnv("GEMINI_BACKEND", BackendGenAI)),
		TextModel:    getEnv("TEXT_MODEL", "gemini-2.5-flash"),
		ImageModel:   getEnv("IMAGE_MODEL", "gemini-2.5-flash-image"),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite3"),
		DatabaseURL:    getEnv("DATABASE_URL", "zx_chat.db"),
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		LogLevel:       strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		JWTSecret:      getEnv("JWT_SECRET", ""),

		PersonasFile:      getEnv("PERSONAS_FILE", ""),
		ImageKeywords:     getEnvAsList("IMAGE_KEYWORDS", DefaultImageKeywords),
		ImagePromptMaxLen: getEnvAsInt("IMAGE_PROMPT_MAX_LEN", 80),
		HistoryTurns:      getEnvAsInt("HISTORY_TURNS", 6),
		GenerationTimeout: getEnvAsDuration("GENERATION_TIMEOUT", 2*time.Minute),
		GenerationRPM:     getEnvAsInt("GENERATION_RPM", 0),
		SearchGrounding:   getEnvAsBool("SEARCH_GROUNDING", true),
	}
}

// ValidateServer reports settings the HTTP server cannot run without.
func (c Config) ValidateServer() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if c.Backend != BackendGenAI && c.Backend != BackendLegacy {
		return fmt.Errorf("unknown GEMINI_BACKEND %q", c.Backend)
	}
	return nil
}

// Debugf logs only when LOG_LEVEL=DEBUG.
func Debugf(format string, v ...any) {
	if AppConfig.LogLevel == "DEBUG" {
		log.Output(2, fmt.Sprintf(format, v...))
	}
}

// getEnv treats a variable that is set but empty (KEY= in .env) as unset.
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && strings.TrimSpace(value) != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
