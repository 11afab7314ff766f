package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/tts"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string
	RedisURL      string
	LogLevel      string
	SentryDSN     string
	Environment   string

	// Transcription and analysis
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	FastModel             string
	AccurateModel         string
	TranscriptionModel    string
	TranscriptionLanguage string
	VADThreshold          float64
	VADSilenceMs          int

	// Twilio: call control, webhook signatures, SMS alerts
	TwilioAccountSID string
	TwilioAuthTok    string
	TwilioSMSFrom    string

	// WhatsApp alerts (Kapso)
	KapsoAPIKey        string
	KapsoPhoneNumberID string

	// Push alerts
	APNsKeyPath    string
	APNsKeyID      string
	APNsTeamID     string
	APNsBundleID   string
	APNsProduction bool

	DiscordWebhookURL string

	// Monitor and API authentication
	JWTSecret string

	// Warning audio: a hosted recording, or text synthesized at startup
	WarningAudioURL   string
	WarningDuration   time.Duration // playback length of a hosted warning
	WarningText       string
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string

	// Session behavior
	AnalysisEvery    int
	FinalizeTimeout  time.Duration
	DispatchTimeout  time.Duration
	HandoverGrace    time.Duration
	ShutdownTimeout  time.Duration
	AudioQueueSize   int
	DropReportEvery  int
	TaskDrainTimeout time.Duration

	// Cleanup of calls orphaned by a dead instance
	StaleCallAfter time.Duration
	EventRetention time.Duration
}

// LoadConfigFromEnv reads configuration from the environment. A .env file in
// the working directory is loaded first when present; real environment
// variables win over it.
func LoadConfigFromEnv() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		RedisURL:      getenv("REDIS_URL", ""),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		SentryDSN:     getenv("SENTRY_DSN", ""),
		Environment:   getenv("ENVIRONMENT", "development"),

		OpenAIAPIKey:          getenv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:         getenv("OPENAI_BASE_URL", ""),
		FastModel:             getenv("FAST_MODEL", "gpt-4o-mini"),
		AccurateModel:         getenv("ACCURATE_MODEL", "gpt-4o"),
		TranscriptionModel:    getenv("TRANSCRIPTION_MODEL", "whisper-1"),
		TranscriptionLanguage: getenv("TRANSCRIPTION_LANGUAGE", "es"),
		VADThreshold:          getenvFloatClamped("VAD_THRESHOLD", 0.4, 0.0, 1.0),
		VADSilenceMs:          getenvIntClamped("VAD_SILENCE_MS", 300, 100, 2000),

		TwilioAccountSID: getenv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthTok:    getenv("TWILIO_AUTH_TOKEN", ""),
		TwilioSMSFrom:    getenv("TWILIO_SMS_FROM", ""),

		KapsoAPIKey:        getenv("KAPSO_API_KEY", ""),
		KapsoPhoneNumberID: getenv("KAPSO_PHONE_NUMBER_ID", ""),

		APNsKeyPath:    getenv("APNS_KEY_PATH", ""),
		APNsKeyID:      getenv("APNS_KEY_ID", ""),
		APNsTeamID:     getenv("APNS_TEAM_ID", ""),
		APNsBundleID:   getenv("APNS_BUNDLE_ID", ""),
		APNsProduction: getenvBool("APNS_PRODUCTION", false),

		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),

		JWTSecret: os.Getenv("JWT_SECRET"), // No fallback; empty disables monitor auth

		WarningAudioURL:   getenv("WARNING_AUDIO_URL", ""),
		WarningDuration:   getenvDuration("WARNING_DURATION", 15*time.Second),
		WarningText:       getenv("WARNING_TEXT", tts.DefaultWarningText),
		ElevenLabsAPIKey:  getenv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: getenv("ELEVENLABS_VOICE_ID", ""),

		AnalysisEvery:    getenvIntClamped("ANALYSIS_EVERY", 3, 1, 20),
		FinalizeTimeout:  getenvDuration("FINALIZE_TIMEOUT", 20*time.Second),
		DispatchTimeout:  getenvDuration("DISPATCH_TIMEOUT", 15*time.Second),
		HandoverGrace:    getenvDuration("HANDOVER_GRACE", 5*time.Second),
		ShutdownTimeout:  getenvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		AudioQueueSize:   getenvIntClamped("AUDIO_QUEUE_SIZE", 256, 16, 4096),
		DropReportEvery:  getenvIntClamped("DROP_REPORT_EVERY", 50, 1, 10000),
		TaskDrainTimeout: getenvDuration("TASK_DRAIN_TIMEOUT", 5*time.Second),

		StaleCallAfter: getenvDuration("STALE_CALL_AFTER", 2*time.Hour),
		EventRetention: getenvDuration("EVENT_RETENTION", 30*24*time.Hour),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped parses an int env var, clamping to [min, max].
// Invalid values fall back to def.
func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// getenvFloatClamped parses a float env var, clamping to [min, max].
func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getenvBool(k string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
