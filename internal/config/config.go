package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	JWTSecret   string
	CORSOrigins string

	FaceMatchThreshold float64
	BLERSSIThreshold   int
	BLEScanDuration    time.Duration
	BLEScanTimeout     time.Duration
	BLEScanSubject     string
	VisionSubject      string
	VisionTimeout      time.Duration

	LivenessEARThreshold   float64
	LivenessBlinkFrames    int
	LivenessHeadDeadZone   float64
	LivenessHeadMatchRatio float64
	LivenessMode           string

	AnomalySeverityPolicy string
	AnomalyChannel        string

	AttemptsWindow   time.Duration
	AttemptsLimit    int
	AttemptsIPWindow time.Duration

	EnrollmentMinFrames     int
	EnrollmentMinEmbeddings int

	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string

	ResendAPIKey string
	ResendFrom   string

	MarkRateLimitMax    int
	MarkRateLimitWindow time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PRESENCE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Presence API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("face.match_threshold", 0.6)
	v.SetDefault("ble.rssi_threshold", -70)
	v.SetDefault("ble.scan_duration", "5s")
	v.SetDefault("ble.scan_timeout", "8s")
	v.SetDefault("ble.scan_subject", "presence.ble.scan")
	v.SetDefault("vision.subject_prefix", "presence.vision")
	v.SetDefault("vision.timeout", "5s")
	v.SetDefault("liveness.ear_threshold", 0.25)
	v.SetDefault("liveness.blink_frames", 3)
	v.SetDefault("liveness.head_dead_zone", 10)
	v.SetDefault("liveness.head_match_ratio", 0.5)
	v.SetDefault("liveness.mode", "advisory")
	v.SetDefault("anomaly.severity_policy", "fixed")
	v.SetDefault("anomaly.channel", "presence:anomalies")
	v.SetDefault("attempts.window", "1m")
	v.SetDefault("attempts.limit", 5)
	v.SetDefault("attempts.ip_window", "30m")
	v.SetDefault("enrollment.min_frames", 10)
	v.SetDefault("enrollment.min_embeddings", 5)
	v.SetDefault("cloudinary.folder", "presence/evidence")
	v.SetDefault("resend.from", "noreply@presence.edu")
	v.SetDefault("rate_limit.mark_max", 10)
	v.SetDefault("rate_limit.mark_window", "1m")

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		AppPort:     v.GetString("app.port"),
		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		NATSURL:     v.GetString("nats.url"),
		JWTSecret:   v.GetString("jwt.secret"),
		CORSOrigins: v.GetString("cors.allow_origins"),

		FaceMatchThreshold: v.GetFloat64("face.match_threshold"),
		BLERSSIThreshold:   v.GetInt("ble.rssi_threshold"),
		BLEScanSubject:     v.GetString("ble.scan_subject"),
		VisionSubject:      v.GetString("vision.subject_prefix"),

		LivenessEARThreshold:   v.GetFloat64("liveness.ear_threshold"),
		LivenessBlinkFrames:    v.GetInt("liveness.blink_frames"),
		LivenessHeadDeadZone:   v.GetFloat64("liveness.head_dead_zone"),
		LivenessHeadMatchRatio: v.GetFloat64("liveness.head_match_ratio"),
		LivenessMode:           strings.ToLower(strings.TrimSpace(v.GetString("liveness.mode"))),

		AnomalySeverityPolicy: strings.ToLower(strings.TrimSpace(v.GetString("anomaly.severity_policy"))),
		AnomalyChannel:        v.GetString("anomaly.channel"),

		AttemptsLimit: v.GetInt("attempts.limit"),

		EnrollmentMinFrames:     v.GetInt("enrollment.min_frames"),
		EnrollmentMinEmbeddings: v.GetInt("enrollment.min_embeddings"),

		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),

		ResendAPIKey: v.GetString("resend.api_key"),
		ResendFrom:   v.GetString("resend.from"),

		MarkRateLimitMax: v.GetInt("rate_limit.mark_max"),
	}

	durations := map[string]*time.Duration{
		"ble.scan_duration":      &cfg.BLEScanDuration,
		"ble.scan_timeout":       &cfg.BLEScanTimeout,
		"vision.timeout":         &cfg.VisionTimeout,
		"attempts.window":        &cfg.AttemptsWindow,
		"attempts.ip_window":     &cfg.AttemptsIPWindow,
		"rate_limit.mark_window": &cfg.MarkRateLimitWindow,
	}

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive", key)
		}
		*target = parsed
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.LivenessMode {
	case "advisory", "mandatory":
	default:
		return Config{}, fmt.Errorf("invalid liveness mode %q", cfg.LivenessMode)
	}

	switch cfg.AnomalySeverityPolicy {
	case "fixed", "by_kind":
	default:
		return Config{}, fmt.Errorf("invalid anomaly severity policy %q", cfg.AnomalySeverityPolicy)
	}

	if cfg.FaceMatchThreshold <= 0 {
		return Config{}, fmt.Errorf("face match threshold must be positive")
	}

	if cfg.BLEScanTimeout < cfg.BLEScanDuration {
		return Config{}, fmt.Errorf("ble scan timeout %s is shorter than the scan duration %s", cfg.BLEScanTimeout, cfg.BLEScanDuration)
	}

	if cfg.AttemptsLimit <= 0 {
		cfg.AttemptsLimit = 5
	}

	if cfg.MarkRateLimitMax <= 0 {
		cfg.MarkRateLimitMax = 10
	}

	return cfg, nil
}
