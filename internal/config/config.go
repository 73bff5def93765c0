package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"dronedispatch/internal/dispatch"
	"dronedispatch/internal/jobs"
	"dronedispatch/internal/weather"
)

type Config struct {
	DatabaseURL    string
	JWTSecret      string
	JWTTTL         time.Duration
	HTTPAddr       string
	GRPCAddr       string
	ThriftAddr     string
	MigrateOnStart bool

	LogLevel  string
	LogFormat string

	EventSink       string
	NATSURL         string
	NATSSubject     string
	NATSSubscribe   bool
	KafkaBrokers    string
	KafkaTopic      string
	OutboxEnabled   bool
	OutboxInterval  time.Duration
	OutboxBatch     int
	OutboxRetention time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LocationTTL   time.Duration

	WeatherURL       string
	WeatherValidity  time.Duration
	WeatherTimeout   time.Duration
	WeatherMaxWind   float64
	WeatherMinVis    float64
	WeatherMaxPrecip float64

	ArchiveBucket string
	ArchiveRegion string
	ArchivePrefix string

	DroneSpeedMPS       float64
	BatteryPerKm        float64
	BatteryMargin       float64
	MaxPickupDistanceKm float64
	PendingTimeout      time.Duration
	RequestTimeout      time.Duration
	TelemetryTimeout    time.Duration
	ArrivalRadiusM      float64
	ChargeThreshold     float64
	ChargeComplete      float64
	DeviationThresholdM float64
	DeviationWindow     time.Duration
	StallRadiusM        float64
	StallWindow         time.Duration
	PassSchedule        string
	WatchdogSchedule    string
	MaintenanceSchedule string
}

// Load reads configuration for the API server. Values come from the
// environment, then an optional config file, then defaults; a .env file in
// the working directory is loaded into the environment first.
func Load(configFile string) (Config, error) {
	return load(configFile, true)
}

func LoadWorker(configFile string) (Config, error) {
	return load(configFile, false)
}

func load(configFile string, requireJWT bool) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := Config{
		DatabaseURL:    v.GetString("DATABASE_URL"),
		JWTSecret:      v.GetString("JWT_SECRET"),
		JWTTTL:         v.GetDuration("JWT_TTL"),
		HTTPAddr:       v.GetString("HTTP_ADDR"),
		GRPCAddr:       v.GetString("GRPC_ADDR"),
		ThriftAddr:     v.GetString("THRIFT_ADDR"),
		MigrateOnStart: v.GetBool("MIGRATE_ON_START"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),

		EventSink:       strings.ToLower(v.GetString("EVENT_SINK")),
		NATSURL:         v.GetString("NATS_URL"),
		NATSSubject:     v.GetString("NATS_SUBJECT"),
		NATSSubscribe:   v.GetBool("NATS_SUBSCRIBE"),
		KafkaBrokers:    v.GetString("KAFKA_BROKERS"),
		KafkaTopic:      v.GetString("KAFKA_TOPIC"),
		OutboxEnabled:   v.GetBool("OUTBOX_ENABLED"),
		OutboxInterval:  v.GetDuration("OUTBOX_POLL_INTERVAL"),
		OutboxBatch:     v.GetInt("OUTBOX_BATCH_SIZE"),
		OutboxRetention: v.GetDuration("OUTBOX_RETENTION"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		LocationTTL:   v.GetDuration("LOCATION_TTL"),

		WeatherURL:       v.GetString("WEATHER_URL"),
		WeatherValidity:  v.GetDuration("WEATHER_VALIDITY"),
		WeatherTimeout:   v.GetDuration("WEATHER_TIMEOUT"),
		WeatherMaxWind:   v.GetFloat64("WEATHER_MAX_WIND_MPS"),
		WeatherMinVis:    v.GetFloat64("WEATHER_MIN_VISIBILITY_KM"),
		WeatherMaxPrecip: v.GetFloat64("WEATHER_MAX_PRECIPITATION_MM"),

		ArchiveBucket: v.GetString("ARCHIVE_BUCKET"),
		ArchiveRegion: v.GetString("ARCHIVE_REGION"),
		ArchivePrefix: v.GetString("ARCHIVE_PREFIX"),

		DroneSpeedMPS:       v.GetFloat64("DRONE_SPEED_MPS"),
		BatteryPerKm:        v.GetFloat64("BATTERY_PER_KM"),
		BatteryMargin:       v.GetFloat64("BATTERY_MARGIN"),
		MaxPickupDistanceKm: v.GetFloat64("MAX_PICKUP_DISTANCE_KM"),
		PendingTimeout:      v.GetDuration("PENDING_TIMEOUT"),
		RequestTimeout:      v.GetDuration("REQUEST_TIMEOUT"),
		TelemetryTimeout:    v.GetDuration("TELEMETRY_TIMEOUT"),
		ArrivalRadiusM:      v.GetFloat64("ARRIVAL_RADIUS_M"),
		ChargeThreshold:     v.GetFloat64("CHARGE_THRESHOLD"),
		ChargeComplete:      v.GetFloat64("CHARGE_COMPLETE"),
		DeviationThresholdM: v.GetFloat64("DEVIATION_THRESHOLD_M"),
		DeviationWindow:     v.GetDuration("DEVIATION_WINDOW"),
		StallRadiusM:        v.GetFloat64("STALL_RADIUS_M"),
		StallWindow:         v.GetDuration("STALL_WINDOW"),
		PassSchedule:        v.GetString("PASS_SCHEDULE"),
		WatchdogSchedule:    v.GetString("WATCHDOG_SCHEDULE"),
		MaintenanceSchedule: v.GetString("MAINTENANCE_SCHEDULE"),
	}

	if cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}
	if requireJWT && cfg.JWTSecret == "" {
		return cfg, errors.New("JWT_SECRET is required")
	}
	switch cfg.EventSink {
	case "nats", "kafka", "none":
	default:
		return cfg, fmt.Errorf("EVENT_SINK must be nats, kafka or none, got %q", cfg.EventSink)
	}
	if cfg.EventSink == "kafka" && cfg.KafkaBrokers == "" {
		return cfg, errors.New("KAFKA_BROKERS is required when EVENT_SINK=kafka")
	}
	if cfg.BatteryMargin < 0 {
		return cfg, errors.New("BATTERY_MARGIN must not be negative")
	}
	if cfg.ChargeThreshold >= cfg.ChargeComplete {
		return cfg, errors.New("CHARGE_THRESHOLD must be below CHARGE_COMPLETE")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	dc := dispatch.DefaultConfig()
	wp := weather.DefaultPolicy()
	js := jobs.DefaultSchedules()

	v.SetDefault("JWT_TTL", time.Hour)
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("THRIFT_ADDR", ":9091")
	v.SetDefault("MIGRATE_ON_START", true)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("EVENT_SINK", "nats")
	v.SetDefault("NATS_URL", "nats://127.0.0.1:4222")
	v.SetDefault("NATS_SUBJECT", "dispatch.events")
	v.SetDefault("NATS_SUBSCRIBE", true)
	v.SetDefault("KAFKA_TOPIC", "dispatch.events")
	v.SetDefault("OUTBOX_ENABLED", true)
	v.SetDefault("OUTBOX_POLL_INTERVAL", time.Second)
	v.SetDefault("OUTBOX_BATCH_SIZE", 50)
	v.SetDefault("OUTBOX_RETENTION", js.OutboxRetention)

	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("LOCATION_TTL", 5*time.Minute)

	v.SetDefault("WEATHER_URL", weather.DefaultOpenMeteoURL)
	v.SetDefault("WEATHER_VALIDITY", 10*time.Minute)
	v.SetDefault("WEATHER_TIMEOUT", 3*time.Second)
	v.SetDefault("WEATHER_MAX_WIND_MPS", wp.MaxWindMPS)
	v.SetDefault("WEATHER_MIN_VISIBILITY_KM", wp.MinVisibilityKm)
	v.SetDefault("WEATHER_MAX_PRECIPITATION_MM", wp.MaxPrecipitationMM)

	v.SetDefault("ARCHIVE_REGION", "us-east-1")
	v.SetDefault("ARCHIVE_PREFIX", "assignments")

	v.SetDefault("DRONE_SPEED_MPS", dc.CruiseSpeedMPS)
	v.SetDefault("BATTERY_PER_KM", dc.Energy.PercentPerKm)
	v.SetDefault("BATTERY_MARGIN", dc.Energy.Margin)
	v.SetDefault("MAX_PICKUP_DISTANCE_KM", dc.MaxPickupDistanceKm)
	v.SetDefault("PENDING_TIMEOUT", dc.PendingTimeout)
	v.SetDefault("REQUEST_TIMEOUT", dc.RequestTimeout)
	v.SetDefault("TELEMETRY_TIMEOUT", dc.TelemetryTimeout)
	v.SetDefault("ARRIVAL_RADIUS_M", dc.ArrivalRadiusM)
	v.SetDefault("CHARGE_THRESHOLD", dc.ChargeThreshold)
	v.SetDefault("CHARGE_COMPLETE", dc.ChargeComplete)
	v.SetDefault("DEVIATION_THRESHOLD_M", dc.DeviationThresholdM)
	v.SetDefault("DEVIATION_WINDOW", dc.DeviationWindow)
	v.SetDefault("STALL_RADIUS_M", dc.StallRadiusM)
	v.SetDefault("STALL_WINDOW", dc.StallWindow)
	v.SetDefault("PASS_SCHEDULE", js.Pass)
	v.SetDefault("WATCHDOG_SCHEDULE", js.Watchdog)
	v.SetDefault("MAINTENANCE_SCHEDULE", js.Maintenance)
}

// Dispatch returns engine settings with the configured overrides applied.
func (c Config) Dispatch() dispatch.Config {
	dc := dispatch.DefaultConfig()
	dc.CruiseSpeedMPS = c.DroneSpeedMPS
	dc.Energy.PercentPerKm = c.BatteryPerKm
	dc.Energy.Margin = c.BatteryMargin
	dc.MaxPickupDistanceKm = c.MaxPickupDistanceKm
	dc.PendingTimeout = c.PendingTimeout
	dc.RequestTimeout = c.RequestTimeout
	dc.TelemetryTimeout = c.TelemetryTimeout
	dc.ArrivalRadiusM = c.ArrivalRadiusM
	dc.ChargeThreshold = c.ChargeThreshold
	dc.ChargeComplete = c.ChargeComplete
	dc.DeviationThresholdM = c.DeviationThresholdM
	dc.DeviationWindow = c.DeviationWindow
	dc.StallRadiusM = c.StallRadiusM
	dc.StallWindow = c.StallWindow
	return dc
}

func (c Config) Weather() weather.Config {
	policy := weather.DefaultPolicy()
	policy.MaxWindMPS = c.WeatherMaxWind
	policy.MinVisibilityKm = c.WeatherMinVis
	policy.MaxPrecipitationMM = c.WeatherMaxPrecip
	return weather.Config{
		Validity:      c.WeatherValidity,
		LookupTimeout: c.WeatherTimeout,
		Policy:        policy,
	}
}

func (c Config) Schedules() jobs.Schedules {
	return jobs.Schedules{
		Pass:            c.PassSchedule,
		Watchdog:        c.WatchdogSchedule,
		Maintenance:     c.MaintenanceSchedule,
		OutboxRetention: c.OutboxRetention,
	}
}
