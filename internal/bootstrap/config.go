package bootstrap

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/recorder"
	"github.com/eleven-am/meeting-recorder/internal/recording"
	"github.com/eleven-am/meeting-recorder/internal/transport"
)

type Config struct {
	ServerAddr string
	LogLevel   string

	APIBaseURL string
	WSBaseURL  string
	APIToken   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TransportOpenTimeout time.Duration
	LowLatencyCadence    time.Duration
	BufferedCadence      time.Duration
	StopGrace            time.Duration
	FinalizeTimeout      time.Duration
	UploadTimeout        time.Duration

	SampleRate         int
	TranscriptionModel string
	Diarize            bool
	VADOnset           float64
	VADOffset          float64
	SaveToPortal       bool

	FFmpegPath           string
	FFmpegInputFormat    string
	MicrophoneDevice     string
	PickerFallbackSource string

	RTCEnabled    bool
	RTCICEServers []ICEServerConfig
	RTCPortMin    int
	RTCPortMax    int
}

type ICEServerConfig struct {
	URLs       []string
	Username   string
	Credential string
}

func LoadConfig() *Config {
	defaults := transport.DefaultParameters()
	apiBase := getEnv("API_BASE_URL", "http://localhost:8081/api/v1")

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", "127.0.0.1:8090"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		APIBaseURL: apiBase,
		WSBaseURL:  getEnv("WS_BASE_URL", deriveWSBase(apiBase)),
		APIToken:   getEnv("API_TOKEN", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		TransportOpenTimeout: getEnvDuration("TRANSPORT_OPEN_TIMEOUT", transport.DefaultOpenTimeout),
		LowLatencyCadence:    getEnvDuration("LOW_LATENCY_CADENCE", recorder.LowLatencyCadence),
		BufferedCadence:      getEnvDuration("BUFFERED_CADENCE", recorder.BufferedCadence),
		StopGrace:            getEnvDuration("STOP_GRACE", recording.DefaultStopGrace),
		FinalizeTimeout:      getEnvDuration("FINALIZE_TIMEOUT", recording.DefaultFinalizeTimeout),
		UploadTimeout:        getEnvDuration("UPLOAD_TIMEOUT", 30*time.Second),

		SampleRate:         getEnvInt("SAMPLE_RATE", 16000),
		TranscriptionModel: getEnv("TRANSCRIPTION_MODEL", defaults.Model),
		Diarize:            getEnvBool("DIARIZE", defaults.Diarize),
		VADOnset:           getEnvFloat("VAD_ONSET", defaults.VADOnset),
		VADOffset:          getEnvFloat("VAD_OFFSET", defaults.VADOffset),
		SaveToPortal:       getEnvBool("SAVE_TO_PORTAL", true),

		FFmpegPath:           getEnv("FFMPEG_PATH", "ffmpeg"),
		FFmpegInputFormat:    getEnv("FFMPEG_INPUT_FORMAT", "pulse"),
		MicrophoneDevice:     getEnv("MICROPHONE_DEVICE", "default"),
		PickerFallbackSource: getEnv("PICKER_FALLBACK_SOURCE", ""),

		RTCEnabled:    getEnvBool("RTC_ENABLED", true),
		RTCICEServers: parseICEServers(getEnv("RTC_ICE_SERVERS", "stun:stun.l.google.com:19302")),
		RTCPortMin:    getEnvInt("RTC_PORT_MIN", 10000),
		RTCPortMax:    getEnvInt("RTC_PORT_MAX", 20000),
	}
}

// deriveWSBase strips the API path from the base URL; the socket lives at
// the host root.
func deriveWSBase(apiBase string) string {
	u, err := url.Parse(apiBase)
	if err != nil || u.Host == "" {
		return apiBase
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("2.5s") or bare milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func parseICEServers(envValue string) []ICEServerConfig {
	if envValue == "" {
		return []ICEServerConfig{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	var servers []ICEServerConfig
	for _, url := range strings.Split(envValue, ",") {
		url = strings.TrimSpace(url)
		if url != "" {
			servers = append(servers, ICEServerConfig{URLs: []string{url}})
		}
	}

	if len(servers) == 0 {
		return []ICEServerConfig{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	return servers
}
