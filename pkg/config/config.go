package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort      string
	Environment     string
	FirebaseProject string
	CredentialsPath string
	StorageBucket   string

	Rooms       RoomConfig
	Negotiation NegotiationConfig
	Agent       AgentConfig
	Trigger     TriggerConfig
	LLM         LLMConfig

	DefaultCurrency       string
	StartingBalance       int64
	ClientRatePerSecond   float64
	TriggerVocabularyPath string
}

// RoomConfig bounds the registry and the socket wait that covers a join still in flight.
type RoomConfig struct {
	MaxRooms           int
	MaxUsersPerRoom    int
	SocketWaitAttempts int
	SocketWaitInterval time.Duration
	RendezvousWindow   time.Duration
}

type NegotiationConfig struct {
	MaxRounds    int
	RoundTimeout time.Duration
	TotalTimeout time.Duration
}

type AgentConfig struct {
	MaxDepth           int
	HistoryLimit       int
	HistoryKeepHead    int
	HistoryKeepTail    int
	TranscriptDebounce time.Duration
}

type TriggerConfig struct {
	SmartInterval      time.Duration
	SmartMinSpeakers   int
	SmartConfidence    float64
	SmartContextLines  int
	KeywordMaxDistance int
}

type LLMConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

func Load() (*Config, error) {
	godotenv.Load()

	config := &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		FirebaseProject: getEnv("FIREBASE_PROJECT_ID", ""),
		CredentialsPath: getEnv("FIREBASE_SERVICE_ACCOUNT_PATH", ""),
		StorageBucket:   getEnv("STORAGE_BUCKET", ""),
		Rooms: RoomConfig{
			MaxRooms:           getEnvAsInt("MAX_ROOMS", 50),
			MaxUsersPerRoom:    getEnvAsInt("MAX_USERS_PER_ROOM", 2),
			SocketWaitAttempts: getEnvAsInt("SOCKET_WAIT_ATTEMPTS", 20),
			SocketWaitInterval: getEnvAsMillis("SOCKET_WAIT_INTERVAL_MS", 250),
			RendezvousWindow:   getEnvAsMillis("RENDEZVOUS_WINDOW_MS", 20000),
		},
		Negotiation: NegotiationConfig{
			MaxRounds:    getEnvAsInt("NEGOTIATION_MAX_ROUNDS", 5),
			RoundTimeout: getEnvAsMillis("NEGOTIATION_ROUND_TIMEOUT_MS", 30000),
			TotalTimeout: getEnvAsMillis("NEGOTIATION_TOTAL_TIMEOUT_MS", 120000),
		},
		Agent: AgentConfig{
			MaxDepth:           getEnvAsInt("AGENT_MAX_DEPTH", 20),
			HistoryLimit:       getEnvAsInt("AGENT_HISTORY_LIMIT", 60),
			HistoryKeepHead:    getEnvAsInt("AGENT_HISTORY_KEEP_HEAD", 2),
			HistoryKeepTail:    getEnvAsInt("AGENT_HISTORY_KEEP_TAIL", 40),
			TranscriptDebounce: getEnvAsMillis("TRANSCRIPT_DEBOUNCE_MS", 2000),
		},
		Trigger: TriggerConfig{
			SmartInterval:      getEnvAsMillis("SMART_TRIGGER_INTERVAL_MS", 10000),
			SmartMinSpeakers:   getEnvAsInt("SMART_TRIGGER_MIN_SPEAKERS", 2),
			SmartConfidence:    getEnvAsFloat("SMART_TRIGGER_CONFIDENCE", 0.7),
			SmartContextLines:  getEnvAsInt("SMART_TRIGGER_CONTEXT_LINES", 20),
			KeywordMaxDistance: getEnvAsInt("KEYWORD_MAX_DISTANCE", 1),
		},
		LLM: LLMConfig{
			APIKey:    getEnv("LLM_API_KEY", ""),
			BaseURL:   getEnv("LLM_BASE_URL", "https://api.anthropic.com"),
			Model:     getEnv("LLM_MODEL", "claude-sonnet-4-5"),
			MaxTokens: getEnvAsInt("LLM_MAX_TOKENS", 1024),
		},
		DefaultCurrency:       getEnv("DEFAULT_CURRENCY", "gbp"),
		StartingBalance:       getEnvAsInt64("STARTING_BALANCE", 500000),
		ClientRatePerSecond:   getEnvAsFloat("CLIENT_RATE_PER_SECOND", 5),
		TriggerVocabularyPath: getEnv("TRIGGER_VOCABULARY_PATH", ""),
	}

	return config, nil
}

// Default returns the configuration with every value at its default, without reading the environment.
func Default() *Config {
	return &Config{
		ServerPort:  "8080",
		Environment: "development",
		Rooms: RoomConfig{
			MaxRooms:           50,
			MaxUsersPerRoom:    2,
			SocketWaitAttempts: 20,
			SocketWaitInterval: 250 * time.Millisecond,
			RendezvousWindow:   20 * time.Second,
		},
		Negotiation: NegotiationConfig{
			MaxRounds:    5,
			RoundTimeout: 30 * time.Second,
			TotalTimeout: 120 * time.Second,
		},
		Agent: AgentConfig{
			MaxDepth:           20,
			HistoryLimit:       60,
			HistoryKeepHead:    2,
			HistoryKeepTail:    40,
			TranscriptDebounce: 2 * time.Second,
		},
		Trigger: TriggerConfig{
			SmartInterval:      10 * time.Second,
			SmartMinSpeakers:   2,
			SmartConfidence:    0.7,
			SmartContextLines:  20,
			KeywordMaxDistance: 1,
		},
		LLM: LLMConfig{
			BaseURL:   "https://api.anthropic.com",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 1024,
		},
		DefaultCurrency:     "gbp",
		StartingBalance:     500000,
		ClientRatePerSecond: 5,
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.Atoi(value)
		if err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		floatValue, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMillis)) * time.Millisecond
}
