package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Database   DatabaseConfig   `mapstructure:"database"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Agent      AgentConfig      `mapstructure:"agent"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type LLMConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	AgentModel     string  `mapstructure:"agent_model"`
	VisionModel    string  `mapstructure:"vision_model"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxRetries     int     `mapstructure:"max_retries"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

type SummarizerConfig struct {
	ChunkSize         int `mapstructure:"chunk_size"`
	Overlap           int `mapstructure:"overlap"`
	ContextPerProblem int `mapstructure:"context_per_problem"`
	// AutoInterval is a cron spec (e.g. "@every 30m") for background
	// summarization of chats with unprocessed messages. Empty disables it.
	AutoInterval string `mapstructure:"auto_interval"`
}

type AgentConfig struct {
	MaxIterations int `mapstructure:"max_iterations"`
	PageSize      int `mapstructure:"page_size"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.model", "openai/gpt-4.1-mini")
	v.SetDefault("llm.agent_model", "openai/gpt-4.1")
	v.SetDefault("llm.vision_model", "openai/gpt-4.1-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("summarizer.chunk_size", 40)
	v.SetDefault("summarizer.overlap", 5)
	v.SetDefault("summarizer.context_per_problem", 3)
	v.SetDefault("summarizer.auto_interval", "")
	v.SetDefault("agent.max_iterations", 10)
	v.SetDefault("agent.page_size", 10)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENROUTER_API_KEY"); apiKey != "" {
		config.LLM.APIKey = apiKey
	}

	return &config, nil
}
