package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Database DatabaseConfig `json:"database" mapstructure:"database"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Redis    RedisConfig    `json:"redis" mapstructure:"redis"`
	Platform PlatformConfig `json:"platform" mapstructure:"platform"`
	Remote   RemoteConfig   `json:"remote" mapstructure:"remote"`
	Topology TopologyConfig `json:"topology" mapstructure:"topology"`
	Deploy   DeployConfig   `json:"deploy" mapstructure:"deploy"`
	Verify   VerifyConfig   `json:"verify" mapstructure:"verify"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr" mapstructure:"bindAddr"`
	Token    string `json:"token" mapstructure:"token"` // bearer token for the API, empty allows all
}

// DatabaseConfig points at the optional Postgres history store. An empty host
// disables history recording.
type DatabaseConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	User     string `json:"user" mapstructure:"user"`
	Password string `json:"password" mapstructure:"password"`
	DBName   string `json:"dbname" mapstructure:"dbname"`
	SSLMode  string `json:"sslmode" mapstructure:"sslmode"`
}

// GetDSN renders a lib/pq connection string. Values are quoted so an empty
// password does not swallow the next key.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dsnQuote(c.Host), c.Port, dsnQuote(c.User), dsnQuote(c.Password), dsnQuote(c.DBName), dsnQuote(c.SSLMode))
}

func dsnQuote(v string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
}

// RedisConfig points at the optional health cache. An empty addr disables it.
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

type PlatformConfig struct {
	APIURL    string `json:"apiURL" mapstructure:"apiURL"`
	Token     string `json:"token" mapstructure:"token"`
	ProjectID string `json:"projectID" mapstructure:"projectID"`
	Timeout   string `json:"timeout" mapstructure:"timeout"` // e.g. "30s"
}

type RemoteConfig struct {
	User           string   `json:"user" mapstructure:"user"`
	Port           int      `json:"port" mapstructure:"port"`
	KeyFile        string   `json:"keyFile" mapstructure:"keyFile"`
	KnownHostsFile string   `json:"knownHostsFile" mapstructure:"knownHostsFile"`
	ConnectTimeout string   `json:"connectTimeout" mapstructure:"connectTimeout"`
	CommandTimeout string   `json:"commandTimeout" mapstructure:"commandTimeout"`
	ConfigPaths    []string `json:"configPaths" mapstructure:"configPaths"`
	WorkDir        string   `json:"workDir" mapstructure:"workDir"`
	ZcliPath       string   `json:"zcliPath" mapstructure:"zcliPath"`
}

type TopologyConfig struct {
	Path            string `json:"path" mapstructure:"path"`
	ControlHostname string `json:"controlHostname" mapstructure:"controlHostname"`
}

type DeployConfig struct {
	PollInterval string `json:"pollInterval" mapstructure:"pollInterval"` // e.g. "10s"
	Budget       string `json:"budget" mapstructure:"budget"`             // e.g. "10m"
	LogLines     int    `json:"logLines" mapstructure:"logLines"`
}

type VerifyConfig struct {
	PublicTimeout string `json:"publicTimeout" mapstructure:"publicTimeout"`
	LogLines      int    `json:"logLines" mapstructure:"logLines"`
	Interval      string `json:"interval" mapstructure:"interval"` // periodic verification under serve, empty disables
}

// Load builds the configuration from environment defaults and, when
// configFile is set, overlays the file (YAML or JSON, picked by extension).
func Load(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("ZCP_BIND_ADDR", "0.0.0.0:8080"),
			Token:    getEnv("ZCP_API_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "zcp"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "zcp"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Platform: PlatformConfig{
			APIURL:    getEnv("ZEROPS_API_URL", "https://api.app-prg1.zerops.io/api/rest/public"),
			Token:     getEnv("ZEROPS_TOKEN", ""),
			ProjectID: getEnv("ZEROPS_PROJECT_ID", ""),
			Timeout:   getEnv("ZEROPS_API_TIMEOUT", "30s"),
		},
		Remote: RemoteConfig{
			User:           getEnv("ZCP_SSH_USER", "zerops"),
			Port:           getEnvInt("ZCP_SSH_PORT", 22),
			KeyFile:        getEnv("ZCP_SSH_KEY_FILE", ""),
			KnownHostsFile: getEnv("ZCP_SSH_KNOWN_HOSTS", ""),
			ConnectTimeout: getEnv("ZCP_SSH_CONNECT_TIMEOUT", "5s"),
			CommandTimeout: getEnv("ZCP_SSH_COMMAND_TIMEOUT", "30s"),
			WorkDir:        getEnv("ZCP_REMOTE_WORKDIR", "/var/www"),
			ZcliPath:       getEnv("ZCP_ZCLI_PATH", "zcli"),
		},
		Topology: TopologyConfig{
			Path:            getEnv("ZCP_TOPOLOGY_PATH", ".zcp/topology.json"),
			ControlHostname: getEnv("ZCP_CONTROL_HOSTNAME", "zcpx"),
		},
		Deploy: DeployConfig{
			PollInterval: getEnv("ZCP_DEPLOY_POLL_INTERVAL", "10s"),
			Budget:       getEnv("ZCP_DEPLOY_BUDGET", "10m"),
			LogLines:     getEnvInt("ZCP_DEPLOY_LOG_LINES", 50),
		},
		Verify: VerifyConfig{
			PublicTimeout: getEnv("ZCP_VERIFY_PUBLIC_TIMEOUT", "10s"),
			LogLines:      getEnvInt("ZCP_VERIFY_LOG_LINES", 200),
			Interval:      getEnv("ZCP_VERIFY_INTERVAL", ""),
		},
	}

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			log.Error().Err(err).Str("file", configFile).Msg("failed to load config file")
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Platform.Timeout == "" {
		cfg.Platform.Timeout = "30s"
	}
	if cfg.Remote.Port == 0 {
		cfg.Remote.Port = 22
	}
	if cfg.Remote.ConnectTimeout == "" {
		cfg.Remote.ConnectTimeout = "5s"
	}
	if cfg.Remote.CommandTimeout == "" {
		cfg.Remote.CommandTimeout = "30s"
	}
	if len(cfg.Remote.ConfigPaths) == 0 {
		cfg.Remote.ConfigPaths = []string{"/var/www/zerops.yml", "/var/www/zerops.yaml"}
	}
	if cfg.Remote.ZcliPath == "" {
		cfg.Remote.ZcliPath = "zcli"
	}
	if cfg.Topology.Path == "" {
		cfg.Topology.Path = ".zcp/topology.json"
	}
	if cfg.Deploy.PollInterval == "" {
		cfg.Deploy.PollInterval = "10s"
	}
	if cfg.Deploy.Budget == "" {
		cfg.Deploy.Budget = "10m"
	}
	if cfg.Deploy.LogLines == 0 {
		cfg.Deploy.LogLines = 50
	}
	if cfg.Verify.PublicTimeout == "" {
		cfg.Verify.PublicTimeout = "10s"
	}
	if cfg.Verify.LogLines == 0 {
		cfg.Verify.LogLines = 200
	}

	return cfg, nil
}

// Validate checks the fields every platform-facing command needs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Platform.ProjectID) == "" {
		return fmt.Errorf("platform.projectID is required (ZEROPS_PROJECT_ID)")
	}
	if strings.TrimSpace(c.Platform.Token) == "" {
		return fmt.Errorf("platform.token is required (ZEROPS_TOKEN)")
	}
	if strings.TrimSpace(c.Platform.APIURL) == "" {
		return fmt.Errorf("platform.apiURL is required")
	}
	for name, v := range map[string]string{
		"platform.timeout":      c.Platform.Timeout,
		"remote.connectTimeout": c.Remote.ConnectTimeout,
		"remote.commandTimeout": c.Remote.CommandTimeout,
		"deploy.pollInterval":   c.Deploy.PollInterval,
		"deploy.budget":         c.Deploy.Budget,
		"verify.publicTimeout":  c.Verify.PublicTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}
	if c.Verify.Interval != "" {
		if _, err := time.ParseDuration(c.Verify.Interval); err != nil {
			return fmt.Errorf("verify.interval: invalid duration %q", c.Verify.Interval)
		}
	}
	return nil
}

func loadFromFile(cfg *Config, filePath string) error {
	v := viper.New()
	v.SetConfigFile(filePath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}
	return nil
}

// ParseDuration returns d when s is empty or malformed.
func ParseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
