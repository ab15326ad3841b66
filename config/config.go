package config

import (
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	Worker struct {
		Addr            string `yaml:"addr"`
		PollIntervalSec int    `yaml:"poll_interval_sec"`
		PollTimeoutSec  int    `yaml:"poll_timeout_sec"`
	} `yaml:"worker"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
	Pools struct {
		GPUSlots int `yaml:"gpu_slots"`
		CPUSlots int `yaml:"cpu_slots"`
	} `yaml:"pools"`
	Scheduler struct {
		MaxAttempts    int `yaml:"max_attempts"`
		BackoffBaseSec int `yaml:"backoff_base_sec"`
		GPUTimeoutSec  int `yaml:"gpu_timeout_sec"`
		CPUTimeoutSec  int `yaml:"cpu_timeout_sec"`
	} `yaml:"scheduler"`
	Safety struct {
		FilterLevel  string   `yaml:"filter_level"`
		CheckAssets  bool     `yaml:"check_assets"`
		BlockedTerms []string `yaml:"blocked_terms"`
	} `yaml:"safety"`
	Composition struct {
		AllowPartial bool `yaml:"allow_partial"`
	} `yaml:"composition"`
}

var AppConfig *Config

func InitConfig() {
	path := os.Getenv("CINEGRAPH_CONFIG")
	if path == "" {
		path = "config/config.yaml"
	}
	f, err := os.Open(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to open config file")
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatal().Err(err).Msg("failed to parse config file")
	}
	ApplyDefaults(AppConfig)
}

// ApplyDefaults fills unset fields with working defaults.
func ApplyDefaults(c *Config) {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Worker.PollIntervalSec <= 0 {
		c.Worker.PollIntervalSec = 5
	}
	if c.Worker.PollTimeoutSec <= 0 {
		c.Worker.PollTimeoutSec = 600
	}
	if c.Pools.GPUSlots <= 0 {
		c.Pools.GPUSlots = 2
	}
	if c.Pools.CPUSlots <= 0 {
		c.Pools.CPUSlots = 8
	}
	if c.Scheduler.MaxAttempts <= 0 {
		c.Scheduler.MaxAttempts = 3
	}
	if c.Scheduler.BackoffBaseSec <= 0 {
		c.Scheduler.BackoffBaseSec = 3
	}
	if c.Scheduler.GPUTimeoutSec <= 0 {
		c.Scheduler.GPUTimeoutSec = 900
	}
	if c.Scheduler.CPUTimeoutSec <= 0 {
		c.Scheduler.CPUTimeoutSec = 300
	}
	if c.Safety.FilterLevel == "" {
		c.Safety.FilterLevel = "block_medium_and_above"
	}
}
