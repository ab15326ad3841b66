package config

import (
	"testing"

	"gopkg.in/yaml.v2"
)

func TestConfigParse(t *testing.T) {
	raw := `
server:
  port: ":9090"
mysql:
  dsn: "user:pass@tcp(localhost:3306)/cinegraph?parseTime=true"
redis:
  addr: "localhost:6379"
worker:
  addr: "http://localhost:7000"
  poll_interval_sec: 2
pools:
  gpu_slots: 4
scheduler:
  max_attempts: 5
safety:
  check_assets: true
  blocked_terms:
    - gore
    - violence
composition:
  allow_partial: true
`
	c := &Config{}
	if err := yaml.Unmarshal([]byte(raw), c); err != nil {
		t.Fatal("unmarshal:", err)
	}
	ApplyDefaults(c)

	if c.Server.Port != ":9090" {
		t.Errorf("port = %q", c.Server.Port)
	}
	if c.Worker.PollIntervalSec != 2 {
		t.Errorf("poll_interval_sec = %d", c.Worker.PollIntervalSec)
	}
	if c.Pools.GPUSlots != 4 {
		t.Errorf("gpu_slots = %d", c.Pools.GPUSlots)
	}
	if c.Scheduler.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d", c.Scheduler.MaxAttempts)
	}
	if !c.Safety.CheckAssets || len(c.Safety.BlockedTerms) != 2 {
		t.Errorf("safety config lost: %+v", c.Safety)
	}
	if !c.Composition.AllowPartial {
		t.Error("allow_partial not parsed")
	}
}

func TestApplyDefaults(t *testing.T) {
	c := &Config{}
	ApplyDefaults(c)
	if c.Server.Port != ":8080" {
		t.Errorf("default port = %q", c.Server.Port)
	}
	if c.Worker.PollIntervalSec != 5 || c.Worker.PollTimeoutSec != 600 {
		t.Errorf("worker defaults = %+v", c.Worker)
	}
	if c.Pools.GPUSlots != 2 || c.Pools.CPUSlots != 8 {
		t.Errorf("pool defaults = %+v", c.Pools)
	}
	if c.Scheduler.MaxAttempts != 3 || c.Scheduler.BackoffBaseSec != 3 {
		t.Errorf("scheduler defaults = %+v", c.Scheduler)
	}
	if c.Safety.FilterLevel != "block_medium_and_above" {
		t.Errorf("filter level default = %q", c.Safety.FilterLevel)
	}
	if c.Composition.AllowPartial {
		t.Error("allow_partial should default to false")
	}
}
