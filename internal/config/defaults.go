package config

import (
	"time"

	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("development", false)

	v.SetDefault("storage_driver", "sqlite")
	v.SetDefault("storage_path", "./data/lucent.db")
	v.SetDefault("pebble_batch", false)

	v.SetDefault("upstream_base_url", "")
	v.SetDefault("transport", "http")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("max_retries", 1)
	v.SetDefault("bearer_token", "")

	v.SetDefault("dedup_enabled", true)
	v.SetDefault("dedup_ttl", 5*time.Minute)

	v.SetDefault("optimistic_enabled", true)
	v.SetDefault("optimistic_ttl", 5*time.Minute)
	v.SetDefault("optimistic_rollback_expired", true)

	v.SetDefault("dispatch_workers", 10)
	v.SetDefault("dispatch_rps", 10)
	v.SetDefault("dispatch_request_timeout", 300*time.Second)

	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("shutdown_timeout", 15*time.Second)
	v.SetDefault("allowed_origins", "*")
}
