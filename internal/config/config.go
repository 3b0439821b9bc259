// Package config loads server configuration from environment variables
// (with sane defaults), layered through viper the same way as the codebase
// this one descends from.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting this server reads from its environment.
type Config struct {
	Bind       string `mapstructure:"bind"`
	DataDir    string `mapstructure:"data_dir"`
	MetadataDir string `mapstructure:"metadata_dir"`
	Region     string `mapstructure:"region"`
	Hostname   string `mapstructure:"hostname"`

	MaxObjectSize   int64 `mapstructure:"max_object_size"`
	MaxXMLBodySize  int64 `mapstructure:"max_xml_body_size"`
	MaxPolicyBodySize int64 `mapstructure:"max_policy_body_size"`

	MultipartCleanupInterval time.Duration `mapstructure:"multipart_cleanup_interval"`
	MultipartMaxAge          time.Duration `mapstructure:"multipart_max_age"`
	LifecycleScanInterval    time.Duration `mapstructure:"lifecycle_scan_interval"`

	CORSOrigins     []string `mapstructure:"cors_origins"`
	AnonymousGlobal bool     `mapstructure:"anonymous_global"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration from the environment (and an optional config
// file discovered by viper's search path), applying defaults for anything
// unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("simples3")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/simples3")

	v.SetDefault("bind", ":8080")
	v.SetDefault("data_dir", "./data/objects")
	v.SetDefault("metadata_dir", "./data/metadata")
	v.SetDefault("region", "us-east-1")
	v.SetDefault("hostname", "")
	v.SetDefault("max_object_size", int64(5*1024*1024*1024)) // 5 GiB
	v.SetDefault("max_xml_body_size", int64(256*1024))       // 256 KiB
	v.SetDefault("max_policy_body_size", int64(20*1024))     // 20 KiB
	v.SetDefault("multipart_cleanup_interval", "1h")
	v.SetDefault("multipart_max_age", 7*24*time.Hour)
	v.SetDefault("lifecycle_scan_interval", "1h")
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("anonymous_global", false)
	v.SetDefault("log_level", "info")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The spec's §4.6 prose names SIMPLES3_ANONYMOUS_GLOBAL while its §6
	// table names ANONYMOUS_GLOBAL; ANONYMOUS_GLOBAL is canonical but the
	// prefixed alias is honored too.
	if alias := os.Getenv("SIMPLES3_ANONYMOUS_GLOBAL"); alias != "" {
		v.Set("anonymous_global", alias == "1" || strings.EqualFold(alias, "true"))
	}

	_ = v.ReadInConfig() // config file is optional

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
