package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/haikuports/kitchen/pkg/registry"
	"github.com/haikuports/kitchen/pkg/repository"
)

// ServerConfig captures runtime settings for kitchen-server.
type ServerConfig struct {
	DataDir               string        `mapstructure:"data_dir"`
	BuilderAddr           string        `mapstructure:"builder_addr"`
	TransferAddr          string        `mapstructure:"transfer_addr"`
	HTTPAddr              string        `mapstructure:"http_addr"`
	TLSCert               string        `mapstructure:"tls_cert"`
	TLSKey                string        `mapstructure:"tls_key"`
	TLSDisabled           bool          `mapstructure:"tls_disabled"`
	KeepaliveInterval     time.Duration `mapstructure:"keepalive_interval"`
	TreeUpdateInterval    time.Duration `mapstructure:"tree_update_interval"`
	BuilderUpdateInterval time.Duration `mapstructure:"builder_update_interval"`
	BuildRetention        int           `mapstructure:"build_retention"`
	Architectures         []string      `mapstructure:"architectures"`
	PackageBaseURL        string        `mapstructure:"package_base_url"`
	RepoInfo              string        `mapstructure:"repo_info"`
	PolicyFile            string        `mapstructure:"policy_file"`
	DatabaseURL           string        `mapstructure:"database_url"`
	RedisURL              string        `mapstructure:"redis_url"`
	RedisChannel          string        `mapstructure:"redis_channel"`
	AdminToken            string        `mapstructure:"admin_token"`
	Tracing               bool          `mapstructure:"tracing"`

	PortsTree   PortsTreeConfig       `mapstructure:"ports_tree"`
	BuilderTree registry.TreeConfig   `mapstructure:"builder_tree"`
	Publish     repository.SFTPConfig `mapstructure:"publish"`
}

// PortsTreeConfig locates the server-side haikuports checkout.
type PortsTreeConfig struct {
	URL string `mapstructure:"url"`
	Dir string `mapstructure:"dir"`
}

// BuildersFile is the builder configuration store.
func (c ServerConfig) BuildersFile() string { return filepath.Join(c.DataDir, "builders.json") }

// BuildsDir holds builds.json and the archive.
func (c ServerConfig) BuildsDir() string { return filepath.Join(c.DataDir, "builds") }

// PackagesDir holds one directory per architecture.
func (c ServerConfig) PackagesDir() string { return filepath.Join(c.DataDir, "packages") }

func newViper(envPrefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("kitchen")
	v.AddConfigPath("./configs")
	v.AddConfigPath("./data")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func read(v *viper.Viper, out any) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

// LoadServer loads server configuration from defaults, files, and env vars.
func LoadServer() (ServerConfig, error) {
	v := newViper("KITCHEN")

	v.SetDefault("data_dir", "data")
	v.SetDefault("builder_addr", ":42458")
	v.SetDefault("transfer_addr", ":42459")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("tls_cert", "data/server.crt")
	v.SetDefault("tls_key", "data/server.key")
	v.SetDefault("tls_disabled", false)
	v.SetDefault("keepalive_interval", 10*time.Minute)
	v.SetDefault("tree_update_interval", 10*time.Minute)
	v.SetDefault("builder_update_interval", 240*time.Minute)
	v.SetDefault("build_retention", 100)
	v.SetDefault("architectures", []string{"x86_64"})
	v.SetDefault("package_base_url", "http://localhost:8080/packages")
	v.SetDefault("repo_info", "data/repo.info")
	v.SetDefault("policy_file", "data/policy.yaml")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_channel", "kitchen:notifications")
	v.SetDefault("admin_token", "")
	v.SetDefault("tracing", false)
	v.SetDefault("ports_tree.url", "https://github.com/haikuports/haikuports.git")
	v.SetDefault("ports_tree.dir", "cache")
	v.SetDefault("builder_tree.haikuporter_url", "")
	v.SetDefault("builder_tree.haikuports_url", "")
	v.SetDefault("builder_tree.tree_path", "")
	v.SetDefault("builder_tree.config_file", "")
	v.SetDefault("builder_tree.packager", "")
	v.SetDefault("builder_tree.update_command", "")
	v.SetDefault("publish.host", "")
	v.SetDefault("publish.port", 22)
	v.SetDefault("publish.user", "")
	v.SetDefault("publish.key_file", "")
	v.SetDefault("publish.remote_dir", "")

	var cfg ServerConfig
	if err := read(v, &cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// AgentConfig captures settings for the reference builder agent.
type AgentConfig struct {
	Server        string `mapstructure:"server"`
	Port          int    `mapstructure:"port"`
	TransferPort  int    `mapstructure:"transfer_port"`
	Name          string `mapstructure:"name"`
	Key           string `mapstructure:"key"`
	TLSDisabled   bool   `mapstructure:"tls_disabled"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
}

// LoadAgent loads agent configuration from defaults, files, and env vars.
func LoadAgent() (AgentConfig, error) {
	v := newViper("KITCHEN_AGENT")
	v.SetConfigName("builder")

	v.SetDefault("server", "localhost")
	v.SetDefault("port", 42458)
	v.SetDefault("transfer_port", 42459)
	v.SetDefault("name", "")
	v.SetDefault("key", "")
	v.SetDefault("tls_disabled", false)
	v.SetDefault("tls_skip_verify", false)

	var cfg AgentConfig
	if err := read(v, &cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}
