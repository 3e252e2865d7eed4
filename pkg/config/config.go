// Package config 加载连接跟踪服务配置: YAML 文件 + CONNTRACK_ 环境变量覆盖
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config 服务配置
type Config struct {
	Interface   string            `mapstructure:"interface" yaml:"interface"`
	BPFPath     string            `mapstructure:"bpf_path" yaml:"bpf_path"`
	XDPMode     string            `mapstructure:"xdp_mode" yaml:"xdp_mode"`
	RulesPath   string            `mapstructure:"rules_path" yaml:"rules_path"`
	Capture     CaptureConfig     `mapstructure:"capture" yaml:"capture"`
	Workers     WorkersConfig     `mapstructure:"workers" yaml:"workers"`
	Tables      TablesConfig      `mapstructure:"tables" yaml:"tables"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	API         APIConfig         `mapstructure:"api" yaml:"api"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Performance PerformanceConfig `mapstructure:"performance" yaml:"performance"`
}

// CaptureConfig 帧来源
type CaptureConfig struct {
	Source      string `mapstructure:"source" yaml:"source"` // live 或 pcap
	File        string `mapstructure:"file" yaml:"file"`     // pcap 回放文件
	SnapLen     int    `mapstructure:"snaplen" yaml:"snaplen"`
	Promiscuous bool   `mapstructure:"promiscuous" yaml:"promiscuous"`
	RecordFile  string `mapstructure:"record_file" yaml:"record_file"` // 记录 DROP 帧, 空 = 关闭
}

// WorkersConfig Worker池
type WorkersConfig struct {
	NumWorkers int `mapstructure:"num_workers" yaml:"num_workers"`
	QueueSize  int `mapstructure:"queue_size" yaml:"queue_size"`
}

// TablesConfig 跟踪表容量
type TablesConfig struct {
	FlowCapacity int `mapstructure:"flow_capacity" yaml:"flow_capacity"`
	ICMPCapacity int `mapstructure:"icmp_capacity" yaml:"icmp_capacity"`
	Shards       int `mapstructure:"shards" yaml:"shards"`
}

// MetricsConfig Prometheus 导出
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// APIConfig HTTP 管理接口
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// LoggingConfig 日志
type LoggingConfig struct {
	Level  string  `mapstructure:"level" yaml:"level"`
	Format string  `mapstructure:"format" yaml:"format"`
	Rate   float64 `mapstructure:"rate" yaml:"rate"` // 热路径日志每秒条数
	Burst  int     `mapstructure:"burst" yaml:"burst"`
}

// PerformanceConfig 性能选项
type PerformanceConfig struct {
	SingleCore  bool `mapstructure:"single_core" yaml:"single_core"`
	CPUAffinity int  `mapstructure:"cpu_affinity" yaml:"cpu_affinity"` // -1 = 不绑定
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("xdp_mode", "auto")
	v.SetDefault("capture.source", "live")
	v.SetDefault("capture.snaplen", 65535)
	v.SetDefault("capture.promiscuous", false)
	v.SetDefault("workers.num_workers", 0)
	v.SetDefault("workers.queue_size", 1024)
	v.SetDefault("tables.flow_capacity", 65536)
	v.SetDefault("tables.icmp_capacity", 1024)
	v.SetDefault("tables.shards", 16)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9100")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.rate", 10)
	v.SetDefault("logging.burst", 20)
	v.SetDefault("performance.single_core", false)
	v.SetDefault("performance.cpu_affinity", -1)
}

// Load 读取配置文件 (可为空) 并应用环境变量与默认值.
// overrides 以 "capture.source" 形式的键覆盖其它来源, 优先级最高.
func Load(configPath string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONNTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	switch c.Capture.Source {
	case "live":
		if c.Interface == "" {
			return fmt.Errorf("interface is required for live capture")
		}
	case "pcap":
		if c.Capture.File == "" {
			return fmt.Errorf("capture.file is required for pcap source")
		}
	default:
		return fmt.Errorf("capture.source must be live or pcap, got %q", c.Capture.Source)
	}
	if c.BPFPath != "" && c.Interface == "" {
		return fmt.Errorf("interface is required when bpf_path is set")
	}
	if c.Tables.FlowCapacity <= 0 || c.Tables.ICMPCapacity <= 0 {
		return fmt.Errorf("table capacities must be positive")
	}
	if c.Tables.Shards <= 0 {
		return fmt.Errorf("tables.shards must be positive")
	}
	if c.Workers.NumWorkers < 0 || c.Workers.QueueSize < 0 {
		return fmt.Errorf("workers settings must not be negative")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

// YAML 序列化生效的配置
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
