package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "swapflow"

	// DefaultAppData 为空元数据文档 "{}" 的 keccak256。
	DefaultAppData = "0xb48d38f93eaa084033fc5970bf96e559c33c4cdc07d889ab00b4d63f9590739d"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("chain.id", 11155111)
	v.SetDefault("chain.rpc_url", "")

	v.SetDefault("orderbook.base_url", "https://api.cow.fi")
	v.SetDefault("orderbook.timeout", "15s")
	v.SetDefault("orderbook.retry.max_attempts", 3)
	v.SetDefault("orderbook.retry.min_delay", "300ms")
	v.SetDefault("orderbook.retry.max_delay", "3s")
	v.SetDefault("orderbook.rate_limit.requests_per_second", 5)
	v.SetDefault("orderbook.rate_limit.burst", 5)

	v.SetDefault("quote.debounce", "500ms")
	v.SetDefault("quote.refresh_interval", "20s")
	v.SetDefault("quote.app_data", DefaultAppData)
	v.SetDefault("quote.partially_fillable", false)

	v.SetDefault("approval.infinite", true)
	v.SetDefault("approval.poll_interval", "2s")
	v.SetDefault("approval.timeout", "2m")
	v.SetDefault("approval.gas_limit", 0)

	v.SetDefault("wallet.private_key", "")
	v.SetDefault("wallet.confirm", false)

	v.SetDefault("tokens.list_url", "https://files.cow.fi/tokens/CowSwap.json")
	v.SetDefault("tokens.cache_ttl", "1h")

	v.SetDefault("server.addr", ":8088")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("database.path", "data/swapflow.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
