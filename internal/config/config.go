package config

import (
	"log/slog"

	"github.com/spf13/viper"
)

type ChronoTableConfig struct {
	LogLevel               string `mapstructure:"logLevel" default:"info" description:"Log Level"`
	DedupeUnchangedSamples bool   `mapstructure:"dedupeUnchangedSamples" default:"true" description:"Skip storing samples whose value is unchanged"`
	StrictMonotonicTime    bool   `mapstructure:"strictMonotonicTime" default:"true" description:"Reject writes behind the global watermark instead of only the key's last timestamp"`
	RetentionHorizonMs     int64  `mapstructure:"retentionHorizonMs" default:"0" description:"Compaction hint for the external retention process, 0 keeps full history"`
}

var Config *ChronoTableConfig

const configPath = "./"

func LoadConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.AddConfigPath(configPath)

	viper.SetDefault("logLevel", "info")
	viper.SetDefault("dedupeUnchangedSamples", true)
	viper.SetDefault("strictMonotonicTime", true)
	viper.SetDefault("retentionHorizonMs", 0)

	if err := viper.ReadInConfig(); err != nil {
		slog.Error("Failed to read config")
		panic(err)
	}

	if err := viper.Unmarshal(&Config); err != nil {
		slog.Error("Failed to parse config")
		panic(err)
	}
}
