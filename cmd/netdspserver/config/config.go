package config

import (
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/viper"

	"github.com/netdsp/netdsp/pkg/discovery"
)

func setViperDefaults() {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "netdsp"
	}

	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("name", hostname)
	viper.SetDefault("listenaddress", ":7777")
	viper.SetDefault("multicastaddress", discovery.DefaultGroup)
	viper.SetDefault("compiler", "")
	viper.SetDefault("librarypath", []string{})
	viper.SetDefault("nativetarget", runtime.GOOS+"-"+runtime.GOARCH)
	viper.SetDefault("sessionportmin", 9000)
	viper.SetDefault("sessionportmax", 9100)
	viper.SetDefault("timeout", 30)
}

func LoadConfig(configFilePath string) {
	setViperDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Info("no config file found", "configFilePath", configFilePath)
		} else {
			slog.Error("error during config read", "err", err)
			panic(err)
		}
	}
}
