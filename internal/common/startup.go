package common

import (
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/G-Research/tms/internal/common/config"
)

const baseConfigFileName = "config"

// EnvPrefix is prepended to configuration keys when reading overrides from the environment,
// e.g. TMS_MACHINEID overrides machineId.
const EnvPrefix = "TMS"

// BindCommandlineArguments makes every flag registered on the global flag set available through viper.
func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// LoadConfig reads config.yaml from path, then merges each override file in turn, then applies
// environment overrides, and finally decodes the result into config.
func LoadConfig(config interface{}, path string, overrideConfigs []string, hooks ...mapstructure.DecodeHookFunc) *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(path)
	if err := v.ReadInConfig(); err != nil {
		log.Errorf("Error reading base config path=%s name=%s: %v", path, baseConfigFileName, err)
		os.Exit(-1)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		if overrideConfig == "" {
			continue
		}
		v.SetConfigFile(overrideConfig)
		err := v.MergeInConfig()
		if err != nil {
			log.Errorf("Error reading config from %s: %v", overrideConfig, err)
			os.Exit(-1)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	err := v.Unmarshal(config, commonconfig.CustomHooks(hooks...))
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}

	return v
}

// ConfigureCommandLineLogging prints bare messages on stderr. stdout is reserved for command output.
func ConfigureCommandLineLogging() {
	commandLineFormatter := new(commandLineFormatter)
	log.SetLevel(readEnvironmentLogLevel())
	log.SetFormatter(commandLineFormatter)
	log.SetOutput(os.Stderr)
}

// ConfigureLogging is used by job workers, whose stdout carries the response.
func ConfigureLogging() {
	log.SetLevel(readEnvironmentLogLevel())
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)
}

func readEnvironmentLogLevel() log.Level {
	level, ok := os.LookupEnv("LOG_LEVEL")
	if ok {
		logLevel, err := log.ParseLevel(level)
		if err == nil {
			return logLevel
		}
	}
	return log.InfoLevel
}

type commandLineFormatter struct{}

func (commandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	return []byte(entry.Message + "\n"), nil
}
