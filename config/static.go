package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/creasty/defaults"
	yaml "gopkg.in/yaml.v2"
)

type (
	//StaticCfg is the container for other static config sections
	StaticCfg struct {
		MongoDB      MongoDBStaticCfg     `yaml:"MongoDB"`
		Log          LogStaticCfg         `yaml:"LogConfig"`
		Server       ServerStaticCfg      `yaml:"Server"`
		Agent        AgentStaticCfg       `yaml:"Agent"`
		Correlation  CorrelationStaticCfg `yaml:"Correlation"`
		Report       ReportStaticCfg      `yaml:"Report"`
		UserConfig   UserCfg              `yaml:"UserConfig"`
		Version      string
		ExactVersion string
	}

	//MongoDBStaticCfg contains the means for connecting to the optional
	//MongoDB export target
	MongoDBStaticCfg struct {
		ConnectionString string        `yaml:"ConnectionString" default:"mongodb://localhost:27017"`
		AuthMechanism    string        `yaml:"AuthenticationMechanism" default:""`
		SocketTimeout    time.Duration `yaml:"SocketTimeout" default:"2"`
		Database         string        `yaml:"Database" default:"sockmap"`
		TLS              TLSStaticCfg  `yaml:"TLS"`
	}

	//TLSStaticCfg contains the means for connecting to MongoDB over TLS
	TLSStaticCfg struct {
		Enabled           bool   `yaml:"Enable" default:"false"`
		VerifyCertificate bool   `yaml:"VerifyCertificate" default:"false"`
		CAFile            string `yaml:"CAFile" default:""`
	}

	//LogStaticCfg contains the configuration for logging
	LogStaticCfg struct {
		LogLevel  int    `yaml:"LogLevel" default:"2"`
		LogPath   string `yaml:"LogPath" default:"$HOME/.sockmap/logs"`
		LogToFile bool   `yaml:"LogToFile" default:"true"`
		LogToDB   bool   `yaml:"LogToDB" default:"false"`
	}

	//ServerStaticCfg configures the live collection server
	ServerStaticCfg struct {
		ListenAddress            string  `yaml:"ListenAddress" default:"0.0.0.0:6840"`
		CaptureTimeoutSeconds    float64 `yaml:"CaptureTimeoutSeconds" default:"10"`
		RecordingIntervalSeconds float64 `yaml:"RecordingIntervalSeconds" default:"2"`
	}

	//AgentStaticCfg configures the capture agent
	AgentStaticCfg struct {
		ServerAddress    string  `yaml:"ServerAddress" default:"127.0.0.1:6840"`
		PrettyName       string  `yaml:"PrettyName" default:""`
		ReconnectSeconds float64 `yaml:"ReconnectSeconds" default:"5"`
	}

	//CorrelationStaticCfg controls the connection matching pass
	CorrelationStaticCfg struct {
		NoLoopback       bool     `yaml:"NoLoopback" default:"false"`
		ExcludeProcesses []string `yaml:"ExcludeProcesses"`
	}

	//ReportStaticCfg controls report output
	ReportStaticCfg struct {
		OutputDirectory string `yaml:"OutputDirectory" default:"sockmap-report"`
	}

	//UserCfg holds user preferences
	UserCfg struct {
		UpdateCheckFrequency int `yaml:"UpdateCheckFrequency" default:"14"`
	}
)

//loadStaticConfig attempts to parse a config file
func loadStaticConfig(cfgPath string, config *StaticCfg) error {
	_, err := os.Stat(cfgPath)

	if os.IsNotExist(err) {
		// no config file: run on defaults
		return initStaticConfig(nil, config)
	}

	cfgFile, err := ioutil.ReadFile(cfgPath)
	if err != nil {
		return err
	}
	return initStaticConfig(cfgFile, config)
}

func initStaticConfig(cfgFile []byte, config *StaticCfg) error {
	// Initialize to the default values before deserializing
	if err := defaults.Set(config); err != nil {
		return err
	}

	if cfgFile != nil {
		if err := yaml.Unmarshal(cfgFile, config); err != nil {
			return err
		}
	}

	// expand env variables, config is a pointer
	// so we have to call elem on the reflect value
	expandConfig(reflect.ValueOf(config).Elem())

	if config.Log.LogPath != "" {
		config.Log.LogPath = filepath.Clean(config.Log.LogPath)
	}

	// the socket timeout is expressed in hours
	config.MongoDB.SocketTimeout *= time.Hour

	// grab the version constants set by the build process
	config.Version = Version
	config.ExactVersion = ExactVersion

	return nil
}
