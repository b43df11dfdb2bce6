package config

const testConfig = `
MongoDB:
    ConnectionString: null
    AuthenticationMechanism: null
    SocketTimeout: 2
    Database: sockmap-test
    TLS:
        Enable: false
        VerifyCertificate: false
        CAFile: null
LogConfig:
    LogLevel: 3
    LogPath: null
    LogToFile: false
    LogToDB: false
Server:
    ListenAddress: 127.0.0.1:6840
    CaptureTimeoutSeconds: 1
    RecordingIntervalSeconds: 0.1
Agent:
    ServerAddress: 127.0.0.1:6840
    ReconnectSeconds: 0.1
Correlation:
    NoLoopback: false
    ExcludeProcesses: []
Report:
    OutputDirectory: sockmap-report
UserConfig:
    UpdateCheckFrequency: 14
`

//LoadTestingConfig loads the hard coded testing config
func LoadTestingConfig(mongoURI string) (*Config, error) {
	config := &Config{}

	if err := initTableConfig(&config.T); err != nil {
		return nil, err
	}

	if err := initStaticConfig([]byte(testConfig), &config.S); err != nil {
		return nil, err
	}

	config.S.MongoDB.ConnectionString = mongoURI
	config.S.Version = "v0.0.0+testing"
	config.S.ExactVersion = "v0.0.0+testing"

	if err := initRunningConfig(&config.S, &config.R); err != nil {
		return nil, err
	}

	return config, nil
}
