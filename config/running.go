package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/activecm/mgosec"
	"github.com/blang/semver"
)

type (
	//RunningCfg holds configuration options that are parsed at run time
	RunningCfg struct {
		MongoDB MongoDBRunningCfg
		Server  ServerRunningCfg
		Agent   AgentRunningCfg
		Version semver.Version
	}

	//MongoDBRunningCfg holds parsed information for connecting to MongoDB
	MongoDBRunningCfg struct {
		AuthMechanismParsed mgosec.AuthMechanism
		TLS                 struct {
			Enabled   bool
			TLSConfig *tls.Config
		}
	}

	//ServerRunningCfg holds the parsed collection server settings
	ServerRunningCfg struct {
		CaptureTimeout    time.Duration
		RecordingInterval time.Duration
	}

	//AgentRunningCfg holds the parsed agent settings
	AgentRunningCfg struct {
		ReconnectDelay time.Duration
	}
)

//initRunningConfig deserializes data in the static config
func initRunningConfig(config *StaticCfg, running *RunningCfg) error {
	var err error

	//parse the tls configuration
	if config.MongoDB.TLS.Enabled {
		running.MongoDB.TLS.Enabled = true
		tlsConf := &tls.Config{}
		if !config.MongoDB.TLS.VerifyCertificate {
			tlsConf.InsecureSkipVerify = true
		}
		if len(config.MongoDB.TLS.CAFile) > 0 {
			pem, err2 := ioutil.ReadFile(config.MongoDB.TLS.CAFile)
			err = err2
			if err != nil {
				fmt.Println("[!] Could not read MongoDB CA file")
			} else {
				tlsConf.RootCAs = x509.NewCertPool()
				tlsConf.RootCAs.AppendCertsFromPEM(pem)
			}
		}
		running.MongoDB.TLS.TLSConfig = tlsConf
	}

	//parse out the mongo authentication mechanism
	authMechanism, err := mgosec.ParseAuthMechanism(
		config.MongoDB.AuthMechanism,
	)
	if err != nil {
		authMechanism = mgosec.None
		fmt.Println("[!] Could not parse MongoDB authentication mechanism")
	}
	running.MongoDB.AuthMechanismParsed = authMechanism

	running.Server.CaptureTimeout = secondsToDuration(config.Server.CaptureTimeoutSeconds, 10*time.Second)
	running.Server.RecordingInterval = secondsToDuration(config.Server.RecordingIntervalSeconds, 2*time.Second)
	running.Agent.ReconnectDelay = secondsToDuration(config.Agent.ReconnectSeconds, 5*time.Second)

	running.Version, err = semver.ParseTolerant(config.Version)
	return err
}

func secondsToDuration(seconds float64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}
