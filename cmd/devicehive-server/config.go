package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/lightforgemedia/go-devicehive/pkg/broker"
)

// config is the server's YAML config file.
//
//	addr: ":8080"
//	origins: ["localhost:*"]
//	broker:
//	  pingInterval: 15s
//	  clientSendBuffer: 32
//	auth:
//	  users: {admin: secret}
//	  devices: {dev-1: key}
type config struct {
	Addr    string                      `yaml:"addr"`
	Origins []string                    `yaml:"origins"`
	Broker  broker.Options              `yaml:"broker"`
	Auth    *broker.StaticAuthenticator `yaml:"auth"`
}

func defaultConfig() config {
	return config{
		Addr:   ":8080",
		Broker: broker.DefaultOptions(),
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
