package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"

	"github.com/inkrelay/inkrelay/pkg/protocol"
)

var Values *Config

type Config struct {
	Server struct {
		Name      string `yaml:"name"`
		Host      string `yaml:"host"`
		Port      uint16 `yaml:"port"`
		MaxRoomID uint32 `yaml:"max_room_id"`
		Debug     bool   `yaml:"debug"`
	} `yaml:"server"`
	Redis struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		PodID   string `yaml:"pod_id"`
	} `yaml:"redis"`
	Admin struct {
		// Bcrypt hash of the password required for administrative
		// kicks. Empty disables the Kick operation entirely.
		KickPasswordHash string `yaml:"kick_password_hash"`
	} `yaml:"admin"`
}

func defaults() *Config {
	c := &Config{}
	c.Server.Name = "inkrelay"
	c.Server.Host = "0.0.0.0"
	c.Server.Port = protocol.DefaultPort
	c.Server.MaxRoomID = protocol.DefaultMaxRoomID
	c.Redis.URL = "redis://localhost:6379"
	return c
}

var defaultConfigYAML = fmt.Sprintf(`server:
    name: "inkrelay"
    host: "0.0.0.0"
    port: %d
    max_room_id: %d
    debug: false
redis:
    enabled: false
    url: "redis://localhost:6379"
    pod_id: ""
admin:
    kick_password_hash: ""
`, protocol.DefaultPort, protocol.DefaultMaxRoomID)

func getConf() *Config {
	c := defaults()

	osUser, err := user.Current()
	if err != nil {
		log.Errorf("could not determine current user, using built-in defaults: %v", err)
		return c
	}

	configDir := filepath.Join(osUser.HomeDir, ".inkrelay")
	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		os.MkdirAll(configDir, 0o755)
	}
	confPath := filepath.Join(configDir, "conf.yaml")
	if _, err := os.Stat(confPath); os.IsNotExist(err) {
		os.WriteFile(confPath, []byte(defaultConfigYAML), 0o644)
	}

	yamlFile, err := os.ReadFile(confPath)
	if err != nil {
		log.Errorf("could not read %s, using built-in defaults: %v", confPath, err)
		return c
	}
	if err := yaml.Unmarshal(yamlFile, c); err != nil {
		log.Fatalf("Unmarshal: %v", err)
	}
	return c
}

func init() {
	Values = getConf()
}
