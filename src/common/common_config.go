package common

import (
	"io/ioutil"
	"log"
	"os"
	"path"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// CommonConfig is embedded inline by every binary's config
type CommonConfig struct {
	PromPort        string      `yaml:"prom_port"`
	HealthCheckPort string      `yaml:"health_check_port"`
	PostgresConfig  string      `yaml:"postgres"`
	AutoMigrate     bool        `yaml:"auto_migrate"`
	Redis           RedisConfig `yaml:"redis"`
	Log             LogConfig   `yaml:"log"`
}

type RedisConfig struct {
	Address  string `yaml:"address"` // empty disables the change feed
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // optional rotated json sink
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig reads config.yaml from the working directory into out
func LoadConfig(out interface{}) error {
	pwd, _ := os.Getwd()
	fullPath := path.Join(pwd, "config.yaml")
	log.Printf("loading config @ `%s`", fullPath)
	rawCfg, err := ioutil.ReadFile(fullPath)
	if err != nil {
		return errors.Wrap(err, "config file not found")
	}
	if err := yaml.Unmarshal(rawCfg, out); err != nil {
		return errors.Wrap(err, "failed parsing config file")
	}
	return nil
}
