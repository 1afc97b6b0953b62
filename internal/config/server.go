// Package config loads the two structured documents described in §6:
// the server config and the background-task config.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package config

import (
	"os"

	"github.com/simonsobs/librarian/internal/cmn"
	"gopkg.in/yaml.v3"
)

// StoreConfig mirrors a row of the Store entity (§3) as it is declared
// at startup; enabled/ingestable are also mutable at runtime via the
// Catalog, this is only the initial value.
type StoreConfig struct {
	Name       string            `yaml:"name"`
	Backend    string            `yaml:"backend"` // posix | rsync | s3 | azure | gcs | hdfs | globus
	Root       string            `yaml:"root"`
	Capacity   int64             `yaml:"capacity"`
	Ingestable bool              `yaml:"ingestable"`
	Enabled    bool              `yaml:"enabled"`
	Params     map[string]string `yaml:"params,omitempty"` // backend-specific: bucket, region, ssh host, hdfs namenode, ...
}

// LibrarianConfig mirrors a Librarian row's static fields.
type LibrarianConfig struct {
	Name       string   `yaml:"name"`
	URL        string   `yaml:"url"`
	Auth       string   `yaml:"auth"`
	Transports []string `yaml:"transports"` // network, sneakernet
}

// ServerConfig is the first of the two §6 documents.
type ServerConfig struct {
	Name          string            `yaml:"name"` // this librarian's own identity, used to mint peer auth tokens
	Listen        string            `yaml:"listen"`
	MetricsListen string            `yaml:"metrics_listen,omitempty"` // empty disables the /metrics endpoint
	DatabaseURL   string            `yaml:"database_url"`
	Stores        []StoreConfig     `yaml:"stores"`
	Librarians    []LibrarianConfig `yaml:"librarians"`
	LogLevel      string            `yaml:"log_level"`
	LogJSON       bool              `yaml:"log_json"`
}

// IngestableStores returns the names of configured stores eligible to
// receive newly uploaded or cloned-in files (§6 ingest routing).
func (c *ServerConfig) IngestableStores() []string {
	var names []string
	for _, s := range c.Stores {
		if s.Ingestable {
			names = append(names, s.Name)
		}
	}
	return names
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindConfiguration, err, "reading server config %s", path)
	}
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cmn.Wrap(cmn.KindConfiguration, err, "parsing server config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return cmn.New(cmn.KindConfiguration, "listen address is required")
	}
	if c.DatabaseURL == "" {
		return cmn.New(cmn.KindConfiguration, "database_url is required")
	}
	if c.Name == "" {
		return cmn.New(cmn.KindConfiguration, "name is required")
	}
	seen := map[string]bool{}
	for _, s := range c.Stores {
		if s.Name == "" {
			return cmn.New(cmn.KindConfiguration, "store with empty name")
		}
		if seen[s.Name] {
			return cmn.New(cmn.KindConfiguration, "duplicate store name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Capacity < 0 {
			return cmn.New(cmn.KindConfiguration, "store %q: negative capacity", s.Name)
		}
	}
	lseen := map[string]bool{}
	for _, l := range c.Librarians {
		if l.Name == "" {
			return cmn.New(cmn.KindConfiguration, "librarian with empty name")
		}
		if lseen[l.Name] {
			return cmn.New(cmn.KindConfiguration, "duplicate librarian name %q", l.Name)
		}
		lseen[l.Name] = true
	}
	return nil
}

func (c *ServerConfig) Store(name string) (StoreConfig, bool) {
	for _, s := range c.Stores {
		if s.Name == name {
			return s, true
		}
	}
	return StoreConfig{}, false
}

func (c *ServerConfig) Librarian(name string) (LibrarianConfig, bool) {
	for _, l := range c.Librarians {
		if l.Name == name {
			return l, true
		}
	}
	return LibrarianConfig{}, false
}
