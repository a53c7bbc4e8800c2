// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/ghodss/yaml"
)

// DefaultYAML is the baseline config. Load unmarshals it first, then
// overlays the site config, then applies computed defaults.
var DefaultYAML = []byte(`
Listen: ":9010"
SystemLogs:
  LogLevel: info
  Format: json
Staging:
  Shares:
    ShareType: dn
    ReferenceShares:
      _default: 50
`)

// Load reads a YAML site configuration and returns the effective
// config with all defaults applied.
func Load(rdr io.Reader) (*gridstage.Config, error) {
	buf, err := ioutil.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	var cfg gridstage.Config
	if err := yaml.Unmarshal(DefaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("loading built-in defaults: %s", err)
	}
	if len(buf) > 0 {
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return nil, fmt.Errorf("loading config: %s", err)
		}
	}
	cfg.Staging = cfg.Staging.WithDefaults()
	if cfg.Staging.Shares.ReferenceShares == nil {
		cfg.Staging.Shares.ReferenceShares = map[string]int{}
	}
	if _, ok := cfg.Staging.Shares.ReferenceShares["_default"]; !ok {
		cfg.Staging.Shares.ReferenceShares["_default"] = 50
	}
	return &cfg, nil
}

// LoadFile is Path-flavored Load. Path "-" reads stdin.
func LoadFile(path string, stdin io.Reader) (*gridstage.Config, error) {
	if path == "-" {
		return Load(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
