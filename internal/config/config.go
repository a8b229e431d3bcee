/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config holds the process-wide runtime settings of procsync.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name, e.g. PROCSYNC_LOG_LEVEL.
const Prefix = "procsync"

// Config holds all runtime configuration.
type Config struct {
	// LogLevel is the minimum printed level, 0 (trace) to 5 (nothing).
	LogLevel int `envconfig:"LOG_LEVEL" default:"3"`
	// DebugMode enables extra checks that cost a syscall or two.
	DebugMode bool `envconfig:"DEBUG_MODE" default:"false"`
	// MemfdPrefix names the anonymous memory files, visible in /proc/<pid>/fd.
	MemfdPrefix string `envconfig:"MEMFD_PREFIX" default:"procsync"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		LogLevel:    3,
		DebugMode:   false,
		MemfdPrefix: "procsync",
	}
}
