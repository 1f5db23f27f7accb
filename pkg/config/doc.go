// Package config loads server configuration. Environment variables are the
// source of truth; an optional YAML file, named by TRELLIS_CONFIG_FILE, fills
// in values the environment leaves unset.
package config
