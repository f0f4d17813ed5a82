// Package config provides loading and validation of the service configuration.
// The configuration is a YAML file with one section per component; every field
// has a default so a missing file or a partial file is valid.
package config
