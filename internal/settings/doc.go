// Package settings holds the runtime settings record shared by the control
// plane and the pipeline. Updates are validated per key, committed under a
// single lock, and persisted to a JSON file after every accepted change.
package settings
