// Package config defines the application's configuration structure and
// loads it from environment variables. Configuration is validated once
// at load time; downstream components receive the populated structs and
// never re-validate.
package config
