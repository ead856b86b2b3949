// Package config loads the daemon's JSON configuration file and applies
// defaults for unset fields. Relative paths in the file are resolved
// against the directory the file lives in, so a config tree can be moved
// as a unit.
package config
