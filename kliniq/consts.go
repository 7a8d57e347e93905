// Package kliniq holds process-wide defaults shared by the config, db and daemon packages.
package kliniq

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName      = "kliniq"
	DefaultDatabaseType = "libsql"
	DefaultServerAddr   = ":8080"
)

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultDatabaseDir = filepath.Join(userDataDir(), DefaultAppName)
	DefaultDatabaseDSN = "file:" + filepath.Join(DefaultDatabaseDir, "kliniq.db")
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}
