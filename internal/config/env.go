package config

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
)

const envFileName = ".env"

// loadEnvFile applies .env from the working directory. Variables already
// present in the environment are left alone.
func loadEnvFile() {
	if err := godotenv.Load(envFileName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("load env file", "path", envFileName, "err", err)
	}
}
