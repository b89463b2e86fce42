package util

import (
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file from the working directory into the process
// environment if one exists.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using system environment variables")
	}
}
