package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnvFile reads a .env file into a map.
func LoadEnvFile(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return vars, nil
}

// FindEnvFile searches for a .env file in the current directory and up
// to ten parent directories.
func FindEnvFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for i := 0; i < 10; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// EnvironmentHash digests the raw bytes of a service's environment file.
// The digest is compared for equality only, never decoded; it gates
// whether a service actually needs redeployment.
func EnvironmentHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return HashBytes(data), nil
}

// HashBytes returns the hex SHA-256 of the given content.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
