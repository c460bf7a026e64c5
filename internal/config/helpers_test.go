package config

import (
	"os"
	"testing"
)

func writeFile(name, content string) error {
	return os.WriteFile(name, []byte(content), 0o600)
}

// unsetenv clears variables godotenv exported into the process.
func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}
