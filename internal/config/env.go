package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

var (
	reWithDefault = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-(.*?)\}`)
	reBraced      = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	reSimple      = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// expandEnv performs ${VAR}, ${VAR:-default} and $VAR substitution over raw
// YAML bytes before they're unmarshalled, the same pass the teacher's
// pkg/config/env.go runs.
func expandEnv(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = reWithDefault.ReplaceAllStringFunc(s, func(m string) string {
		parts := reWithDefault.FindStringSubmatch(m)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	s = reBraced.ReplaceAllStringFunc(s, func(m string) string {
		parts := reBraced.FindStringSubmatch(m)
		return os.Getenv(parts[1])
	})
	s = reSimple.ReplaceAllStringFunc(s, func(m string) string {
		parts := reSimple.FindStringSubmatch(m)
		return os.Getenv(parts[1])
	})
	return s
}

// LoadEnvFiles loads .env.local then .env into the process environment,
// ignoring a missing file. Call once before Load.
func LoadEnvFiles() error {
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
