package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	logx "skypost/pkg/logx"
)

// LoadDotEnv loads local .env files into the process environment, if present.
// Values already set in the environment win.
func LoadDotEnv(log logx.Logger) {
	files := []string{".env", ".env.local"}
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			log.Warn("failed to load env file", logx.String("file", file), logx.Err(err))
			continue
		}
		log.Debug("loaded env file", logx.String("file", file))
	}
}

// ApplyEnv layers process-environment settings over the file config.
// These are the variables the deployment docs promise; env always wins.
func ApplyEnv(cfg *Config) {
	if v := getEnv("BLUESKY_USERNAME"); v != "" {
		cfg.Bluesky.Handle = v
	}
	if v := getEnv("BLUESKY_APP_PASSWORD"); v != "" {
		cfg.Bluesky.AppPassword = v
	}
	if v := getEnv("BLUESKY_HOST"); v != "" {
		cfg.Bluesky.Host = v
	}
	if v := getEnv("SHEET_CSV_URL"); v != "" {
		cfg.Sheet.URL = v
	}
	if v := getEnv("TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := getEnv("LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
	if secs, ok := getEnvInt("POLL_SECONDS"); ok && secs > 0 {
		cfg.Schedule = fmt.Sprintf("%ds", secs)
	}
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func getEnvInt(key string) (int, bool) {
	v := getEnv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
