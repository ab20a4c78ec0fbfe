package env

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/joho/godotenv"
)

var Env map[string]string

// GetEnv prefers values from the loaded .env file over the process
// environment. Empty process variables count as unset.
func GetEnv(key, def string) string {
	if v, ok := Env[key]; ok {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetInt returns def when key is unset or not a number.
func GetInt(key string, def int) int {
	v := strings.TrimSpace(GetEnv(key, ""))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("[Env] %s=%q is not a number, using %d", key, v, def)
		return def
	}
	return n
}

// GetBool accepts 1/true/yes/on, case-insensitive.
func GetBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(GetEnv(key, ""))) {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// GetDuration parses Go duration syntax ("90s", "5m").
func GetDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(GetEnv(key, ""))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warnf("[Env] %s=%q is not a duration, using %s", key, v, def)
		return def
	}
	return d
}

// GetList splits a comma separated value and drops empty items.
func GetList(key string) []string {
	var out []string
	for _, item := range strings.Split(GetEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// SetupEnvFile loads the first .env file found. Without one, only the process
// environment is used.
func SetupEnvFile() {
	// Tests run from package directories two or three levels below the root.
	for _, path := range []string{".env", "../../.env", "../../../.env"} {
		if values, err := godotenv.Read(path); err == nil {
			Env = values
			log.Infof("[Env] Loaded %s", path)
			return
		}
	}

	Env = map[string]string{}
	log.Info("[Env] No .env file found, using process environment")
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
