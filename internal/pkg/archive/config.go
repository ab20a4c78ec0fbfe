package archive

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

// Config selects the bucket raw webhook payloads are copied to. EndpointURL
// points the client at an S3-compatible store instead of AWS.
type Config struct {
	Enabled         bool
	BucketName      string
	Region          string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
}

// LoadConfig reads S3_* settings. Credentials and bucket are only required
// when S3_ARCHIVE_ENABLED is set.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Enabled:         env.GetBool("S3_ARCHIVE_ENABLED", false),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
	}
	if !cfg.Enabled {
		return cfg, nil
	}

	var missing []string
	for name, v := range map[string]string{
		"S3_ACCESS_KEY_ID":     cfg.AccessKeyID,
		"S3_SECRET_ACCESS_KEY": cfg.SecretAccessKey,
		"S3_BUCKET_NAME":       cfg.BucketName,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("event archive enabled but %s not set", strings.Join(missing, ", "))
	}
	return cfg, nil
}

// ObjectKey returns events/YYYY/MM/DD/<kind>/<event id>.json.
func ObjectKey(kind, eventID string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("events/%04d/%02d/%02d/%s/%s.json",
		at.Year(), int(at.Month()), at.Day(), keySegment(kind, "unknown"), keySegment(eventID, "no-id"))
}

func keySegment(s, fallback string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
	if s == "" || strings.Trim(s, ".") == "" {
		return fallback
	}
	return s
}
