package database

import (
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type PostgresConfig struct {
	PoolMaxOpenConns    int
	PoolMaxIdleConns    int
	PoolMaxConnLifetime time.Duration
	Connection          map[string]string
}

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	keys := maps.Keys(values)
	slices.Sort(keys)
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(parts, " ")
}

// ParseTimestamp reads a timestamp column. Empty values and zero dates yield the zero time.
func ParseTimestamp(value string) time.Time {
	if value == "" || strings.HasPrefix(value, "0000-00-00") {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
