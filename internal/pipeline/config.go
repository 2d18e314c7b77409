// Package pipeline is the top-level driver (spec.md §4.9, C9): validate
// the environment, guard against a second parallel instance, migrate the
// warehouse to head, run every configured DMAP job sequentially, then run
// every configured QLIK table sequentially, each in its own subprocess.
package pipeline

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// Config is everything the pipeline needs for one run, loaded once from
// the environment at process start per spec.md §6's variable table.
type Config struct {
	ServiceName string

	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBRegion   string

	ArchiveBucket   string
	ErrorBucket     string
	QLIKRoot        string
	WarehouseSchema string

	DMAPBaseURL    string
	DMAPPublicKey  string
	DMAPControlled string
	DMAPJobs       []DMAPJob
	DMAPRateLimit  rate.Limit
	DMAPRateBurst  int

	QLIKTables []string

	ECSCluster   string
	ECSTaskGroup string

	ListenAddr string
	Verbose    bool
}

// DMAPJob is one configured endpoint→table mapping.
type DMAPJob struct {
	URL   string
	Table string
}

// cloudEnv reports whether the process is running under an orchestrator
// that requires the parallel-instance guard, per spec.md §6 ("In a cloud
// environment, additionally ECS_CLUSTER, ECS_TASK_GROUP").
func cloudEnv() bool {
	return os.Getenv("ECS_CLUSTER") != "" || os.Getenv("ECS_TASK_GROUP") != ""
}

// LoadFromEnv builds a Config from the process environment only, applying
// the defaults below for optional variables, and validates it. No CLI flag
// feeds into the Config.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ServiceName:     os.Getenv("SERVICE_NAME"),
		DBHost:          os.Getenv("DB_HOST"),
		DBPort:          envOr("DB_PORT", "5432"),
		DBName:          os.Getenv("DB_NAME"),
		DBUser:          os.Getenv("DB_USER"),
		DBPassword:      os.Getenv("DB_PASSWORD"),
		DBRegion:        os.Getenv("DB_REGION"),
		ArchiveBucket:   os.Getenv("ARCHIVE_BUCKET"),
		ErrorBucket:     os.Getenv("ERROR_BUCKET"),
		QLIKRoot:        envOr("QLIK_ROOT", "qlik"),
		WarehouseSchema: envOr("WAREHOUSE_SCHEMA", "ods"),
		DMAPBaseURL:     os.Getenv("DMAP_BASE_URL"),
		DMAPPublicKey:   os.Getenv("PUBLIC_KEY"),
		DMAPControlled:  os.Getenv("CONTROLLED_KEY"),
		ECSCluster:      os.Getenv("ECS_CLUSTER"),
		ECSTaskGroup:    os.Getenv("ECS_TASK_GROUP"),
		ListenAddr:      envOr("LISTEN_ADDR", ":8080"),
	}

	cfg.DMAPJobs = parseJobList(os.Getenv("DMAP_JOBS"))
	cfg.QLIKTables = parseList(os.Getenv("QLIK_TABLES"))
	cfg.DMAPRateLimit = parseRateLimit(os.Getenv("DMAP_RATE_LIMIT"))
	cfg.DMAPRateBurst = parseIntOr(os.Getenv("DMAP_RATE_BURST"), 1)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every required/conditional variable spec.md §6 names;
// it sets no defaults (LoadFromEnv applies those before calling it).
func (cfg *Config) Validate() error {
	required := map[string]string{
		"SERVICE_NAME":   cfg.ServiceName,
		"DB_HOST":        cfg.DBHost,
		"DB_NAME":        cfg.DBName,
		"DB_PORT":        cfg.DBPort,
		"DB_USER":        cfg.DBUser,
		"ARCHIVE_BUCKET": cfg.ArchiveBucket,
		"ERROR_BUCKET":   cfg.ErrorBucket,
		"DMAP_BASE_URL":  cfg.DMAPBaseURL,
		"PUBLIC_KEY":     cfg.DMAPPublicKey,
		"CONTROLLED_KEY": cfg.DMAPControlled,
	}
	var missing []string
	for name, val := range required {
		if val == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if cfg.DBPassword == "" && cfg.DBRegion == "" {
		return fmt.Errorf("either DB_PASSWORD or DB_REGION is required")
	}

	if cloudEnv() {
		if cfg.ECSCluster == "" || cfg.ECSTaskGroup == "" {
			return fmt.Errorf("ECS_CLUSTER and ECS_TASK_GROUP are both required in a cloud environment")
		}
	}

	return nil
}

// parseRateLimit parses DMAP_RATE_LIMIT as a requests-per-second float;
// empty or invalid means unlimited (dmap.Client's zero value).
func parseRateLimit(raw string) rate.Limit {
	if raw == "" {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return 0
	}
	return rate.Limit(f)
}

func parseIntOr(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseJobList parses "url1=table1,url2=table2" into DMAPJob entries.
func parseJobList(raw string) []DMAPJob {
	if raw == "" {
		return nil
	}
	var jobs []DMAPJob
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		url, table, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		jobs = append(jobs, DMAPJob{URL: strings.TrimSpace(url), Table: strings.TrimSpace(table)})
	}
	return jobs
}
