package pipeline_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mbta/dmap-loader/internal/pipeline"
)

func clearPipelineEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"SERVICE_NAME", "DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASSWORD", "DB_REGION",
		"ARCHIVE_BUCKET", "ERROR_BUCKET", "QLIK_ROOT", "WAREHOUSE_SCHEMA",
		"DMAP_BASE_URL", "PUBLIC_KEY", "CONTROLLED_KEY", "DMAP_JOBS", "QLIK_TABLES",
		"DMAP_RATE_LIMIT", "DMAP_RATE_BURST",
		"ECS_CLUSTER", "ECS_TASK_GROUP", "LISTEN_ADDR",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
	t.Cleanup(func() {
		for _, v := range vars {
			os.Unsetenv(v)
		}
	})
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	os.Setenv("SERVICE_NAME", "dmap-loader")
	os.Setenv("DB_HOST", "localhost")
	os.Setenv("DB_NAME", "ods")
	os.Setenv("DB_USER", "loader")
	os.Setenv("DB_PASSWORD", "secret")
	os.Setenv("ARCHIVE_BUCKET", "archive")
	os.Setenv("ERROR_BUCKET", "errors")
	os.Setenv("DMAP_BASE_URL", "https://dmap.example.com")
	os.Setenv("PUBLIC_KEY", "pub")
	os.Setenv("CONTROLLED_KEY", "ctrl")
}

func TestLoadFromEnvSucceedsWithRequiredVars(t *testing.T) {
	clearPipelineEnv(t)
	setRequiredEnv(t)
	os.Setenv("DMAP_JOBS", "https://dmap.example.com/a=routes,https://dmap.example.com/b=stops")
	os.Setenv("QLIK_TABLES", "routes, stops")

	cfg, err := pipeline.LoadFromEnv()
	require.NoError(t, err)
	require.Equal(t, "dmap-loader", cfg.ServiceName)
	require.Equal(t, "5432", cfg.DBPort)
	require.Equal(t, []pipeline.DMAPJob{
		{URL: "https://dmap.example.com/a", Table: "routes"},
		{URL: "https://dmap.example.com/b", Table: "stops"},
	}, cfg.DMAPJobs)
	require.Equal(t, []string{"routes", "stops"}, cfg.QLIKTables)
	require.Equal(t, rate.Limit(0), cfg.DMAPRateLimit)
	require.Equal(t, 1, cfg.DMAPRateBurst)
}

func TestLoadFromEnvParsesDMAPRateLimit(t *testing.T) {
	clearPipelineEnv(t)
	setRequiredEnv(t)
	os.Setenv("DMAP_RATE_LIMIT", "2.5")
	os.Setenv("DMAP_RATE_BURST", "5")

	cfg, err := pipeline.LoadFromEnv()
	require.NoError(t, err)
	require.Equal(t, rate.Limit(2.5), cfg.DMAPRateLimit)
	require.Equal(t, 5, cfg.DMAPRateBurst)
}

func TestLoadFromEnvFailsWhenRequiredVarMissing(t *testing.T) {
	clearPipelineEnv(t)
	setRequiredEnv(t)
	os.Unsetenv("DMAP_BASE_URL")

	_, err := pipeline.LoadFromEnv()
	require.ErrorContains(t, err, "DMAP_BASE_URL")
}

func TestValidateRequiresPasswordOrRegion(t *testing.T) {
	clearPipelineEnv(t)
	setRequiredEnv(t)
	os.Unsetenv("DB_PASSWORD")

	_, err := pipeline.LoadFromEnv()
	require.ErrorContains(t, err, "DB_PASSWORD or DB_REGION")

	os.Setenv("DB_REGION", "us-east-1")
	_, err = pipeline.LoadFromEnv()
	require.NoError(t, err)
}

func TestValidateRequiresECSVarsTogetherInCloudEnv(t *testing.T) {
	clearPipelineEnv(t)
	setRequiredEnv(t)
	os.Setenv("ECS_CLUSTER", "cluster-1")

	_, err := pipeline.LoadFromEnv()
	require.ErrorContains(t, err, "ECS_CLUSTER and ECS_TASK_GROUP")

	os.Setenv("ECS_TASK_GROUP", "dmap-loader")
	_, err = pipeline.LoadFromEnv()
	require.NoError(t, err)
}
