package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboarding/apps/backend/internal/app"
	"onboarding/apps/backend/internal/config"
	"onboarding/apps/backend/internal/testutils"
)

func TestBootstrap_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	suite := testutils.NewIntegrationSuite(t)
	suite.Setup()
	defer suite.Teardown()

	cfg := suite.GetAppConfig()

	deps, err := app.Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer deps.Close()

	for _, table := range []string{"courses", "settings", "failed_jobs", "artifacts"} {
		var exists bool
		err = deps.DB.QueryRow("SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)", table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	count, err := deps.VectorStore.CountChunks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	assert.NoError(t, deps.NSQProducer.Ping())
}

func TestBootstrap_Integration_Pgvector(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	suite := testutils.NewIntegrationSuite(t, testutils.WithoutWeaviate(), testutils.WithoutNSQ())
	suite.Setup()
	defer suite.Teardown()

	cfg := suite.GetAppConfig()
	require.Equal(t, config.VectorBackendPgvector, cfg.VectorBackend)
	cfg.VectorDim = 3

	deps, err := app.Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer deps.Close()

	count, err := deps.VectorStore.CountChunks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
