package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeedo-sys/platform/pkg/config"
)

// stubImages is a fixed-response attachment resolver.
type stubImages struct{}

func (stubImages) DataURL(ctx context.Context, imageID string) (string, error) {
	return "data:image/png;base64,aGk=", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		DefaultModel:   "gpt-test",
		Models:         map[string]string{"gpt-test": "openai"},
		OpenAIKey:      "test-key",
		VectorProvider: "memory",
		DataDir:        t.TempDir(),
	}
	cfg.Maintenance.Schedule = "@every 5m"
	cfg.Maintenance.StaleAfter = "15m"
	return cfg
}

func TestAppInjectsImageSource(t *testing.T) {
	app, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer app.Close()

	// Unset by default: sessions skip image blocks.
	assert.Nil(t, app.Deps().Images)

	src := stubImages{}
	app.Images = src
	assert.Equal(t, src, app.Deps().Images)

	// The rest of the shared dependency set comes along unchanged.
	deps := app.Deps()
	assert.Same(t, app.Providers, deps.Providers)
	assert.Same(t, app.Tools, deps.Tools)
	assert.Same(t, app.Sweeper, deps.Tracker)
}
