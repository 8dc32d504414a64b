package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kioku/internal/config"
)

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	lim, err := FromConfig(&cfg.Embedding, nil)
	require.NoError(t, err)
	assert.Equal(t, 256, lim.Dimensions())
	v, err := lim.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, 256)

	cfg.Embedding.Provider = config.ProviderNone
	lim, err = FromConfig(&cfg.Embedding, nil)
	require.NoError(t, err)
	_, err = lim.Embed(context.Background(), "hello")
	assert.True(t, errors.Is(err, ErrUnavailable))

	cfg.Embedding.Provider = config.ProviderOpenAI
	cfg.Embedding.APIKeyEnv = "KIOKU_TEST_UNSET_KEY"
	t.Setenv("KIOKU_TEST_UNSET_KEY", "")
	_, err = FromConfig(&cfg.Embedding, nil)
	assert.Error(t, err, "openai without a key")

	t.Setenv("KIOKU_TEST_UNSET_KEY", "sk-test")
	lim, err = FromConfig(&cfg.Embedding, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Embedding.Dimensions, lim.Dimensions())

	cfg.Embedding.Provider = "magic"
	_, err = FromConfig(&cfg.Embedding, nil)
	assert.Error(t, err)
}
