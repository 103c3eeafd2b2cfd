package llm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProviderConfigRequiresEnv(t *testing.T) {
	t.Setenv("LLM_FAST_API_KEY", "")
	t.Setenv("LLM_FAST_BASE_URL", "")
	t.Setenv("LLM_FAST_MODEL_ID", "")

	_, err := loadProviderConfig(ProviderFast)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_FAST_API_KEY")

	t.Setenv("LLM_FAST_API_KEY", "sk-test")
	_, err = loadProviderConfig(ProviderFast)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_FAST_BASE_URL")

	t.Setenv("LLM_FAST_BASE_URL", "https://fast.example/v1/")
	_, err = loadProviderConfig(ProviderFast)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_FAST_MODEL_ID")

	t.Setenv("LLM_FAST_MODEL_ID", "small-model")
	config, err := loadProviderConfig(ProviderFast)
	require.NoError(t, err)
	assert.Equal(t, "https://fast.example/v1", config.BaseURL)
	assert.Equal(t, "small-model", config.ModelID)
	assert.Equal(t, 15*time.Second, config.Timeout)
}

func TestLoadProviderConfigUnknownProfile(t *testing.T) {
	_, err := loadProviderConfig("experimental")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestRegistryCachesClients(t *testing.T) {
	loads := 0
	registry := NewRegistryWithLoader(func(name string) (ProviderConfig, error) {
		loads++
		return ProviderConfig{
			Name:    name,
			BaseURL: "https://models.example/v1",
			APIKey:  "sk-test",
			ModelID: "model-" + name,
			Timeout: time.Second,
		}, nil
	})

	first, err := registry.Client(ProviderDeep)
	require.NoError(t, err)
	second, err := registry.Client(ProviderDeep)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, loads)
	assert.Equal(t, "model-deep", first.ModelID())
}

func TestRegistryEmptyNameUsesDefault(t *testing.T) {
	registry := NewRegistryWithLoader(func(name string) (ProviderConfig, error) {
		return ProviderConfig{Name: name, ModelID: "model-" + name, Timeout: time.Second}, nil
	})

	client, err := registry.Client("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProvider, client.Provider())
}

func TestRegistryPropagatesLoaderErrors(t *testing.T) {
	registry := NewRegistryWithLoader(func(name string) (ProviderConfig, error) {
		return ProviderConfig{}, fmt.Errorf("no configuration for %s", name)
	})

	_, err := registry.Client(ProviderFast)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no configuration")
}

func TestIsKnownProvider(t *testing.T) {
	assert.True(t, IsKnownProvider(""))
	assert.True(t, IsKnownProvider(ProviderFast))
	assert.True(t, IsKnownProvider(ProviderDeep))
	assert.True(t, IsKnownProvider(ProviderStandard))
	assert.False(t, IsKnownProvider("premium"))
}
