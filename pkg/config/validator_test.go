package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferd-io/inferd/pkg/models"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers["openai"] = &ProviderConfig{
		Type:   ProviderOpenAI,
		APIKey: "sk-test",
		Models: []string{"gpt-*"},
	}
	cfg.Providers["local"] = &ProviderConfig{
		Type:       ProviderGGUF,
		BinaryPath: "/usr/local/bin/llama-server",
		ModelPaths: map[string]string{"qwen-0.5b": "/models/qwen-0.5b.gguf"},
	}
	cfg.Tenants["acme"] = &TenantConfig{APIKey: "key-acme"}
	cfg.Models = []*models.ModelManifest{
		{
			ModelID:   "qwen-0.5b",
			TenantID:  "acme",
			Artifacts: map[models.Format]string{models.FormatGGUF: "/models/qwen-0.5b.gguf"},
		},
	}
	return cfg
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	require.NoError(t, Validate(validConfig()))
}

func TestValidateUnknownStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.Routing.Strategy = "BEST_EFFORT"

	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestValidateFailoverOrderReferences(t *testing.T) {
	cfg := validConfig()
	cfg.Routing.FailoverOrder = []string{"openai", "missing"}

	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestValidateFailoverStrategyNeedsOrder(t *testing.T) {
	cfg := validConfig()
	cfg.Routing.Strategy = "FAILOVER"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failover_order")
}

func TestValidateWeightsReferences(t *testing.T) {
	cfg := validConfig()
	cfg.Routing.Weights = map[string]int{"missing": 3}

	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestValidateHostedProviderNeedsAPIKey(t *testing.T) {
	cfg := validConfig()
	cfg.Providers["openai"].APIKey = ""

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestValidateGGUFProviderNeedsModelPaths(t *testing.T) {
	cfg := validConfig()
	cfg.Providers["local"].ModelPaths = nil

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_paths")
}

func TestValidateCompatProviderNeedsBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Providers["cerebras"] = &ProviderConfig{
		Type:   ProviderOpenAICompat,
		Models: []string{"llama-*"},
	}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}

func TestValidateDuplicateTenantAPIKeys(t *testing.T) {
	cfg := validConfig()
	cfg.Tenants["globex"] = &TenantConfig{APIKey: "key-acme"}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
}

func TestValidateModelTenantReference(t *testing.T) {
	cfg := validConfig()
	cfg.Models[0].TenantID = "nobody"

	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestValidateModelNeedsArtifacts(t *testing.T) {
	cfg := validConfig()
	cfg.Models[0].Artifacts = nil

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "artifact")
}

func TestValidateModelUnknownFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Models[0].Artifacts = map[models.Format]string{"tarball": "/m.tar"}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestValidateDuplicateManifest(t *testing.T) {
	cfg := validConfig()
	cfg.Models = append(cfg.Models, &models.ModelManifest{
		ModelID:   "qwen-0.5b",
		TenantID:  "acme",
		Artifacts: map[models.Format]string{models.FormatGGUF: "/other.gguf"},
	})

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateBreakerRateBounds(t *testing.T) {
	cfg := validConfig()
	cfg.CircuitBreaker.FailureRateThreshold = 1.5

	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestValidateCommunityModelsAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Models = append(cfg.Models, &models.ModelManifest{
		ModelID:   "public-model",
		TenantID:  "community",
		Artifacts: map[models.Format]string{models.FormatRemote: ""},
	})
	require.NoError(t, Validate(cfg))
}

func TestExpandEnvLeavesDollarAlone(t *testing.T) {
	in := []byte("password: p@ss$word\npattern: ^secret.*$\n")
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvMissingVarBecomesEmpty(t *testing.T) {
	out := ExpandEnv([]byte("api_key: '{{.DOES_NOT_EXIST_XYZ}}'"))
	assert.Equal(t, "api_key: ''", string(out))
}

func TestDefaultConfigIsValidOnceProvidersAdded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers["ollama"] = &ProviderConfig{
		Type:   ProviderOllama,
		Models: []string{"llama3*"},
	}
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 60*time.Second, cfg.CircuitBreaker.OpenDuration)
}
