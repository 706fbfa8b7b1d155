package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0:8001", cfg.Addr)
		assert.Equal(t, "weights/best.onnx", cfg.WeightsPath)
		assert.Equal(t, "runs/detect", cfg.OutputRoot)
		assert.Equal(t, []string{"tumor"}, cfg.Labels)
		assert.Equal(t, 640, cfg.InputSize)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("TUMOR_WEIGHTS_PATH", "/models/tumor.onnx")
		t.Setenv("TUMOR_DEVICE", "cpu")
		t.Setenv("TUMOR_LABELS", "negative,positive")
		t.Setenv("TUMOR_CONF_THRESHOLD", "0.5")
		t.Setenv("TUMOR_ACQUIRE_TIMEOUT", "2s")
		t.Setenv("TUMOR_DEBUG", "true")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "/models/tumor.onnx", cfg.WeightsPath)
		assert.Equal(t, "cpu", cfg.Device)
		assert.Equal(t, []string{"negative", "positive"}, cfg.Labels)
		assert.InDelta(t, 0.5, cfg.ConfThreshold, 1e-6)
		assert.Equal(t, 2*time.Second, cfg.AcquireTimeout)
		assert.True(t, cfg.Debug)
	})

	t.Run("options apply before environment", func(t *testing.T) {
		t.Setenv("TUMOR_OUTPUT_ROOT", "/var/lib/tumor/runs")

		cfg, err := Load(WithWeightsPath("a.onnx"), WithOutputRoot("ignored"))
		require.NoError(t, err)

		assert.Equal(t, "a.onnx", cfg.WeightsPath)
		assert.Equal(t, "/var/lib/tumor/runs", cfg.OutputRoot)
	})

	t.Run("invalid device", func(t *testing.T) {
		t.Setenv("TUMOR_DEVICE", "tpu")

		cfg, err := Load()
		require.NoError(t, err)
		require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

		cfg.Device = "cpu"
		assert.NoError(t, cfg.Validate())
	})
}

func TestNewDoesNotShareDefaults(t *testing.T) {
	a := New()
	a.Labels[0] = "changed"

	b := New()
	assert.Equal(t, "tumor", b.Labels[0])
	assert.Equal(t, "tumor", DefaultConfig.Labels[0])
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"input size not multiple of 32": func(c *Config) { c.InputSize = 100 },
		"no labels":                     func(c *Config) { c.Labels = nil },
		"zero threshold":                func(c *Config) { c.ConfThreshold = 0 },
		"iou above one":                 func(c *Config) { c.IouThreshold = 1.5 },
		"empty pool":                    func(c *Config) { c.PoolSize = 0 },
		"empty weights":                 func(c *Config) { c.WeightsPath = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := New(mutate)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
