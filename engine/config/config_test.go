package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarctl/engine/config"
	"solarctl/engine/models"
)

const sampleYAML = `
smu:
  address: "GPIB0::24::INSTR"
  two_wire: true
substrates:
  number: 2
  active_layout: "1-cell"
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "instruments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_LoadParsesDocument(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "GPIB0::24::INSTR", cfg.SMU.Address)
	assert.Equal(t, 2, cfg.Substrates.Number)
}

func TestLoader_LoadMissingFileIsConfigError(t *testing.T) {
	_, err := config.NewLoader("/nonexistent/path.yaml").Load()
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindConfig, kind)
}

func TestLoader_WatchEmitsInitialChangeThenOnEdit(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, errs, err := config.NewLoader(path).Watch(ctx)
	require.NoError(t, err)

	select {
	case c := <-changes:
		assert.Equal(t, "GPIB0::24::INSTR", c.Config.SMU.Address)
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("no initial change emitted")
	}

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"\ncontroller:\n  address: \"/dev/ttyUSB0\"\n"), 0o644))

	select {
	case c := <-changes:
		assert.Equal(t, "/dev/ttyUSB0", c.Config.Controller.Address)
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no change emitted after edit")
	}
}
