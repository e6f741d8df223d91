package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.EqualValues(t, 1<<20, cfg.Request.MaxBytes)
	assert.EqualValues(t, 10<<20, cfg.Response.MaxBytes)
	assert.EqualValues(t, 86400, cfg.Operation.TTLSeconds)
	assert.Equal(t, []string{"urn:forrst:", "urn:cline:"}, cfg.Reserved.Namespaces)
	assert.NotEmpty(t, cfg.Node.ID)
}

func TestLoad_NoFile_ReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.EqualValues(t, 1<<20, cfg.Request.MaxBytes)
	assert.EqualValues(t, 86400, cfg.Operation.TTLSeconds)
}

func TestLoad_ValidConfig_OverridesDefaults(t *testing.T) {
	content := `
request:
  max_bytes: 2097152
operation:
  ttl_seconds: 3600
node:
  id: forrstd-1
reserved:
  namespaces: ["urn:forrst:", "urn:cline:", "urn:acme:internal:"]
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.EqualValues(t, 2097152, cfg.Request.MaxBytes)
	assert.EqualValues(t, 3600, cfg.Operation.TTLSeconds)
	assert.Equal(t, "forrstd-1", cfg.Node.ID)
	assert.Len(t, cfg.Reserved.Namespaces, 3)
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTemp(t, "{{not yaml")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ZeroMaxBytes_ReturnsError(t *testing.T) {
	path := writeTemp(t, "request:\n  max_bytes: 0\n")

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_bytes")
}

func TestLoad_EmptyReservedNamespaces_ReturnsError(t *testing.T) {
	path := writeTemp(t, "reserved:\n  namespaces: []\n")

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reserved.namespaces")
}

func TestLoad_EnvOverride_TakesPriorityOverFile(t *testing.T) {
	path := writeTemp(t, "request:\n  max_bytes: 2097152\n")
	t.Setenv("FORRST_REQUEST_MAX_BYTES", "4194304")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 4194304, cfg.Request.MaxBytes)
}

func TestResolvePath_EnvVar_TakesPriority(t *testing.T) {
	tmp := writeTemp(t, "node:\n  id: x\n")
	t.Setenv("FORRST_CONFIG", tmp)

	path := ResolvePath()
	assert.Equal(t, tmp, path)
}

func TestResolvePath_NoEnvVar_FallsBackToDefault(t *testing.T) {
	t.Setenv("FORRST_CONFIG", "")

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "forrst.yaml")
	os.WriteFile(yamlPath, []byte("node:\n  id: x\n"), 0o644)

	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "forrst.yaml", path)
}

func TestResolvePath_NoEnvVar_NoFile_ReturnsEmpty(t *testing.T) {
	t.Setenv("FORRST_CONFIG", "")

	dir := t.TempDir()
	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "", path)
}

func TestDeadlineDefault_ZeroWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	assert.Zero(t, cfg.DeadlineDefault())
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	f.Close()
	return f.Name()
}
