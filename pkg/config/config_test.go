package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()

	c, err := LoadConfigFile(writeFile(t, dir, "full.yml", `
arch: sparc64
window-save: none
fde-cache-size: 16
max-depth: 3
log-output: frame,unwind
no-color: true
`))
	require.NoError(t, err)
	require.Equal(t, "sparc64", c.Arch)
	require.Equal(t, "none", c.WindowSave)
	require.Equal(t, 16, c.GetFDECacheSize())
	require.Equal(t, 3, c.GetMaxDepth())
	require.Equal(t, "frame,unwind", c.LogOutput)
	require.True(t, c.NoColor)

	c, err = LoadConfigFile(writeFile(t, dir, "empty.yml", "# nothing\n"))
	require.NoError(t, err)
	require.Equal(t, DefaultMaxDepth, c.GetMaxDepth())
	require.Equal(t, DefaultFDECacheSize, c.GetFDECacheSize())

	for name, contents := range map[string]string{
		"unknown-field.yml": "max-depht: 3\n",
		"bad-arch.yml":      "arch: mips\n",
		"bad-policy.yml":    "window-save: always\n",
		"bad-depth.yml":     "max-depth: -1\n",
		"not-yaml.yml":      "arch: [\n",
	} {
		_, err := LoadConfigFile(writeFile(t, dir, name, contents))
		require.Error(t, err, name)
	}

	_, err = LoadConfigFile(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	home := t.TempDir()
	oldHome := os.Getenv("HOME")
	defer os.Setenv("HOME", oldHome)
	os.Setenv("HOME", home)
	homedir.DisableCache = true
	defer func() { homedir.DisableCache = false }()

	c := LoadConfig()
	require.Equal(t, &Config{}, c)
	path := filepath.Join(home, configDir, configFile)
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "# max-depth: 50")

	depth := 7
	c.MaxDepth = &depth
	c.Arch = "arm64"
	require.NoError(t, SaveConfig(c))

	c = LoadConfig()
	require.Equal(t, 7, c.GetMaxDepth())
	require.Equal(t, "arm64", c.Arch)
}
