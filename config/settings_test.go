package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := LoadSettings(Options{FileType: "yaml", EnvPrefix: "NEXABUS_TEST_DEFAULTS"})
	require.NoError(t, err)

	assert.Equal(t, 10000, s.MessageQueueMax)
	assert.Equal(t, 64, s.DispatchSendConcurrency)
	assert.Equal(t, "warn", s.MessagePlaneValidationMode)
	assert.Equal(t, "memory", s.CheckpointPersistMode)
	assert.Equal(t, 30*time.Second, s.ExecutionTimeout())
	assert.Equal(t, 500*time.Millisecond, s.CommandPollTimeout())
	assert.Equal(t, time.Hour, s.RunTokenTTL())
}

func TestLoadSettings_EnvOverride(t *testing.T) {
	t.Setenv("NEXABUS_PLUGIN_EXECUTION_TIMEOUT", "1")
	t.Setenv("NEXABUS_MESSAGE_PLANE_VALIDATION_MODE", "strict")
	t.Setenv("NEXABUS_DEBUG", "true")

	s, err := LoadSettings(Options{FileType: "yaml", EnvPrefix: "NEXABUS"})
	require.NoError(t, err)

	assert.Equal(t, time.Second, s.ExecutionTimeout())
	assert.Equal(t, "strict", s.MessagePlaneValidationMode)
	assert.True(t, s.Debug)
}

func TestLoadSettings_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexabus.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: 0.0.0.0:9000\nmessage_queue_max: 42\n"), 0o644))

	t.Setenv("NEXABUS_MESSAGE_QUEUE_MAX", "7")

	s, err := LoadSettings(Options{Path: path, FileType: "yaml", EnvPrefix: "NEXABUS"})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", s.ListenAddr)
	// Environment wins over the file.
	assert.Equal(t, 7, s.MessageQueueMax)
}

func TestSettings_ValidateRejectsBadModes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"dependency policy", func(s *Settings) { s.DependencyPolicy = "maybe" }},
		{"validation mode", func(s *Settings) { s.MessagePlaneValidationMode = "loose" }},
		{"checkpoint mode", func(s *Settings) { s.CheckpointPersistMode = "sometimes" }},
		{"context backend", func(s *Settings) { s.UserContextBackend = "etcd" }},
		{"execution timeout", func(s *Settings) { s.PluginExecutionTimeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := LoadSettings(Options{FileType: "yaml", EnvPrefix: "NEXABUS_TEST_VALIDATE"})
			require.NoError(t, err)
			tc.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestSettings_SanitizedMasksSecrets(t *testing.T) {
	s, err := LoadSettings(Options{FileType: "yaml", EnvPrefix: "NEXABUS_TEST_SANITIZE"})
	require.NoError(t, err)
	s.RunTokenSecret = "hunter2"
	s.RedisPassword = "hunter2"

	m := s.Sanitized()
	assert.Equal(t, "***", m["run_token_secret"])
	assert.Equal(t, "***", m["redis_password"])
	assert.Equal(t, s.ListenAddr, m["listen_addr"])
}

func TestPluginConfigService_EffectiveLayering(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.yaml"),
		[]byte("greeting: hello\nretries: 3\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.loud.yaml"),
		[]byte("greeting: HELLO\n"), 0o644))

	svc := NewPluginConfigService(dir)

	base, err := svc.Base("echo")
	require.NoError(t, err)
	assert.Equal(t, "hello", base["greeting"])

	profiles, err := svc.Profiles("echo")
	require.NoError(t, err)
	assert.Equal(t, []string{"loud"}, profiles)

	svc.SetActiveProfile("echo", "loud")
	require.NoError(t, svc.Update("echo", map[string]any{"retries": 5}))

	eff, err := svc.Effective("echo")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", eff["greeting"])
	assert.Equal(t, 5, eff["retries"])
}

func TestPluginConfigService_MissingFilesAreEmpty(t *testing.T) {
	svc := NewPluginConfigService(filepath.Join(t.TempDir(), "nowhere"))

	eff, err := svc.Effective("ghost")
	require.NoError(t, err)
	assert.Empty(t, eff)

	profiles, err := svc.Profiles("ghost")
	require.NoError(t, err)
	assert.Empty(t, profiles)
}
