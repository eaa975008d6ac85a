package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SKIP_AUTH", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "be-hr-approvals", cfg.Service.Name)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Dispatcher.PollInterval)
	assert.Equal(t, "http://localhost:8090", cfg.Collaborators.SubjectURLs["payroll_batch"])
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("DISPATCH_BASE_BACKOFF", "250ms")
	t.Setenv("SUBJECT_SERVICE_URLS", "payroll_batch=http://payroll:80, leave=http://leave:80")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatcher.BaseBackoff)
	assert.Equal(t, map[string]string{
		"payroll_batch": "http://payroll:80",
		"leave":         "http://leave:80",
	}, cfg.Collaborators.SubjectURLs)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad duration", env: map[string]string{"SKIP_AUTH": "true", "DISPATCH_LEASE": "soon"}},
		{name: "bad int", env: map[string]string{"SKIP_AUTH": "true", "HTTP_PORT": "eighty"}},
		{name: "bad driver", env: map[string]string{"SKIP_AUTH": "true", "STORE_DRIVER": "sqlite"}},
		{name: "missing secret", env: map[string]string{"SKIP_AUTH": "false", "JWT_SECRET": ""}},
		{name: "bad subject map", env: map[string]string{"SKIP_AUTH": "true", "SUBJECT_SERVICE_URLS": "payroll"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "db", Port: 5433, Database: "hr", SSLMode: "require"}
	assert.Equal(t, "postgres://u:p@db:5433/hr?sslmode=require", d.DSN())
}
