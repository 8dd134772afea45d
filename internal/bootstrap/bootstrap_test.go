package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 0},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{3 * time.Minute, 180},
		{-time.Second, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, seconds(tt.in), tt.in.String())
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("PGQUEUE_TEST_CONFIG_PATH", "")
	assert.Equal(t, "configs/x.yaml", ConfigPath("PGQUEUE_TEST_CONFIG_PATH", "configs/x.yaml"))

	t.Setenv("PGQUEUE_TEST_CONFIG_PATH", "/etc/pgqueue.yaml")
	assert.Equal(t, "/etc/pgqueue.yaml", ConfigPath("PGQUEUE_TEST_CONFIG_PATH", "configs/x.yaml"))
}
