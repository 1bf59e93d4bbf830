package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvDefaults(t *testing.T) {
	t.Setenv("CFG_TEST_STR", "value")
	assert.Equal(t, "value", getEnv("CFG_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", getEnv("CFG_TEST_MISSING", "fallback"))
}

func TestGetInt(t *testing.T) {
	t.Setenv("CFG_TEST_INT", "250")
	assert.Equal(t, 250, getInt("CFG_TEST_INT", 1))

	t.Setenv("CFG_TEST_BAD_INT", "not-a-number")
	assert.Equal(t, 7, getInt("CFG_TEST_BAD_INT", 7))
}

func TestGetBool(t *testing.T) {
	t.Setenv("CFG_TEST_BOOL", "true")
	assert.True(t, getBool("CFG_TEST_BOOL", false))

	t.Setenv("CFG_TEST_BOOL", "0")
	assert.False(t, getBool("CFG_TEST_BOOL", true))
}

func TestGetDuration(t *testing.T) {
	t.Setenv("CFG_TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, getDuration("CFG_TEST_DUR", time.Minute))

	// bare numbers are seconds
	t.Setenv("CFG_TEST_DUR_BARE", "30")
	assert.Equal(t, 30*time.Second, getDuration("CFG_TEST_DUR_BARE", time.Minute))

	assert.Equal(t, time.Minute, getDuration("CFG_TEST_DUR_MISSING", time.Minute))
}
