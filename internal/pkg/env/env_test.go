package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	prev := Env
	Env = values
	t.Cleanup(func() { Env = prev })
}

func TestGetEnvPrefersLoadedFile(t *testing.T) {
	withEnv(t, map[string]string{"PAYRECON_TEST_KEY": "from-file"})
	t.Setenv("PAYRECON_TEST_KEY", "from-process")

	assert.Equal(t, "from-file", GetEnv("PAYRECON_TEST_KEY", "def"))
	assert.Equal(t, "def", GetEnv("PAYRECON_TEST_MISSING", "def"))
}

func TestTypedGetters(t *testing.T) {
	withEnv(t, map[string]string{
		"N":     "42",
		"BAD_N": "forty-two",
		"B":     "Yes",
		"D":     "90s",
		"L":     "de, pt-br,,fr ",
	})

	assert.Equal(t, 42, GetInt("N", 1))
	assert.Equal(t, 1, GetInt("BAD_N", 1))
	assert.Equal(t, 7, GetInt("MISSING_N", 7))
	assert.True(t, GetBool("B", false))
	assert.True(t, GetBool("MISSING_B", true))
	assert.Equal(t, 90*time.Second, GetDuration("D", time.Second))
	assert.Equal(t, []string{"de", "pt-br", "fr"}, GetList("L"))
	assert.Nil(t, GetList("MISSING_L"))
}

func TestIsDev(t *testing.T) {
	withEnv(t, map[string]string{"APP_ENV": "dev"})
	assert.True(t, IsDev())

	withEnv(t, map[string]string{})
	t.Setenv("APP_ENV", "")
	assert.False(t, IsDev())
}
