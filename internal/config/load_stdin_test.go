package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSingleStdinFileSource_AllowsZeroOrOneStdinSource(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		v := viper.New()
		v.Set("database.base_url_file", "/tmp/base_url")
		v.Set("database.password_file", "/tmp/password")
		v.Set("server.admin.auth_token_file", "/tmp/admin-token")
		assert.NoError(t, validateSingleStdinFileSource(v))
	})

	t.Run("one", func(t *testing.T) {
		v := viper.New()
		v.Set("database.base_url_file", "@-")
		v.Set("database.password_file", "/tmp/password")
		assert.NoError(t, validateSingleStdinFileSource(v))
	})
}

func TestValidateSingleStdinFileSource_RejectsMultipleStdinSources(t *testing.T) {
	v := viper.New()
	v.Set("database.base_url_file", "@-")
	v.Set("database.password_file", " @- ")
	v.Set("server.admin.auth_token_file", "@-")

	err := validateSingleStdinFileSource(v)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "database.base_url_file")
	assert.Contains(t, msg, "database.password_file")
	assert.Contains(t, msg, "server.admin.auth_token_file")
}
