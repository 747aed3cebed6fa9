package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set("api_url", "http://farm:8080")
	viper.Set("token", "abc")
	config, err := ParseConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://farm:8080", config.APIURL)
	assert.Equal(t, "abc", config.Token)
	assert.Equal(t, defaultTimeout, config.Timeout)

	viper.Set("timeout", "5s")
	config, err = ParseConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, config.Timeout)
}

func TestParseConfigRequiresURL(t *testing.T) {
	t.Cleanup(viper.Reset)
	_, err := ParseConfig()
	assert.Error(t, err)
}

func TestParseIDs(t *testing.T) {
	assert.Equal(t, []int64{1, 42}, parseIDs([]string{"1", "42"}))
}
