package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestRunValidatesInput(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	assert.ErrorContains(t, run("ops", "ops@buildfarm.local", "short", "user", time.Hour), "at least 32")
	assert.ErrorContains(t, run("ops", "ops@buildfarm.local", secret, "root", time.Hour), "unknown role")
	assert.NoError(t, run("ops", "ops@buildfarm.local", secret, "admin", time.Hour))

	t.Setenv("JWT_SECRET", secret)
	assert.NoError(t, run("ops", "ops@buildfarm.local", "", "user", time.Hour))
}
