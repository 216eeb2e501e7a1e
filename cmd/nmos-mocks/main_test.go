package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_PrintsLayout(t *testing.T) {
	t.Setenv("NMOS_MOCKS_CONFIG", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check", "--port-base", "6000", "--registries", "2", "--host", "mocks.test"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Config OK")
	assert.Contains(t, out.String(), "http://mocks.test:6101/x-nmos/")
	assert.Contains(t, out.String(), "http://mocks.test:6201/x-nmos/")
	assert.NotContains(t, out.String(), ":6103/")
}

func TestCheck_RejectsBadFlags(t *testing.T) {
	t.Setenv("NMOS_MOCKS_CONFIG", "")
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"check", "--registries", "1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registries")
}
