package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aonescu/tiops/internal/types"
)

func TestRootCmd_UnknownModeShowsHelp(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"weekly"})

	require.NoError(t, cmd.Execute(), "an unknown mode is a no-op")
	assert.Contains(t, out.String(), `Unknown mode "weekly"`)
	assert.Contains(t, out.String(), "Available modes")
	assert.Contains(t, out.String(), "deploy")
}

func TestRootCmd_NoArgsShowsHelp(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Available modes")
	assert.NotContains(t, out.String(), "Unknown mode")
}

func TestStatusCmd_RequiresJobName(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"status"})

	assert.Error(t, cmd.Execute())
}

func TestProviders_PreferCommandLineSignals(t *testing.T) {
	a := &app{}

	providers := a.providers(map[types.SignalKind][]string{
		types.Indicator: {"203.0.113.7"},
		types.Technique: {"T1059.004"},
	})

	require.Len(t, providers, 2)
	for _, p := range providers {
		assert.Equal(t, "cli", p.Name())
	}
}
