package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Verbosity(t *testing.T) {
	quiet, err := New(0, "tiops")
	require.NoError(t, err)
	assert.True(t, quiet.Enabled())
	assert.False(t, quiet.V(1).Enabled())

	chatty, err := New(1, "tiops")
	require.NoError(t, err)
	assert.True(t, chatty.V(1).Enabled())
	assert.False(t, chatty.V(2).Enabled())

	debug, err := New(3, "tiops")
	require.NoError(t, err)
	assert.True(t, debug.V(3).Enabled())
}
