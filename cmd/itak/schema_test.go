package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteConfigSchema(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeConfigSchema(&buf, false))

	var schema map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &schema))
	assert.Equal(t, "iTaK Configuration Schema", schema["title"])
	assert.NotEmpty(t, schema["properties"])
}

func TestExitErrorUnwrap(t *testing.T) {
	inner := assert.AnError
	err := &exitError{code: exitConfig, err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, inner.Error(), err.Error())

	bare := &exitError{code: exitInterrupted}
	assert.Equal(t, "exit 130", bare.Error())
}
