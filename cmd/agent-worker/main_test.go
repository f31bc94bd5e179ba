package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/overseer/cmd/agent-worker/backend"
)

func writePrompt(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseArgs(t *testing.T) {
	prompt := writePrompt(t, "fix the bug")

	req, err := parseArgs([]string{"agentic", "--prompt-file", prompt, "--cwd", "/work", "--model", "sonnet", "--session-id", "s1"})
	require.NoError(t, err)
	assert.Equal(t, backend.ModeAgentic, req.Mode)
	assert.Equal(t, "fix the bug", req.Prompt)
	assert.Equal(t, "/work", req.Cwd)
	assert.Equal(t, "sonnet", req.Model)
	assert.Equal(t, "s1", req.SessionID)
}

func TestParseArgsGenerateWithSchema(t *testing.T) {
	prompt := writePrompt(t, "extract")
	sys := writePrompt(t, "be terse")

	req, err := parseArgs([]string{"generate", "--prompt-file", prompt, "--model", "haiku", "--system-prompt-file", sys, "--schema-file", "/tmp/shape.json"})
	require.NoError(t, err)
	assert.Equal(t, backend.ModeGenerate, req.Mode)
	assert.Equal(t, "be terse", req.SystemPrompt)
	assert.Equal(t, "/tmp/shape.json", req.SchemaFile)
	assert.Equal(t, ".", req.Cwd)
}

func TestParseArgsErrors(t *testing.T) {
	prompt := writePrompt(t, "x")

	_, err := parseArgs(nil)
	require.Error(t, err)

	_, err = parseArgs([]string{"interpretive-dance", "--prompt-file", prompt, "--model", "m"})
	require.Error(t, err)

	_, err = parseArgs([]string{"agentic", "--model", "m"})
	require.Error(t, err, "prompt file is required")

	_, err = parseArgs([]string{"agentic", "--prompt-file", prompt})
	require.Error(t, err, "model is required")

	_, err = parseArgs([]string{"agentic", "--prompt-file", "/does/not/exist", "--model", "m"})
	require.Error(t, err)
}
