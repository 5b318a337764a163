package stubspec

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, raw string) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func TestDecode_AppliesDefaults(t *testing.T) {
	t.Parallel()

	spec, err := Decode(encode(t, `{"stub":"github","command":"/bin/github-mcp"}`))
	require.NoError(t, err)
	assert.Equal(t, "github", spec.Stub)
	assert.Equal(t, "/bin/github-mcp", spec.Command)
	assert.Empty(t, spec.Args)
	assert.Empty(t, spec.Env)
	assert.Empty(t, spec.Secrets)
}

func TestDecode_RejectsMissingStub(t *testing.T) {
	t.Parallel()

	_, err := Decode(encode(t, `{"command":"/bin/github-mcp"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stub")
}

func TestDecode_RejectsMissingCommand(t *testing.T) {
	t.Parallel()

	_, err := Decode(encode(t, `{"stub":"github"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command")
}

func TestDecode_RejectsInvalidBase64(t *testing.T) {
	t.Parallel()

	_, err := Decode("not-base64!!!")
	require.Error(t, err)
}

func TestDecode_RejectsInvalidJSON(t *testing.T) {
	t.Parallel()

	_, err := Decode(encode(t, `{not json`))
	require.Error(t, err)
}

func TestSubstitute_BracedAndBareForms(t *testing.T) {
	t.Parallel()

	secrets := map[string]string{"TOKEN": "hunter2", "USER": "octocat"}
	result := Substitute("Bearer ${TOKEN} as $USER", secrets)
	assert.Equal(t, "Bearer hunter2 as octocat", result)
}

func TestSubstitute_UndeclaredNameLeftUntouched(t *testing.T) {
	t.Parallel()

	result := Substitute("value=${UNKNOWN}", map[string]string{"TOKEN": "x"})
	assert.Equal(t, "value=${UNKNOWN}", result)
}

func TestSubstitute_RecursesThroughListsAndMaps(t *testing.T) {
	t.Parallel()

	secrets := map[string]string{"TOKEN": "hunter2"}
	input := []any{
		"plain",
		"${TOKEN}",
		map[string]any{"auth": "$TOKEN", "nested": []any{"$TOKEN"}},
	}
	result := Substitute(input, secrets)

	list, ok := result.([]any)
	require.True(t, ok)
	assert.Equal(t, "plain", list[0])
	assert.Equal(t, "hunter2", list[1])

	nestedMap, ok := list[2].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hunter2", nestedMap["auth"])
	nestedList, ok := nestedMap["nested"].([]any)
	require.True(t, ok)
	assert.Equal(t, "hunter2", nestedList[0])
}

func TestSubstitute_NonStringShapesPassThrough(t *testing.T) {
	t.Parallel()

	result := Substitute(42, map[string]string{"TOKEN": "x"})
	assert.Equal(t, 42, result)
}

func TestResolve_HappyPath(t *testing.T) {
	t.Parallel()

	spec := &Spec{
		Stub:    "github",
		Command: "/bin/${BIN}",
		Args:    []any{"--token", "$TOKEN"},
		Env:     map[string]any{"GH_TOKEN": "${TOKEN}"},
		Cwd:     "/work/${BIN}",
	}
	secrets := map[string]string{"BIN": "gh-mcp", "TOKEN": "hunter2"}

	resolved, err := Resolve(spec, secrets)
	require.NoError(t, err)
	assert.Equal(t, "/bin/gh-mcp", resolved.Command)
	assert.Equal(t, []string{"--token", "hunter2"}, resolved.Args)
	assert.Equal(t, "hunter2", resolved.Env["GH_TOKEN"])
	assert.Equal(t, "/work/gh-mcp", resolved.Cwd)
}

func TestResolve_RejectsEmptyCommand(t *testing.T) {
	t.Parallel()

	spec := &Spec{Stub: "github", Command: "${EMPTY}"}
	_, err := Resolve(spec, map[string]string{"EMPTY": ""})
	require.Error(t, err)
}

func TestResolve_RejectsCompoundEnvValue(t *testing.T) {
	t.Parallel()

	spec := &Spec{
		Stub:    "github",
		Command: "/bin/true",
		Env:     map[string]any{"BAD": []any{"x", "y"}},
	}
	_, err := Resolve(spec, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BAD")
}

func TestResolve_CoercesNonStringArgsToString(t *testing.T) {
	t.Parallel()

	spec := &Spec{
		Stub:    "github",
		Command: "/bin/true",
		Args:    []any{float64(42), true},
	}
	resolved, err := Resolve(spec, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, []string{"42", "true"}, resolved.Args)
}
