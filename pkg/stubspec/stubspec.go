// Package stubspec decodes and validates the base64-encoded stub spec
// passed to the launcher via STUB_SPEC, and substitutes secret
// placeholders into its command/args/env/cwd fields.
package stubspec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	apierrors "github.com/stacklok/capsule-broker/pkg/errors"
)

// Spec is the §3 stub spec: what command to run, with which arguments and
// environment, and which declared secrets may be substituted into them.
type Spec struct {
	Stub    string         `json:"stub"`
	Command string         `json:"command"`
	Args    []any          `json:"args"`
	Env     map[string]any `json:"env"`
	Secrets []string       `json:"secrets"`
	Cwd     string         `json:"cwd,omitempty"`
}

// Decode base64-decodes and JSON-unmarshals raw into a Spec, applying the
// defaults for the optional fields and rejecting a spec missing "stub" or
// "command".
func Decode(raw string) (*Spec, error) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, apierrors.NewSpecError("invalid base64 stub spec", err)
	}

	var intermediate struct {
		Stub    string         `json:"stub"`
		Command string         `json:"command"`
		Args    []any          `json:"args"`
		Env     map[string]any `json:"env"`
		Secrets []string       `json:"secrets"`
		Cwd     string         `json:"cwd"`
	}
	if err := json.Unmarshal(decoded, &intermediate); err != nil {
		return nil, apierrors.NewSpecError("stub spec is not valid JSON", err)
	}

	if intermediate.Stub == "" {
		return nil, apierrors.NewSpecError("stub spec missing 'stub' field", nil)
	}
	if intermediate.Command == "" {
		return nil, apierrors.NewSpecError("stub spec missing 'command' field", nil)
	}
	if intermediate.Args == nil {
		intermediate.Args = []any{}
	}
	if intermediate.Env == nil {
		intermediate.Env = map[string]any{}
	}
	if intermediate.Secrets == nil {
		intermediate.Secrets = []string{}
	}

	return &Spec{
		Stub:    intermediate.Stub,
		Command: intermediate.Command,
		Args:    intermediate.Args,
		Env:     intermediate.Env,
		Secrets: intermediate.Secrets,
		Cwd:     intermediate.Cwd,
	}, nil
}

// placeholderPattern matches ${NAME} or $NAME, NAME in [A-Za-z_][A-Za-z0-9_]*.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// Substitute recursively replaces placeholders in value (a string, []any,
// or map[string]any) with entries from secrets. Names not present in
// secrets are left untouched. Any other shape is returned unchanged.
func Substitute(value any, secrets map[string]string) any {
	switch v := value.(type) {
	case string:
		return substituteString(v, secrets)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Substitute(item, secrets)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = Substitute(val, secrets)
		}
		return out
	default:
		return value
	}
}

func substituteString(s string, secrets map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		if resolved, ok := secrets[name]; ok {
			return resolved
		}
		return match
	})
}

// ResolvedCommand is the fully substituted, ready-to-exec form of a Spec.
type ResolvedCommand struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// Resolve substitutes secrets into spec's command, args, env, and cwd, and
// validates the resolved shapes per spec section 4.4 step 6: command must
// be a non-empty string, env values must resolve to strings (not compound
// structures).
func Resolve(spec *Spec, secrets map[string]string) (*ResolvedCommand, error) {
	command, ok := Substitute(spec.Command, secrets).(string)
	if !ok || command == "" {
		return nil, apierrors.NewSpecError("resolved command is empty", nil)
	}

	args := make([]string, len(spec.Args))
	for i, item := range spec.Args {
		substituted := Substitute(item, secrets)
		args[i] = fmt.Sprint(substituted)
	}

	env := make(map[string]string, len(spec.Env))
	for key, value := range spec.Env {
		substituted := Substitute(value, secrets)
		switch substituted.(type) {
		case []any, map[string]any:
			return nil, apierrors.NewSpecError(fmt.Sprintf("environment variable %q must resolve to a string", key), nil)
		}
		env[key] = fmt.Sprint(substituted)
	}

	cwd := ""
	if spec.Cwd != "" {
		resolved, ok := Substitute(spec.Cwd, secrets).(string)
		if !ok {
			return nil, apierrors.NewSpecError("resolved cwd must be a string", nil)
		}
		cwd = resolved
	}

	return &ResolvedCommand{Command: command, Args: args, Env: env, Cwd: cwd}, nil
}
