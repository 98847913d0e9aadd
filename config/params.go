package config

import (
	"strings"

	"github.com/mitchellh/mapstructure"
)

const DefaultWriteBucket = "placeholder"

// ScriptParams fill the {local_mode}, {write_bucket} and {additional_args} placeholders of the
// post startup script.
type ScriptParams struct {
	LocalMode      string `mapstructure:"local_mode"`
	WriteBucket    string `mapstructure:"write_bucket"`
	AdditionalArgs string `mapstructure:"additional_args"`
}

func DefaultScriptParams(writeBucket string) ScriptParams {
	if writeBucket == "" {
		writeBucket = DefaultWriteBucket
	}
	return ScriptParams{LocalMode: "yes", WriteBucket: writeBucket}
}

// MergeScriptParams overlays per-instance overrides on base. Unknown keys are a ConfigurationError.
func MergeScriptParams(base ScriptParams, overrides map[string]any) (ScriptParams, error) {
	out := base
	if len(overrides) == 0 {
		return out, nil
	}

	normalized := make(map[string]any, len(overrides))
	for k, v := range overrides {
		if b, ok := v.(bool); ok && k == "local_mode" {
			v = yesNo(b)
		}
		normalized[k] = v
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return base, err
	}
	err = dec.Decode(normalized)
	if err != nil {
		return base, &ConfigurationError{Field: "post_startup_script_params", Err: err}
	}
	return out, nil
}

// Render fills the post startup script template. Doubled braces are literal braces.
func (p ScriptParams) Render(template, remoteConfigPath string) string {
	return strings.NewReplacer(
		"{{", "{",
		"}}", "}",
		"{config_file}", remoteConfigPath,
		"{local_mode}", p.LocalMode,
		"{write_bucket}", p.WriteBucket,
		"{additional_args}", p.AdditionalArgs,
	).Replace(template)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
