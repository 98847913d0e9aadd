package config

import (
	"bytes"
	"fmt"
	"regexp"
	"text/template"
)

// TemplateVars are the values available to {{region}}, {{config_file}} and {{write_bucket}}.
type TemplateVars struct {
	Region      string
	ConfigFile  string
	WriteBucket string
}

var amiPlaceholder = regexp.MustCompile(`\{\{\s*(gpu|cpu|neuron)\s*\}\}`)

// Render expands the config file template. AMI type placeholders become one-key YAML mappings
// ({{ gpu }} -> {gpu}) and are resolved later against the AMI mapping.
func Render(content string, vars TemplateVars) ([]byte, error) {
	content = amiPlaceholder.ReplaceAllString(content, "{$1}")

	tmpl, err := template.New("config").Funcs(template.FuncMap{
		"region":       func() string { return vars.Region },
		"config_file":  func() string { return vars.ConfigFile },
		"write_bucket": func() string { return vars.WriteBucket },
	}).Parse(content)
	if err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	var out bytes.Buffer
	err = tmpl.Execute(&out, nil)
	if err != nil {
		return nil, fmt.Errorf("render config template: %w", err)
	}
	return out.Bytes(), nil
}
