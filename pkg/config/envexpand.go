package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go templates.
// Uses {{.VAR_NAME}} syntax so literal $ in values is left alone.
//
// Examples:
//   - {{.REDIS_ADDR}} → value of REDIS_ADDR
//   - "{{.HOST}}:{{.PORT}}" → both variables expanded
//
// Missing variables expand to empty string. Content that is not a valid
// template is returned unchanged so the YAML parser reports the problem.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if key, value, ok := strings.Cut(env, "="); ok && key != "" {
			envMap[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
