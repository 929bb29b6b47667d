package prompt

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
	yaml "gopkg.in/yaml.v2"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/utils"
)

// LoadDir loads every .yaml template under dir into the registry,
// overriding built-in defaults with the same ID. IDs default to the
// relative path with separators turned into dots, so
// "mentions/extract_organizations.yaml" becomes
// "mentions.extract_organizations".
func LoadDir(r *Registry, dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return eris.Errorf("prompt: template directory not found: %s", dir)
	}

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		ext := filepath.Ext(path)
		if info.IsDir() || (ext != ".yaml" && ext != ".yml") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "prompt: reading %s", path)
		}

		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil {
			return eris.Wrapf(err, "prompt: parsing %s", path)
		}
		if t.ID == "" {
			t.ID = idFromPath(path, dir)
		}
		if !utils.ValidateMarkdown(t.System) || !utils.ValidateMarkdown(t.User) {
			return eris.Errorf("prompt: %s contains text that does not parse as markdown", path)
		}
		if _, err := template.New(t.ID).Parse(t.User); err != nil {
			return eris.Wrapf(err, "prompt: %s user template", path)
		}

		return r.Register(&t)
	})
}

func idFromPath(path, baseDir string) string {
	rel, _ := filepath.Rel(baseDir, path)
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ReplaceAll(rel, string(filepath.Separator), ".")
}

// Render executes the user template with the given variables. Required
// variables must all be present.
func Render(t *Template, vars map[string]interface{}) (string, error) {
	for _, v := range t.Variables {
		if !v.Required {
			continue
		}
		if _, ok := vars[v.Name]; !ok {
			return "", eris.Errorf("prompt: %s missing required variable %s", t.ID, v.Name)
		}
	}
	if t.User == "" {
		return "", nil
	}

	tmpl, err := template.New(t.ID).Parse(t.User)
	if err != nil {
		return "", eris.Wrapf(err, "prompt: parsing user template %s", t.ID)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", eris.Wrapf(err, "prompt: executing template %s", t.ID)
	}
	return buf.String(), nil
}
