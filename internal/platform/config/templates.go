package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// templateCatalogue is the on-disk layout of notification template ids:
//
//	sendrefund:
//	  email:
//	    standard: {en: tpl-1, cy: tpl-2}
//	    other: {en: tpl-3}
//
// Each leaf becomes the key "sendrefund-email-standard-en".
type templateCatalogue map[string]map[string]map[string]map[string]string

func loadTemplateFile(path string) (map[string]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read notification templates %s: %w", path, err)
	}
	var catalogue templateCatalogue
	if err := yaml.Unmarshal(raw, &catalogue); err != nil {
		return nil, fmt.Errorf("config: parse notification templates %s: %w", path, err)
	}
	out := make(map[string]string)
	for instruction, channels := range catalogue {
		for channel, variants := range channels {
			for variant, languages := range variants {
				for lang, id := range languages {
					id = strings.TrimSpace(id)
					if id == "" {
						continue
					}
					key := strings.ToLower(strings.Join([]string{instruction, channel, variant, lang}, "-"))
					out[key] = id
				}
			}
		}
	}
	return out, nil
}

// mergeTemplates lays env entries over the file catalogue.
func mergeTemplates(file, env map[string]string) map[string]string {
	out := make(map[string]string, len(file)+len(env))
	for key, value := range file {
		out[key] = value
	}
	for key, value := range env {
		out[key] = value
	}
	return out
}
