package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CucumberKing/nye.countdown/go/internal/party"
)

type contentFile struct {
	Emojis            []string `yaml:"emojis"`
	GreetingTemplates []string `yaml:"greeting_templates"`
}

// LoadContent returns the reactions and greeting templates. Lists present in
// the YAML file at path replace the defaults; an empty path keeps them.
func LoadContent(path string, defaults party.Content) (party.Content, error) {
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return party.Content{}, fmt.Errorf("failed to read content file: %w", err)
	}

	var file contentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return party.Content{}, fmt.Errorf("failed to parse content file: %w", err)
	}

	content := defaults
	if len(file.Emojis) > 0 {
		content.Emojis = file.Emojis
	}
	if len(file.GreetingTemplates) > 0 {
		content.GreetingTemplates = file.GreetingTemplates
	}

	if err := validateContent(content); err != nil {
		return party.Content{}, fmt.Errorf("invalid content file %s: %w", path, err)
	}
	return content, nil
}

func validateContent(c party.Content) error {
	for _, e := range c.Emojis {
		if strings.TrimSpace(e) == "" {
			return errors.New("emojis must not be blank")
		}
	}
	for i, t := range c.GreetingTemplates {
		if !strings.Contains(t, "{location}") {
			return fmt.Errorf("greeting template %d has no {location} placeholder", i)
		}
	}
	return nil
}
