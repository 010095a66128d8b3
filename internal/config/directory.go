package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"attendsync/internal/register"
)

// DirectoryConfig is the root of employees.yaml.
type DirectoryConfig struct {
	Employees []register.Employee `yaml:"employees"`
}

// LoadDirectory loads and validates the employee directory from YAML.
func LoadDirectory(path string) (*DirectoryConfig, error) {
	if path == "" {
		path = "configs/employees.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	return parseDirectory(data)
}

func parseDirectory(data []byte) (*DirectoryConfig, error) {
	var cfg DirectoryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate directory: %w", err)
	}
	return &cfg, nil
}

// Validate checks the directory for errors.
func (c *DirectoryConfig) Validate() error {
	if len(c.Employees) == 0 {
		return fmt.Errorf("no employees defined")
	}

	ids := make(map[string]bool, len(c.Employees))
	punches := make(map[string]bool, len(c.Employees))
	for i, e := range c.Employees {
		if e.ID == "" {
			return fmt.Errorf("employee[%d]: id is required", i)
		}
		if ids[e.ID] {
			return fmt.Errorf("employee[%d]: duplicate id %s", i, e.ID)
		}
		ids[e.ID] = true

		if e.PunchCode == "" {
			return fmt.Errorf("employee %s: punch_code is required", e.ID)
		}
		if punches[e.PunchCode] {
			return fmt.Errorf("employee %s: duplicate punch_code %s", e.ID, e.PunchCode)
		}
		punches[e.PunchCode] = true

		if e.Name == "" {
			return fmt.Errorf("employee %s: name is required", e.ID)
		}
		if len(e.ReportingGroups) == 0 {
			return fmt.Errorf("employee %s: at least one reporting group is required", e.ID)
		}
	}
	return nil
}

// Groups returns every reporting group named in the directory.
func (c *DirectoryConfig) Groups() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range c.Employees {
		for _, g := range e.ReportingGroups {
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	return out
}
