package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/gluk-w/claworc/shell-relay/internal/shell"
)

// Profiles maps operator-defined names to command specs. Clients select a
// profile by name; only profiles may target non-local backends.
type Profiles map[string]shell.CommandSpec

type profilesFile struct {
	Profiles Profiles `yaml:"profiles"`
}

// LoadProfiles reads a YAML profiles file:
//
//	profiles:
//	  web-shell:
//	    backend: kubernetes
//	    target: app=web/main
//	    command: /bin/bash
//	    tty: true
//
// An empty path yields no profiles.
func LoadProfiles(path string) (Profiles, error) {
	if path == "" {
		return Profiles{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes and validates profile YAML.
func ParseProfiles(data []byte) (Profiles, error) {
	var f profilesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if f.Profiles == nil {
		return Profiles{}, nil
	}
	for name, spec := range f.Profiles {
		switch spec.Backend {
		case "", shell.BackendLocal, shell.BackendDocker, shell.BackendKubernetes, shell.BackendSSH:
		default:
			return nil, fmt.Errorf("profile %q: unknown backend %q", name, spec.Backend)
		}
		if (spec.Backend == shell.BackendDocker || spec.Backend == shell.BackendKubernetes) && spec.Target == "" {
			return nil, fmt.Errorf("profile %q: %s backend requires a target", name, spec.Backend)
		}
		f.Profiles[name] = spec.Normalize()
	}
	return f.Profiles, nil
}

// Names lists profile names in order.
func (p Profiles) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
