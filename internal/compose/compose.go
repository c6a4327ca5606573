// Package compose parses docker compose manifests and .env files as found
// in site directories on the managed host.
package compose

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/siteflow/siteflow/internal/model"
)

// Candidates lists the compose file names probed in a site directory, in
// priority order. The first existing file wins.
var Candidates = []string{
	"docker-compose.yml",
	"docker-compose.yaml",
	"compose.yml",
	"compose.yaml",
}

// Project is the subset of a compose manifest the daemon cares about.
type Project struct {
	Services map[string]Service `yaml:"services"`
}

// Service describes one compose service.
type Service struct {
	Image         string      `yaml:"image"`
	Build         *BuildSpec  `yaml:"build"`
	ContainerName string      `yaml:"container_name"`
	Ports         PortList    `yaml:"ports"`
	Labels        Labels      `yaml:"labels"`
	Environment   Environment `yaml:"environment"`
	Volumes       VolumeList  `yaml:"volumes"`
}

// BuildSpec accepts both the short string and long map build forms.
type BuildSpec struct {
	Context string
}

func (b *BuildSpec) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		b.Context = s
		return nil
	}
	var long struct {
		Context string `yaml:"context"`
	}
	if err := value.Decode(&long); err != nil {
		return fmt.Errorf("invalid build spec: %w", err)
	}
	b.Context = long.Context
	return nil
}

// Labels accepts both the map form and the "key=value" list form.
type Labels map[string]string

func (l *Labels) UnmarshalYAML(value *yaml.Node) error {
	m, err := decodeKeyValues(value)
	if err != nil {
		return fmt.Errorf("invalid labels: %w", err)
	}
	*l = m
	return nil
}

// Environment accepts both the map form and the "KEY=VALUE" list form.
type Environment map[string]string

func (e *Environment) UnmarshalYAML(value *yaml.Node) error {
	m, err := decodeKeyValues(value)
	if err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	*e = m
	return nil
}

func decodeKeyValues(value *yaml.Node) (map[string]string, error) {
	switch value.Kind {
	case yaml.MappingNode:
		raw := map[string]any{}
		if err := value.Decode(&raw); err != nil {
			return nil, err
		}
		m := make(map[string]string, len(raw))
		for k, v := range raw {
			if v == nil {
				m[k] = ""
				continue
			}
			m[k] = fmt.Sprintf("%v", v)
		}
		return m, nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return nil, err
		}
		m := make(map[string]string, len(items))
		for _, item := range items {
			k, v, _ := strings.Cut(item, "=")
			m[k] = v
		}
		return m, nil
	default:
		return nil, fmt.Errorf("expected map or list, got yaml kind %d", value.Kind)
	}
}

// PortList accepts scalar entries ("8080:80", 80) and long-form maps,
// normalized to the short string syntax.
type PortList []string

func (p *PortList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("invalid ports: expected list")
	}
	var out []string
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, item.Value)
		case yaml.MappingNode:
			var long struct {
				Target    int    `yaml:"target"`
				Published string `yaml:"published"`
				Protocol  string `yaml:"protocol"`
			}
			if err := item.Decode(&long); err != nil {
				return fmt.Errorf("invalid port entry: %w", err)
			}
			s := strconv.Itoa(long.Target)
			if long.Published != "" {
				s = long.Published + ":" + s
			}
			if long.Protocol != "" {
				s += "/" + long.Protocol
			}
			out = append(out, s)
		default:
			return fmt.Errorf("invalid port entry")
		}
	}
	*p = out
	return nil
}

// VolumeList accepts short string mounts and long-form maps, normalized to
// "source:target".
type VolumeList []string

func (v *VolumeList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("invalid volumes: expected list")
	}
	var out []string
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, item.Value)
		case yaml.MappingNode:
			var long struct {
				Source string `yaml:"source"`
				Target string `yaml:"target"`
			}
			if err := item.Decode(&long); err != nil {
				return fmt.Errorf("invalid volume entry: %w", err)
			}
			out = append(out, long.Source+":"+long.Target)
		default:
			return fmt.Errorf("invalid volume entry")
		}
	}
	*v = out
	return nil
}

// Parse decodes a compose manifest.
func Parse(data []byte) (*Project, error) {
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing compose file: %w", err)
	}
	if len(p.Services) == 0 {
		return nil, fmt.Errorf("compose file defines no services")
	}
	return &p, nil
}

// ParsePort normalizes a compose port spec to a mapping. Supported forms:
// "80", "8080:80", "127.0.0.1:8080:80", each with an optional "/proto"
// suffix.
func ParsePort(spec string) (model.PortMapping, error) {
	pm := model.PortMapping{Protocol: "tcp"}

	rest := spec
	if body, proto, ok := cutLast(spec, "/"); ok {
		rest = body
		pm.Protocol = proto
	}

	parts := strings.Split(rest, ":")
	var pubStr, privStr string
	switch len(parts) {
	case 1:
		privStr = parts[0]
	case 2:
		pubStr, privStr = parts[0], parts[1]
	case 3:
		pubStr, privStr = parts[1], parts[2] // host ip dropped
	default:
		return pm, fmt.Errorf("port spec %q: too many colons", spec)
	}

	priv, err := strconv.Atoi(strings.TrimSpace(privStr))
	if err != nil || priv < 1 || priv > 65535 {
		return pm, fmt.Errorf("port spec %q: invalid container port", spec)
	}
	pm.Private = priv

	if pubStr != "" {
		pub, err := strconv.Atoi(strings.TrimSpace(pubStr))
		if err != nil || pub < 1 || pub > 65535 {
			return pm, fmt.Errorf("port spec %q: invalid host port", spec)
		}
		pm.Public = pub
	}
	return pm, nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}

// ParseEnvFile extracts KEY=VALUE pairs from a .env file. Comment lines,
// blank lines and malformed entries are skipped; an optional "export "
// prefix and surrounding quotes are stripped.
func ParseEnvFile(data []byte) map[string]string {
	env := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		val = strings.TrimSpace(val)
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}
		env[key] = val
	}
	return env
}

// expandPattern matches ${VAR} and ${VAR:-default} references.
var expandPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Expand substitutes ${VAR} and ${VAR:-default} references using env.
// Unset variables without a default expand to the empty string.
func Expand(s string, env map[string]string) string {
	return expandPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := expandPattern.FindStringSubmatch(match)
		if v, ok := env[groups[1]]; ok && v != "" {
			return v
		}
		if groups[2] != "" {
			return groups[3]
		}
		return env[groups[1]]
	})
}
