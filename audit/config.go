package audit

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigError reports a malformed reconciliation template.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// reservedQueryKeys are template keys that modify a query rather than name its field.
var reservedQueryKeys = map[string]bool{
	"pattern":    true,
	"timeformat": true,
	"timezone":   true,
	"validate":   true,
}

// Query maps one canonical field (e.g. session.label) to a transfer-log column.
//
// A query document must contain exactly one non-reserved key: the field name.
// Its value is the column name, or boolean false meaning the field has no
// transfer-log column and only discriminates rows on the Flywheel side.
type Query struct {
	Field      string
	Column     string
	Virtual    bool
	Pattern    string
	TimeFormat string
	Timezone   string
	Validate   string

	pattern  *regexp.Regexp
	validate *regexp.Regexp
}

func (q *Query) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind != yaml.MappingNode {
		return &ConfigError{Msg: "malformed query: expected a mapping"}
	}
	fields := 0
	for i := 0; i+1 < len(value.Content); i += 2 {
		k := strings.TrimSpace(value.Content[i].Value)
		v := value.Content[i+1]
		if reservedQueryKeys[k] {
			if err := v.Decode(reservedTarget(q, k)); err != nil {
				return err
			}
			continue
		}
		fields++
		q.Field = k
		switch v.Kind {
		case yaml.ScalarNode:
			var noColumn bool
			if err := v.Decode(&noColumn); err == nil && v.Tag == "!!bool" {
				if noColumn {
					return &ConfigError{Msg: fmt.Sprintf("malformed query %q: column must be a name or false", k)}
				}
				q.Virtual = true
				continue
			}
			q.Column = strings.TrimSpace(v.Value)
		default:
			return &ConfigError{Msg: fmt.Sprintf("malformed query %q: column must be a name or false", k)}
		}
	}
	if fields != 1 {
		return &ConfigError{Msg: fmt.Sprintf("malformed query: expected exactly one field key, got %d", fields)}
	}
	return nil
}

func reservedTarget(q *Query, key string) any {
	switch key {
	case "pattern":
		return &q.Pattern
	case "timeformat":
		return &q.TimeFormat
	case "timezone":
		return &q.Timezone
	default:
		return &q.Validate
	}
}

// aliasTable inverts the template's canonical -> [aliases] mapping into an
// alias -> canonical lookup. Later declarations overwrite earlier ones, and a
// canonical that was itself declared as an alias chains one hop to its own
// canonical value.
type aliasTable map[string]string

func (t *aliasTable) UnmarshalYAML(value *yaml.Node) error {
	out := make(map[string]string)
	if value != nil && value.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(value.Content); i += 2 {
			canonical := value.Content[i].Value
			if mapped, ok := out[canonical]; ok {
				canonical = mapped
			}
			var aliases []string
			if err := value.Content[i+1].Decode(&aliases); err != nil {
				return err
			}
			for _, a := range aliases {
				out[a] = canonical
			}
		}
	}
	*t = out
	return nil
}

// Config is the parsed reconciliation template.
type Config struct {
	Queries []Query    `yaml:"query"`
	Join    string     `yaml:"join"`
	Aliases aliasTable `yaml:"mappings"`

	CaseInsensitive     bool `yaml:"case_insensitive"`
	MatchContainersOnce bool `yaml:"match_containers_once"`
}

// ParseConfig parses a YAML template document into a Config.
func ParseConfig(doc []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads and parses the template file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

func (c *Config) finalize() error {
	if strings.TrimSpace(c.Join) == "" {
		c.Join = "session"
	}
	if c.Aliases == nil {
		c.Aliases = aliasTable{}
	}
	// The container id rides along as a virtual query so every Flywheel row
	// carries its identity through normalization and into the report.
	idField := c.IDField()
	hasID := false
	for _, q := range c.Queries {
		if q.Field == idField {
			hasID = true
			break
		}
	}
	if !hasID {
		c.Queries = append(c.Queries, Query{Field: idField, Virtual: true})
	}
	for i := range c.Queries {
		q := &c.Queries[i]
		if q.Pattern != "" {
			re, err := regexp.Compile(q.Pattern)
			if err != nil {
				return &ConfigError{Msg: fmt.Sprintf("query %q: bad pattern %q: %v", q.Field, q.Pattern, err)}
			}
			q.pattern = re
		}
		if q.Validate != "" {
			re, err := regexp.Compile(q.Validate)
			if err != nil {
				return &ConfigError{Msg: fmt.Sprintf("query %q: bad validate pattern %q: %v", q.Field, q.Validate, err)}
			}
			q.validate = re
		}
	}
	return nil
}

// IDField names the synthetic discriminator column for the join container type.
func (c *Config) IDField() string {
	return c.Join + ".id"
}

// RealQueries returns the queries backed by a transfer-log column.
func (c *Config) RealQueries() []Query {
	out := make([]Query, 0, len(c.Queries))
	for _, q := range c.Queries {
		if !q.Virtual {
			out = append(out, q)
		}
	}
	return out
}

func (c *Config) resolveAlias(v string) string {
	if mapped, ok := c.Aliases[v]; ok {
		return mapped
	}
	return v
}
