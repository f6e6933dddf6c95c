// Package zeropsyml parses the per-repository zerops.yml build/run document.
// A document may carry setup blocks for several hostnames. Each block is kept
// as the decoded tree, so it marshals back with the keys it was read with and
// can be handed to another service verbatim.
package zeropsyml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrEmptyDocument = errors.New("zerops.yml has no setup blocks")

type Document struct {
	Zerops []*Block `yaml:"zerops" json:"zerops"`
}

// Block is one `zerops[]` entry, addressed by its setup key.
type Block struct {
	fields map[string]any
}

// NewBlock builds a block from a decoded tree. The tree is copied.
func NewBlock(fields map[string]any) *Block {
	b := &Block{}
	b.set(fields)
	return b
}

func (b *Block) set(fields map[string]any) {
	m, _ := normalize(fields).(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	b.fields = m
}

func (b *Block) UnmarshalYAML(value *yaml.Node) error {
	var m map[string]any
	if err := value.Decode(&m); err != nil {
		return err
	}
	b.set(m)
	return nil
}

func (b Block) MarshalYAML() (any, error) {
	return b.fields, nil
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	b.set(m)
	return nil
}

func (b Block) MarshalJSON() ([]byte, error) {
	if b.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(b.fields)
}

// Parse decodes a zerops.yml document. Blocks without a setup name are dropped.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse zerops.yml: %w", err)
	}
	blocks := doc.Zerops[:0]
	for _, b := range doc.Zerops {
		if b == nil || strings.TrimSpace(b.Setup()) == "" {
			continue
		}
		blocks = append(blocks, b)
	}
	doc.Zerops = blocks
	if len(doc.Zerops) == 0 {
		return nil, ErrEmptyDocument
	}
	return &doc, nil
}

// Block returns the block whose setup matches hostname, or nil.
func (d *Document) Block(hostname string) *Block {
	if d == nil {
		return nil
	}
	for _, b := range d.Zerops {
		if b.Setup() == hostname {
			return b
		}
	}
	return nil
}

// Setups lists the hostnames the document carries blocks for.
func (d *Document) Setups() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.Zerops))
	for _, b := range d.Zerops {
		out = append(out, b.Setup())
	}
	return out
}

// Clone deep-copies the block.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	return NewBlock(b.fields)
}

func (b *Block) Setup() string {
	if b == nil {
		return ""
	}
	s, _ := b.fields["setup"].(string)
	return s
}

func (b *Block) section(name string) map[string]any {
	if b == nil {
		return nil
	}
	m, _ := b.fields[name].(map[string]any)
	return m
}

func (b *Block) StartCommand() string {
	s, _ := b.section("run")["start"].(string)
	return strings.TrimSpace(s)
}

// Port returns the first declared run port, 0 when none.
func (b *Block) Port() int {
	ports, _ := b.section("run")["ports"].([]any)
	for _, p := range ports {
		entry, _ := p.(map[string]any)
		if n := toInt(entry["port"]); n > 0 {
			return n
		}
	}
	return 0
}

// BuildCommand joins build.buildCommands with &&. A single string is accepted.
func (b *Block) BuildCommand() string {
	switch v := b.section("build")["buildCommands"].(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		cmds := make([]string, 0, len(v))
		for _, c := range v {
			if s, ok := c.(string); ok && strings.TrimSpace(s) != "" {
				cmds = append(cmds, s)
			}
		}
		return strings.Join(cmds, " && ")
	}
	return ""
}

// EnvVariables returns run.envVariables with scalar values rendered as text.
func (b *Block) EnvVariables() map[string]string {
	env, _ := b.section("run")["envVariables"].(map[string]any)
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = scalarString(v)
	}
	return out
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		if n == math.Trunc(n) {
			return int(n)
		}
	}
	return 0
}

func scalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		if s == math.Trunc(s) && math.Abs(s) < 1e15 {
			return fmt.Sprintf("%d", int64(s))
		}
	}
	return fmt.Sprint(v)
}

// normalize deep-copies a decoded tree, turning the map[any]any yaml.v3
// produces for non-string keys into map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
