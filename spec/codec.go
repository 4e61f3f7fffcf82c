package spec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/weave/errors"
)

type wireSpec struct {
	Name      string            `json:"name"`
	Runnables orderedRunnables  `json:"runnables"`
	Orders    []Order           `json:"orders"`
	Handler   *EventHandlerSpec `json:"handler,omitempty"`
}

// orderedRunnables encodes as a JSON object keyed by runnable name, keeping the
// key order of the slice in both directions.
type orderedRunnables []RuntimeSpec

func (o orderedRunnables) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, rt := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(rt.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(rt)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o *orderedRunnables) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("runnables: expected object, got %v", tok)
	}

	var out orderedRunnables
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key := tok.(string)

		var rt RuntimeSpec
		if err := dec.Decode(&rt); err != nil {
			return fmt.Errorf("runnable %q: %w", key, err)
		}
		if rt.Name == "" {
			rt.Name = key
		} else if rt.Name != key {
			return fmt.Errorf("runnable keyed %q is named %q", key, rt.Name)
		}
		out = append(out, rt)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*o = out
	return nil
}

// UnmarshalJSON rejects unknown order types.
func (t *OrderType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	ot := OrderType(strings.ToUpper(s))
	if !ot.Valid() {
		return fmt.Errorf("%w: unknown order type %q", errors.ErrInvalidSpecification, s)
	}
	*t = ot
	return nil
}

// MarshalJSON encodes the specification. The handler key is omitted when the
// specification has no event handler.
func (s *Specification) MarshalJSON() ([]byte, error) {
	w := wireSpec{
		Name:      s.name,
		Runnables: orderedRunnables(s.runnables),
		Orders:    s.orders,
		Handler:   s.handler,
	}
	if w.Orders == nil {
		w.Orders = []Order{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes and validates a specification.
func (s *Specification) UnmarshalJSON(data []byte) error {
	var w wireSpec
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidSpecification, err),
			"spec", "UnmarshalJSON", "decode specification")
	}

	decoded, err := New(w.Name, w.Runnables, w.Orders, w.Handler)
	if err != nil {
		return err
	}
	*s = *decoded
	return nil
}

// Decode parses a JSON specification.
func Decode(data []byte) (*Specification, error) {
	var s Specification
	if err := json.Unmarshal(data, &s); err != nil {
		if errors.Is(err, errors.ErrInvalidSpecification) {
			return nil, err
		}
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidSpecification, err),
			"spec", "Decode", "decode specification")
	}
	return &s, nil
}

// Encode renders a specification as JSON.
func Encode(s *Specification) ([]byte, error) {
	return json.Marshal(s)
}

// LoadFile reads a specification from a .json, .yaml or .yml file. YAML documents
// use the same keys as the JSON form.
func LoadFile(path string) (*Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "spec", "LoadFile", "read specification file")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidSpecification, err),
				"spec", "LoadFile", "parse YAML")
		}
		var buf bytes.Buffer
		if err := yamlToJSON(&buf, &doc); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidSpecification, err),
				"spec", "LoadFile", "convert YAML")
		}
		data = buf.Bytes()
	}

	return Decode(data)
}

// yamlToJSON writes node as JSON, keeping mapping key order so runnables keep
// their declared order.
func yamlToJSON(buf *bytes.Buffer, node *yaml.Node) error {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return yamlToJSON(buf, node.Content[0])
	case yaml.AliasNode:
		return yamlToJSON(buf, node.Alias)
	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(node.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(node.Content[i].Value)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := yamlToJSON(buf, node.Content[i+1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, item := range node.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := yamlToJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case yaml.ScalarNode:
		var v any
		if err := node.Decode(&v); err != nil {
			return err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
	default:
		return fmt.Errorf("unsupported YAML node kind %d at line %d", node.Kind, node.Line)
	}
	return nil
}
