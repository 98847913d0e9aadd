package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AMIRef is either a literal AMI id or an AMI type ("gpu", "cpu", "neuron") resolved per region through
// the AMI mapping file. The {{gpu}} placeholder renders to the one-key mapping {gpu}.
type AMIRef struct {
	ID   string
	Type string
}

func (a *AMIRef) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		a.ID = n.Value
		return nil
	case yaml.MappingNode:
		if len(n.Content) != 2 {
			return fmt.Errorf("line %d: AMI mapping must have exactly one key", n.Line)
		}
		typ := n.Content[0].Value
		switch typ {
		case "gpu", "cpu", "neuron":
		default:
			return fmt.Errorf("line %d: unknown AMI type %q", n.Line, typ)
		}
		a.Type = typ
		if v := n.Content[1]; v.Kind == yaml.ScalarNode && v.Tag != "!!null" && v.Value != "" {
			a.ID = v.Value
		}
		return nil
	default:
		return fmt.Errorf("line %d: ami_id must be an AMI id or a type mapping", n.Line)
	}
}

func (a AMIRef) IsZero() bool {
	return a.ID == "" && a.Type == ""
}

func (a AMIRef) String() string {
	if a.ID != "" {
		return a.ID
	}
	return "{" + a.Type + "}"
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", n.Line)
	}
	if secs, err := strconv.ParseFloat(n.Value, 64); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	parsed, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", n.Line, n.Value, err)
	}
	*d = Duration(parsed)
	return nil
}
