package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/KevinKickass/OpenMachineIO/internal/types"
	"gopkg.in/yaml.v3"
)

// ErrUnknownModel indicates a topology references a model that is neither
// built in nor declared in the file.
var ErrUnknownModel = errors.New("unknown device model")

// Topology describes the chain layout: the primary board followed by
// expansion boards, in bus order.
type Topology struct {
	Primary    string              `yaml:"primary"`
	Expansions []string            `yaml:"expansions"`
	Models     []types.DeviceModel `yaml:"models"`
}

// LoadFile reads a YAML topology file and builds the catalog from it.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	return c, nil
}

// Parse validates a YAML topology document and builds the catalog from it.
func Parse(data []byte) (*Catalog, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}

	// The schema validator works on JSON values.
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert topology: %w", err)
	}
	if err := validator.ValidateTopology(asJSON); err != nil {
		return nil, err
	}

	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal topology: %w", err)
	}
	return topo.Build()
}

// Build resolves model names and assigns addresses.
func (t *Topology) Build() (*Catalog, error) {
	known := BuiltinModels()
	for _, m := range t.Models {
		known[m.Name] = m
	}

	names := append([]string{t.Primary}, t.Expansions...)
	models := make([]types.DeviceModel, 0, len(names))
	for _, name := range names {
		m, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
		}
		models = append(models, m)
	}
	return New(models), nil
}
