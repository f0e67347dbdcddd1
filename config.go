package dfs

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Config is the per-process configuration. A process may run a control
// node, a storage node, or both; absent sections are nil.
type Config struct {
	Control *ControlConfig   `yaml:"control,omitempty"`
	Store   *StoreNodeConfig `yaml:"store,omitempty"`
}

// ControlConfig configures a control node. Stores pre-populates the
// storage-node registry; nodes not listed here are unknown to the
// control plane.
type ControlConfig struct {
	Addr         string        `yaml:"addr"`
	SnapshotPath string        `yaml:"snapshot_path"`
	Stores       []StoreConfig `yaml:"stores"`
}

// StoreConfig is the control plane's static knowledge of one storage
// node.
type StoreConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// StoreNodeConfig configures a storage node process.
type StoreNodeConfig struct {
	ID          string   `yaml:"id"`
	Addr        string   `yaml:"addr"`
	ControlAddr string   `yaml:"control_addr"`
	DataDir     string   `yaml:"data_dir"`
	BlockSize   ByteSize `yaml:"block_size"`
}

// ByteSize accepts human-readable sizes ("16MB", "1GiB") in YAML.
// yaml.v3 does not consult encoding.TextUnmarshaler, so the datasize
// parser is hooked in here.
type ByteSize datasize.ByteSize

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := datasize.ParseString(s)
	if err != nil {
		return fmt.Errorf("parse byte size %q: %w", s, err)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) Bytes() uint64 {
	return uint64(b)
}

func (b ByteSize) String() string {
	return datasize.ByteSize(b).String()
}

// DefaultBlockSize caps a single block's payload when the config does
// not say otherwise.
const DefaultBlockSize = ByteSize(64 * datasize.MB)

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if c.Control == nil && c.Store == nil {
		return nil, fmt.Errorf("config %s: neither control nor store section present", path)
	}
	if c.Control != nil {
		if c.Control.Addr == "" {
			return nil, fmt.Errorf("config %s: control.addr is required", path)
		}
		seen := make(map[string]bool)
		for _, s := range c.Control.Stores {
			if s.ID == "" || s.Addr == "" {
				return nil, fmt.Errorf("config %s: every store needs id and addr", path)
			}
			if seen[s.ID] {
				return nil, fmt.Errorf("config %s: duplicate store id %s", path, s.ID)
			}
			seen[s.ID] = true
		}
	}
	if c.Store != nil {
		if c.Store.ID == "" || c.Store.Addr == "" || c.Store.ControlAddr == "" || c.Store.DataDir == "" {
			return nil, fmt.Errorf("config %s: store needs id, addr, control_addr and data_dir", path)
		}
		if c.Store.BlockSize == 0 {
			c.Store.BlockSize = DefaultBlockSize
		}
	}
	return &c, nil
}
