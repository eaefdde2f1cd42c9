// Package checkpoint coordinates a barrier-synchronized, stop-the-world
// dump of every vCPU's register state and the guest's dirty/accessed
// memory pages to a numbered on-disk checkpoint directory, and the
// reverse: restoring a chain of checkpoints back into a freshly created
// VM.
//
// Grounded on original_source/uhyve-checkpoint.c's create_checkpoint/
// restore_checkpoint/load_checkpoint_config protocol, reimplemented
// against this project's own page-table walker (pagetable.Walker) in
// place of the KVM dirty-log bitmap the teacher's machine/state.go reads,
// since spec.md's checkpoint engine is defined in terms of an in-guest
// page-table scan rather than an accelerator-reported bitmap.
package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const configFileName = "chk_config.txt"

// ErrInvalidConfig covers a checkpoint configuration file that is
// missing a required key or carries a value that fails validation.
var ErrInvalidConfig = errors.New("checkpoint: invalid configuration")

// Config mirrors the plain-text chk_config.txt manifest: everything a
// restore needs to know about a checkpoint chain besides the chain's own
// data files, per spec.md §3's "Checkpoint Configuration" entry.
type Config struct {
	ApplicationPath  string
	NumCores         uint32
	MemorySize       uint64
	CheckpointNumber uint32
	EntryPoint       uint64
	FullCheckpoint   bool
}

// pageSize is the granularity spec.md's "memory size is a multiple of
// the page size" invariant is checked against.
const pageSize = 4096

// Validate checks the invariants spec.md §3 lists for a checkpoint
// configuration: non-negative counts (guaranteed by the unsigned types
// themselves) and a memory size that is a whole number of pages.
func (c *Config) Validate() error {
	if c.MemorySize%pageSize != 0 {
		return fmt.Errorf("%w: memory size %#x is not a multiple of the page size", ErrInvalidConfig, c.MemorySize)
	}

	if c.ApplicationPath == "" {
		return fmt.Errorf("%w: empty application path", ErrInvalidConfig)
	}

	return nil
}

// LoadConfig reads dir/chk_config.txt.
func LoadConfig(dir string) (*Config, error) {
	f, err := os.Open(filepath.Join(dir, configFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c := &Config{}
	fields := map[string]bool{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if err := c.setField(key, value); err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidConfig, key, err)
		}

		fields[key] = true
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for _, want := range []string{
		"application path", "number of cores", "memory size",
		"checkpoint number", "entry point", "full checkpoint",
	} {
		if !fields[want] {
			return nil, fmt.Errorf("%w: missing key %q", ErrInvalidConfig, want)
		}
	}

	return c, c.Validate()
}

func (c *Config) setField(key, value string) error {
	switch key {
	case "application path":
		c.ApplicationPath = value
	case "number of cores":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}

		c.NumCores = uint32(n)
	case "memory size":
		n, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64)
		if err != nil {
			return err
		}

		c.MemorySize = n
	case "checkpoint number":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}

		c.CheckpointNumber = uint32(n)
	case "entry point":
		n, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64)
		if err != nil {
			return err
		}

		c.EntryPoint = n
	case "full checkpoint":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}

		c.FullCheckpoint = n != 0
	}

	return nil
}

// Save writes dir/chk_config.txt, creating dir if it does not exist yet.
func (c *Config) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	full := 0
	if c.FullCheckpoint {
		full = 1
	}

	body := fmt.Sprintf(
		"application path: %s\n"+
			"number of cores: %d\n"+
			"memory size: 0x%x\n"+
			"checkpoint number: %d\n"+
			"entry point: 0x%x\n"+
			"full checkpoint: %d",
		c.ApplicationPath, c.NumCores, c.MemorySize, c.CheckpointNumber, c.EntryPoint, full,
	)

	return os.WriteFile(filepath.Join(dir, configFileName), []byte(body), 0o600)
}
