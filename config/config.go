// Package config parses the environment variables that configure a uvmm
// guest and exposes the few pure-math helpers (size parsing) the rest of
// the hypervisor needs.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// ErrMissingImage indicates the launcher was not given a guest image path.
var ErrMissingImage = errors.New("missing guest image path argument")

// ErrBadAddress indicates a HERMIT_IP/HERMIT_GATEWAY/HERMIT_MASK value did
// not parse as a dotted-quad IPv4 address.
var ErrBadAddress = errors.New("not a dotted-quad IPv4 address")

// Config holds the fully-parsed launch configuration for one guest.
//
// Precedence is entirely environment-variable driven (spec.md §6); there
// are no command-line flags beyond the single positional image path.
type Config struct {
	ImagePath string

	MemSize int
	NCPUs   int
	Verbose bool

	NetIfName string
	IP        net.IP
	Gateway   net.IP
	Mask      net.IP

	CheckpointIntervalSec int
	FullCheckpoint        bool

	MigrationServer  bool   // HERMIT_MIGRATION_SERVER set: run as destination
	MigrationSupport string // HERMIT_MIGRATION_SUPPORT: destination IP for outgoing migration
	MigrationParams  string // HERMIT_MIGRATION_PARAMS: path to mode/type/odp/prefetch file

	Debug bool

	Mergeable bool
	Hugepage  bool
}

const (
	defaultMemSize = 512 << 20 // 512 MiB, spec.md §3
	defaultNCPUs   = 1

	// MigrationPort is the fixed TCP port a migration destination listens on
	// (spec.md §6: "start as migration destination on port 1337").
	MigrationPort = 1337
)

// Load builds a Config from os.Args and the process environment.
func Load(args []string) (*Config, error) {
	if len(args) < 2 || args[1] == "" {
		return nil, ErrMissingImage
	}

	c := &Config{
		ImagePath: args[1],
		MemSize:   defaultMemSize,
		NCPUs:     defaultNCPUs,
	}

	if v := os.Getenv("HERMIT_MEM"); v != "" {
		sz, err := ParseSize(v, "")
		if err != nil {
			return nil, fmt.Errorf("HERMIT_MEM: %w", err)
		}

		c.MemSize = sz
	}

	if v := os.Getenv("HERMIT_CPUS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("HERMIT_CPUS: %w", err)
		}

		c.NCPUs = n
	}

	c.Verbose = envBool("HERMIT_VERBOSE")
	c.NetIfName = os.Getenv("HERMIT_NETIF")

	var err error

	if c.IP, err = envIPv4("HERMIT_IP"); err != nil {
		return nil, err
	}

	if c.Gateway, err = envIPv4("HERMIT_GATEWAY"); err != nil {
		return nil, err
	}

	if c.Mask, err = envIPv4("HERMIT_MASK"); err != nil {
		return nil, err
	}

	if v := os.Getenv("HERMIT_CHECKPOINT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("HERMIT_CHECKPOINT: %w", err)
		}

		c.CheckpointIntervalSec = n
	}

	c.FullCheckpoint = envBool("HERMIT_FULLCHECKPOINT")
	c.MigrationServer = envBool("HERMIT_MIGRATION_SERVER")
	c.MigrationSupport = os.Getenv("HERMIT_MIGRATION_SUPPORT")
	c.MigrationParams = os.Getenv("HERMIT_MIGRATION_PARAMS")
	c.Debug = envBool("HERMIT_DEBUG")
	c.Mergeable = envBool("HERMIT_MERGEABLE")
	c.Hugepage = envBool("HERMIT_HUGEPAGE")

	return c, nil
}

func envBool(name string) bool {
	v := os.Getenv(name)
	if v == "" {
		return false
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		// Non-numeric but set and non-empty: treat as "on", matching the
		// original's "non-zero" wording loosely applied to free-form env.
		return true
	}

	return n != 0
}

func envIPv4(name string) (net.IP, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, nil
	}

	ip := net.ParseIP(v).To4()
	if ip == nil {
		return nil, fmt.Errorf("%s=%q: %w", name, v, ErrBadAddress)
	}

	return ip, nil
}

// ParseSize parses a size string as number[kKmMgGtTpPeE]. The multiplier is
// optional; if the string carries no suffix, unit is used instead. Suffixes
// are powers of 1024 (spec.md §6).
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "kKmMgGtTpPeE")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[kKmMgGtTpPeE]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "E", "e":
		return int(amt) << 60, nil
	case "P", "p":
		return int(amt) << 50, nil
	case "T", "t":
		return int(amt) << 40, nil
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[kKmMgGtTpPeE]: %w", s, strconv.ErrSyntax)
}
