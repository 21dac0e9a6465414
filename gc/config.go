package gc

import (
	"fmt"
	"os"
	"strconv"

	"github.com/mpl-run/hhgc/deque"
)

// Environment variable names for ConfigFromEnv, in the same
// HHGC_-prefixed vein as the teacher's AIS_MINMEM_* family
// (memsys/mmsa.go's env method).
const (
	envMinLocalLevel   = "HHGC_MIN_LOCAL_LEVEL"
	envCollectionLevel = "HHGC_COLLECTION_LEVEL"
	envDequeCapacity   = "HHGC_DEQUE_CAPACITY"
)

// DefaultConfig returns the policy a freshly constructed worker runs
// with absent any environment override: local collection enabled down
// to level 0, using the deque's own default capacity.
func DefaultConfig() Config {
	return Config{
		MinLocalLevel:   0,
		CollectionLevel: LevelLocal,
		DequeCapacity:   deque.DefaultCapacity,
	}
}

// ConfigFromEnv starts from DefaultConfig and applies whichever of
// HHGC_MIN_LOCAL_LEVEL, HHGC_COLLECTION_LEVEL, and HHGC_DEQUE_CAPACITY
// are set, the same per-variable "parse if present, else leave the
// default" shape as memsys/mmsa.go's env() method for AIS_MINMEM_*.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if a := os.Getenv(envMinLocalLevel); a != "" {
		v, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("cannot parse %s %q: %v", envMinLocalLevel, a, err)
		}
		cfg.MinLocalLevel = uint32(v)
	}

	if a := os.Getenv(envCollectionLevel); a != "" {
		lvl, err := parseCollectionLevel(a)
		if err != nil {
			return Config{}, fmt.Errorf("cannot parse %s %q: %v", envCollectionLevel, a, err)
		}
		cfg.CollectionLevel = lvl
	}

	if a := os.Getenv(envDequeCapacity); a != "" {
		v, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("cannot parse %s %q: %v", envDequeCapacity, a, err)
		}
		cfg.DequeCapacity = v
	}

	return cfg, nil
}

func parseCollectionLevel(s string) (CollectionLevel, error) {
	switch s {
	case "NONE":
		return LevelNone, nil
	case "LOCAL":
		return LevelLocal, nil
	case "SUPERLOCAL":
		return LevelSuperlocal, nil
	default:
		return 0, fmt.Errorf("must be one of NONE, LOCAL, SUPERLOCAL")
	}
}
