// Package maskio persists observation activity masks between iterations of a
// smoothing run. A mask is stored as a byte-serialized boolean vector in a
// file keyed by observation name and iteration index, which is the format the
// surrounding orchestration reads and writes.
package maskio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrFormat reports a mask file whose contents are not a boolean vector.
var ErrFormat = errors.New("maskio: malformed mask file")

// Store holds activity masks under a root directory, one file per
// observation name and iteration.
type Store struct {
	dir string
}

// NewStore creates the root directory if needed and returns a Store over it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(obsName string, iteration int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%04d", obsName, iteration))
}

// Save writes the mask for the named observation set at the given iteration,
// one byte per element.
func (s *Store) Save(obsName string, iteration int, mask []bool) error {
	buf := make([]byte, len(mask))
	for i, active := range mask {
		if active {
			buf[i] = 1
		}
	}
	return os.WriteFile(s.path(obsName, iteration), buf, 0o644)
}

// Load reads a mask previously written by Save.
func (s *Store) Load(obsName string, iteration int) ([]bool, error) {
	buf, err := os.ReadFile(s.path(obsName, iteration))
	if err != nil {
		return nil, err
	}
	mask := make([]bool, len(buf))
	for i, b := range buf {
		switch b {
		case 0:
		case 1:
			mask[i] = true
		default:
			return nil, fmt.Errorf("%w: byte %d is 0x%02x", ErrFormat, i, b)
		}
	}
	return mask, nil
}

// Has reports whether a mask exists for the name and iteration.
func (s *Store) Has(obsName string, iteration int) bool {
	_, err := os.Stat(s.path(obsName, iteration))
	return err == nil
}
