package config

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidSize is returned by ParseSize for malformed or non-positive
// sizes.
var ErrInvalidSize = errors.New("invalid size")

// ParseSize parses a sample count with an optional unit suffix: 'k' or 'K'
// multiplies by 1e3 and 'M' by 1e6.
//
//	"5"  -> 5
//	"2k" -> 2000
//	"3M" -> 3000000
//
// Zero, negative, empty and non-numeric values are rejected.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidSize)
	}

	mult := int64(1)
	num := s
	switch s[len(s)-1] {
	case 'k', 'K':
		mult, num = 1_000, s[:len(s)-1]
	case 'M':
		mult, num = 1_000_000, s[:len(s)-1]
	}

	val, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %q", ErrInvalidSize, s)
	}
	if val <= 0 {
		return 0, fmt.Errorf("%w %q: must be positive", ErrInvalidSize, s)
	}
	if val > (1<<63-1)/mult {
		return 0, fmt.Errorf("%w %q: out of range", ErrInvalidSize, s)
	}
	return val * mult, nil
}
