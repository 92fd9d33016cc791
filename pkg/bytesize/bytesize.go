// Package bytesize parses and formats the byte sizes used in configuration
// files, such as chunk sizes and frame limits.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

var units = map[string]int64{
	"":    B,
	"B":   B,
	"K":   KB,
	"KB":  KB,
	"KI":  KB,
	"KIB": KB,
	"M":   MB,
	"MB":  MB,
	"MI":  MB,
	"MIB": MB,
	"G":   GB,
	"GB":  GB,
	"GI":  GB,
	"GIB": GB,
	"T":   TB,
	"TB":  TB,
	"TI":  TB,
	"TIB": TB,
}

// Parse parses a size such as "4MB", "1.5 GiB", "512k" or "1024" into bytes.
// Units are binary and case-insensitive; a bare number is a byte count.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	split := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	number, unit := s, ""
	if split >= 0 {
		number, unit = s[:split], strings.TrimSpace(s[split:])
	}
	if number == "" {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", number, err)
	}

	multiplier, ok := units[strings.ToUpper(unit)]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", unit)
	}

	return int64(value * float64(multiplier)), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders a byte count with the largest unit that keeps the value >= 1.
func Format(n int64) string {
	switch {
	case n >= TB:
		return fmt.Sprintf("%.2f TB", float64(n)/float64(TB))
	case n >= GB:
		return fmt.Sprintf("%.2f GB", float64(n)/float64(GB))
	case n >= MB:
		return fmt.Sprintf("%.2f MB", float64(n)/float64(MB))
	case n >= KB:
		return fmt.Sprintf("%.2f KB", float64(n)/float64(KB))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// Size is a byte count that unmarshals from YAML as either an integer or a
// string with units ("4MB", "64KiB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("size must be a scalar, got yaml kind %d", value.Kind)
	}

	n, err := Parse(value.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	*s = Size(n)
	return nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	return Format(int64(s))
}
