package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Common size constants
const (
	Byte     int64 = 1
	KiloByte int64 = 1024
	MegaByte int64 = 1024 * KiloByte
	GigaByte int64 = 1024 * MegaByte
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseSize parses sizes like "512KiB", "4MB" or "65536" into bytes.
// KB/MB/GB are decimal; K/M/G and KiB/MiB/GiB are binary.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size: %s", s)
		}
		return n, nil
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '512KiB', '4MB')", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", m[1])
	}

	multiplier, ok := multipliers[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, KiB, MiB, GiB)", m[2])
	}

	size := value * float64(multiplier)
	if size > float64(1<<62) {
		return 0, fmt.Errorf("size overflow: %s", s)
	}
	return int64(size), nil
}

var multipliers = map[string]int64{
	"B": Byte, "BYTE": Byte, "BYTES": Byte,

	"KB": 1000,
	"MB": 1000 * 1000,
	"GB": 1000 * 1000 * 1000,

	"K": KiloByte, "KIB": KiloByte,
	"M": MegaByte, "MIB": MegaByte,
	"G": GigaByte, "GIB": GigaByte,
}

// FormatSize renders bytes with binary units: 512 B, 1.5 KB, 4 MB
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < KiloByte {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB"}
	value := float64(bytes) / float64(KiloByte)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}

	switch {
	case value == float64(int64(value)):
		return fmt.Sprintf("%.0f %s", value, units[i])
	case value*10 == float64(int64(value*10)):
		return fmt.Sprintf("%.1f %s", value, units[i])
	default:
		return fmt.Sprintf("%.2f %s", value, units[i])
	}
}
