package pathcompression

import "fmt"

// Format selects the archive compression codec.
type Format int

const (
	// TarGz produces gzip-compressed tar archives. This is the default.
	TarGz Format = iota
	// TarZst produces zstd-compressed tar archives.
	TarZst
)

var formatToString = map[Format]string{
	TarGz:  "tar.gz",
	TarZst: "tar.zst",
}

func (f Format) String() string {
	if s, ok := formatToString[f]; ok {
		return s
	}
	return fmt.Sprintf("unknown_format(%d)", int(f))
}

// Extension returns the archive file extension including the leading dot.
func (f Format) Extension() string {
	return "." + f.String()
}

// ParseFormat parses a format name from the tool configuration.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "tar.gz":
		return TarGz, nil
	case "tar.zst":
		return TarZst, nil
	default:
		return TarGz, fmt.Errorf("invalid archive format: %q. Must be 'tar.gz' or 'tar.zst'", s)
	}
}
