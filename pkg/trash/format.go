package trash

import (
	"encoding/json"
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Format represents the archive format of trash entries.
type Format string

const (
	TarGz  Format = "tar.gz"
	TarZst Format = "tar.zst"
)

var formatToString = map[Format]string{
	TarGz:  "tar.gz",
	TarZst: "tar.zst",
}

var stringToFormat map[string]Format

func init() {
	stringToFormat = util.InvertMap(formatToString)
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_trash_format(%s)", string(f))
}

func ParseFormat(s string) (Format, error) {
	if format, ok := stringToFormat[s]; ok {
		return format, nil
	}
	return "", fmt.Errorf("invalid trash format: %q. Must be 'tar.gz' or 'tar.zst'", s)
}

// MarshalJSON implements the json.Marshaler interface for Format.
func (f Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Format.
func (f *Format) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("trash format should be a string, got %s", data)
	}
	return f.UnmarshalText([]byte(s))
}

// MarshalText lets TOML documents carry a Format as a plain string.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(text []byte) error {
	format, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = format
	return nil
}
