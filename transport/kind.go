package transport

import (
	"strings"

	"github.com/pkg/errors"
)

// Kind selects the byte encoding applied beneath the segment framing.
type Kind uint8

const (
	Raw    Kind = 0x1 // Raw writes framed messages unchanged.
	Packed Kind = 0x2 // Packed applies Cap'n Proto word packing.
	Zstd   Kind = 0x3 // Zstd applies Zstandard stream compression.
	S2     Kind = 0x4 // S2 applies S2 stream compression.
	LZ4    Kind = 0x5 // LZ4 applies LZ4 frame compression.
)

// ErrUnknownKind is returned for unrecognized transport kinds.
var ErrUnknownKind = errors.New("transport: unknown kind")

func (k Kind) String() string {
	switch k {
	case Raw:
		return "Raw"
	case Packed:
		return "Packed"
	case Zstd:
		return "Zstd"
	case S2:
		return "S2"
	case LZ4:
		return "LZ4"
	default:
		return "Unknown"
	}
}

// ParseKind returns the Kind named by s, case-insensitively.
// The empty string selects Raw.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw", "none":
		return Raw, nil
	case "packed":
		return Packed, nil
	case "zstd":
		return Zstd, nil
	case "s2":
		return S2, nil
	case "lz4":
		return LZ4, nil
	default:
		return 0, errors.Wrapf(ErrUnknownKind, "%q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
