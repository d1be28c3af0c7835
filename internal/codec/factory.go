package codec

import (
	"fmt"

	"daysync/internal/config"
	"daysync/internal/daysync"
)

// NewCodecFromConfig creates a Codec based on the configuration type.
// An age codec compacts values before encrypting them.
func NewCodecFromConfig(cfg config.CodecConfig) (daysync.Codec, error) {
	switch cfg.Type {
	case "compact", "":
		return CompactCodec{}, nil
	case "plain":
		return PlainCodec{}, nil
	case "age":
		return NewAgeCodec(cfg, CompactCodec{}), nil
	default:
		return nil, fmt.Errorf("unknown codec type: %q", cfg.Type)
	}
}
