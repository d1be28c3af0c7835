package codec

import (
	"fmt"
	"testing"

	"daysync/internal/config"
)

func TestNewCodecFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfgType  string
		wantType string
		wantErr  bool
	}{
		{name: "default", cfgType: "", wantType: "codec.CompactCodec"},
		{name: "compact", cfgType: "compact", wantType: "codec.CompactCodec"},
		{name: "plain", cfgType: "plain", wantType: "codec.PlainCodec"},
		{name: "age", cfgType: "age", wantType: "*codec.AgeCodec"},
		{name: "unknown", cfgType: "gzip", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewCodecFromConfig(config.CodecConfig{Type: tt.cfgType})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewCodecFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if gotType := typeName(got); gotType != tt.wantType {
				t.Errorf("NewCodecFromConfig() type = %s, want %s", gotType, tt.wantType)
			}
		})
	}
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
