package scale

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextDecoder(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  float64
		ok    bool
	}{
		{"ascii readout", []byte("ST,GS,+  12.345kg"), 12.345, true},
		{"ascii negative", []byte("-3.5 KG"), 3.5, true},
		{"ascii padded", []byte("  0.80kg\r\n"), 0.8, true},
		{"binary metric", []byte{0x00, 0xE8, 0x03}, 5.0, true},
		{"binary imperial", []byte{0x01, 0xE8, 0x03}, 5.0 * poundsToKg, true},
		{"binary below resolution", []byte{0x00, 0x01, 0x00}, 0, false},
		{"too short", []byte{0x00}, 0, false},
		{"empty", nil, 0, false},
	}

	var d TextDecoder
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, stable, ok := d.Decode(tt.frame)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-3)
				assert.True(t, stable)
			}
		})
	}
}

func TestDecoderFunc(t *testing.T) {
	d := DecoderFunc(func(frame []byte) (float64, bool, bool) {
		return float64(len(frame)), false, true
	})

	w, stable, ok := d.Decode([]byte{1, 2, 3})
	assert.True(t, ok)
	assert.False(t, stable)
	assert.Equal(t, 3.0, w)
}
