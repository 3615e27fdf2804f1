package scale

import (
	"encoding/binary"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Decoder turns a raw weight notification into kilograms.
type Decoder interface {
	// Decode returns ok=false for frames that carry no usable weight.
	Decode(frame []byte) (weight float64, stable bool, ok bool)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(frame []byte) (float64, bool, bool)

func (f DecoderFunc) Decode(frame []byte) (float64, bool, bool) { return f(frame) }

const (
	maxWeightKg = 1000

	// binary frames: flags byte, then little-endian weight in 5 g steps
	binaryResolutionKg = 0.005
	poundsToKg         = 0.453592
	flagImperial       = 0x01
)

var asciiWeight = regexp.MustCompile(`(?i)([+-]?\s*\d+\.?\d*)\s*KG`)

// TextDecoder understands the two framings seen on common retail scales:
// ASCII readouts like "ST,GS,+  12.345kg" and a 3-byte binary frame.
// Every sample is reported as stable.
type TextDecoder struct{}

func (TextDecoder) Decode(frame []byte) (float64, bool, bool) {
	if w, ok := decodeASCII(frame); ok {
		return w, true, true
	}
	if w, ok := decodeBinary(frame); ok {
		return w, true, true
	}
	return 0, false, false
}

func decodeASCII(frame []byte) (float64, bool) {
	text := strings.TrimSpace(string(frame))
	if len(text) <= 3 {
		return 0, false
	}

	m := asciiWeight.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}

	w, err := strconv.ParseFloat(strings.Join(strings.Fields(m[1]), ""), 32)
	if err != nil {
		return 0, false
	}
	w = math.Abs(w)
	if w >= maxWeightKg {
		return 0, false
	}
	return w, true
}

func decodeBinary(frame []byte) (float64, bool) {
	if len(frame) < 3 {
		return 0, false
	}

	raw := binary.LittleEndian.Uint16(frame[1:3])
	w := float64(raw) * binaryResolutionKg
	if frame[0]&flagImperial != 0 {
		w *= poundsToKg
	}
	if w <= 0.01 || w >= maxWeightKg {
		return 0, false
	}
	return w, true
}
