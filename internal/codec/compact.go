// Package codec holds the encodings applied to values before they reach a
// storage backend.
package codec

import (
	"bytes"
	"strings"

	"daysync/internal/daysync"
)

// CompactMarker prefixes every value written in compact form.
const CompactMarker = "¤Z¤"

// compactThreshold is the largest compact/plain length ratio worth storing.
const compactThreshold = 0.92

// compactPatterns maps frequent JSON fragments of day records to short codes.
// Codes are never reordered or reused: stored values depend on them.
var compactPatterns = [][2]string{
	{`"name":"`, "¤n¤"},
	{`"kcal100":`, "¤k¤"},
	{`"protein100":`, "¤p¤"},
	{`"carbs100":`, "¤c¤"},
	{`"fat100":`, "¤f¤"},
	{`"simple100":`, "¤s¤"},
	{`"complex100":`, "¤x¤"},
	{`"badFat100":`, "¤b¤"},
	{`"goodFat100":`, "¤g¤"},
	{`"trans100":`, "¤t¤"},
	{`"fiber100":`, "¤i¤"},
	{`"gi":`, "¤G¤"},
	{`"harm":`, "¤H¤"},
	{`"harmScore":`, "¤h¤"},
	{`"category":"`, "¤C¤"},
	{`"portions":`, "¤P¤"},
	{`"meals":`, "¤M¤"},
	{`"items":`, "¤I¤"},
	{`"product_id":`, "¤D¤"},
	{`"time":"`, "¤T¤"},
	{`"date":"`, "¤d¤"},
	{`"trainings":`, "¤R¤"},
	{`"weightMorning":`, "¤W¤"},
	{`"sleepHours":`, "¤S¤"},
	{`"waterMl":`, "¤w¤"},
	{`"steps":`, "¤e¤"},
	{`"mood":`, "¤m¤"},
	{`"wellbeing":`, "¤B¤"},
	{`"stress":`, "¤E¤"},
	{`"grams":`, "¤r¤"},
	{`":true`, "¤1¤"},
	{`":false`, "¤0¤"},
	{`":null`, "¤_¤"},
	{`"id":`, "¤j¤"},
}

var compactor, expander = newReplacers()

func newReplacers() (*strings.Replacer, *strings.Replacer) {
	compress := make([]string, 0, 2*len(compactPatterns))
	expand := make([]string, 0, 2*len(compactPatterns))
	for _, p := range compactPatterns {
		compress = append(compress, p[0], p[1])
		expand = append(expand, p[1], p[0])
	}
	return strings.NewReplacer(compress...), strings.NewReplacer(expand...)
}

// CompactCodec substitutes short codes for common JSON fragments. A value is
// stored compacted only when that saves at least 8%; otherwise it is stored
// as plain JSON. Plain JSON always decodes, so the codec can be switched on
// over existing data.
type CompactCodec struct{}

var _ daysync.Codec = CompactCodec{}

func (CompactCodec) Encode(raw []byte) ([]byte, error) {
	s := string(raw)
	// Text already containing the code delimiter cannot be expanded unambiguously.
	if strings.Contains(s, "¤") {
		return raw, nil
	}
	compacted := compactor.Replace(s)
	if float64(len(compacted)) >= float64(len(s))*compactThreshold {
		return raw, nil
	}
	return []byte(CompactMarker + compacted), nil
}

func (CompactCodec) Decode(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, []byte(CompactMarker)) {
		return stored, nil
	}
	return []byte(expander.Replace(string(stored[len(CompactMarker):]))), nil
}

// PlainCodec stores canonical JSON unchanged. It still reads compact values,
// so compaction can be turned off without rewriting stored data.
type PlainCodec struct{}

var _ daysync.Codec = PlainCodec{}

func (PlainCodec) Encode(raw []byte) ([]byte, error) { return raw, nil }

func (PlainCodec) Decode(stored []byte) ([]byte, error) {
	return CompactCodec{}.Decode(stored)
}
