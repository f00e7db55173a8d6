package services

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"rental-ingest/models"
	"rental-ingest/utils"
)

// Source field names, in resolution order.
var (
	availabilityFields = []string{"availability", "isAvailable"}
	priceFields        = []string{"pricePerNight", "priceForNight"}
	segmentFields      = []string{"priceSegment", "segment"}
)

// Normalizer maps raw source elements of any known shape into UnifiedRecords.
type Normalizer struct {
	logger *utils.Logger
}

// NewNormalizer creates a Normalizer. logger may be nil.
func NewNormalizer(logger *utils.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize resolves the unified fields of one raw element. It never fails:
// missing or unusable fields become null and a missing id becomes
// models.UnknownID. The raw element is kept as OriginalData.
func (n *Normalizer) Normalize(raw models.RawElement, sourceFile string) *models.UnifiedRecord {
	rec := &models.UnifiedRecord{
		SourceFile:   sourceFile,
		UnifiedID:    models.UnknownID,
		OriginalData: raw,
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		n.debug("[normalizer] Non-object element in %s normalized to %s", sourceFile, models.UnknownID)
		return rec
	}

	if id, ok := truthyString(obj["id"]); ok {
		rec.UnifiedID = id
	} else {
		n.debug("[normalizer] Element without usable id in %s stored as %s", sourceFile, models.UnknownID)
	}

	if v, ok := firstPresent(obj, availabilityFields); ok {
		rec.UnifiedIsAvailable = parseAvailability(v)
	}
	if v, ok := firstPresent(obj, priceFields); ok {
		rec.UnifiedPrice = parsePrice(v)
	}
	rec.UnifiedCity = resolveCity(obj)

	if name, ok := truthyString(obj["name"]); ok {
		rec.UnifiedName = &name
	}
	for _, f := range segmentFields {
		if seg, ok := truthyString(obj[f]); ok {
			rec.UnifiedSegment = &seg
			break
		}
	}

	return rec
}

func (n *Normalizer) debug(format string, args ...interface{}) {
	if n.logger != nil {
		n.logger.Debug(format, args...)
	}
}

// firstPresent returns the value of the first field present on obj. A field
// that is present with a null value still wins.
func firstPresent(obj map[string]any, fields []string) (any, bool) {
	for _, f := range fields {
		if v, ok := obj[f]; ok {
			return v, true
		}
	}
	return nil, false
}

func resolveCity(obj map[string]any) *string {
	if v, ok := obj["city"]; ok {
		return scalarString(v)
	}
	addr, ok := obj["address"].(map[string]any)
	if !ok {
		return nil
	}
	city, ok := truthyString(addr["city"])
	if !ok {
		return nil
	}
	return &city
}

func parseAvailability(v any) *bool {
	switch b := v.(type) {
	case bool:
		return &b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return nil
		}
		return &parsed
	}
	return nil
}

// parsePrice accepts JSON numbers, numeric strings and booleans (1/0).
func parsePrice(v any) *float64 {
	var f float64
	switch p := v.(type) {
	case json.Number:
		parsed, err := p.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case float64:
		f = p
	case string:
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil
		}
		f = parsed
	case bool:
		if p {
			f = 1
		}
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// scalarString renders strings, numbers and booleans; null and containers
// yield nil.
func scalarString(v any) *string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return nil
	}
	return &s
}

// truthyString is scalarString restricted to truthy values: empty strings,
// zero, false and null are treated as missing.
func truthyString(v any) (string, bool) {
	switch t := v.(type) {
	case bool:
		if !t {
			return "", false
		}
	case json.Number:
		if f, err := t.Float64(); err == nil && f == 0 {
			return "", false
		}
	case float64:
		if t == 0 || math.IsNaN(t) {
			return "", false
		}
	}
	s := scalarString(v)
	if s == nil || *s == "" {
		return "", false
	}
	return *s, true
}
