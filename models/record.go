package models

import "time"

// UnknownID is stored as the unifiedId of elements that carry no usable id.
const UnknownID = "N/A"

// RawElement is one top-level element of a source file, exactly as decoded.
// Objects decode to map[string]any and numbers to json.Number.
type RawElement = any

// UnifiedRecord is the normalized listing shape every source format maps into.
// UnifiedID is the natural key; the store keeps exactly one record per id.
type UnifiedRecord struct {
	SourceFile         string     `json:"sourceFile"`
	UnifiedID          string     `json:"unifiedId"`
	UnifiedCity        *string    `json:"unifiedCity"`
	UnifiedPrice       *float64   `json:"unifiedPrice"`
	UnifiedIsAvailable *bool      `json:"unifiedIsAvailable"`
	UnifiedName        *string    `json:"unifiedName"`
	UnifiedSegment     *string    `json:"unifiedSegment"`
	OriginalData       RawElement `json:"originalData"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// InsightReport holds the computed analytics over stored unified records.
type InsightReport struct {
	TotalRecords     int
	AvailableRecords int
	AveragePrice     float64
	MinPrice         float64
	MaxPrice         float64
	MostExpensive    *UnifiedRecord
	RecordsByCity    map[string]int
	RecordsBySource  map[string]int
	RecordsBySegment map[string]int
}
