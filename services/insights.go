package services

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"rental-ingest/models"
	"rental-ingest/utils"
)

const unknownBucket = "(unknown)"

type InsightService struct {
	logger *utils.Logger
}

func NewInsightService(logger *utils.Logger) *InsightService {
	return &InsightService{logger: logger}
}

func (s *InsightService) Generate(records []*models.UnifiedRecord) *models.InsightReport {
	report := &models.InsightReport{
		RecordsByCity:    make(map[string]int),
		RecordsBySource:  make(map[string]int),
		RecordsBySegment: make(map[string]int),
	}

	if len(records) == 0 {
		return report
	}

	report.TotalRecords = len(records)

	var priced []*models.UnifiedRecord
	for _, r := range records {
		if r.UnifiedIsAvailable != nil && *r.UnifiedIsAvailable {
			report.AvailableRecords++
		}
		if r.UnifiedPrice != nil {
			priced = append(priced, r)
		}
		report.RecordsByCity[bucket(r.UnifiedCity)]++
		report.RecordsBySegment[bucket(r.UnifiedSegment)]++
		report.RecordsBySource[r.SourceFile]++
	}

	// Price stats (only records with a resolved price)
	if len(priced) > 0 {
		report.MinPrice = *priced[0].UnifiedPrice
		report.MaxPrice = *priced[0].UnifiedPrice
		report.MostExpensive = priced[0]
		var total float64
		for _, r := range priced {
			p := *r.UnifiedPrice
			total += p
			if p < report.MinPrice {
				report.MinPrice = p
			}
			if p > report.MaxPrice {
				report.MaxPrice = p
				report.MostExpensive = r
			}
		}
		report.AveragePrice = round2(total / float64(len(priced)))
		report.MinPrice = round2(report.MinPrice)
		report.MaxPrice = round2(report.MaxPrice)
	}

	if s.logger != nil {
		s.logger.Debug("[insights] Report over %d records (%d priced)", len(records), len(priced))
	}
	return report
}

func (s *InsightService) Print(w io.Writer, r *models.InsightReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  📊 INGESTED LISTING INSIGHTS\033[0m\n")
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	// Overview
	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Total records     : \033[1m%d\033[0m\n", r.TotalRecords)
	fmt.Fprintf(w, "  Available records : \033[1m%d\033[0m\n", r.AvailableRecords)
	fmt.Fprintln(w)

	// Price Stats
	fmt.Fprintf(w, "\033[1;33m  Price Statistics (per night)\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if r.MostExpensive != nil {
		fmt.Fprintf(w, "  Average price : \033[1;32m$%.2f\033[0m\n", r.AveragePrice)
		fmt.Fprintf(w, "  Minimum price : \033[1;32m$%.2f\033[0m\n", r.MinPrice)
		fmt.Fprintf(w, "  Maximum price : \033[1;32m$%.2f\033[0m\n", r.MaxPrice)
	} else {
		fmt.Fprintf(w, "  No price data available\n")
	}
	fmt.Fprintln(w)

	// Most Expensive
	if r.MostExpensive != nil {
		m := r.MostExpensive
		fmt.Fprintf(w, "\033[1;33m  Most Expensive Listing\033[0m\n")
		fmt.Fprintf(w, "  %s\n", thin)
		fmt.Fprintf(w, "  %s (%s)\n", truncate(deref(m.UnifiedName, m.UnifiedID), 50), m.UnifiedID)
		fmt.Fprintf(w, "  City   : %s\n", deref(m.UnifiedCity, unknownBucket))
		fmt.Fprintf(w, "  Price  : \033[1;31m$%.2f/night\033[0m\n", *m.UnifiedPrice)
		fmt.Fprintln(w)
	}

	printCounts(w, thin, "Records by City", r.RecordsByCity)
	printCounts(w, thin, "Records by Segment", r.RecordsBySegment)
	printCounts(w, thin, "Records by Source File", r.RecordsBySource)

	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)
}

type labelCount struct {
	label string
	count int
}

// sortedCounts orders buckets by count descending, then label.
func sortedCounts(m map[string]int) []labelCount {
	out := make([]labelCount, 0, len(m))
	for label, cnt := range m {
		out = append(out, labelCount{label, cnt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].label < out[j].label
	})
	return out
}

func printCounts(w io.Writer, thin, title string, m map[string]int) {
	fmt.Fprintf(w, "\033[1;33m  %s\033[0m\n", title)
	fmt.Fprintf(w, "  %s\n", thin)
	if len(m) == 0 {
		fmt.Fprintf(w, "  No data\n\n")
		return
	}
	for _, lc := range sortedCounts(m) {
		bar := strings.Repeat("█", min(lc.count, 40))
		fmt.Fprintf(w, "  %-30s %s (%d)\n", truncate(lc.label, 28), bar, lc.count)
	}
	fmt.Fprintln(w)
}

func bucket(s *string) string {
	if s == nil || *s == "" {
		return unknownBucket
	}
	return *s
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
