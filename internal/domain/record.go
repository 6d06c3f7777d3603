// Package domain defines the core types for the literature search client:
// bibliographic records, dedupe keys, rate-limit snapshots, search sessions,
// and the stream event protocol.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Record is a single bibliographic search result emitted by one provider.
// Records are immutable once received; the client only decides whether to
// keep or discard a given instance.
type Record struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Authors   []string `json:"authors"`
	Abstract  string   `json:"abstract"`
	Year      string   `json:"year"`
	Journal   string   `json:"journal"`
	URL       string   `json:"url"`
	Citations int      `json:"citations"`
	Source    string   `json:"source"`
	DOI       string   `json:"doi,omitempty"`
}

// DedupeKeyFor computes the stable identity key used to collapse duplicate
// records across providers and delivery paths.
//
// Precedence: normalized lowercase DOI > normalized id > normalized url >
// normalized title > SHA-256 of the full record. The precedence order must
// not change while a dedupe set built from it is live.
func DedupeKeyFor(r Record) string {
	if doi := normalize(r.DOI); doi != "" {
		return "doi:" + doi
	}
	if id := normalize(r.ID); id != "" {
		return "id:" + id
	}
	if u := normalize(r.URL); u != "" {
		return "url:" + u
	}
	if title := normalize(r.Title); title != "" {
		return "title:" + title
	}
	return "hash:" + hashRecord(r)
}

// normalize lowercases and trims a key component. Internal whitespace runs
// collapse to a single space so that title variants differing only in
// spacing dedupe together.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(s), " ")
}

// hashRecord is the last-resort identity for records carrying no usable
// identifier at all.
func hashRecord(r Record) string {
	data, err := json.Marshal(r)
	if err != nil {
		// Record is a plain struct; marshal cannot fail in practice.
		data = []byte(r.Title + r.Source)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ParsedYear returns the record's publication year as an integer, or ok=false
// when the year is missing or unparsable. Dates such as "2023-06" parse from
// their four leading digits; anything shorter than four digits is rejected.
func (r Record) ParsedYear() (int, bool) {
	s := strings.TrimSpace(r.Year)
	if len(s) < 4 {
		return 0, false
	}
	year, err := strconv.Atoi(s[:4])
	if err != nil || year <= 0 {
		return 0, false
	}
	return year, true
}

// SortByYearDesc stable-sorts records by descending parsed year. Records
// with a missing or unparsable year sort after all records with one.
func SortByYearDesc(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		yi, oki := records[i].ParsedYear()
		yj, okj := records[j].ParsedYear()
		if oki != okj {
			return oki
		}
		return yi > yj
	})
}
