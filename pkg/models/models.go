package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RecordKey identifies one article on one listing page, formatted "PPP-AA"
type RecordKey string

// NewRecordKey builds the zero-padded key for a (page, article) pair
func NewRecordKey(page, article int) RecordKey {
	return RecordKey(fmt.Sprintf("%03d-%02d", page, article))
}

// ParseRecordKey splits a key back into its page number and article position
func ParseRecordKey(s string) (page, article int, err error) {
	pageStr, articleStr, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, 0, fmt.Errorf("record key %q: missing '-' separator", s)
	}
	page, err = strconv.Atoi(pageStr)
	if err != nil || page <= 0 {
		return 0, 0, fmt.Errorf("record key %q: invalid page number", s)
	}
	article, err = strconv.Atoi(articleStr)
	if err != nil || article <= 0 {
		return 0, 0, fmt.Errorf("record key %q: invalid article position", s)
	}
	return page, article, nil
}

// WorkUnit is one unit of work for a crawl worker: a whole listing page, or a single article on it
type WorkUnit struct {
	Page    int `json:"page"`
	Article int `json:"article,omitempty"` // 0 means every article on the page
}

// ImageRef points at a remote image and, once downloaded, its local file
type ImageRef struct {
	Source string `json:"source" yaml:"source"`
	File   string `json:"file,omitempty" yaml:"file,omitempty"` // Relative to image_dir, empty until downloaded
}

// ArticleStub is the metadata the listing page carries for one article. Nil fields were absent on the page.
type ArticleStub struct {
	Key             RecordKey `json:"key"`
	PageNumber      int       `json:"page_number"`
	ArticlePosition int       `json:"article_position"`
	PageURL         string    `json:"page_url"`
	Title           *string   `json:"title"`
	IsEssay         *bool     `json:"is_essay"`
	ReviewURL       *string   `json:"review_url"`
	Rating          *int      `json:"rating"`
	Thumbnail       *ImageRef `json:"thumbnail"`
}

// TitleOrEmpty returns the stub title, or "" when the listing had none
func (s ArticleStub) TitleOrEmpty() string {
	if s.Title == nil {
		return ""
	}
	return *s.Title
}

// DetailFields is everything extracted from a review's detail page
type DetailFields struct {
	Author             *string   `json:"author"`
	DatePublished      *string   `json:"date_published"`
	LastUpdateDate     *string   `json:"last_update_date"`
	ReleaseDate        *string   `json:"release_date"`
	Certificate        *string   `json:"certificate"`
	RunningTimeMinutes *int      `json:"running_time_minutes"`
	ReviewRating       *int      `json:"review_rating"`
	Introduction       *string   `json:"introduction"`
	ReviewText         *string   `json:"review_text"`
	Picture            *ImageRef `json:"picture"`
}

// MovieRecord is a stub plus its detail fields. Complete is false while only the stub is known.
type MovieRecord struct {
	ArticleStub
	DetailFields
	Complete  bool      `json:"complete"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
}

// NewStubRecord starts a record from listing metadata only
func NewStubRecord(stub ArticleStub) MovieRecord {
	return MovieRecord{ArticleStub: stub}
}

// WithDetail returns a completed copy of the record carrying the given detail fields
func (r MovieRecord) WithDetail(d DetailFields, fetchedAt time.Time) MovieRecord {
	r.DetailFields = d
	r.Complete = true
	r.FetchedAt = fetchedAt
	return r
}

// Dataset maps record keys to movie records. It is owned by a single goroutine; it has no lock.
type Dataset struct {
	records map[RecordKey]MovieRecord
}

// NewDataset creates an empty Dataset
func NewDataset() *Dataset {
	return &Dataset{records: make(map[RecordKey]MovieRecord)}
}

// Merge unions records into the dataset by key. A stub-only record never replaces a
// complete one, so merging the same result twice is a no-op. Returns how many keys changed.
func (d *Dataset) Merge(records ...MovieRecord) int {
	changed := 0
	for _, rec := range records {
		if existing, ok := d.records[rec.Key]; ok && existing.Complete && !rec.Complete {
			continue
		}
		d.records[rec.Key] = rec
		changed++
	}
	return changed
}

// MergeDataset merges every record of other into d
func (d *Dataset) MergeDataset(other *Dataset) int {
	if other == nil {
		return 0
	}
	return d.Merge(other.Records()...)
}

// Get returns the record stored under key
func (d *Dataset) Get(key RecordKey) (MovieRecord, bool) {
	rec, ok := d.records[key]
	return rec, ok
}

// Drop removes the given keys and returns how many were present
func (d *Dataset) Drop(keys ...RecordKey) int {
	dropped := 0
	for _, k := range keys {
		if _, ok := d.records[k]; ok {
			delete(d.records, k)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of records
func (d *Dataset) Len() int { return len(d.records) }

// CountComplete returns how many records carry detail fields
func (d *Dataset) CountComplete() int {
	n := 0
	for _, rec := range d.records {
		if rec.Complete {
			n++
		}
	}
	return n
}

// Keys returns all keys in ascending order
func (d *Dataset) Keys() []RecordKey {
	keys := make([]RecordKey, 0, len(d.records))
	for k := range d.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Records returns all records ordered by key
func (d *Dataset) Records() []MovieRecord {
	out := make([]MovieRecord, 0, len(d.records))
	for _, k := range d.Keys() {
		out = append(out, d.records[k])
	}
	return out
}
