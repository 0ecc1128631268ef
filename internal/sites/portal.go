// Package sites holds the site-coupled adapters: where each target's listing
// pages live, which links are items and how detail pages map to output
// columns. Everything brittle about a specific portal belongs here, driven by
// configuration rather than code per site.
package sites

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/studyatlas/portal-crawler/internal/browser"
	"github.com/studyatlas/portal-crawler/internal/crawler"
)

// TargetConfig declares one crawl target.
type TargetConfig struct {
	Name            string            `mapstructure:"name"`
	BaseURL         string            `mapstructure:"base_url"`
	ListingPath     string            `mapstructure:"listing_path"`
	ItemLinkPattern string            `mapstructure:"item_link_pattern"`
	NextSelector    string            `mapstructure:"next_selector"`
	Fields          map[string]string `mapstructure:"fields"`
}

// PortalAdapter is the selector-driven SiteAdapter used for every target.
type PortalAdapter struct {
	cfg TargetConfig
}

// NewPortalAdapter validates cfg and builds the adapter.
func NewPortalAdapter(cfg TargetConfig) (*PortalAdapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("target name is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("target %s: base_url is required", cfg.Name)
	}
	if cfg.ListingPath == "" {
		return nil, fmt.Errorf("target %s: listing_path is required", cfg.Name)
	}
	if !strings.Contains(cfg.ListingPath, "{page}") {
		return nil, fmt.Errorf("target %s: listing_path must contain {page}", cfg.Name)
	}
	if len(cfg.Fields) == 0 {
		return nil, fmt.Errorf("target %s: at least one field selector is required", cfg.Name)
	}
	return &PortalAdapter{cfg: cfg}, nil
}

// ListingURL builds the listing page URL for (category, page). Pages are
// 1-based.
func (a *PortalAdapter) ListingURL(category string, page int) string {
	path := strings.ReplaceAll(a.cfg.ListingPath, "{category}", category)
	path = strings.ReplaceAll(path, "{page}", strconv.Itoa(page))
	return strings.TrimSuffix(a.cfg.BaseURL, "/") + path
}

// DiscoverItems harvests item links from a listing snapshot and reports
// whether a next-page indicator is present.
func (a *PortalAdapter) DiscoverItems(snap crawler.PageSnapshot) ([]string, bool, error) {
	items, err := browser.ExtractLinks(snap, a.cfg.ItemLinkPattern)
	if err != nil {
		return nil, false, fmt.Errorf("target %s: %w", a.cfg.Name, err)
	}

	hasNext := false
	if a.cfg.NextSelector != "" {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(snap.Body))
		if err != nil {
			return nil, false, fmt.Errorf("target %s: parse listing: %w", a.cfg.Name, err)
		}
		hasNext = doc.Find(a.cfg.NextSelector).Length() > 0
	}
	return items, hasNext, nil
}

// ExtractItem maps a detail page snapshot onto the fixed column schema.
func (a *PortalAdapter) ExtractItem(snap crawler.PageSnapshot) (crawler.ItemRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(snap.Body))
	if err != nil {
		return crawler.ItemRecord{}, fmt.Errorf("target %s: parse item: %w", a.cfg.Name, err)
	}

	fields := make(map[string]string, len(a.cfg.Fields))
	missing := 0
	for column, selector := range a.cfg.Fields {
		text := strings.TrimSpace(doc.Find(selector).First().Text())
		if text == "" {
			missing++
		}
		fields[column] = text
	}
	if missing == len(a.cfg.Fields) {
		return crawler.ItemRecord{}, fmt.Errorf("target %s: no configured field matched %s", a.cfg.Name, snap.URL)
	}

	return crawler.ItemRecord{
		URL:    snap.URL,
		Fields: fields,
	}, nil
}

// Columns returns the field column names in a stable order for the sink.
func (a *PortalAdapter) Columns() []string {
	columns := make([]string, 0, len(a.cfg.Fields))
	for column := range a.cfg.Fields {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

// NewRegistry builds the adapter map keyed by target name.
func NewRegistry(configs []TargetConfig) (map[string]crawler.SiteAdapter, error) {
	registry := make(map[string]crawler.SiteAdapter, len(configs))
	for _, cfg := range configs {
		if _, dup := registry[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate target %q", cfg.Name)
		}
		adapter, err := NewPortalAdapter(cfg)
		if err != nil {
			return nil, err
		}
		registry[cfg.Name] = adapter
	}
	return registry, nil
}
