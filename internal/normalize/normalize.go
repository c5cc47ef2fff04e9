// Package normalize canonicalizes raw listing entries into publication
// records: text trimming, category vocabulary mapping, date and year
// derivation, and stable identifier assignment.
package normalize

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/maghrebdata/courtpubs/internal/hash/sha256"
	"github.com/maghrebdata/courtpubs/internal/scrape"
)

// DefaultCategories is the controlled vocabulary observed on the source
// site. The allow-list is configurable; unknown values fall back to
// Uncategorized rather than being rejected.
var DefaultCategories = []string{
	"Rapport annuel",
	"Rapport thématique",
	"Rapport particulier",
	"Rapport partis politiques",
	"Synthèses des missions CRC",
	"Arrêt",
	"Référé",
	"Formulaire",
}

// Uncategorized is the fallback category for entries with no vocabulary
// match. Unclassified data still has value and is never discarded.
const Uncategorized = "Uncategorized"

var yearPattern = regexp.MustCompile(`\b(\d{4})\b`)

// French month names and abbreviations as they appear in listing dates.
var frenchMonths = map[string]time.Month{
	"janvier": time.January, "janv": time.January,
	"fevrier": time.February, "fevr": time.February, "fev": time.February,
	"mars": time.March,
	"avril": time.April, "avr": time.April,
	"mai":  time.May,
	"juin": time.June,
	"juillet": time.July, "juil": time.July,
	"aout":      time.August,
	"septembre": time.September, "sept": time.September,
	"octobre": time.October, "oct": time.October,
	"novembre": time.November, "nov": time.November,
	"decembre": time.December, "dec": time.December,
}

// Normalizer implements scrape.Normalizer against a configured base URL
// and category allow-list.
type Normalizer struct {
	base       *url.URL
	categories map[string]string // folded form -> display label
	hasher     *sha256.Hasher
}

// New builds a Normalizer. categories may be nil to use the default
// vocabulary.
func New(baseURL string, categories []string) (*Normalizer, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	index := make(map[string]string, len(categories)*2)
	for _, label := range categories {
		index[Fold(label)] = label
		// Slug form as carried by data-cat attributes.
		index[Fold(strings.ReplaceAll(label, " ", "-"))] = label
	}
	return &Normalizer{
		base:       base,
		categories: index,
		hasher:     sha256.New(),
	}, nil
}

// Normalize canonicalizes one raw entry. It fails with a ValidationError
// when the title or url is missing or unusable; callers skip and count
// such entries.
func (n *Normalizer) Normalize(entry scrape.RawEntry, now time.Time) (scrape.Publication, error) {
	title := collapseSpace(entry.Title)
	if title == "" {
		return scrape.Publication{}, &scrape.ValidationError{Field: "title", Reason: "is empty"}
	}

	absURL, err := n.resolveLink(entry.Link)
	if err != nil {
		return scrape.Publication{}, err
	}

	category := n.mapCategory(entry.Category)

	date, dateOK := parseDate(entry.DateText)
	year := deriveYear(entry.YearText, date, dateOK)

	pub := scrape.Publication{
		ID:          n.identifier(absURL, title, category, year),
		Title:       title,
		Category:    category,
		URL:         absURL,
		Year:        year,
		Commission:  collapseSpace(entry.Commission),
		Ministry:    collapseSpace(entry.Ministry),
		Description: collapseSpace(entry.Description),
		ScrapedAt:   now,
		LastSeenAt:  now,
	}
	if dateOK {
		pub.Date = date.Format("2006-01-02")
	}
	return pub, nil
}

// resolveLink turns the listing href into an absolute URL.
func (n *Normalizer) resolveLink(link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", &scrape.ValidationError{Field: "url", Reason: "is empty"}
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", &scrape.ValidationError{Field: "url", Reason: "is unparseable"}
	}
	abs := n.base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", &scrape.ValidationError{Field: "url", Reason: "has unsupported scheme"}
	}
	if abs.Host == "" {
		return "", &scrape.ValidationError{Field: "url", Reason: "has no host"}
	}
	return abs.String(), nil
}

// mapCategory matches free-text or slug category values against the
// allow-list, case- and diacritics-insensitively.
func (n *Normalizer) mapCategory(raw string) string {
	folded := Fold(collapseSpace(raw))
	if folded == "" {
		return Uncategorized
	}
	if label, ok := n.categories[folded]; ok {
		return label
	}
	if label, ok := n.categories[strings.ReplaceAll(folded, "-", " ")]; ok {
		return label
	}
	if label, ok := n.categories[strings.ReplaceAll(folded, " ", "-")]; ok {
		return label
	}
	return Uncategorized
}

// identifier derives the stable record id: the canonical URL when present
// (always, for normalized entries), otherwise title|category|year. Two
// fetches of the same publication must agree on the id even when
// incidental formatting differs.
func (n *Normalizer) identifier(absURL, title, category string, year int) string {
	if key := canonicalURL(absURL); key != "" {
		return n.hasher.Short([]byte(key))
	}
	fallback := fmt.Sprintf("%s|%s|%d", Fold(title), Fold(category), year)
	return n.hasher.Short([]byte(fallback))
}

func canonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

func deriveYear(yearText string, date time.Time, dateOK bool) int {
	if y, err := strconv.Atoi(strings.TrimSpace(yearText)); err == nil && y >= 1000 && y <= 9999 {
		return y
	}
	if dateOK {
		return date.Year()
	}
	return 0
}

// parseDate accepts ISO dates, numeric French order, and textual French
// dates ("15 janv. 2025"). ok is false when nothing parses; the record
// keeps an empty date rather than a fabricated one.
func parseDate(text string) (time.Time, bool) {
	text = collapseSpace(text)
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", "02/01/2006", "2/1/2006"} {
		if d, err := time.Parse(layout, text); err == nil {
			return d, true
		}
	}
	return parseFrenchDate(text)
}

func parseFrenchDate(text string) (time.Time, bool) {
	fields := strings.Fields(text)
	if len(fields) != 3 {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(fields[0])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, false
	}
	monthKey := Fold(strings.TrimSuffix(fields[1], "."))
	month, ok := frenchMonths[monthKey]
	if !ok {
		return time.Time{}, false
	}
	year, err := strconv.Atoi(fields[2])
	if err != nil || !yearPattern.MatchString(fields[2]) {
		return time.Time{}, false
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), true
}

// Fold lowercases and strips diacritics so "Référé", "refere" and
// "RÉFÉRÉ" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
