// Package parser extracts publication entries from listing and detail page
// markup. The source markup varies across categories and years, so every
// field access tolerates absence; an unusable item is skipped, never fatal.
package parser

import (
	"bytes"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/maghrebdata/courtpubs/internal/hash/sha256"
	"github.com/maghrebdata/courtpubs/internal/scrape"
)

// Listing item and pagination selectors for the publications site.
const (
	itemSelector       = "div.item"
	paginationSelector = ".pagination a.next, .nav-links a.next, a.nextpostslink"
)

var openDocPattern = regexp.MustCompile(`(?i)open_doc\(['"]([^'"]*\.pdf)['"]`)

// Parser implements scrape.Parser on goquery.
type Parser struct {
	hasher *sha256.Hasher
}

// New returns a Parser.
func New() *Parser {
	return &Parser{hasher: sha256.New()}
}

// ParseListing extracts the listing items of one page. Entries is lazy:
// items are converted to RawEntry as the caller iterates.
func (p *Parser) ParseListing(markup []byte) (scrape.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return scrape.Page{}, fmt.Errorf("parse listing markup: %w", err)
	}

	items := doc.Find(itemSelector)

	skipped := 0
	var keys []string
	items.Each(func(_ int, s *goquery.Selection) {
		if key := itemKey(s); key != "" {
			keys = append(keys, key)
		} else {
			skipped++
		}
	})

	return scrape.Page{
		Entries:   entrySeq(items),
		HasNext:   doc.Find(paginationSelector).Length() > 0,
		Signature: p.signature(keys),
		Skipped:   skipped,
	}, nil
}

// ParseDetails extracts optional enrichment from a publication detail page.
// Everything here is best effort; missing blocks leave zero values.
func (p *Parser) ParseDetails(markup []byte, pageURL string) scrape.Details {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return scrape.Details{}
	}

	var d scrape.Details
	d.Description = extractDescription(doc)
	d.Author = extractAuthor(doc)
	d.PDFURL, d.PDFFilename = extractMainPDF(doc, pageURL)
	return d
}

func entrySeq(items *goquery.Selection) iter.Seq[scrape.RawEntry] {
	return func(yield func(scrape.RawEntry) bool) {
		items.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			entry, ok := extractEntry(s)
			if !ok {
				return true
			}
			return yield(entry)
		})
	}
}

// extractEntry reads one listing item. ok is false when the item carries
// nothing usable at all.
func extractEntry(s *goquery.Selection) (scrape.RawEntry, bool) {
	entry := scrape.RawEntry{
		Title:       strings.TrimSpace(s.AttrOr("data-title", "")),
		Category:    strings.TrimSpace(s.AttrOr("data-cat", "")),
		YearText:    strings.TrimSpace(s.AttrOr("data-time", "")),
		DateText:    collapseSpace(s.Find("time").First().Text()),
		Link:        strings.TrimSpace(s.Find("a").First().AttrOr("href", "")),
		Description: collapseSpace(s.Find(".desc, .description").First().Text()),
		Commission:  collapseSpace(s.Find(".commission").First().Text()),
		Ministry:    collapseSpace(s.Find(".ministry").First().Text()),
	}
	if entry.Title == "" {
		entry.Title = collapseSpace(s.Find("h2").First().Text())
	}
	if entry.Title == "" && entry.Link == "" {
		return scrape.RawEntry{}, false
	}
	return entry, true
}

func itemKey(s *goquery.Selection) string {
	if link := strings.TrimSpace(s.Find("a").First().AttrOr("href", "")); link != "" {
		return link
	}
	if title := strings.TrimSpace(s.AttrOr("data-title", "")); title != "" {
		return title
	}
	return collapseSpace(s.Find("h2").First().Text())
}

// signature digests the entry set order-independently so the orchestrator
// can detect a page that repeats the previous one.
func (p *Parser) signature(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return p.hasher.Short([]byte(strings.Join(sorted, "\n")))
}

func extractDescription(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok {
		if og = strings.TrimSpace(og); og != "" {
			return og
		}
	}
	for _, sel := range []string{".entry-content", ".post-content", ".article-content", ".single-content", "article .content", ".content"} {
		text := collapseSpace(doc.Find(sel).First().Text())
		if text == "" {
			continue
		}
		if len(text) > maxDescriptionBytes {
			return truncateRunes(text, maxDescriptionBytes) + "..."
		}
		return text
	}
	return ""
}

const maxDescriptionBytes = 500

// truncateRunes cuts s to at most n bytes, backing up so a multi-byte
// rune is never split.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func extractAuthor(doc *goquery.Document) string {
	author := ""
	doc.Find("h3").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.Contains(strings.ToLower(s.Text()), "auteur") {
			return true
		}
		author = collapseSpace(s.NextAllFiltered("p.txtRougeP1").First().Text())
		return false
	})
	return author
}

// extractMainPDF returns the first document link: plain .pdf hrefs take
// precedence, then links stashed in open_doc onclick handlers.
func extractMainPDF(doc *goquery.Document, pageURL string) (string, string) {
	pdfURL := ""
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href := s.AttrOr("href", "")
		if strings.HasSuffix(strings.ToLower(href), ".pdf") {
			pdfURL = resolveURL(pageURL, href)
			return false
		}
		return true
	})
	if pdfURL == "" {
		doc.Find("[onclick]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			m := openDocPattern.FindStringSubmatch(s.AttrOr("onclick", ""))
			if m == nil {
				return true
			}
			pdfURL = resolveURL(pageURL, m[1])
			return false
		})
	}
	if pdfURL == "" {
		return "", ""
	}
	parts := strings.Split(pdfURL, "/")
	return pdfURL, parts[len(parts)-1]
}

func resolveURL(base, href string) string {
	u, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return u.ResolveReference(ref).String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
