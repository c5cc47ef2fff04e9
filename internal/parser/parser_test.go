package parser

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maghrebdata/courtpubs/internal/scrape"
)

const listingPage = `<html><body>
<div class="items">
  <div class="item" data-title="Rapport annuel 2024" data-cat="rapport-annuel" data-time="2025">
    <time>15 janv. 2025</time>
    <a href="/publications/rapport-annuel-2024/">lire</a>
  </div>
  <div class="item" data-cat="refere" data-time="2025">
    <h2>  Référé sur la gestion
      des régies  </h2>
    <time>02/03/2025</time>
    <a href="https://www.example.ma/publications/refere-regies/">lire</a>
  </div>
  <div class="item"><span>placeholder without anything useful</span></div>
</div>
<div class="pagination"><a class="next" href="?page=2">Suivant</a></div>
</body></html>`

func collect(page scrape.Page) []scrape.RawEntry {
	var out []scrape.RawEntry
	for e := range page.Entries {
		out = append(out, e)
	}
	return out
}

func TestParseListingExtractsEntries(t *testing.T) {
	t.Parallel()

	p := New()
	page, err := p.ParseListing([]byte(listingPage))
	require.NoError(t, err)

	entries := collect(page)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "Rapport annuel 2024", first.Title)
	assert.Equal(t, "rapport-annuel", first.Category)
	assert.Equal(t, "2025", first.YearText)
	assert.Equal(t, "15 janv. 2025", first.DateText)
	assert.Equal(t, "/publications/rapport-annuel-2024/", first.Link)

	second := entries[1]
	assert.Equal(t, "Référé sur la gestion des régies", second.Title, "h2 fallback, whitespace collapsed")
	assert.Equal(t, "refere", second.Category)

	assert.True(t, page.HasNext)
	assert.Equal(t, 1, page.Skipped, "item with nothing usable is skipped, not fatal")
	assert.NotEmpty(t, page.Signature)
}

func TestParseListingNoPagination(t *testing.T) {
	t.Parallel()

	p := New()
	page, err := p.ParseListing([]byte(`<html><body>
		<div class="item" data-title="Arrêt n. 45" data-cat="arret"><a href="/a/45">x</a></div>
	</body></html>`))
	require.NoError(t, err)

	assert.False(t, page.HasNext)
	assert.Len(t, collect(page), 1)
}

func TestParseListingSignatureStableAcrossOrder(t *testing.T) {
	t.Parallel()

	p := New()
	a, err := p.ParseListing([]byte(`<html><body>
		<div class="item" data-title="A"><a href="/a">a</a></div>
		<div class="item" data-title="B"><a href="/b">b</a></div>
	</body></html>`))
	require.NoError(t, err)
	b, err := p.ParseListing([]byte(`<html><body>
		<div class="item" data-title="B"><a href="/b">b</a></div>
		<div class="item" data-title="A"><a href="/a">a</a></div>
	</body></html>`))
	require.NoError(t, err)

	assert.Equal(t, a.Signature, b.Signature, "signature is order independent")

	c, err := p.ParseListing([]byte(`<html><body>
		<div class="item" data-title="C"><a href="/c">c</a></div>
	</body></html>`))
	require.NoError(t, err)
	assert.NotEqual(t, a.Signature, c.Signature)
}

func TestParseListingEmptyPage(t *testing.T) {
	t.Parallel()

	p := New()
	page, err := p.ParseListing([]byte(`<html><body><p>rien</p></body></html>`))
	require.NoError(t, err)
	assert.Empty(t, collect(page))
	assert.Empty(t, page.Signature)
	assert.False(t, page.HasNext)
}

func TestParseDetailsOGDescription(t *testing.T) {
	t.Parallel()

	p := New()
	d := p.ParseDetails([]byte(`<html><head>
		<meta property="og:description" content="Synthèse du rapport annuel." />
	</head><body>
		<h3>Auteur</h3>
		<p class="txtRougeP1">Cour des comptes</p>
		<a href="/docs/rapport-2024.pdf">Télécharger</a>
	</body></html>`), "https://www.example.ma/publications/rapport/")

	assert.Equal(t, "Synthèse du rapport annuel.", d.Description)
	assert.Equal(t, "Cour des comptes", d.Author)
	assert.Equal(t, "https://www.example.ma/docs/rapport-2024.pdf", d.PDFURL)
	assert.Equal(t, "rapport-2024.pdf", d.PDFFilename)
}

func TestParseDetailsContentFallbackAndOnclickPDF(t *testing.T) {
	t.Parallel()

	p := New()
	d := p.ParseDetails([]byte(`<html><body>
		<div class="entry-content">  Le présent rapport   examine la gestion.  </div>
		<button onclick="open_doc('https://www.example.ma/docs/synthese.PDF')">Voir</button>
	</body></html>`), "https://www.example.ma/publications/x/")

	assert.Equal(t, "Le présent rapport examine la gestion.", d.Description)
	assert.Equal(t, "https://www.example.ma/docs/synthese.PDF", d.PDFURL)
	assert.Equal(t, "synthese.PDF", d.PDFFilename)
}

func TestParseDetailsTruncatesDescriptionOnRuneBoundary(t *testing.T) {
	t.Parallel()

	// 499 ASCII bytes followed by accented text puts the cut point in the
	// middle of a two-byte rune.
	long := strings.Repeat("a", 499) + "éléments détaillés du rapport"
	p := New()
	d := p.ParseDetails([]byte(`<html><body>
		<div class="entry-content">`+long+`</div>
	</body></html>`), "https://www.example.ma/publications/x/")

	assert.True(t, utf8.ValidString(d.Description), "truncation must not split a rune")
	assert.True(t, strings.HasSuffix(d.Description, "..."))
	assert.Equal(t, strings.Repeat("a", 499)+"...", d.Description)
}

func TestParseDetailsMissingEverything(t *testing.T) {
	t.Parallel()

	p := New()
	d := p.ParseDetails([]byte(`<html><body><p>page minimale</p></body></html>`), "https://www.example.ma/x")
	assert.Equal(t, scrape.Details{}, d)
}
