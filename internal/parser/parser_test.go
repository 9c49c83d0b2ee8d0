package parser

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
)

var testJournal = harvest.Journal{
	Name:            "Nature Human Behaviour",
	Slug:            "nathumbehav",
	Category:        "social_sci",
	ListURLTemplate: "https://www.nature.com/nathumbehav/research-articles?page={page}",
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseListing(t *testing.T) {
	t.Parallel()

	p := New(nil)
	entries, err := p.ParseListing("https://www.nature.com/nathumbehav/research-articles?page=1", readFixture(t, "listing.html"))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "https://www.nature.com/articles/s41562-024-01817-9", entries[0].URL)
	assert.Equal(t, day(2024, time.March, 1), entries[0].Published)

	assert.Equal(t, "https://www.nature.com/articles/s41562-024-01700-2", entries[1].URL)
	assert.Equal(t, day(2024, time.February, 1), entries[1].Published)

	assert.Equal(t, "https://www.nature.com/articles/s41562-023-01600-0", entries[2].URL)
	assert.True(t, entries[2].Published.IsZero(), "undated cards are kept with a zero date")
}

func TestParseListingEmptyPage(t *testing.T) {
	t.Parallel()

	entries, err := New(nil).ParseListing("https://www.nature.com/x?page=9", []byte("<html><body><p>No results</p></body></html>"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseArticle(t *testing.T) {
	t.Parallel()

	pageURL := "https://www.nature.com/articles/s41562-024-01817-9"
	article, err := New(nil).ParseArticle(testJournal, pageURL, readFixture(t, "article.html"))
	require.NoError(t, err)

	assert.Equal(t, "10.1038/s41562-024-01817-9", article.DOI)
	assert.Equal(t, "Collective memory shapes cooperation in online groups", article.Title)
	assert.Equal(t, day(2024, time.March, 1), article.Published)
	assert.Equal(t, pageURL, article.URL)
	assert.Equal(t, "Nature Human Behaviour", article.Journal)
	assert.Equal(t, "social_sci", article.Category)
	assert.Equal(t, "s41562-024-01817-9", article.Slug())
	assert.Equal(t, "https://www.nature.com/articles/s41562-024-01817-9.pdf", article.PDFURL)

	assert.Equal(t, []string{
		"https://github.com/memlab/coop-memory/tree/v1.2/analysis",
		"https://github.com/memlab/sim-core",
	}, article.CodeLinks, "code section wins over page-wide links and repos are deduplicated")

	require.True(t, article.HasPeerReview())
	assert.Equal(t, harvest.PeerReviewFilename, article.PeerReview.Filename)
	assert.Contains(t, article.PeerReview.URL, "MOESM3_ESM.pdf")
	assert.Equal(t, harvest.StatusPending, article.PeerReview.Status)

	names := make([]string, 0, len(article.ESM))
	for _, res := range article.ESM {
		names = append(names, res.Filename)
		assert.Equal(t, harvest.StatusPending, res.Status)
	}
	assert.Equal(t, []string{
		"Supplementary_Information.pdf",
		"Reporting_Summary.pdf",
		"Source_Data_Fig._1.xlsx",
		"Supplementary_Information_2.pdf",
	}, names)
	assert.Equal(t, harvest.ESMData, article.ESM[2].Class)
	assert.Equal(t, harvest.ESMSupplementary, article.ESM[0].Class)
}

func TestParseArticleMetaFallbacks(t *testing.T) {
	t.Parallel()

	pageURL := "https://www.nature.com/articles/s41599-023-02000-1"
	article, err := New(nil).ParseArticle(testJournal, pageURL, readFixture(t, "article_osf.html"))
	require.NoError(t, err)

	assert.Equal(t, "10.1057/s41599-023-02000-1", article.DOI)
	assert.Equal(t, "Norms and nudges", article.Title)
	assert.Equal(t, day(2023, time.June, 15), article.Published)
	assert.Empty(t, article.CodeLinks, "OSF links are not code repositories")
	assert.False(t, article.HasPeerReview())
	assert.Empty(t, article.ESM)
	assert.Equal(t, "https://www.nature.com/articles/s41599-023-02000-1.pdf", article.PDFURL)
}

func TestParseArticleWholePageCodeFallback(t *testing.T) {
	t.Parallel()

	markup := []byte(`<html><head><meta name="citation_doi" content="https://doi.org/10.1/abc"></head>
<body><h1>Fallback</h1><p>Code: <a href="https://github.com/lab/tool">repo</a>,
<a href="https://github.com/login">sign in</a></p></body></html>`)
	article, err := New(nil).ParseArticle(testJournal, "https://www.nature.com/articles/a1", markup)
	require.NoError(t, err)
	assert.Equal(t, "10.1/abc", article.DOI)
	assert.Equal(t, "Fallback", article.Title)
	assert.True(t, article.Published.IsZero())
	assert.Equal(t, []string{"https://github.com/lab/tool"}, article.CodeLinks)
}

func TestParseArticleMissingDOI(t *testing.T) {
	t.Parallel()

	_, err := New(nil).ParseArticle(testJournal, "https://www.nature.com/articles/x", readFixture(t, "article_nodoi.html"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, harvest.ErrParse))

	var perr *harvest.ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "doi", perr.Field)
}

func TestParseArticleMissingTitle(t *testing.T) {
	t.Parallel()

	markup := []byte(`<html><head><meta name="citation_doi" content="10.1/x"></head><body></body></html>`)
	_, err := New(nil).ParseArticle(testJournal, "https://www.nature.com/articles/x", markup)
	var perr *harvest.ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "title", perr.Field)
}

func TestParseArticleCustomESMHost(t *testing.T) {
	t.Parallel()

	markup := []byte(`<html><head><meta name="citation_doi" content="10.1/x"><meta name="citation_title" content="T"></head>
<body><a href="http://files.test/esm/MOESM1.pdf">Supplementary Data 1</a>
<a href="http://static-content.springer.com/esm/MOESM2.pdf">Supplementary Information</a></body></html>`)
	article, err := New([]string{"files.test"}).ParseArticle(testJournal, "http://pages.test/articles/x", markup)
	require.NoError(t, err)
	require.Len(t, article.ESM, 1)
	assert.Equal(t, "Supplementary_Data_1.pdf", article.ESM[0].Filename)
	assert.Equal(t, harvest.ESMData, article.ESM[0].Class)
}

func TestNormalizeGitHubRepo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://github.com/owner/repo", "https://github.com/owner/repo", true},
		{"https://www.github.com/owner/repo.git", "https://github.com/owner/repo", true},
		{"https://github.com/owner/repo/tree/main/src", "https://github.com/owner/repo", true},
		{"https://github.com/owner", "", false},
		{"https://github.com/features/actions", "", false},
		{"https://gitlab.com/owner/repo", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeGitHubRepo(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNormalizeDOI(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "10.1038/abc", NormalizeDOI("https://doi.org/10.1038/abc"))
	assert.Equal(t, "10.1038/abc", NormalizeDOI("doi:10.1038/abc"))
	assert.Equal(t, "10.1038/abc", NormalizeDOI(" http://dx.doi.org/10.1038/abc "))
	assert.Equal(t, "10.1038/abc", NormalizeDOI("10.1038/abc"))
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	got, ok := ParseDate("2024-03-01T18:30:00Z")
	require.True(t, ok)
	assert.Equal(t, day(2024, time.March, 1), got)

	got, ok = ParseDate("03 February 2013")
	require.True(t, ok)
	assert.Equal(t, day(2013, time.February, 3), got)

	_, ok = ParseDate("")
	assert.False(t, ok)
	_, ok = ParseDate("not a date")
	assert.False(t, ok)
}
