package download

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
)

const progressInterval = 10 * time.Second

// progressReader reports every 10 percentage points, or every
// progressInterval when the total size is unknown or the transfer stalls.
type progressReader struct {
	r       io.Reader
	total   int64
	read    int64
	clock   harvest.Clock
	report  func(read, total int64)
	lastPct int
	lastAt  time.Time
}

func newProgressReader(r io.Reader, total int64, clock harvest.Clock, report func(read, total int64)) *progressReader {
	if total < 0 {
		total = 0
	}
	return &progressReader{r: r, total: total, clock: clock, report: report, lastAt: clock.Now()}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.maybeReport()
	}
	return n, err
}

func (p *progressReader) maybeReport() {
	now := p.clock.Now()
	if p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct >= p.lastPct+10 {
			p.lastPct = pct - pct%10
			p.lastAt = now
			p.report(p.read, p.total)
			return
		}
	}
	if now.Sub(p.lastAt) >= progressInterval {
		p.lastAt = now
		p.report(p.read, p.total)
	}
}

var errEmptyPDF = errors.New("pdf has no pages")

// countPages opens the document and returns its page count. The pdf package
// panics on some malformed trailers, which is reported as an error.
func countPages(f io.ReaderAt, size int64) (pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, err = 0, fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(f, size)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	pages = reader.NumPage()
	if pages == 0 {
		return 0, errEmptyPDF
	}
	return pages, nil
}
