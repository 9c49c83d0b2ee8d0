// Package download fetches the artifacts of approved articles into the
// output tree.
package download

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/codepaper-harvester/internal/clock/system"
	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
	"github.com/JakeFAU/codepaper-harvester/internal/metrics"
	"github.com/JakeFAU/codepaper-harvester/internal/progress"
	"github.com/JakeFAU/codepaper-harvester/internal/screening"
	"github.com/JakeFAU/codepaper-harvester/internal/storage/local"
)

// Subdirectories of an article directory.
const (
	PDFDir          = "pdf_papers"
	PDFName         = "paper.pdf"
	CodeDir         = "code"
	SupplementalDir = "supplementary_materials"
	DataDir         = "data"
)

// Gate answers robots questions and performs gated fetches.
type Gate interface {
	harvest.RobotsPolicy
	harvest.Fetcher
}

// Config controls the download engine.
type Config struct {
	// Concurrency bounds the resources of one article fetched at once.
	Concurrency int
	// Resume records an existing destination file as downloaded without
	// touching the network.
	Resume bool
	// RunID tags emitted progress events.
	RunID [16]byte
}

// Engine downloads the resources of approved articles.
type Engine struct {
	cfg      Config
	gate     Gate
	blobs    *local.BlobStore
	progress progress.Emitter
	clock    harvest.Clock
	logger   *zap.Logger
}

// New wires an Engine. A nil emitter discards progress events.
func New(cfg Config, gate Gate, blobs *local.BlobStore, emitter progress.Emitter, logger *zap.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if emitter == nil {
		emitter = (*progress.Hub)(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		gate:     gate,
		blobs:    blobs,
		progress: emitter,
		clock:    system.New(),
		logger:   logger.Named("download"),
	}
}

// Outcome is everything the download stage learned about one article.
type Outcome struct {
	Records          []harvest.DownloadRecord
	ESM              []harvest.ESMResource
	PDFStatus        harvest.ResourceStatus
	CodeStatus       harvest.ResourceStatus
	PeerReviewStatus harvest.ResourceStatus
	Manual           []harvest.ManualItem
}

// job is one resource to fetch. rel is relative to the article directory
// and dest to the blob root. esm indexes Outcome.ESM, or is -1.
type job struct {
	kind harvest.ResourceKind
	url  string
	rel  string
	dest string
	esm  int
	pdf  bool
	// snapshot holds the allowance decided at screening time, if any.
	snapshot *bool
}

// Download fetches the PDF, code archive, every ESM file, and the peer-review
// file of an approved article into dir, which is relative to the blob store
// root. A failing resource never aborts the others. It panics on a zero
// Approval.
func (e *Engine) Download(ctx context.Context, approval screening.Approval, dir string) Outcome {
	if !approval.Valid() {
		panic("download: article was not approved by screening")
	}
	result := approval.Result()
	article := result.Article()

	out := Outcome{
		ESM:              make([]harvest.ESMResource, len(article.ESM)),
		PDFStatus:        harvest.StatusMissing,
		CodeStatus:       harvest.StatusPending,
		PeerReviewStatus: harvest.StatusPending,
		Manual:           result.ManualItems(),
	}
	copy(out.ESM, article.ESM)

	jobs := e.plan(result, dir)
	records := make([]harvest.DownloadRecord, len(jobs))

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			records[i] = e.fetch(ctx, j)
			return nil
		})
	}
	_ = g.Wait()

	for i, j := range jobs {
		rec := records[i]
		status := statusFor(rec.Outcome)
		switch {
		case j.esm >= 0:
			advanced, err := out.ESM[j.esm].Advance(status)
			if err != nil {
				e.logger.Warn("esm status not advanced", zap.Error(err))
			} else {
				out.ESM[j.esm] = advanced
			}
		case j.kind == harvest.KindPDF:
			out.PDFStatus = status
		case j.kind == harvest.KindCode:
			out.CodeStatus = status
		case j.kind == harvest.KindPeerReview:
			out.PeerReviewStatus = status
		}
		// A fetch-time denial, such as a redirect onto a disallowed path,
		// is not in the screening snapshot.
		if rec.Outcome == harvest.OutcomeBlocked {
			out.Manual = addManual(out.Manual, j.kind, j.url)
		}
	}
	out.Records = records
	return out
}

func addManual(items []harvest.ManualItem, kind harvest.ResourceKind, rawURL string) []harvest.ManualItem {
	for _, item := range items {
		if item.Kind == kind && item.URL == rawURL {
			return items
		}
	}
	return append(items, harvest.ManualItem{
		Kind:   kind,
		URL:    rawURL,
		Reason: screening.ReasonRobotsDisallowed,
	})
}

func (e *Engine) plan(result screening.Result, dir string) []job {
	article := result.Article()
	snapshot := func(kind harvest.ResourceKind) *bool {
		allowed := result.Allowed(kind)
		return &allowed
	}

	var jobs []job
	if article.PDFURL != "" {
		jobs = append(jobs, job{
			kind:     harvest.KindPDF,
			url:      article.PDFURL,
			rel:      path.Join(PDFDir, PDFName),
			esm:      -1,
			pdf:      true,
			snapshot: snapshot(harvest.KindPDF),
		})
	}
	code := result.Code()
	jobs = append(jobs, job{
		kind:     harvest.KindCode,
		url:      code.ArchiveURL(),
		rel:      path.Join(CodeDir, code.ArchiveName()),
		esm:      -1,
		snapshot: snapshot(harvest.KindCode),
	})
	for i, res := range article.ESM {
		sub := SupplementalDir
		if res.Class == harvest.ESMData {
			sub = DataDir
		}
		jobs = append(jobs, job{
			kind: harvest.KindSupplementary,
			url:  res.URL,
			rel:  path.Join(sub, res.Filename),
			esm:  i,
		})
	}
	if article.HasPeerReview() {
		jobs = append(jobs, job{
			kind:     harvest.KindPeerReview,
			url:      article.PeerReview.URL,
			rel:      path.Join(SupplementalDir, harvest.PeerReviewFilename),
			esm:      -1,
			snapshot: snapshot(harvest.KindPeerReview),
		})
	}
	for i := range jobs {
		jobs[i].dest = path.Join(dir, jobs[i].rel)
	}
	return jobs
}

func (e *Engine) fetch(ctx context.Context, j job) harvest.DownloadRecord {
	start := e.clock.Now()
	rec := harvest.DownloadRecord{Kind: j.kind, Path: j.rel, SourceURL: j.url}
	logger := e.logger.With(zap.String("kind", string(j.kind)), zap.String("url", j.url))

	finish := func(outcome harvest.Outcome, err error) harvest.DownloadRecord {
		rec.Outcome = outcome
		rec.Timestamp = e.clock.Now().UTC()
		if err != nil {
			rec.Error = err.Error()
		}
		metrics.ObserveDownload(j.url, string(j.kind), string(outcome), rec.Bytes)
		e.progress.Emit(progress.Event{
			RunID:   e.cfg.RunID,
			TS:      rec.Timestamp,
			Stage:   progress.StageDownloadDone,
			URL:     j.url,
			Kind:    string(j.kind),
			Outcome: string(outcome),
			Bytes:   rec.Bytes,
			Dur:     max(rec.Timestamp.Sub(start), 0),
			Note:    rec.Error,
		})
		switch outcome {
		case harvest.OutcomeSuccess:
			logger.Info("resource saved", zap.String("path", j.dest), zap.Int64("bytes", rec.Bytes))
		case harvest.OutcomeBlocked:
			logger.Info("resource blocked by robots.txt")
		default:
			logger.Warn("resource download failed", zap.Error(err))
		}
		return rec
	}

	if e.cfg.Resume && e.blobs.Exists(j.dest) {
		if obj, err := e.existing(j); err == nil {
			rec.Bytes, rec.SHA256 = obj.Bytes, obj.SHA256
			rec.Pages = obj.pages
			logger.Debug("resource already on disk")
			return finish(harvest.OutcomeSuccess, nil)
		}
	}

	var allowed bool
	if j.snapshot != nil {
		allowed = *j.snapshot
	} else {
		allowed = e.gate.Allowed(ctx, j.url)
	}
	if !allowed {
		metrics.ObserveRobotsDenial(j.url)
		return finish(harvest.OutcomeBlocked, nil)
	}

	resp, err := e.gate.Fetch(ctx, j.url)
	if err != nil {
		if errors.Is(err, harvest.ErrRobotsDisallowed) {
			return finish(harvest.OutcomeBlocked, nil)
		}
		return finish(harvest.OutcomeFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if isHTML(resp) {
		return finish(harvest.OutcomeFailed, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")))
	}

	var (
		pages  int
		verify local.VerifyFunc
	)
	if j.pdf {
		verify = func(f *os.File, size int64) error {
			n, err := countPages(f, size)
			pages = n
			return err
		}
	}
	body := newProgressReader(resp.Body, resp.ContentLength, e.clock, func(read, total int64) {
		e.progress.Emit(progress.Event{
			RunID: e.cfg.RunID,
			TS:    e.clock.Now().UTC(),
			Stage: progress.StageDownloadProgress,
			URL:   j.url,
			Kind:  string(j.kind),
			Bytes: read,
			Total: total,
		})
	})
	obj, err := e.blobs.PutObject(ctx, j.dest, body, verify)
	if err != nil {
		return finish(harvest.OutcomeFailed, err)
	}
	rec.Bytes, rec.SHA256, rec.Pages = obj.Bytes, obj.SHA256, pages
	return finish(harvest.OutcomeSuccess, nil)
}

type existingObject struct {
	local.Object
	pages int
}

// existing describes a file left by an earlier run. A PDF that no longer
// parses is treated as absent so it is fetched again.
func (e *Engine) existing(j job) (existingObject, error) {
	obj, err := e.blobs.Stat(j.dest)
	if err != nil {
		return existingObject{}, err
	}
	out := existingObject{Object: obj}
	if !j.pdf {
		return out, nil
	}
	// #nosec G304 -- obj.Path was resolved inside the blob store root.
	f, err := os.Open(obj.Path)
	if err != nil {
		return existingObject{}, fmt.Errorf("open %s: %w", obj.Path, err)
	}
	defer func() { _ = f.Close() }()
	out.pages, err = countPages(f, obj.Bytes)
	if err != nil {
		return existingObject{}, err
	}
	return out, nil
}

func isHTML(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func statusFor(outcome harvest.Outcome) harvest.ResourceStatus {
	switch outcome {
	case harvest.OutcomeSuccess:
		return harvest.StatusDownloaded
	case harvest.OutcomeBlocked:
		return harvest.StatusBlocked
	default:
		return harvest.StatusMissing
	}
}
