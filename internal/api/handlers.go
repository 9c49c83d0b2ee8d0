package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
	"github.com/JakeFAU/codepaper-harvester/internal/id/uuid"
	"github.com/JakeFAU/codepaper-harvester/internal/progress/sinks"
	"github.com/JakeFAU/codepaper-harvester/internal/storage/local"
	"github.com/JakeFAU/codepaper-harvester/internal/store"
)

const (
	defaultRunLimit     = 20
	maxRunLimit         = 200
	defaultArticleLimit = 100
	maxArticleLimit     = 1000
)

var errStopWalk = errors.New("stop walk")

// Handler exposes run ledgers and saved reports.
type Handler struct {
	blobs   *local.BlobStore
	reports *store.Store
	logger  *zap.Logger
}

// NewHandler wires the output root and logger.
func NewHandler(blobs *local.BlobStore, reports *store.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{blobs: blobs, reports: reports, logger: logger.Named("api")}
}

// Routes mounts the handlers under /api.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{run_id}", h.GetRun)
		r.Get("/articles", h.ListArticles)
	})
}

// ListRuns handles GET /api/runs?status=&limit=&offset=. It returns
// {"runs": [...]}, or 400 for invalid filters.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "output root unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := sinks.ListRunRecords(h.blobs)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	runs := make([]sinks.RunRecord, 0, len(records))
	for _, rec := range records {
		if status == "" || rec.Status == status {
			runs = append(runs, rec)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": page(runs, limit, offset)})
}

// GetRun handles GET /api/runs/{run_id}. It returns {"run": {...}}, 400 for
// a malformed ID, or 404 when no ledger was written for the run.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "output root unavailable")
		return
	}
	runID, err := uuid.ParseRunID(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}
	rec, err := sinks.LoadRunRecord(h.blobs, runID.String())
	if err != nil {
		if errors.Is(err, sinks.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.Stringer("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": rec})
}

// ListArticles handles GET /api/articles?category=&passed=&limit=&offset=.
func (h *Handler) ListArticles(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, http.StatusServiceUnavailable, "metadata store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultArticleLimit, maxArticleLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	category := q.Get("category")
	var passed *bool
	if raw := q.Get("passed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid passed")
			return
		}
		passed = &v
	}

	var articles []articleDTO
	skipped := 0
	err = h.reports.Walk(func(rep harvest.Report) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		if category != "" && rep.Category != category {
			return nil
		}
		if passed != nil && rep.Screening.Passed != *passed {
			return nil
		}
		if skipped < offset {
			skipped++
			return nil
		}
		articles = append(articles, toArticleDTO(rep))
		if len(articles) == limit {
			return errStopWalk
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		h.logger.Error("list articles failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list articles")
		return
	}
	if articles == nil {
		articles = []articleDTO{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"articles": articles})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (string, error) {
	switch s := strings.ToLower(strings.TrimSpace(input)); s {
	case "", "running", "success", "error":
		return s, nil
	case "failed", "failure":
		return "error", nil
	default:
		return "", errors.New("invalid status")
	}
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

type articleDTO struct {
	DOI              string    `json:"doi"`
	Title            string    `json:"title"`
	Journal          string    `json:"journal"`
	Category         string    `json:"category"`
	Slug             string    `json:"slug"`
	URL              string    `json:"url"`
	Published        time.Time `json:"published"`
	Passed           bool      `json:"passed"`
	Reasons          []string  `json:"reasons,omitempty"`
	PDFStatus        string    `json:"pdf_status"`
	CodeStatus       string    `json:"code_status"`
	PeerReviewStatus string    `json:"peer_review_status"`
	Manual           int       `json:"manual_items"`
	DryRun           bool      `json:"dry_run"`
}

func toArticleDTO(r harvest.Report) articleDTO {
	return articleDTO{
		DOI:              r.DOI,
		Title:            r.Title,
		Journal:          r.Journal,
		Category:         r.Category,
		Slug:             r.Slug,
		URL:              r.URL,
		Published:        r.Published,
		Passed:           r.Screening.Passed,
		Reasons:          r.Screening.Reasons,
		PDFStatus:        string(r.PDFStatus),
		CodeStatus:       string(r.CodeStatus),
		PeerReviewStatus: string(r.PeerReviewStatus),
		Manual:           len(r.ManualRequired),
		DryRun:           r.DryRun,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
