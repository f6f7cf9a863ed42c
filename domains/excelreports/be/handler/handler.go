package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/domains/excelreports/be/repo"
	"github.com/Opetushallitus/varda-reporting/domains/excelreports/be/service"
	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
	"github.com/Opetushallitus/varda-reporting/platform/go/pagination"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
)

const (
	maxBodyBytes  = 64 << 10
	xlsxMediaType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	paramType     = "report_type"
	paramStatus   = "status"
	paramProvider = "organisaatio_oid"
	paramSite     = "toimipaikka_id"
)

type Handler struct {
	svc    service.JobService
	logger *zap.Logger
	pages  pagination.Limits
	// downloads enables the artifact download endpoint outside production.
	downloads bool
}

func New(svc service.JobService, logger *zap.Logger, pages pagination.Limits, downloads bool) *Handler {
	if svc == nil {
		panic("excel report service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger, pages: pages, downloads: downloads}
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/excel-reports", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}/", h.get)
		r.Get("/{id}/download", h.download)
	})
}

type apiJob struct {
	ID                  int64   `json:"id"`
	ReportType          string  `json:"report_type"`
	ReportSubtype       string  `json:"report_subtype,omitempty"`
	TargetDate          string  `json:"target_date"`
	TargetDateSecondary *string `json:"target_date_secondary,omitempty"`
	Language            string  `json:"language"`
	ProviderID          *int64  `json:"vakajarjestaja_id,omitempty"`
	SiteID              *int64  `json:"toimipaikka_id,omitempty"`
	Status              string  `json:"status"`
	Filename            string  `json:"filename,omitempty"`
	Password            string  `json:"password,omitempty"`
	CreatedAt           string  `json:"timestamp"`

	cursor repo.Cursor
}

func toAPIJob(j repo.Job) apiJob {
	out := apiJob{
		ID:            j.ID,
		ReportType:    j.ReportType,
		ReportSubtype: j.ReportSubtype,
		TargetDate:    j.TargetDate.Format(time.DateOnly),
		Language:      j.Language,
		ProviderID:    j.ProviderID,
		SiteID:        j.SiteID,
		Status:        string(j.Status),
		Filename:      j.Filename,
		CreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339),
		cursor:        j.Cursor(),
	}
	if j.TargetDateSecondary != nil {
		d := j.TargetDateSecondary.Format(time.DateOnly)
		out.TargetDateSecondary = &d
	}
	return out
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	const op = "excelreports.list"

	page, err := h.pages.Parse(r)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	req, err := parseListRequest(r)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	fp := pagination.Fingerprint(map[string]string{
		"type":   req.ReportType,
		"status": string(req.Status),
		"org":    req.ProviderOID,
		"site":   strconv.FormatInt(req.SiteID, 10),
	})
	if page.Cursor != "" {
		var after repo.Cursor
		if err := pagination.Decode(page.Cursor, fp, &after); err != nil {
			httpapi.WriteError(w, r, h.logger, op, err)
			return
		}
		req.After = &after
	}
	req.Limit = page.Size + 1

	caller := requesttrace.FromContextOrAnonymous(r.Context())
	jobs, err := h.svc.List(r.Context(), caller, req)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	rows := make([]apiJob, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, toAPIJob(j))
	}
	body, err := pagination.Build(r, rows, page.Size, fp, func(j apiJob) any { return j.cursor })
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, body)
}

func parseListRequest(r *http.Request) (service.ListRequest, error) {
	q := r.URL.Query()
	req := service.ListRequest{
		ReportType:  strings.ToUpper(strings.TrimSpace(q.Get(paramType))),
		Status:      repo.Status(strings.ToUpper(strings.TrimSpace(q.Get(paramStatus)))),
		ProviderOID: strings.TrimSpace(q.Get(paramProvider)),
	}
	if raw := strings.TrimSpace(q.Get(paramSite)); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return service.ListRequest{}, httpapi.Invalid(paramSite, httpapi.CodeInvalidQueryParam)
		}
		req.SiteID = id
	}
	return req, nil
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	const op = "excelreports.create"

	var req service.CreateRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httpapi.WriteError(w, r, h.logger, op, httpapi.Invalid("body", httpapi.CodeInvalidBody))
		return
	}

	caller := requesttrace.FromContextOrAnonymous(r.Context())
	job, err := h.svc.Create(r.Context(), caller, req)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, toAPIJob(job))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	const op = "excelreports.get"

	id, err := jobID(r)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	detail, err := h.svc.Get(r.Context(), requesttrace.FromContextOrAnonymous(r.Context()), id)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	body := toAPIJob(detail.Job)
	body.Password = detail.Password
	httpapi.WriteJSON(w, http.StatusOK, body)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	const op = "excelreports.download"

	if !h.downloads {
		httpapi.WriteError(w, r, h.logger, op, service.ErrNotFound)
		return
	}
	id, err := jobID(r)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	rc, job, err := h.svc.Open(r.Context(), requesttrace.FromContextOrAnonymous(r.Context()), id)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", xlsxMediaType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil && !errors.Is(err, r.Context().Err()) {
		h.logger.Warn("report download interrupted", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

func jobID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, service.ErrNotFound
	}
	return id, nil
}
