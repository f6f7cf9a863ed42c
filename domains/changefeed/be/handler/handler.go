package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/domains/changefeed/be/repo"
	"github.com/Opetushallitus/varda-reporting/domains/changefeed/be/service"
	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
	"github.com/Opetushallitus/varda-reporting/platform/go/pagination"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
)

const (
	paramAfter = "luonti_pvm_gte"
	paramUntil = "luonti_pvm_lte"

	basePath = "/kela/etuusmaksatus"

	// defaultLookback is the window start when the caller gives no bounds at all.
	defaultLookback = 7 * 24 * time.Hour
)

type Handler struct {
	svc    service.Service
	logger *zap.Logger
	pages  pagination.Limits
	now    func() time.Time
}

func New(svc service.Service, logger *zap.Logger, pages pagination.Limits) *Handler {
	if svc == nil {
		panic("changefeed service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger, pages: pages, now: time.Now}
}

// Register mounts every feed in both versions.
func (h *Handler) Register(r chi.Router) {
	for _, feed := range repo.Feeds {
		r.Get(basePath+"/"+string(feed)+"/", h.feed(feed, service.V1))
		r.Get(basePath+"/"+string(feed)+"/v2/", h.feed(feed, service.V2))
	}
}

type apiChange struct {
	PersonOID    string  `json:"henkilo_oid"`
	NationalID   string  `json:"henkilotunnus"`
	StartDate    string  `json:"vakasuhde_alkamis_pvm"`
	EndDate      *string `json:"vakasuhde_paattymis_pvm,omitempty"`
	OldStartDate *string `json:"vakasuhde_vanha_alkamis_pvm,omitempty"`
	OldEndDate   *string `json:"vakasuhde_vanha_paattymis_pvm,omitempty"`

	AssignmentID int64      `json:"varhaiskasvatussuhde_id,omitempty"`
	SiteOID      string     `json:"toimipaikka_oid,omitempty"`
	ProviderOID  string     `json:"vakajarjestaja_oid,omitempty"`
	ChangedAt    *time.Time `json:"muutos_pvm,omitempty"`
}

func (h *Handler) feed(feed repo.Feed, version service.Version) http.HandlerFunc {
	op := "changefeed." + string(feed) + "." + string(version)
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := h.pages.Parse(r)
		if err != nil {
			httpapi.WriteError(w, r, h.logger, op, err)
			return
		}
		window, err := h.parseWindow(r)
		if err != nil {
			httpapi.WriteError(w, r, h.logger, op, err)
			return
		}

		fp := pagination.Fingerprint(map[string]string{
			"feed":    string(feed),
			"version": string(version),
			"after":   window.After.Format(time.RFC3339Nano),
			"until":   window.Until.Format(time.RFC3339Nano),
		})
		req := service.Request{Feed: feed, Version: version, Window: window, Size: page.Size}
		if page.Cursor != "" {
			var after repo.Cursor
			if err := pagination.Decode(page.Cursor, fp, &after); err != nil {
				httpapi.WriteError(w, r, h.logger, op, err)
				return
			}
			req.After = &after
		}

		caller := requesttrace.FromContextOrAnonymous(r.Context())
		result, err := h.svc.Feed(r.Context(), caller, req)
		if err != nil {
			httpapi.WriteError(w, r, h.logger, op, err)
			return
		}

		body := pagination.Page[apiChange]{Results: make([]apiChange, 0, len(result.Changes))}
		for _, c := range result.Changes {
			body.Results = append(body.Results, toAPIChange(feed, version, c))
		}
		if result.Next != nil {
			cursor, err := pagination.Encode(fp, result.Next)
			if err != nil {
				httpapi.WriteError(w, r, h.logger, op, err)
				return
			}
			next := pagination.NextURL(pinWindow(r, window), cursor)
			body.Next = &next
		}
		httpapi.WriteJSON(w, http.StatusOK, body)
	}
}

// parseWindow resolves the (gte, lte] bounds. A missing upper bound defaults to now + 1 day.
func (h *Handler) parseWindow(r *http.Request) (repo.Window, error) {
	after, err := httpapi.ParseDateTime(r, paramAfter)
	if err != nil {
		return repo.Window{}, err
	}
	until, err := httpapi.ParseDateTime(r, paramUntil)
	if err != nil {
		return repo.Window{}, err
	}

	now := h.now().UTC()
	switch {
	case after == nil && until != nil:
		return repo.Window{}, httpapi.Invalid(paramUntil, httpapi.CodeUpperWithoutLower)
	case after == nil:
		start := now.Add(-defaultLookback)
		after = &start
	}
	if until == nil {
		end := now.Add(24 * time.Hour)
		until = &end
	}
	if until.Before(*after) {
		return repo.Window{}, httpapi.Invalid(paramUntil, httpapi.CodeUpperBeforeLower)
	}
	return repo.Window{After: *after, Until: *until}, nil
}

// pinWindow rewrites the bounds in the request query so the next link keeps the resolved
// window even when the caller relied on defaults.
func pinWindow(r *http.Request, w repo.Window) *http.Request {
	clone := r.Clone(r.Context())
	q := clone.URL.Query()
	q.Set(paramAfter, w.After.Format(time.RFC3339Nano))
	q.Set(paramUntil, w.Until.Format(time.RFC3339Nano))
	clone.URL.RawQuery = q.Encode()
	return clone
}

func toAPIChange(feed repo.Feed, version service.Version, c service.Change) apiChange {
	out := apiChange{
		PersonOID:  c.PersonOID,
		NationalID: c.NationalID,
		StartDate:  c.StartDate.Format(time.DateOnly),
	}
	if feed != repo.FeedStarted {
		out.EndDate = formatDate(c.EndDate)
	}
	if feed == repo.FeedCorrections {
		out.OldStartDate = formatDate(c.OldStartDate)
		out.OldEndDate = formatDate(c.OldEndDate)
	}
	if version == service.V2 {
		changed := c.ChangedAt
		out.AssignmentID = c.AssignmentID
		out.SiteOID = c.SiteOID
		out.ProviderOID = c.ProviderOID
		out.ChangedAt = &changed
	}
	return out
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.DateOnly)
	return &s
}
