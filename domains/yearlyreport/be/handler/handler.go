package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/repo"
	"github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/service"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
)

const (
	paramStatisticalDate = "tilastointi_pvm"
	paramSnapshotAt      = "poiminta_pvm"
	paramProvider        = "organisaatio_oid"
)

type Handler struct {
	svc    service.Service
	logger *zap.Logger
	now    func() time.Time
}

func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("yearly report service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger, now: time.Now}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/vuosiraportti/", h.report)
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	const op = "yearlyreport.get"

	params, err := h.parseParams(r)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}

	caller := requesttrace.FromContextOrAnonymous(r.Context())
	lang, err := codes.ParseLanguage(caller.Language)
	if err != nil {
		lang = codes.Negotiate(r.Header.Get("Accept-Language"))
	}

	report, err := h.svc.Build(r.Context(), caller, service.Request{Params: params, Language: lang})
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, report)
}

// parseParams requires the statistical date. The snapshot instant defaults to now and may not
// precede the statistical date's own day.
func (h *Handler) parseParams(r *http.Request) (repo.Params, error) {
	on, err := httpapi.ParseDate(r, paramStatisticalDate)
	if err != nil {
		return repo.Params{}, err
	}
	if on == nil {
		return repo.Params{}, httpapi.Invalid(paramStatisticalDate, httpapi.CodeInvalidTargetDate)
	}
	at, err := httpapi.ParseDateTime(r, paramSnapshotAt)
	if err != nil {
		return repo.Params{}, err
	}
	if at == nil {
		now := h.now().UTC()
		at = &now
	}
	if at.Before(*on) {
		return repo.Params{}, httpapi.Invalid(paramSnapshotAt, httpapi.CodeInvalidTargetDate)
	}
	return repo.Params{
		At:          *at,
		On:          *on,
		ProviderOID: strings.TrimSpace(r.URL.Query().Get(paramProvider)),
	}, nil
}
