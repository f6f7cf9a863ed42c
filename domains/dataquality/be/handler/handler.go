package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/domains/dataquality/be/repo"
	"github.com/Opetushallitus/varda-reporting/domains/dataquality/be/service"
	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
	"github.com/Opetushallitus/varda-reporting/platform/go/pagination"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
)

// Paths of the defect reports, one per root entity.
var rootPaths = map[string]repo.Root{
	"/error-report-lapset/":        repo.RootChild,
	"/error-report-tyontekijat/":   repo.RootEmployee,
	"/error-report-toimipaikat/":   repo.RootSite,
	"/error-report-organisaatiot/": repo.RootOrganization,
}

// Handler serves the data quality reports.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
	pages  pagination.Limits
}

// New constructs a Handler instance.
func New(svc service.Service, logger *zap.Logger, pages pagination.Limits) *Handler {
	if svc == nil {
		panic("dataquality service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger, pages: pages}
}

// Register mounts the report routes on r.
func (h *Handler) Register(r chi.Router) {
	for path, root := range rootPaths {
		r.Get(path, h.list(root))
	}
}

type apiError struct {
	ErrorCode   string  `json:"error_code"`
	Description string  `json:"description"`
	ModelName   string  `json:"model_name"`
	ModelIDs    []int64 `json:"model_id_list"`
}

type apiRecord struct {
	ID         int64      `json:"id"`
	OID        string     `json:"oid,omitempty"`
	PersonID   int64      `json:"henkilo_id,omitempty"`
	FirstNames string     `json:"etunimet,omitempty"`
	LastName   string     `json:"sukunimi,omitempty"`
	Name       string     `json:"nimi,omitempty"`
	ProviderID int64      `json:"vakajarjestaja_id"`
	ModifiedAt time.Time  `json:"muutos_pvm"`
	Errors     []apiError `json:"errors"`
	cursor     repo.Cursor
}

func (h *Handler) list(root repo.Root) http.HandlerFunc {
	op := "errorReport." + string(root)
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := h.pages.Parse(r)
		if err != nil {
			httpapi.WriteError(w, r, h.logger, op, err)
			return
		}
		filter, err := parseFilter(r, root)
		if err != nil {
			httpapi.WriteError(w, r, h.logger, op, err)
			return
		}

		fp := fingerprint(root, filter)
		if page.Cursor != "" {
			var after repo.Cursor
			if err := pagination.Decode(page.Cursor, fp, &after); err != nil {
				httpapi.WriteError(w, r, h.logger, op, err)
				return
			}
			filter.After = &after
		}
		filter.Limit = page.Size + 1

		audit := requesttrace.FromContextOrAnonymous(r.Context())
		records, err := h.svc.Scan(r.Context(), audit, filter)
		if err != nil {
			httpapi.WriteError(w, r, h.logger, op, err)
			return
		}

		rows := make([]apiRecord, 0, len(records))
		for _, rec := range records {
			rows = append(rows, toAPIRecord(rec))
		}
		body, err := pagination.Build(r, rows, page.Size, fp, func(row apiRecord) any { return row.cursor })
		if err != nil {
			httpapi.WriteError(w, r, h.logger, op, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, body)
	}
}

func parseFilter(r *http.Request, root repo.Root) (service.Filter, error) {
	exclude, err := httpapi.ParseBool(r, "exclude_errors")
	if err != nil {
		return service.Filter{}, err
	}

	f := service.Filter{
		Root:        root,
		ProviderOID: strings.TrimSpace(r.URL.Query().Get("organisaatio_oid")),
		Exclude:     exclude,
		Search:      strings.TrimSpace(r.URL.Query().Get("search")),
	}
	for _, code := range httpapi.SplitList(r, "error") {
		f.Codes = append(f.Codes, strings.ToUpper(code))
	}
	for _, raw := range httpapi.SplitList(r, "rows_filter") {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return service.Filter{}, httpapi.Invalid("rows_filter", httpapi.CodeInvalidQueryParam)
		}
		f.HideIDs = append(f.HideIDs, id)
	}
	return f, nil
}

func fingerprint(root repo.Root, f service.Filter) string {
	hidden := make([]string, 0, len(f.HideIDs))
	for _, id := range f.HideIDs {
		hidden = append(hidden, strconv.FormatInt(id, 10))
	}
	return pagination.Fingerprint(map[string]string{
		"root":    string(root),
		"org":     f.ProviderOID,
		"codes":   strings.Join(f.Codes, ","),
		"exclude": strconv.FormatBool(f.Exclude),
		"search":  f.Search,
		"hidden":  strings.Join(hidden, ","),
	})
}

func toAPIRecord(rec service.Record) apiRecord {
	out := apiRecord{
		ID:         rec.ID,
		OID:        rec.OID,
		PersonID:   rec.PersonID,
		FirstNames: rec.FirstNames,
		LastName:   rec.LastName,
		Name:       rec.Name,
		ProviderID: rec.ProviderID,
		ModifiedAt: rec.ModifiedAt,
		Errors:     make([]apiError, 0, len(rec.Errors)),
		cursor:     rec.Cursor(),
	}
	for _, e := range rec.Errors {
		out.Errors = append(out.Errors, apiError{
			ErrorCode:   e.Code,
			Description: e.Description,
			ModelName:   e.Model,
			ModelIDs:    e.IDs,
		})
	}
	return out
}
