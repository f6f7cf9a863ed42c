package codes

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
)

// Koodisto names used by the reports.
const (
	KoodistoOperatingMode      = "vardatoimintamuoto"
	KoodistoProvisionMode      = "vardajarjestamismuoto"
	KoodistoFeeBasis           = "vardamaksuperuste"
	KoodistoLanguage           = "kielikoodistoopetushallinto"
	KoodistoEmploymentType     = "vardatyosuhde"
	KoodistoWorkload           = "vardatyoaika"
	KoodistoQualification      = "vardatutkinto"
	KoodistoTaskTitle          = "vardatehtavanimike"
	KoodistoFunctionalEmphasis = "vardatoiminnallinenpainotus"
	KoodistoSiteStatus         = "vardatoimipaikantila"
	KoodistoSupportLevel       = "vardatuentaso"
	KoodistoAgeGroup           = "vardaikaryhma"
	KoodistoProviderForm       = "organisaatiotyyppi"
)

// Code is one koodisto entry with its names per language.
type Code struct {
	Code  string
	Names map[Language]string
}

// Name returns the translated name or "" when missing.
func (c Code) Name(lang Language) string {
	if n := c.Names[lang]; n != "" {
		return n
	}
	return c.Names[FI]
}

// Source loads the codes of one koodisto.
type Source interface {
	Codes(ctx context.Context, koodisto string) ([]Code, error)
}

// PostgresSource reads the code_translation table maintained by the registry's code sync.
type PostgresSource struct {
	q persistence.Querier
}

func NewPostgresSource(q persistence.Querier) *PostgresSource {
	if q == nil {
		panic("codes source requires querier")
	}
	return &PostgresSource{q: q}
}

func (s *PostgresSource) Codes(ctx context.Context, koodisto string) ([]Code, error) {
	rows, err := s.q.Query(ctx, `
SELECT code, language, name
FROM code_translation
WHERE koodisto = $1
ORDER BY code, language`, koodisto)
	if err != nil {
		return nil, fmt.Errorf("query koodisto %s: %w", koodisto, err)
	}

	var (
		out              []Code
		code, lang, name string
	)
	_, err = pgx.ForEachRow(rows, []any{&code, &lang, &name}, func() error {
		if len(out) == 0 || out[len(out)-1].Code != code {
			out = append(out, Code{Code: code, Names: map[Language]string{}})
		}
		if parsed, err := ParseLanguage(lang); err == nil {
			out[len(out)-1].Names[parsed] = name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan koodisto %s: %w", koodisto, err)
	}
	return out, nil
}

type cacheEntry struct {
	codes     []Code
	byCode    map[string]Code
	expiresAt time.Time
}

// Cache memoizes koodisto lookups for a TTL.
type Cache struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCache(src Source, ttl time.Duration) *Cache {
	if src == nil {
		panic("codes cache requires source")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{src: src, ttl: ttl, now: time.Now, entries: map[string]cacheEntry{}}
}

func (c *Cache) load(ctx context.Context, koodisto string) (cacheEntry, error) {
	c.mu.RLock()
	entry, ok := c.entries[koodisto]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		return entry, nil
	}

	list, err := c.src.Codes(ctx, koodisto)
	if err != nil {
		return cacheEntry{}, err
	}
	entry = cacheEntry{codes: list, byCode: make(map[string]Code, len(list)), expiresAt: c.now().Add(c.ttl)}
	for _, code := range list {
		entry.byCode[strings.ToLower(code.Code)] = code
	}

	c.mu.Lock()
	c.entries[koodisto] = entry
	c.mu.Unlock()
	return entry, nil
}

// Codes returns the codes of a koodisto in code order.
func (c *Cache) Codes(ctx context.Context, koodisto string) ([]Code, error) {
	entry, err := c.load(ctx, koodisto)
	if err != nil {
		return nil, err
	}
	return entry.codes, nil
}

// Name translates a code. Unknown codes, and lookups that fail, render as "(code)".
func (c *Cache) Name(ctx context.Context, koodisto, code string, lang Language) string {
	if code == "" {
		return ""
	}
	entry, err := c.load(ctx, koodisto)
	if err != nil {
		return Missing(code)
	}
	found, ok := entry.byCode[strings.ToLower(code)]
	if !ok || found.Name(lang) == "" {
		return Missing(code)
	}
	return found.Name(lang)
}

// Missing is the rendering of a code absent from its koodisto.
func Missing(code string) string {
	return "(" + code + ")"
}
