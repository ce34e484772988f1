package interval

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const termDateLayout = "2006-01-02"

// AcademicTerm is one externally supplied term, e.g. "Fall 2011".
// Start is inclusive, End exclusive, both at UTC midnight.
type AcademicTerm struct {
	Name         string
	Start        time.Time
	End          time.Time
	AcademicYear string // label shared by the terms of one academic cycle, e.g. "2011-2012"
	Fingerprint  string // SHA-256 of the raw term file; staleness detection
}

// Covers reports whether t falls inside the term's [Start, End) span.
func (a AcademicTerm) Covers(t time.Time) bool {
	return !t.Before(a.Start) && t.Before(a.End)
}

// AcademicYearSpan is the [Start, End) hull of all terms sharing one
// academic-year label.
type AcademicYearSpan struct {
	Label string
	Start time.Time
	End   time.Time
}

// TermList is a validated, start-ordered set of non-overlapping terms.
type TermList struct {
	terms []AcademicTerm
	years []AcademicYearSpan
}

// NewTermList validates and orders terms. Terms must not overlap; gaps between
// terms are expected (summer breaks) and handled by callers via ErrGap.
func NewTermList(terms []AcademicTerm) (TermList, error) {
	sorted := make([]AcademicTerm, len(terms))
	copy(sorted, terms)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	byYear := make(map[string]*AcademicYearSpan)
	for i, term := range sorted {
		if term.Name == "" {
			return TermList{}, fmt.Errorf("academic term %d: name must not be empty", i)
		}
		if !term.End.After(term.Start) {
			return TermList{}, fmt.Errorf("academic term %q: end must be after start", term.Name)
		}
		if i > 0 && sorted[i-1].End.After(term.Start) {
			return TermList{}, fmt.Errorf("academic terms %q and %q overlap", sorted[i-1].Name, term.Name)
		}
		if term.AcademicYear == "" {
			continue
		}
		span, ok := byYear[term.AcademicYear]
		if !ok {
			byYear[term.AcademicYear] = &AcademicYearSpan{Label: term.AcademicYear, Start: term.Start, End: term.End}
			continue
		}
		if term.Start.Before(span.Start) {
			span.Start = term.Start
		}
		if term.End.After(span.End) {
			span.End = term.End
		}
	}

	years := make([]AcademicYearSpan, 0, len(byYear))
	for _, span := range byYear {
		years = append(years, *span)
	}
	sort.Slice(years, func(i, j int) bool { return years[i].Start.Before(years[j].Start) })

	return TermList{terms: sorted, years: years}, nil
}

// Covering returns the term containing t, if any.
func (l TermList) Covering(t time.Time) (AcademicTerm, bool) {
	for _, term := range l.terms {
		if term.Covers(t) {
			return term, true
		}
	}
	return AcademicTerm{}, false
}

// AcademicYearCovering returns the academic-year span containing t. The span is
// the hull of its terms, so inter-term breaks within a year are covered.
func (l TermList) AcademicYearCovering(t time.Time) (AcademicYearSpan, bool) {
	for _, year := range l.years {
		if !t.Before(year.Start) && t.Before(year.End) {
			return year, true
		}
	}
	return AcademicYearSpan{}, false
}

// Terms returns the ordered terms.
func (l TermList) Terms() []AcademicTerm {
	return l.terms
}

// rawTerm is the on-disk YAML shape, one term per file.
type rawTerm struct {
	Name         string `yaml:"name"`
	Start        string `yaml:"start"`
	End          string `yaml:"end"`
	AcademicYear string `yaml:"academic_year"`
}

// LoadTermsDir loads academic terms from *.yaml files in dir. A missing
// directory is valid and yields zero terms: every TERM and ACADEMIC_YEAR
// instant then resolves as a gap.
func LoadTermsDir(dir string) ([]AcademicTerm, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("academic calendar dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("academic calendar path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading academic calendar dir: %w", err)
	}

	var terms []AcademicTerm
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading term file %s: %w", path, err)
		}

		var raw rawTerm
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing term file %s: %w", path, err)
		}
		if raw.Name == "" {
			continue // skip empty / comment-only files
		}

		start, err := time.ParseInLocation(termDateLayout, raw.Start, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("term %q: invalid start date %q: %w", raw.Name, raw.Start, err)
		}
		end, err := time.ParseInLocation(termDateLayout, raw.End, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("term %q: invalid end date %q: %w", raw.Name, raw.End, err)
		}

		terms = append(terms, AcademicTerm{
			Name:         raw.Name,
			Start:        start,
			End:          end,
			AcademicYear: raw.AcademicYear,
			Fingerprint:  fmt.Sprintf("%x", sha256.Sum256(data)),
		})
	}
	return terms, nil
}
