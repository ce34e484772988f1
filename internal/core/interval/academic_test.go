package interval

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTermFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadTermsDir(t *testing.T) {
	dir := t.TempDir()
	writeTermFile(t, dir, "fall-2011.yaml", `
name: Fall 2011
start: "2011-08-22"
end: "2011-12-17"
academic_year: "2011-2012"
`)
	writeTermFile(t, dir, "spring-2012.yml", `
name: Spring 2012
start: "2012-01-17"
end: "2012-05-12"
academic_year: "2011-2012"
`)
	writeTermFile(t, dir, "notes.txt", "not a term")
	writeTermFile(t, dir, "empty.yaml", "# placeholder\n")

	terms, err := LoadTermsDir(dir)
	require.NoError(t, err)
	require.Len(t, terms, 2)

	for _, term := range terms {
		assert.NotEmpty(t, term.Fingerprint)
		assert.Equal(t, "2011-2012", term.AcademicYear)
		assert.Equal(t, time.UTC, term.Start.Location())
	}
}

func TestLoadTermsDirMissing(t *testing.T) {
	terms, err := LoadTermsDir(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, terms)
}

func TestLoadTermsDirBadDate(t *testing.T) {
	dir := t.TempDir()
	writeTermFile(t, dir, "bad.yaml", `
name: Broken
start: "August 22, 2011"
end: "2011-12-17"
`)
	_, err := LoadTermsDir(dir)
	assert.Error(t, err)
}

func TestNewTermListRejectsOverlap(t *testing.T) {
	_, err := NewTermList([]AcademicTerm{
		{
			Name:  "Fall",
			Start: time.Date(2011, time.August, 22, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2011, time.December, 17, 0, 0, 0, 0, time.UTC),
		},
		{
			Name:  "Overlapping",
			Start: time.Date(2011, time.December, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2012, time.March, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	assert.Error(t, err)
}

func TestNewTermListRejectsInvertedSpan(t *testing.T) {
	_, err := NewTermList([]AcademicTerm{
		{
			Name:  "Backwards",
			Start: time.Date(2011, time.December, 17, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2011, time.August, 22, 0, 0, 0, 0, time.UTC),
		},
	})
	assert.Error(t, err)
}

func TestTermListCovering(t *testing.T) {
	list, err := NewTermList(testTerms(t))
	require.NoError(t, err)

	term, ok := list.Covering(time.Date(2011, time.October, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "Fall 2011", term.Name)

	// End is exclusive.
	_, ok = list.Covering(time.Date(2011, time.December, 17, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)

	// Start is inclusive.
	term, ok = list.Covering(time.Date(2012, time.January, 17, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "Spring 2012", term.Name)
}

func TestAcademicYearHullCoversBreaks(t *testing.T) {
	list, err := NewTermList(testTerms(t))
	require.NoError(t, err)

	// Winter break between the two terms is inside the year's hull.
	span, ok := list.AcademicYearCovering(time.Date(2012, time.January, 2, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "2011-2012", span.Label)
	assert.True(t, span.Start.Equal(time.Date(2011, time.August, 22, 0, 0, 0, 0, time.UTC)))
	assert.True(t, span.End.Equal(time.Date(2012, time.May, 12, 0, 0, 0, 0, time.UTC)))

	// Outside the hull is a gap.
	_, ok = list.AcademicYearCovering(time.Date(2012, time.June, 1, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}

func TestNewTermListSortsByStart(t *testing.T) {
	terms := testTerms(t)
	terms[0], terms[1] = terms[1], terms[0]

	list, err := NewTermList(terms)
	require.NoError(t, err)

	ordered := list.Terms()
	require.Len(t, ordered, 2)
	assert.Equal(t, "Fall 2011", ordered[0].Name)
	assert.Equal(t, "Spring 2012", ordered[1].Name)
}
