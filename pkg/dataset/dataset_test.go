package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fuserr "github.com/orneryd/holofusion/pkg/errors"
	"github.com/orneryd/holofusion/pkg/storage"
)

const booksCSV = `source,isbn,title,author
amazon,0439,Harry Potter,J. K. Rowling
barnes,0439,Harry Potter,Rowling
abebooks,0439,Harry Poter,J. K. Rowling
amazon,10,Dune,Frank Herbert
barnes,10,Dune,
amazon,9,Emma,Jane Austen
`

func loadBooks(t *testing.T) *Dataset {
	t.Helper()
	d, err := Load([]byte(booksCSV), Options{Name: "books"})
	require.NoError(t, err)
	return d
}

func TestLoad(t *testing.T) {
	d := loadBooks(t)

	assert.Equal(t, "books", d.Name)
	assert.Equal(t, []string{"isbn", "title", "author"}, d.Attributes)
	require.Len(t, d.Rows, 6)
	assert.Equal(t, Row{TupleID: 0, Source: "amazon", Values: map[string]string{
		"isbn": "0439", "title": "Harry Potter", "author": "J. K. Rowling",
	}}, d.Rows[0])
	_, hasAuthor := d.Rows[4].Values["author"]
	assert.False(t, hasAuthor, "empty cells are missing observations")
	assert.Equal(t, []string{"amazon", "barnes", "abebooks"}, d.Sources())

	assert.Len(t, d.ID, 16)
	assert.Equal(t, "books@"+d.ID, d.PrintID())
	assert.Contains(t, d.String(), "rows=6")

	again, err := Load([]byte(booksCSV), Options{Name: "copy"})
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID, "id is a content fingerprint")

	other, err := Load([]byte(booksCSV+"barnes,9,Emma,Austen\n"), Options{})
	require.NoError(t, err)
	assert.NotEqual(t, d.ID, other.ID)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		opts Options
		want string
	}{
		{"empty", "", Options{}, "empty file"},
		{"no source column", "isbn,title\n1,a\n", Options{}, `no "source" column`},
		{"custom source column missing", "source,isbn\na,1\n", Options{SourceColumn: "provider"}, `no "provider" column`},
		{"only source", "source\na\n", Options{}, "no attribute columns"},
		{"no rows", "source,isbn\n", Options{}, "no data rows"},
		{"duplicate column", "source,isbn,isbn\na,1,1\n", Options{}, "duplicate"},
		{"ragged row", "source,isbn,title\na,1\n", Options{}, "wrong number of fields"},
		{"empty source", "source,isbn\n,1\n", Options{}, "empty source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.data), tt.opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, fuserr.ErrIngest), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.csv")
	require.NoError(t, os.WriteFile(path, []byte("\xef\xbb\xbf"+booksCSV), 0o644))

	d, err := LoadFile(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, "books", d.Name)
	assert.Equal(t, path, d.Path)
	assert.Equal(t, "source", d.SourceColumn, "BOM is stripped from the header")

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.csv"), Options{})
	assert.True(t, errors.Is(err, fuserr.ErrIngest))
}

func TestKeyBy(t *testing.T) {
	d := loadBooks(t)

	k, err := d.KeyBy("isbn")
	require.NoError(t, err)

	// Natural order: 9 < 10 < 0439 numerically (439).
	require.Len(t, k.Entities, 3)
	assert.Equal(t, "9", k.Entities[0].Key)
	assert.Equal(t, "10", k.Entities[1].Key)
	assert.Equal(t, "0439", k.Entities[2].Key)

	id, ok := k.EntityFor([]string{"0439"})
	assert.True(t, ok)
	assert.Equal(t, 2, id)
	_, ok = k.EntityFor([]string{"404"})
	assert.False(t, ok)

	assert.Equal(t, []string{"author", "title"}, k.ObservedAttributes())

	// Entity 2 has 3 title and 3 author observations; "J. K. Rowling" twice from
	// different sources stays two observations.
	var e2 []Observation
	for _, o := range k.Observations {
		if o.EntityID == 2 {
			e2 = append(e2, o)
		}
	}
	require.Len(t, e2, 6)
	assert.Equal(t, Observation{EntityID: 2, Attribute: "author", Source: "abebooks", Value: "J. K. Rowling", TupleID: 2}, e2[0])
}

func TestKeyBy_Deterministic(t *testing.T) {
	d := loadBooks(t)
	a, err := d.KeyBy("isbn", "title")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		b, err := d.KeyBy("isbn", "title")
		require.NoError(t, err)
		assert.Equal(t, a.Entities, b.Entities)
		assert.Equal(t, a.Observations, b.Observations)
	}
	// ("0439", "Harry Poter") and ("0439", "Harry Potter") are distinct entities.
	assert.Len(t, a.Entities, 4)
	assert.Equal(t, "0439|Harry Poter", a.Entities[2].Key)
}

func TestKeyBy_Errors(t *testing.T) {
	d := loadBooks(t)

	_, err := d.KeyBy()
	assert.True(t, errors.Is(err, fuserr.ErrSchema))

	_, err = d.KeyBy("ean")
	assert.True(t, errors.Is(err, fuserr.ErrSchema))
	assert.Contains(t, err.Error(), `"ean"`)

	_, err = d.KeyBy("isbn", "isbn")
	assert.True(t, errors.Is(err, fuserr.ErrSchema))

	_, err = d.KeyBy("author")
	require.Error(t, err, "row 5 has an empty author")
	assert.True(t, errors.Is(err, fuserr.ErrSchema))
	assert.Contains(t, err.Error(), "row 5")
}

func TestBuildVariables(t *testing.T) {
	d := loadBooks(t)
	k, err := d.KeyBy("isbn")
	require.NoError(t, err)

	labels, err := d.LoadLabels([]byte("isbn,title,author\n0439,Harry Potter,Joanne Rowling\n404,Ghost,\n"))
	require.NoError(t, err)

	vars, stats, err := k.BuildVariables(labels)
	require.NoError(t, err)

	// (9: author, title) (10: author, title) (0439: author, title)
	require.Len(t, vars, 6)
	for i, v := range vars {
		assert.Equal(t, i, v.ID)
	}
	assert.Equal(t, "author", vars[0].Attribute)
	assert.Equal(t, 0, vars[0].EntityID)
	assert.Equal(t, []string{"Jane Austen"}, vars[0].Domain)
	assert.False(t, vars[0].IsEvidence())

	author := vars[4]
	assert.Equal(t, "0439", author.Key)
	assert.Equal(t, []string{"J. K. Rowling", "Joanne Rowling", "Rowling"}, author.Domain, "label value joins the domain")
	assert.Equal(t, 1, author.Evidence)

	title := vars[5]
	assert.Equal(t, []string{"Harry Poter", "Harry Potter"}, title.Domain)
	assert.Equal(t, 1, title.Evidence)

	assert.Equal(t, 2, stats.Applied)
	assert.Equal(t, 1, stats.UnknownEntity)
}

func TestBuildVariables_LabelMissingKey(t *testing.T) {
	d := loadBooks(t)
	k, err := d.KeyBy("isbn")
	require.NoError(t, err)

	_, _, err = k.BuildVariables([]LabelRow{{Values: map[string]string{"title": "Dune"}}})
	assert.True(t, errors.Is(err, fuserr.ErrSchema))
}

func TestBuildVariables_ConflictingLabels(t *testing.T) {
	d := loadBooks(t)
	k, err := d.KeyBy("isbn")
	require.NoError(t, err)

	vars, stats, err := k.BuildVariables([]LabelRow{
		{Values: map[string]string{"isbn": "10", "title": "Dune"}},
		{Values: map[string]string{"isbn": "10", "title": "Dune Messiah"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conflicting)
	assert.Equal(t, []string{"Dune"}, vars[3].Domain)
	assert.Equal(t, 0, vars[3].Evidence)
}

func TestLoadLabels_UnknownColumn(t *testing.T) {
	d := loadBooks(t)
	_, err := d.LoadLabels([]byte("isbn,publisher\n10,Ace\n"))
	assert.True(t, errors.Is(err, fuserr.ErrSchema))

	labels, err := d.LoadLabels([]byte("source,isbn,title\ngold,10,Dune\n"))
	require.NoError(t, err)
	assert.Equal(t, []LabelRow{{Values: map[string]string{"isbn": "10", "title": "Dune"}}}, labels)
}

func TestSaveOpen(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	d := loadBooks(t)
	require.NoError(t, Save(engine, d))

	got, err := Open(engine, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, d.Attributes, got.Attributes)
	assert.Equal(t, d.Rows, got.Rows)

	_, err = Open(engine, "nope")
	assert.True(t, errors.Is(err, fuserr.ErrStorage))
}
