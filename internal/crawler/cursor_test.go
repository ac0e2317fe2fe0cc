package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Cursor{
		{},
		PageCursor(0),
		PageCursor(5),
		SkipCursor(300),
		FileCursor("2024_07.xml"),
		FileCursor("name:with:colons.xml"),
	}
	for _, c := range cases {
		parsed, err := ParseCursor(c.String())
		require.NoError(t, err, c.String())
		assert.Equal(t, c, parsed)
	}
}

func TestParseCursorRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := ParseCursor("offset:5")
	require.Error(t, err)
	_, err = ParseCursor("page:abc")
	require.Error(t, err)
	_, err = ParseCursor("page:-1")
	require.Error(t, err)
	_, err = ParseCursor("5")
	require.Error(t, err)
}

func TestCursorIsZero(t *testing.T) {
	t.Parallel()

	assert.True(t, Cursor{}.IsZero())
	assert.False(t, PageCursor(0).IsZero())
	assert.False(t, FileCursor("").IsZero())
}

func TestRecordFieldsIncludesExtrasAndColumns(t *testing.T) {
	t.Parallel()

	rec := Record{
		Key:     "Acme_Kim",
		Company: "Acme",
		CEO:     "Kim",
		Extra:   map[string]string{"업종": "제조", FieldCompany: "shadowed"},
	}
	fields := rec.Fields()
	assert.Equal(t, "Acme", fields[FieldCompany])
	assert.Equal(t, "Acme_Kim", fields[FieldKey])
	assert.Equal(t, "제조", fields["업종"])
	assert.Contains(t, fields, FieldPhone)

	data, err := rec.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"고유키":"Acme_Kim"`)
}

func TestClassificationAccepted(t *testing.T) {
	t.Parallel()

	assert.True(t, ClassNew.Accepted())
	assert.True(t, ClassChanged.Accepted())
	assert.False(t, ClassUnchanged.Accepted())
}
