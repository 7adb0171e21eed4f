package renderer

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cristim67/diploma-generator/internal/generation"
	"github.com/cristim67/diploma-generator/internal/testutil"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
)

func load(t *testing.T, doc string, extra map[string]string) *Template {
	t.Helper()
	tmpl, err := Load(generation.Handle{Name: "diploma.docx", Data: testutil.DOCX(t, doc, extra)})
	require.NoError(t, err)
	return tmpl
}

func rec(kv ...string) generation.FieldRecord {
	r := generation.FieldRecord{Row: 2, Values: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		r.Keys = append(r.Keys, kv[i])
		r.Values[kv[i]] = kv[i+1]
	}
	return r
}

func TestRenderSubstitutesAndEscapes(t *testing.T) {
	tmpl := load(t, testutil.DocumentXML(testutil.Paragraph{"Hello {{ studentName }}!"}), nil)

	out, err := tmpl.Render(rec("studentName", "Ana & <Co>", "unused", "x"))
	require.NoError(t, err)

	doc := testutil.Part(t, out, "word/document.xml")
	assert.Contains(t, doc, `<w:t xml:space="preserve">Hello Ana &amp; &lt;Co&gt;!</w:t>`)
	assert.NotContains(t, doc, "{{")
}

func TestRenderTagSplitAcrossRuns(t *testing.T) {
	tmpl := load(t, testutil.DocumentXML(testutil.Paragraph{"Dear {{stud", "entName", "}}, well done"}), nil)
	assert.Equal(t, []string{"studentName"}, tmpl.Placeholders())

	out, err := tmpl.Render(rec("studentName", "Ana"))
	require.NoError(t, err)

	doc := testutil.Part(t, out, "word/document.xml")
	assert.Contains(t, doc, `<w:t xml:space="preserve">Dear Ana</w:t>`)
	assert.Contains(t, doc, `<w:t>, well done</w:t>`)
	assert.NotContains(t, doc, "entName")
}

func TestRenderNewlinesBecomeBreaks(t *testing.T) {
	tmpl := load(t, testutil.DocumentXML(testutil.Paragraph{"{{address}}"}), nil)

	out, err := tmpl.Render(rec("address", "Line1\nLine2\r\nLine3"))
	require.NoError(t, err)

	doc := testutil.Part(t, out, "word/document.xml")
	assert.Contains(t, doc, `Line1</w:t><w:br/><w:t xml:space="preserve">Line2</w:t><w:br/><w:t xml:space="preserve">Line3`)
	assert.NotContains(t, doc, "\n")
}

func TestRenderMissingFieldInDocumentOrder(t *testing.T) {
	tmpl := load(t, testutil.DocumentXML(
		testutil.Paragraph{"{{studentName}}"},
		testutil.Paragraph{"{{faculty}} {{grade}}"},
	), nil)

	_, err := tmpl.Render(rec("studentName", "Ana"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMissingField)

	var mf *MissingFieldError
	require.True(t, errors.As(err, &mf))
	assert.Equal(t, "faculty", mf.Name)
}

func TestRenderIsDeterministic(t *testing.T) {
	data := testutil.DOCX(t, testutil.DocumentXML(testutil.Paragraph{"{{id}} {{studentName}}"}), nil)
	r := rec("id", "7", "studentName", "Ana")

	first, err := Load(generation.Handle{Data: data})
	require.NoError(t, err)
	second, err := Load(generation.Handle{Data: data})
	require.NoError(t, err)

	a, err := first.Render(r)
	require.NoError(t, err)
	b, err := first.Render(r)
	require.NoError(t, err)
	c, err := second.Render(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
	assert.True(t, bytes.Equal(a, c))
}

func TestRenderConcurrentUse(t *testing.T) {
	tmpl := load(t, testutil.DocumentXML(testutil.Paragraph{"{{studentName}}"}), nil)
	want, err := tmpl.Render(rec("studentName", "Ana"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := tmpl.Render(rec("studentName", "Ana"))
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}

func TestRenderHeadersAndUntouchedParts(t *testing.T) {
	header := `<w:hdr xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:p><w:r><w:t>{{faculty}}</w:t></w:r></w:p></w:hdr>`
	styles := `<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:t>{{notAField}}</w:t></w:styles>`
	data := testutil.DOCX(t, testutil.DocumentXML(testutil.Paragraph{"{{studentName}}"}), map[string]string{
		"word/header1.xml": header,
	})
	tmpl, err := Load(generation.Handle{Data: data})
	require.NoError(t, err)
	assert.Equal(t, []string{"studentName", "faculty"}, tmpl.Placeholders())

	out, err := tmpl.Render(rec("studentName", "Ana", "faculty", "CS"))
	require.NoError(t, err)
	assert.Equal(t, testutil.Entries(t, data), testutil.Entries(t, out))
	assert.Contains(t, testutil.Part(t, out, "word/header1.xml"), ">CS</w:t>")

	stylesDoc := testutil.DOCX(t, testutil.DocumentXML(testutil.Paragraph{"plain"}), map[string]string{"word/styles.xml": styles})
	tmpl, err = Load(generation.Handle{Data: stylesDoc})
	require.NoError(t, err)
	assert.Empty(t, tmpl.Placeholders())
	out, err = tmpl.Render(rec())
	require.NoError(t, err)
	assert.Equal(t, styles, testutil.Part(t, out, "word/styles.xml"))
}

func TestLoadCorrupt(t *testing.T) {
	tests := map[string][]byte{
		"not zip":          []byte("plain text"),
		"empty":            {},
		"unclosed tag":     testutil.DOCX(t, testutil.DocumentXML(testutil.Paragraph{"{{studentName"}), nil),
		"empty name":       testutil.DOCX(t, testutil.DocumentXML(testutil.Paragraph{"{{ }}"}), nil),
		"missing document": zipWithout(t),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(generation.Handle{Name: "bad.docx", Data: data})
			assert.ErrorIs(t, err, apperrors.ErrTemplateCorrupt)
		})
	}
}

func zipWithout(t *testing.T) []byte {
	t.Helper()
	full := testutil.DOCX(t, testutil.DocumentXML(), map[string]string{"word/styles.xml": "<w:styles/>"})
	tmpl, err := Load(generation.Handle{Data: full})
	require.NoError(t, err)

	// Rebuild the container from every entry except the main document.
	var kept []entry
	for _, e := range tmpl.entries {
		if e.header.Name != documentPart {
			kept = append(kept, e)
		}
	}
	tmpl.entries = kept
	out, err := tmpl.Render(rec())
	require.NoError(t, err)
	return out
}
