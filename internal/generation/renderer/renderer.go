// Package renderer substitutes record values into a DOCX template.
//
// A template is loaded once per batch. Loading walks the WordprocessingML
// text parts, joins the text of every <w:t> run and finds the {{name}} tags
// in the joined text, so tags that Word split over several runs are still
// found. Each tag is collapsed into the run where it starts and the part is
// compiled into a list of literal and field segments. Render then only
// concatenates segments, which keeps it allocation-light and deterministic.
package renderer

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/cristim67/diploma-generator/internal/generation"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"

	documentPart = "word/document.xml"
	lineBreak    = `</w:t><w:br/><w:t xml:space="preserve">`
	tabStop      = `</w:t><w:tab/><w:t xml:space="preserve">`
)

var (
	textNode       = regexp.MustCompile(`(<w:t(?:\s[^>]*)?>)([^<]*)(</w:t>)`)
	contentPattern = []string{"word/header*.xml", "word/footer*.xml", "word/footnotes.xml", "word/endnotes.xml"}

	valueEscaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
		"\r\n", lineBreak,
		"\r", lineBreak,
		"\n", lineBreak,
		"\t", tabStop,
	)
	nameUnescaper = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'")
)

// MissingFieldError reports a placeholder the record does not carry.
type MissingFieldError struct {
	Name string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %q", e.Name)
}

func (e *MissingFieldError) Unwrap() error {
	return apperrors.ErrMissingField
}

type segment struct {
	text  string
	field string
}

type entry struct {
	header   zip.FileHeader
	raw      []byte
	segments []segment
}

func (e *entry) rendered() bool { return e.segments != nil }

// Template is a parsed DOCX. It is immutable after Load and safe for
// concurrent use.
type Template struct {
	name         string
	entries      []entry
	placeholders []string
}

// Load parses a DOCX container and compiles its text parts. Any structural
// problem is reported as ErrTemplateCorrupt.
func Load(h generation.Handle) (*Template, error) {
	zr, err := zip.NewReader(bytes.NewReader(h.Data), int64(len(h.Data)))
	if err != nil {
		return nil, corrupt(h.Name, "not a zip container: %v", err)
	}
	t := &Template{name: h.Name, entries: make([]entry, 0, len(zr.File))}
	var docFields []string
	var otherFields []string
	hasDocument := false
	for _, f := range zr.File {
		e := entry{header: f.FileHeader}
		if isContentPart(f.Name) {
			content, err := readAll(f)
			if err != nil {
				return nil, corrupt(h.Name, "reading %s: %v", f.Name, err)
			}
			segs, fields, err := compile(content)
			if err != nil {
				return nil, corrupt(h.Name, "%s: %v", f.Name, err)
			}
			if f.Name == documentPart {
				hasDocument = true
				docFields = append(docFields, fields...)
			} else {
				otherFields = append(otherFields, fields...)
			}
			if len(fields) > 0 {
				e.segments = segs
				t.entries = append(t.entries, e)
				continue
			}
		}
		raw, err := readRaw(f)
		if err != nil {
			return nil, corrupt(h.Name, "reading %s: %v", f.Name, err)
		}
		e.raw = raw
		t.entries = append(t.entries, e)
	}
	if !hasDocument {
		return nil, corrupt(h.Name, "%s not found", documentPart)
	}
	t.placeholders = dedupe(append(docFields, otherFields...))
	return t, nil
}

// Placeholders returns the distinct field names the template references,
// body first, in document order.
func (t *Template) Placeholders() []string {
	out := make([]string, len(t.placeholders))
	copy(out, t.placeholders)
	return out
}

func (t *Template) Name() string { return t.name }

// Render substitutes rec into the template and returns the DOCX bytes. The
// first placeholder missing from rec fails the call with a
// *MissingFieldError; keys the template never references are ignored.
func (t *Template) Render(rec generation.FieldRecord) ([]byte, error) {
	for _, name := range t.placeholders {
		if _, ok := rec.Get(name); !ok {
			return nil, &MissingFieldError{Name: name}
		}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
	for i := range t.entries {
		e := &t.entries[i]
		if !e.rendered() {
			hdr := e.header
			w, err := zw.CreateRaw(&hdr)
			if err != nil {
				return nil, fmt.Errorf("copying %s: %w", hdr.Name, err)
			}
			if _, err := w.Write(e.raw); err != nil {
				return nil, fmt.Errorf("copying %s: %w", hdr.Name, err)
			}
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.header.Name,
			Comment:  e.header.Comment,
			Method:   zip.Deflate,
			Modified: e.header.Modified,
		})
		if err != nil {
			return nil, fmt.Errorf("writing %s: %w", e.header.Name, err)
		}
		for _, s := range e.segments {
			text := s.text
			if s.field != "" {
				text = valueEscaper.Replace(rec.Values[s.field])
			}
			if _, err := io.WriteString(w, text); err != nil {
				return nil, fmt.Errorf("writing %s: %w", e.header.Name, err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing document: %w", err)
	}
	return buf.Bytes(), nil
}

type run struct {
	start, end int // span of the whole <w:t>...</w:t> element in the part
	open       string
	close      string
	text       string
	offset     int // position of text within the joined run text
	items      []segment
	hasField   bool
}

// compile splits a part into literal and field segments.
func compile(content string) ([]segment, []string, error) {
	matches := textNode.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil, nil, nil
	}
	runs := make([]run, len(matches))
	var joined strings.Builder
	for i, m := range matches {
		runs[i] = run{
			start:  m[0],
			end:    m[1],
			open:   content[m[2]:m[3]],
			text:   content[m[4]:m[5]],
			close:  content[m[6]:m[7]],
			offset: joined.Len(),
		}
		joined.WriteString(runs[i].text)
	}
	text := joined.String()

	var fields []string
	cursor := 0
	for {
		i := strings.Index(text[cursor:], openDelim)
		if i < 0 {
			break
		}
		tagStart := cursor + i
		j := strings.Index(text[tagStart+len(openDelim):], closeDelim)
		if j < 0 {
			return nil, nil, fmt.Errorf("unclosed %s at text offset %d", openDelim, tagStart)
		}
		tagEnd := tagStart + len(openDelim) + j + len(closeDelim)
		name := strings.TrimSpace(nameUnescaper.Replace(text[tagStart+len(openDelim) : tagEnd-len(closeDelim)]))
		if name == "" {
			return nil, nil, errors.New("empty placeholder name")
		}
		spreadLiteral(runs, text, cursor, tagStart)
		owner := runAt(runs, tagStart)
		runs[owner].items = append(runs[owner].items, segment{field: name})
		runs[owner].hasField = true
		fields = append(fields, name)
		cursor = tagEnd
	}
	if len(fields) == 0 {
		return nil, nil, nil
	}
	spreadLiteral(runs, text, cursor, len(text))

	var segs []segment
	emit := func(s string) {
		if s == "" {
			return
		}
		if n := len(segs); n > 0 && segs[n-1].field == "" {
			segs[n-1].text += s
			return
		}
		segs = append(segs, segment{text: s})
	}
	prev := 0
	for i := range runs {
		r := &runs[i]
		emit(content[prev:r.start])
		if r.hasField {
			emit(preserveSpace(r.open))
		} else {
			emit(r.open)
		}
		for _, it := range r.items {
			if it.field != "" {
				segs = append(segs, it)
				continue
			}
			emit(it.text)
		}
		emit(r.close)
		prev = r.end
	}
	emit(content[prev:])
	return segs, fields, nil
}

// spreadLiteral hands the joined text in [from, to) back to the runs it
// came from.
func spreadLiteral(runs []run, text string, from, to int) {
	if from >= to {
		return
	}
	for i := range runs {
		r := &runs[i]
		rs, re := r.offset, r.offset+len(r.text)
		lo, hi := max(from, rs), min(to, re)
		if lo < hi {
			r.items = append(r.items, segment{text: text[lo:hi]})
		}
	}
}

func runAt(runs []run, pos int) int {
	for i := range runs {
		if pos >= runs[i].offset && pos < runs[i].offset+len(runs[i].text) {
			return i
		}
	}
	return len(runs) - 1
}

func preserveSpace(open string) string {
	if strings.Contains(open, "xml:space=") {
		return open
	}
	return strings.TrimSuffix(open, ">") + ` xml:space="preserve">`
}

func isContentPart(name string) bool {
	if name == documentPart {
		return true
	}
	for _, p := range contentPattern {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

func readAll(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func readRaw(f *zip.File) ([]byte, error) {
	r, err := f.OpenRaw()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func corrupt(name, format string, args ...any) error {
	return apperrors.Newf(apperrors.ErrTemplateCorrupt, 0, "%s: %s", name, fmt.Sprintf(format, args...))
}
