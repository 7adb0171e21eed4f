package renderer

import (
	"fmt"
	"testing"

	"github.com/cristim67/diploma-generator/internal/generation"
	"github.com/cristim67/diploma-generator/internal/testutil"
)

var benchTemplates = map[string]int{
	"short":  4,
	"medium": 40,
	"long":   400,
}

func benchTemplate(b *testing.B, paragraphs int) []byte {
	b.Helper()
	ps := make([]testutil.Paragraph, paragraphs)
	for i := range ps {
		ps[i] = testutil.Paragraph{fmt.Sprintf("Paragraph %d awarded to {{stud", i), "entName}} for {{course}} with grade ", "{{grade}}."}
	}
	return testutil.DOCX(b, testutil.DocumentXML(ps...), nil)
}

func BenchmarkLoad(b *testing.B) {
	for name, n := range benchTemplates {
		data := benchTemplate(b, n)
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(data)))
			for i := 0; i < b.N; i++ {
				if _, err := Load(generation.Handle{Data: data}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkRender(b *testing.B) {
	r := rec("studentName", "Ana Pop", "course", "Distributed Systems", "grade", "10")
	for name, n := range benchTemplates {
		tmpl, err := Load(generation.Handle{Data: benchTemplate(b, n)})
		if err != nil {
			b.Fatal(err)
		}
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := tmpl.Render(r); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkRenderParallel(b *testing.B) {
	tmpl, err := Load(generation.Handle{Data: benchTemplate(b, benchTemplates["medium"])})
	if err != nil {
		b.Fatal(err)
	}
	r := rec("studentName", "Ana Pop", "course", "Distributed Systems", "grade", "10")
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := tmpl.Render(r); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
