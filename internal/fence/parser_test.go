package fence

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"chatrelay/internal/models"
)

func feed(fragments []string) []models.StreamDelta {
	p := NewParser()
	var out []models.StreamDelta
	for _, f := range fragments {
		out = append(out, p.Process(f)...)
	}
	return append(out, p.Flush()...)
}

func TestParser_FenceSpanningFragments(t *testing.T) {
	t.Parallel()

	got := Coalesce(feed([]string{"Here is co", "de:\n```py", "thon\nprint(1)\n```\ndone"}))
	want := []models.StreamDelta{
		models.TextDelta("Here is code:\n"),
		models.CodeStart("python", "python"),
		models.CodeDelta("\nprint(1)\n"),
		models.CodeEnd(),
		models.TextDelta("\ndone"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("deltas mismatch\n got: %+v\nwant: %+v", got, want)
	}
}

func TestParser_UnterminatedFenceClosedOnFlush(t *testing.T) {
	t.Parallel()

	p := NewParser()
	got := p.Process("abc\n```js\nfoo")
	want := []models.StreamDelta{
		models.TextDelta("abc\n"),
		models.CodeStart("js", "js"),
		models.CodeDelta("\nfoo"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("process mismatch\n got: %+v\nwant: %+v", got, want)
	}

	tail := p.Flush()
	if len(tail) != 1 || tail[0].Kind != models.DeltaCodeEnd {
		t.Fatalf("expected synthetic code end, got %+v", tail)
	}
	if p.InCode() {
		t.Fatal("parser still in code after flush")
	}
}

func TestParser_FenceWithoutNewlineBecomesText(t *testing.T) {
	t.Parallel()

	got := Coalesce(feed([]string{"see ```", "pyth", "on"}))
	want := []models.StreamDelta{models.TextDelta("see ```python")}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestParser_CRLFAfterLanguageTag(t *testing.T) {
	t.Parallel()

	raw := "```go\r\nfmt.Println()\r\n```"
	deltas := feed([]string{"```go\r", "\nfmt.Println()\r\n```"})
	if deltas[0].Kind != models.DeltaCodeStart || deltas[0].Lang != "go" {
		t.Fatalf("expected code start with lang go, got %+v", deltas[0])
	}
	if got := Reconstruct(deltas); got != raw {
		t.Fatalf("reconstruct = %q, want %q", got, raw)
	}
}

func TestParser_MarkerSplitAcrossFragments(t *testing.T) {
	t.Parallel()

	cases := [][]string{
		{"a`", "``sh\nls\n``", "`b"},
		{"a``", "`sh\nls\n`", "``b"},
		{"a", "`", "`", "`sh\nls\n", "`", "``", "b"},
	}
	want := []models.StreamDelta{
		models.TextDelta("a"),
		models.CodeStart("sh", "sh"),
		models.CodeDelta("\nls\n"),
		models.CodeEnd(),
		models.TextDelta("b"),
	}
	for _, fragments := range cases {
		got := Coalesce(feed(fragments))
		if !reflect.DeepEqual(got, want) {
			t.Errorf("fragments %q:\n got: %+v\nwant: %+v", fragments, got, want)
		}
	}
}

func TestParser_StrayBackticksStayText(t *testing.T) {
	t.Parallel()

	got := Coalesce(feed([]string{"use `x``", "` or `y`"}))
	// "``" + "`" completes a marker, so the rest is a language line that
	// never ends and is returned as text on flush.
	if Reconstruct(got) != "use `x``` or `y`" {
		t.Fatalf("reconstruct mismatch: %q", Reconstruct(got))
	}
	for _, d := range got {
		if d.Kind != models.DeltaText {
			t.Fatalf("expected only text deltas, got %+v", got)
		}
	}
}

func TestParser_ManyBlocksInOneFragment(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := 0; i < 5000; i++ {
		b.WriteString("x```\ny\n```")
	}
	deltas := feed([]string{b.String()})
	starts := 0
	for _, d := range deltas {
		if d.Kind == models.DeltaCodeStart {
			starts++
		}
	}
	if starts != 5000 {
		t.Fatalf("expected 5000 code blocks, got %d", starts)
	}
	if Reconstruct(deltas) != b.String() {
		t.Fatal("reconstruct mismatch for many blocks")
	}
}

func randomMarkdown(r *rand.Rand) string {
	const prose = "abc de.\n!?:; xyz"
	const code = "fn(){}\n\t= 1;"
	langs := []string{"", "go", "python", " js ", "c++"}

	var b strings.Builder
	for i := 0; i < 1+r.Intn(6); i++ {
		for j := 0; j < r.Intn(30); j++ {
			b.WriteByte(prose[r.Intn(len(prose))])
		}
		if r.Intn(2) == 0 {
			b.WriteString("```")
			b.WriteString(langs[r.Intn(len(langs))])
			if r.Intn(3) == 0 {
				b.WriteString("\r\n")
			} else {
				b.WriteString("\n")
			}
			for j := 0; j < r.Intn(40); j++ {
				b.WriteByte(code[r.Intn(len(code))])
			}
			b.WriteString("```")
		}
	}
	return b.String()
}

func randomSplit(r *rand.Rand, s string) []string {
	var out []string
	for len(s) > 0 {
		n := 1 + r.Intn(8)
		if n > len(s) {
			n = len(s)
		}
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}

func TestParser_ArbitrarySplitsReconstructOriginal(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		doc := randomMarkdown(r)
		whole := Parse(doc)
		chunked := feed(randomSplit(r, doc))

		if got := Reconstruct(chunked); got != doc {
			t.Fatalf("reconstruct mismatch\n got: %q\nwant: %q", got, doc)
		}
		if got := Coalesce(chunked); !reflect.DeepEqual(got, whole) {
			t.Fatalf("classification depends on split for %q\n chunked: %+v\n   whole: %+v", doc, got, whole)
		}
	}
}
