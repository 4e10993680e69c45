package format

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawSources(items ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(items))
	for i, it := range items {
		out[i] = json.RawMessage(it)
	}
	return out
}

// reformat feeds a formatted response back in as raw backend output.
func reformat(t *testing.T, r Response) Response {
	t.Helper()
	var src []json.RawMessage
	for _, s := range r.Sources {
		b, err := json.Marshal(s)
		require.NoError(t, err)
		src = append(src, b)
	}
	again, err := Format(Raw{Text: r.Body, Sources: src, Model: r.Model})
	require.NoError(t, err)
	return again
}

var markerRe = regexp.MustCompile(`\[(\d+)\]`)

// assertCitationContract checks that every marker has a source and every
// source is cited or flagged.
func assertCitationContract(t *testing.T, r Response) {
	t.Helper()
	ids := map[int]bool{}
	for i, s := range r.Sources {
		assert.Equal(t, i+1, s.ID, "ids must be contiguous")
		ids[s.ID] = true
	}
	cited := map[int]bool{}
	for _, m := range markerRe.FindAllStringSubmatch(r.Body, -1) {
		n, _ := strconv.Atoi(m[1])
		cited[n] = true
		assert.True(t, ids[n], "marker [%d] has no source", n)
	}
	for _, s := range r.Sources {
		assert.True(t, cited[s.ID] != s.Unreferenced, "source %d: cited=%v unreferenced=%v", s.ID, cited[s.ID], s.Unreferenced)
	}
}

func TestFormatEmptyBody(t *testing.T) {
	_, err := Format(Raw{Text: "  \n\t"})
	assert.ErrorIs(t, err, ErrEmptyBody)
}

func TestFormatRenumbersByFirstAppearance(t *testing.T) {
	raw := Raw{
		Text: "Sleep consolidates memory [3]. Naps help too [1][3]. See also [2].",
		Sources: rawSources(
			`{"url":"https://a.example/nap","title":"Naps"}`,
			`{"url":"https://b.example/x","title":"B"}`,
			`{"url":"https://c.example/sleep","title":"Sleep"}`,
		),
		Model: "sonar",
	}
	got, err := Format(raw)
	require.NoError(t, err)

	assert.Equal(t, "Sleep consolidates memory [1]. Naps help too [2][1]. See also [3].", got.Body)
	want := []Source{
		{ID: 1, Title: "Sleep", URL: "https://c.example/sleep"},
		{ID: 2, Title: "Naps", URL: "https://a.example/nap"},
		{ID: 3, Title: "B", URL: "https://b.example/x"},
	}
	if diff := cmp.Diff(want, got.Sources); diff != "" {
		t.Fatalf("sources mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "sonar", got.Model)
	assert.False(t, got.Degraded)
	assertCitationContract(t, got)
}

func TestFormatDoesNotMutateInput(t *testing.T) {
	src := rawSources(`"https://a.example"`, `{"url":"https://b.example"}`)
	raw := Raw{Text: "x [2] y [1]", Sources: src}
	before := string(src[0]) + string(src[1])
	_, err := Format(raw)
	require.NoError(t, err)
	assert.Equal(t, "x [2] y [1]", raw.Text)
	assert.Equal(t, before, string(raw.Sources[0])+string(raw.Sources[1]))
}

func TestFormatMalformedSourceResilience(t *testing.T) {
	raw := Raw{
		Text: "Claim one [1]. Claim two [2]. Claim three [3].",
		Sources: rawSources(
			`"https://www.nature.com/articles/sleep"`,
			`{"url":"https://b.example/paper","title":"Paper","snippet":"abstract"}`,
			`{"link":"https://c.example/page","name":"Page"}`,
		),
	}
	got, err := Format(raw)
	require.NoError(t, err)
	require.Len(t, got.Sources, 3)

	want := []Source{
		{ID: 1, Title: "nature.com", URL: "https://www.nature.com/articles/sleep"},
		{ID: 2, Title: "Paper", URL: "https://b.example/paper", Snippet: "abstract"},
		{ID: 3, Title: "Page", URL: "https://c.example/page"},
	}
	if diff := cmp.Diff(want, got.Sources); diff != "" {
		t.Fatalf("sources mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, got.Degraded)
	assert.NotEmpty(t, got.Repairs)
	assertCitationContract(t, got)
}

func TestFormatWrapsEveryShape(t *testing.T) {
	raw := Raw{
		Text: "see [1][2][3][4][5][6]",
		Sources: rawSources(
			`"Smith 2020, Journal of Sleep"`,
			`42`,
			`null`,
			`["https://x.example"]`,
			`{"title":{"nested":true},"url":"https://d.example/p"}`,
			`not json at all`,
		),
	}
	got, err := Format(raw)
	require.NoError(t, err)
	require.Len(t, got.Sources, 6)
	assert.Equal(t, "Smith 2020, Journal of Sleep", got.Sources[0].Title)
	assert.Empty(t, got.Sources[0].URL)
	assert.Equal(t, "42", got.Sources[1].Title)
	assert.Equal(t, "Unknown source", got.Sources[2].Title)
	assert.Equal(t, `["https://x.example"]`, got.Sources[3].Title)
	assert.Equal(t, "d.example", got.Sources[4].Title)
	assert.Equal(t, "not json at all", got.Sources[5].Title)
	assertCitationContract(t, got)
}

func TestFormatDropsDanglingMarkers(t *testing.T) {
	raw := Raw{
		Text:    "Fact [1]. Unsupported [7]. Range [1-3].",
		Sources: rawSources(`{"url":"https://a.example"}`, `{"url":"https://b.example"}`),
	}
	got, err := Format(raw)
	require.NoError(t, err)
	assert.Equal(t, "Fact [1]. Unsupported. Range [1][2].", got.Body)
	assertCitationContract(t, got)
	assert.Contains(t, strings.Join(got.Repairs, ";"), "removed 1 citation marker")
}

func TestFormatNoSourcesRemovesAllMarkers(t *testing.T) {
	got, err := Format(Raw{Text: "Plain answer [1] with a marker [^2]."})
	require.NoError(t, err)
	assert.Equal(t, "Plain answer with a marker.", got.Body)
	assert.Empty(t, got.Sources)
}

func TestFormatReferenceDefinitions(t *testing.T) {
	t.Run("no sources drops the definition line", func(t *testing.T) {
		got, err := Format(Raw{Text: "Claim.\n\n[2]: https://x.example/paper"})
		require.NoError(t, err)
		assert.Equal(t, "Claim.", got.Body)
		assert.Empty(t, got.Sources)
		assertCitationContract(t, got)
	})

	t.Run("definition follows the marker it defines", func(t *testing.T) {
		raw := Raw{
			Text:    "Claim [3].\n\n[3]: https://c.example",
			Sources: rawSources(`"https://a.example"`, `"https://b.example"`, `"https://c.example"`),
		}
		got, err := Format(raw)
		require.NoError(t, err)
		assert.Equal(t, "Claim [1].\n\n[1]: https://c.example", got.Body)
		require.Len(t, got.Sources, 3)
		assert.Equal(t, "https://c.example", got.Sources[0].URL)
		assertCitationContract(t, got)
		assert.Equal(t, got.Body, reformat(t, got).Body)
	})

	t.Run("missing definition between kept ones", func(t *testing.T) {
		raw := Raw{
			Text:    "Intro [1].\n\n[7]: https://gone.example see [1]\n\n[1]: https://a.example\nEnd.",
			Sources: rawSources(`"https://a.example"`),
		}
		got, err := Format(raw)
		require.NoError(t, err)
		assert.Equal(t, "Intro [1].\n\n[1]: https://a.example\nEnd.", got.Body)
		assert.True(t, got.Degraded)
		assertCitationContract(t, got)
	})
}

func TestFormatCitationSyntaxes(t *testing.T) {
	raw := Raw{
		Text:    "A [^2]. B [1, 3]. C [2–3]. Link [1](https://a.example). Year [2019].",
		Sources: rawSources(`"https://a.example"`, `"https://b.example"`, `"https://c.example"`),
	}
	got, err := Format(raw)
	require.NoError(t, err)
	assert.Equal(t, "A [1]. B [2][3]. C [1][3]. Link [1](https://a.example). Year [2019].", got.Body)
	assert.Equal(t, "https://b.example", got.Sources[0].URL)
	assert.Equal(t, "https://a.example", got.Sources[1].URL)
}

func TestFormatDeduplicatesSources(t *testing.T) {
	raw := Raw{
		Text: "one [1] two [2] three [3]",
		Sources: rawSources(
			`{"url":"https://A.example/page/","title":"a.example"}`,
			`{"url":"https://a.example/page#frag","title":"Page A","snippet":"s"}`,
			`{"url":"https://b.example"}`,
		),
	}
	got, err := Format(raw)
	require.NoError(t, err)
	assert.Equal(t, "one [1] two [1] three [2]", got.Body)
	require.Len(t, got.Sources, 2)
	assert.Equal(t, "Page A", got.Sources[0].Title)
	assert.Equal(t, "s", got.Sources[0].Snippet)
}

func TestFormatFlagsUnreferencedSources(t *testing.T) {
	raw := Raw{
		Text:    "Only the second is cited [2].",
		Sources: rawSources(`"https://a.example"`, `"https://b.example"`, `"https://c.example"`),
	}
	got, err := Format(raw)
	require.NoError(t, err)
	want := []Source{
		{ID: 1, Title: "b.example", URL: "https://b.example"},
		{ID: 2, Title: "a.example", URL: "https://a.example", Unreferenced: true},
		{ID: 3, Title: "c.example", URL: "https://c.example", Unreferenced: true},
	}
	if diff := cmp.Diff(want, got.Sources); diff != "" {
		t.Fatalf("sources mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "Only the second is cited [1].", got.Body)
	assertCitationContract(t, got)
}

func TestFormatLeavesCodeAndMathAlone(t *testing.T) {
	body := "Use `arr[1]` here [1].\n\n```python\nx = arr[2]\nprint('$')\n```\n\nInline $a[1]+b$ and display:\n\n$$\nM[2] = 1\n$$\n"
	got, err := Format(Raw{Text: body, Sources: rawSources(`{"url":"https://a.example"}`)})
	require.NoError(t, err)
	assert.Contains(t, got.Body, "`arr[1]`")
	assert.Contains(t, got.Body, "x = arr[2]\nprint('$')")
	assert.Contains(t, got.Body, "$a[1]+b$")
	assert.Contains(t, got.Body, "$$\nM[2] = 1\n$$")
	assert.Contains(t, got.Body, "here [1].")
	assert.False(t, got.Degraded)
}

func TestFormatMath(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"balanced inline", "Area is $\\pi r^2$.", "Area is $\\pi r^2$."},
		{"balanced display", "$$E = mc^2$$", "$$E = mc^2$$"},
		{"currency", "It costs $5 and $10.", "It costs \\$5 and \\$10."},
		{"unclosed inline", "Let $x be big.", "Let \\$x be big."},
		{"unclosed display", "Start $$x + y and stop.", "Start \\$\\$x + y and stop."},
		{"already escaped", "Price \\$3.", "Price \\$3."},
		{"closer before digit", "$x$5 end", "\\$x\\$5 end"},
		{"no blank line crossing", "$a\n\nb$", "\\$a\n\nb\\$"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Format(Raw{Text: tt.in})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Body)
		})
	}
}

func TestFormatPipeTables(t *testing.T) {
	in := "Grades:\n|Name|Score|\n|:--|--:|\n|Ana|90|\n|Ben|\nDone."
	want := "Grades:\n\n| Name | Score |\n| :--- | ---: |\n| Ana | 90 |\n| Ben |  |\n\nDone."
	got, err := Format(Raw{Text: in})
	require.NoError(t, err)
	if diff := cmp.Diff(want, got.Body); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatPipeTableWithoutSeparator(t *testing.T) {
	in := "a | b\nc | d | e"
	want := "| a | b |  |\n| --- | --- | --- |\n| c | d | e |"
	got, err := Format(Raw{Text: in})
	require.NoError(t, err)
	assert.Equal(t, want, got.Body)
}

func TestFormatColumnarTable(t *testing.T) {
	in := "Schedule\n\nWeek    Topic         Reading\n1       Limits        Ch. 2\n2       Derivatives   Ch. 3\n\nGood luck."
	want := "Schedule\n\n| Week | Topic | Reading |\n| --- | --- | --- |\n| 1 | Limits | Ch. 2 |\n| 2 | Derivatives | Ch. 3 |\n\nGood luck."
	got, err := Format(Raw{Text: in})
	require.NoError(t, err)
	if diff := cmp.Diff(want, got.Body); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatColumnarNeedsConsistentColumns(t *testing.T) {
	in := "One  two\nthree  four  five\nsix  seven"
	got, err := Format(Raw{Text: in})
	require.NoError(t, err)
	assert.Equal(t, in, got.Body)
}

func TestFormatTablesInsideCodeUntouched(t *testing.T) {
	in := "```\na | b\nc | d\n```"
	got, err := Format(Raw{Text: in})
	require.NoError(t, err)
	assert.Equal(t, in, got.Body)
}

func TestFormatPipesInsideMathAreNotTables(t *testing.T) {
	tests := []struct {
		name, in string
	}{
		{"absolute values in a list", "Values:\n- $|a| = 3$\n- $|b| = 4$"},
		{"bare math lines", "$|a| = 3$\n$|b| = 4$"},
		{"list items with pipes", "Options:\n- a | b\n- c | d"},
		{"code span", "Run `a | b`\nthen `c | d`"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Format(Raw{Text: tt.in})
			require.NoError(t, err)
			assert.Equal(t, tt.in, got.Body)
			assert.Empty(t, got.Repairs)
			assert.False(t, got.Degraded)
		})
	}
}

func TestFormatPipeTableKeepsMathAndCodeCells(t *testing.T) {
	in := "|x|note|\n|---|---|\n|$|x|$|`a|b`|"
	want := "| x | note |\n| --- | --- |\n| $|x|$ | `a|b` |"
	got, err := Format(Raw{Text: in})
	require.NoError(t, err)
	if diff := cmp.Diff(want, got.Body); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, got.Degraded)
}

func TestFormatIdempotent(t *testing.T) {
	inputs := []Raw{
		{
			Text: "# Plan\n\nIntro [2] and [^1]. Bad [9]. Cost $5.\n\n|a|b|\n|-|:-:|\n|1|2|\n\n" +
				"x    y    z\n1    2    3\n4    5    6\n\nMath $x^2$ and $$\\int f$$ done [1-2].\n\n```\n[1] $\n```",
			Sources: rawSources(`"https://a.example"`, `{"url":"https://b.example","title":"B"}`, `"loose text"`, `{"uri":"https://a.example/"}`),
			Model:   "m",
		},
		{Text: "No sources here [1], just $$unclosed and `code $`.", Model: "m"},
		{Text: "|h|\n|---|\nplain"},
		{Text: "Name  Value\n---  ---\nA  1\nB  2"},
	}
	for i, raw := range inputs {
		first, err := Format(raw)
		require.NoError(t, err)
		second := reformat(t, first)
		if diff := cmp.Diff(first.Body, second.Body); diff != "" {
			t.Errorf("input %d: body changed on second pass (-first +second):\n%s", i, diff)
		}
		if diff := cmp.Diff(first.Sources, second.Sources); diff != "" {
			t.Errorf("input %d: sources changed on second pass (-first +second):\n%s", i, diff)
		}
		assertCitationContract(t, first)
	}
}

func TestRenderHTML(t *testing.T) {
	out, err := RenderHTML("# Title\n\n| a | b |\n| --- | --- |\n| 1 | 2 |\n\n<script>x</script>")
	require.NoError(t, err)
	assert.Contains(t, out, "<h1>Title</h1>")
	assert.Contains(t, out, "<table>")
	assert.NotContains(t, out, "<script>")
}
