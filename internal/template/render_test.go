package template

import (
	"encoding/json"
	"math/rand"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-prompt/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testContext() *Context {
	aria := model.Character{ID: "c1", Name: "Aria", Persona: "Friendly"}
	return &Context{
		Char:   aria,
		Sender: model.Profile{ID: "u1", Handle: "Sam"},
		Parts: Parts{
			Persona:  "Friendly",
			Scenario: "A cafe",
			Memory:   "The cafe is cozy.",
			Post:     "Aria:",
		},
		Lines: []string{"Sam: hi", "Aria: hello", "Sam: coffee?"},
		Characters: map[string]model.Character{
			"c1": aria,
			"c2": {ID: "c2", Name: "Bex", Persona: "Grumpy"},
			"c3": {ID: "c3", Name: "Cal", Persona: "Gone", Deleted: true},
			"c4": {ID: "c4", Name: "Dee", Persona: "Idle", Temporary: true, Disabled: true},
			"c5": {ID: "c5", Name: "Eve", Persona: "Shy"},
			"c6": {ID: "c6", Name: "Ada", Persona: "Calm"},
		},
		Members: map[string]bool{"c5": false},
	}
}

func renderString(t *testing.T, src string, c *Context, opts Options) *Rendered {
	t.Helper()
	ast, err := Parse(src)
	require.NoError(t, err)
	if opts.Now.IsZero() {
		opts.Now = testNow
	}
	out, err := Render(ast, c, opts)
	require.NoError(t, err)
	return out
}

func TestRenderPersonaScenarioMemory(t *testing.T) {
	src := "Persona: {{personality}}\n{{#if scenario}}Scenario: {{scenario}}{{/if}}\nFacts:{{memory}}"

	c := testContext()
	out := renderString(t, src, c, Options{})
	assert.Equal(t, "Persona: Friendly\nScenario: A cafe\nFacts:The cafe is cozy.", out.Text)

	c.Parts.Scenario = ""
	out = renderString(t, src, c, Options{})
	assert.Equal(t, "Persona: Friendly\nFacts:The cafe is cozy.", out.Text)
}

func TestRenderConditions(t *testing.T) {
	c := testContext()
	tests := []struct {
		src  string
		want string
	}{
		{"{{#if scenario}}[{{value}}]{{else}}none{{/if}}", "[A cafe]"},
		{"{{#if ujb}}[{{value}}]{{else}}none{{/if}}", "none"},
		{"{{#if ujb}}yes{{/if}}", ""},
		{"{{#if unknown_thing}}yes{{else}}no{{/if}}", "no"},
		{"{{#if char}}{{#if user}}{{value}}{{/if}}{{/if}}", "Sam"},
	}
	for _, tt := range tests {
		out := renderString(t, tt.src, c, Options{})
		assert.Equal(t, tt.want, out.Text, tt.src)
	}
}

func TestRenderBotsIterator(t *testing.T) {
	out := renderString(t, "{{#each bots}}{{.i}}:{{.name}}={{.personality}}{{/each}}", testContext(), Options{})
	assert.Equal(t, "0:Ada=Calm\n1:Bex=Grumpy", out.Text)
}

func TestRenderBotsIteratorEmpty(t *testing.T) {
	c := testContext()
	c.Characters = nil
	out := renderString(t, "before{{#each bots}}{{.name}}{{/each}}after", c, Options{})
	assert.Equal(t, "beforeafter", out.Text)
}

func TestRenderHistoryIterator(t *testing.T) {
	src := "{{#each history}}{{#if .isuser}}> {{.message}}{{else}}{{.dialogue}} ({{.isbot}}){{/if}}{{/each}}"
	out := renderString(t, src, testContext(), Options{})
	assert.Equal(t, "> hi\nAria: hello (true)\n> coffee?", out.Text)
}

func TestRenderAllPersonalities(t *testing.T) {
	out := renderString(t, "{{all_personalities}}", testContext(), Options{})
	assert.Equal(t, "Aria: Friendly\nAda: Calm\nBex: Grumpy", out.Text)
}

func TestRenderPipes(t *testing.T) {
	c := testContext()
	c.Parts.Scenario = "  a quiet cafe  "
	out := renderString(t, "{{char|upper}} {{user | lower}} [{{scenario|trim|capitalize}}] {{post|unknown}}", c, Options{})
	assert.Equal(t, "ARIA sam [A quiet cafe] Aria:", out.Text)
}

func TestRenderJSON(t *testing.T) {
	c := testContext()
	c.JSON = json.RawMessage(`{"mood":{"level":"high"},"tags":["a","b"]}`)
	out := renderString(t, "{{json.mood.level}} {{json.tags.1}} [{{json.missing}}]{{#if json.mood.level}}!{{/if}}", c, Options{})
	assert.Equal(t, "high b []!", out.Text)
}

func TestRenderUnknownHolderIsEmpty(t *testing.T) {
	out := renderString(t, "a{{nothing_here}}b", testContext(), Options{})
	assert.Equal(t, "ab", out.Text)
}

func TestRenderRandomAndRoll(t *testing.T) {
	src := "{{random: red, green, blue}} {{roll 3d6}}"
	a := renderString(t, src, testContext(), Options{Rand: rand.New(rand.NewSource(7))})
	b := renderString(t, src, testContext(), Options{Rand: rand.New(rand.NewSource(7))})
	assert.Equal(t, a.Text, b.Text, "equal seeds render equally")

	for seed := int64(0); seed < 50; seed++ {
		out := renderString(t, src, testContext(), Options{Rand: rand.New(rand.NewSource(seed))})
		color, total, ok := strings.Cut(out.Text, " ")
		require.True(t, ok)
		assert.Contains(t, []string{"red", "green", "blue"}, color)
		n, err := strconv.Atoi(total)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 3)
		assert.LessOrEqual(t, n, 18)
	}
}

func TestRenderRollArithmetic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		src  string
		want string
	}{
		{"{{roll 1d1+4}}", "5"},
		{"{{roll 4d1kh2}}", "2"},
		{"{{roll 3d1kl1-2}}", "-1"},
		{"{{roll 2d1 + 1d1}}", "3"},
	}
	for _, tt := range tests {
		out := renderString(t, tt.src, testContext(), Options{Rand: rng})
		assert.Equal(t, tt.want, out.Text, tt.src)
	}
}

func TestRenderDurations(t *testing.T) {
	c := testContext()
	c.ChatCreated = testNow.Add(-150 * time.Minute)
	c.LastMessage = testNow.Add(-3 * time.Minute)
	out := renderString(t, "{{chat_age}}|{{idle_duration}}", c, Options{})
	assert.Equal(t, "2 hours|3 minutes", out.Text)

	c.ChatCreated = time.Time{}
	out = renderString(t, "[{{chat_age}}]", c, Options{})
	assert.Equal(t, "[]", out.Text)
}

func TestRenderPartMode(t *testing.T) {
	out := renderString(t, "{{char}} {{scenario}} {{#if scenario}}x{{/if}} {{#each bots}}y{{/each}}", testContext(), Options{Mode: ModePart})
	assert.Equal(t, "Aria {{scenario}} {{#if scenario}}x{{/if}} {{#each bots}}y{{/each}}", out.Text)
}

func TestRenderFinalMode(t *testing.T) {
	out := renderString(t, "{{system_prompt}}|{{ujb}}|{{char}}", testContext(), Options{Mode: ModeFinal})
	assert.Equal(t, "{{system_prompt}}|{{ujb}}|Aria", out.Text)
}

func TestRenderRepeatableMode(t *testing.T) {
	out := renderString(t, "a{{#if char}}b{{else}}c{{/if}}d", testContext(), Options{Mode: ModeRepeatable})
	assert.Equal(t, "ad", out.Text)
}

func TestRenderSystemPromptIsPartial(t *testing.T) {
	c := testContext()
	c.Parts.SystemPrompt = "You are {{char}} in {{scenario}}."
	out := renderString(t, "{{system_prompt}}", c, Options{})
	assert.Equal(t, "You are Aria in {{scenario}}.", out.Text)
}

func TestRenderSystemPromptParseError(t *testing.T) {
	c := testContext()
	c.Parts.SystemPrompt = "{{#if char}}unclosed"
	ast, err := Parse("{{system_prompt}}")
	require.NoError(t, err)
	_, err = Render(ast, c, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParse)
}

func TestRenderSections(t *testing.T) {
	c := testContext()
	c.Parts.SystemPrompt = "SYS"
	c.Parts.Post = "P"
	out := renderString(t, "{{system_prompt}}\nDefs {{char}}\n{{history}}\nPost {{post}}", c, Options{})

	assert.Equal(t, Sections{
		System:      "SYS",
		Definitions: "\nDefs Aria\n",
		History:     "Sam: hi\nAria: hello\nSam: coffee?",
		Post:        "\nPost P",
	}, out.Sections)
	assert.Equal(t, out.Sections.System+out.Sections.Definitions+out.Sections.History+out.Sections.Post, out.Text)
}

func TestRenderSectionsWithoutSystemPrompt(t *testing.T) {
	out := renderString(t, "intro\n{{#each history}}{{.message}}{{/each}}\nend", testContext(), Options{})
	assert.Equal(t, "intro", out.Sections.System)
	assert.Equal(t, "\nhi\nhello\ncoffee?", out.Sections.History)
	assert.Equal(t, "\nend", out.Sections.Post)
}

func TestRenderInserts(t *testing.T) {
	src := "{{#insert=2}}NOTE {{char}}{{/insert}}body{{#if char}}{{#insert=0}}X{{/insert}}{{/if}}{{#insert=2}}again{{/insert}}"
	out := renderString(t, src, testContext(), Options{})
	assert.Equal(t, "body", out.Text)
	assert.Equal(t, map[int]string{2: "NOTE Aria\nagain", 0: "X"}, out.Inserts)
}

func TestRenderDefersBudgetedContent(t *testing.T) {
	c := testContext()
	out := renderString(t, "A {{history}} {{#lowpriority}}LP {{char}}{{/lowpriority}}", c, Options{Defer: true})

	require.Len(t, out.Pending, 2)
	hist, low := out.Pending[0], out.Pending[1]
	assert.Equal(t, PendingHistory, hist.Kind)
	assert.Equal(t, c.Lines, hist.Lines)
	assert.Equal(t, PendingLowPriority, low.Kind)
	assert.Equal(t, "LP Aria", low.Text)

	assert.True(t, strings.HasPrefix(hist.Token, sentinelMark))
	assert.NotEqual(t, hist.Token, low.Token)
	assert.Equal(t, "A "+hist.Token+" "+low.Token, out.Text)
	assert.Equal(t, "A  ", StripSentinels(out.Text, out.Pending))
}

func TestRenderDefersHistoryIteratorPerEntity(t *testing.T) {
	out := renderString(t, "{{#each history}}<{{.message}}>{{/each}}", testContext(), Options{Defer: true})
	require.Len(t, out.Pending, 1)
	assert.Equal(t, []string{"<hi>", "<hello>", "<coffee?>"}, out.Pending[0].Lines)
	assert.Equal(t, out.Pending[0].Token, out.Text)
}

func TestRenderNestedContentStaysInline(t *testing.T) {
	c := testContext()
	c.Parts.SystemPrompt = "{{#lowpriority}}sp{{/lowpriority}}"

	tests := []struct {
		name  string
		src   string
		kind  PendingKind
		text  string
		lines []string
	}{
		{
			name: "low priority in low priority",
			src:  "{{#lowpriority}}outer {{#lowpriority}}inner{{/lowpriority}}{{/lowpriority}}",
			kind: PendingLowPriority,
			text: "outer inner",
		},
		{
			name: "history in low priority",
			src:  "{{#lowpriority}}recent: {{history}}{{/lowpriority}}",
			kind: PendingLowPriority,
			text: "recent: Sam: hi\nAria: hello\nSam: coffee?",
		},
		{
			name: "history iterator in low priority",
			src:  "{{#lowpriority}}{{#each history}}[{{.message}}]{{/each}}{{/lowpriority}}",
			kind: PendingLowPriority,
			text: "[hi]\n[hello]\n[coffee?]",
		},
		{
			name: "system prompt in low priority",
			src:  "{{#lowpriority}}{{system_prompt}}{{/lowpriority}}",
			kind: PendingLowPriority,
			text: "sp",
		},
		{
			name:  "low priority in history iterator",
			src:   "{{#each history}}{{.message}}{{#lowpriority}}!{{/lowpriority}}{{/each}}",
			kind:  PendingHistory,
			lines: []string{"hi!", "hello!", "coffee?!"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := renderString(t, tt.src, c, Options{Defer: true})
			require.Len(t, out.Pending, 1)
			p := out.Pending[0]
			assert.Equal(t, tt.kind, p.Kind)
			assert.Equal(t, tt.text, p.Text)
			assert.Equal(t, tt.lines, p.Lines)
			assert.Equal(t, p.Token, out.Text)
			assert.NotContains(t, p.Text, sentinelMark)
			for _, l := range p.Lines {
				assert.NotContains(t, l, sentinelMark)
			}
		})
	}
}

func TestRenderInsertNeverDefers(t *testing.T) {
	out := renderString(t, "{{#insert=1}}recap: {{history}}{{#lowpriority}} more{{/lowpriority}}{{/insert}}x", testContext(), Options{Defer: true})
	assert.Empty(t, out.Pending)
	assert.Equal(t, map[int]string{1: "recap: Sam: hi\nAria: hello\nSam: coffee? more"}, out.Inserts)
}

func TestRenderDeferredHistoryKeepsPipes(t *testing.T) {
	out := renderString(t, "{{history | upper}}", testContext(), Options{Defer: true})
	require.Len(t, out.Pending, 1)
	p := out.Pending[0]
	assert.Equal(t, []string{"upper"}, p.Pipes)
	assert.Equal(t, "SAM: HI\nARIA: HELLO", p.Finish([]string{"Sam: hi", "Aria: hello"}))
}

func TestRenderFinalModeNeverDefers(t *testing.T) {
	out := renderString(t, "{{history}}{{#lowpriority}}x{{/lowpriority}}", testContext(), Options{Mode: ModeFinal, Defer: true})
	assert.Empty(t, out.Pending)
	assert.Equal(t, "Sam: hi\nAria: hello\nSam: coffee?x", out.Text)
}

func TestRenderDoesNotMutateAST(t *testing.T) {
	ast, err := Parse("{{#each history}}{{.name}}{{/each}}{{#if scenario}}{{value}}{{/if}}")
	require.NoError(t, err)
	before, err := Parse("{{#each history}}{{.name}}{{/each}}{{#if scenario}}{{value}}{{/if}}")
	require.NoError(t, err)

	_, err = Render(ast, testContext(), Options{Defer: true, Now: testNow})
	require.NoError(t, err)
	assert.Equal(t, before, ast)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "part", ModePart.String())
	assert.Equal(t, "final", ModeFinal.String())
	assert.Equal(t, "unknown", Mode(42).String())
}

func TestSplitLine(t *testing.T) {
	name, text := SplitLine("Sam: hello: there")
	assert.Equal(t, "Sam", name)
	assert.Equal(t, "hello: there", text)

	name, text = SplitLine("no speaker")
	assert.Equal(t, "", name)
	assert.Equal(t, "no speaker", text)
}
