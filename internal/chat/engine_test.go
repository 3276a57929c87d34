package chat_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/deeperseek/internal/browser/dom"
	"github.com/xkilldash9x/deeperseek/internal/chat"
	"github.com/xkilldash9x/deeperseek/internal/markup"
	"github.com/xkilldash9x/deeperseek/internal/selectors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test doubles --

// fakeClock advances only when the engine waits on it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// fakePage serves a scripted sequence of snapshots per selector. The n-th query of a selector
// sees frame n; once the script runs out the last frame repeats.
type fakePage struct {
	mu       sync.Mutex
	frames   map[string][][]string
	calls    map[string]int
	clicks   []dom.Origin
	clickErr error
}

func newFakePage() *fakePage {
	return &fakePage{frames: map[string][][]string{}, calls: map[string]int{}}
}

func (p *fakePage) script(selector string, frames ...[]string) {
	p.frames[selector] = frames
}

func (p *fakePage) FindAll(_ context.Context, selector string) ([]*dom.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.calls[selector]
	p.calls[selector] = n + 1

	frames := p.frames[selector]
	if len(frames) == 0 {
		return nil, nil
	}
	if n >= len(frames) {
		n = len(frames) - 1
	}
	var out []*dom.Element
	for i, raw := range frames[n] {
		el, err := dom.Parse(selector, i, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, el)
	}
	return out, nil
}

func (p *fakePage) FindOne(ctx context.Context, selector string) (*dom.Element, error) {
	all, err := p.FindAll(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: %s", dom.ErrNotFound, selector)
	}
	return all[0], nil
}

func (p *fakePage) Click(_ context.Context, el *dom.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, el.Origin())
	return p.clickErr
}

func (p *fakePage) callCount(selector string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[selector]
}

// -- Fixtures --

var reg = selectors.Default()

func responseHTML(answer string, slots ...string) string {
	var b strings.Builder
	b.WriteString(`<div class="f9bf7997 d7dc56a8 c05b5566">`)
	b.WriteString(`<div class="ds-markdown ds-markdown--block">` + answer + `</div>`)
	for _, s := range slots {
		b.WriteString(`<div>` + s + `</div>`)
	}
	b.WriteString(`</div>`)
	return b.String()
}

func withToolbar(response string) string {
	return strings.TrimSuffix(response, `</div>`) + `<div class="ds-flex abe97156"><div>copy</div><div>regen</div></div></div>`
}

func searchEntry(img, site, date, index, title, desc string) string {
	icon := `<span></span>`
	if img != "" {
		icon = `<span><img src="` + img + `"></span>`
	}
	return `<a><div>` + icon + `<span>` + site + `</span><span>` + date + `</span><span>` + index + `</span></div>` +
		`<div>` + title + `</div><div>` + desc + `</div></a>`
}

func searchPanel(entries ...string) string {
	return `<div class="fe369d61 f529c936"><div>Search results</div><div>` + strings.Join(entries, "") + `</div></div>`
}

const generating = `<div class="f9bf7997 d7dc56a8"><div class="ds-markdown ds-markdown--block"><p>Hel</p></div></div>`

type harness struct {
	page   *fakePage
	clock  *fakeClock
	engine *chat.Engine
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	page := newFakePage()
	clock := newFakeClock()
	engine := chat.NewEngine(page, markup.New(), reg, zap.New(core), chat.Config{Clock: clock})
	return &harness{page: page, clock: clock, engine: engine, logs: logs}
}

func (h *harness) deadline(d time.Duration) time.Time {
	return h.clock.Now().Add(d)
}

// -- Tests --

func TestAwaitTurnResult_PlainAnswer(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})
	h.page.script(reg.Backend.ResponseGenerated,
		nil,
		nil,
		[]string{responseHTML(`<p>Hello</p><p>World</p>`)},
	)

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(30*time.Second), false, chat.ModeFlags{}, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, "Hello\n\nWorld", resp.Text)
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Nil(t, resp.Reasoning)
	assert.Empty(t, resp.SearchResults)
	assert.Equal(t, 3, h.page.callCount(reg.Backend.ResponseGenerated))
}

func TestAwaitTurnResult_LastResponseWins(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})
	h.page.script(reg.Backend.ResponseGenerated, []string{
		responseHTML(`<p>Old answer</p>`),
		responseHTML(`<p>New answer</p>`),
	})

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{}, "")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "New answer", resp.Text)
}

func TestAwaitTurnResult_TimeoutBeforeGenerationStarts(t *testing.T) {
	h := newHarness(t)
	// The completed collection already holds the previous turn. It must never be read.
	h.page.script(reg.Backend.ResponseGenerated, []string{responseHTML(`<p>Previous turn</p>`)})

	start := h.clock.Now()
	resp, err := h.engine.AwaitTurnResult(context.Background(), start.Add(2*time.Second), false, chat.ModeFlags{}, "")
	require.NoError(t, err)
	assert.Nil(t, resp)

	assert.Equal(t, 20, h.page.callCount(reg.Backend.ResponseGenerating))
	assert.Zero(t, h.page.callCount(reg.Backend.ResponseGenerated))
	assert.Zero(t, h.page.callCount(reg.Backend.MarkdownBlock))
	assert.False(t, h.clock.Now().Before(start.Add(2*time.Second)))

	entries := h.logs.FilterMessage("Deadline reached while waiting.").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "generation_started", entries[0].ContextMap()["phase"])
}

func TestAwaitTurnResult_TimeoutBeforeCompletion(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{}, "")
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 1, h.page.callCount(reg.Backend.ResponseGenerating))
	assert.Positive(t, h.page.callCount(reg.Backend.ResponseGenerated))
}

func TestAwaitTurnResult_ExpiredDeadline(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.clock.Now(), false, chat.ModeFlags{}, "")
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Zero(t, h.page.callCount(reg.Backend.ResponseGenerating))
}

func TestAwaitTurnResult_ContextCanceled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := h.engine.AwaitTurnResult(ctx, h.deadline(time.Minute), false, chat.ModeFlags{}, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, resp)
}

func TestAwaitTurnResult_RegenerateWaitsForToolbar(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.RegenLoadingIcon, []string{`<div class="ds-loading b4e4476b"></div>`})
	h.page.script(reg.Backend.ResponseGenerated,
		// Completion phase: the stale snapshot without a toolbar satisfies it.
		[]string{responseHTML(`<p>Stale</p>`)},
		// Toolbar phase: first attempt still stale, second attempt has the rebuilt response.
		[]string{responseHTML(`<p>Stale</p>`)},
		[]string{withToolbar(responseHTML(`<p>Fresh answer</p>`))},
	)

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(10*time.Second), true, chat.ModeFlags{}, "")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "Fresh answer", resp.Text)
	assert.Equal(t, 3, h.page.callCount(reg.Backend.ResponseGenerated))
	assert.Zero(t, h.page.callCount(reg.Backend.ResponseGenerating), "regeneration watches the loading icon instead")
}

func TestAwaitTurnResult_RegenerateToolbarTimeout(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.RegenLoadingIcon, []string{`<div class="ds-loading b4e4476b"></div>`})
	h.page.script(reg.Backend.ResponseGenerated, []string{responseHTML(`<p>Stale</p>`)})

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), true, chat.ModeFlags{}, "")
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestAwaitTurnResult_ServerBusy(t *testing.T) {
	for _, answer := range []string{
		`<p>The server is busy. Please try again later.</p>`,
		`<p>THE SERVER IS BUSY. PLEASE TRY AGAIN LATER.</p>`,
	} {
		h := newHarness(t)
		h.page.script(reg.Backend.ResponseGenerating, []string{generating})
		h.page.script(reg.Backend.ResponseGenerated, []string{responseHTML(answer)})

		resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{}, "")
		assert.ErrorIs(t, err, chat.ErrServerOverloaded)
		assert.Nil(t, resp)
	}
}

func TestAwaitTurnResult_EmptyAnswer(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})
	h.page.script(reg.Backend.ResponseGenerated, []string{responseHTML(`<p>   </p>`)})

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{}, "")
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestAwaitTurnResult_Reasoning(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})
	h.page.script(reg.Backend.ResponseGenerated, []string{responseHTML(`<p>42</p>`, `Thought for 12.5 seconds`)})
	h.page.script(reg.Backend.ReasoningContent,
		[]string{`<div class="e1675d8b"><p>Old trace</p></div>`, `<div class="e1675d8b"><p>First step.</p><p></p><p>Second step.</p></div>`},
	)

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{Reasoning: true}, "")
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Reasoning)
	assert.Equal(t, 12, resp.Reasoning.DurationSeconds)
	assert.Equal(t, "First step.\nSecond step.", resp.Reasoning.Content)
	assert.Empty(t, h.page.clicks, "the reasoning panel is already expanded")
}

func TestAwaitTurnResult_ReasoningIgnoredWhenModeOff(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})
	h.page.script(reg.Backend.ResponseGenerated, []string{responseHTML(`<p>42</p>`, `Thought for 3 seconds`)})

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{}, "")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Reasoning)
	assert.Zero(t, h.page.callCount(reg.Backend.ReasoningContent))
}

func TestAwaitTurnResult_ReasoningPanelMissing(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})
	h.page.script(reg.Backend.ResponseGenerated, []string{responseHTML(`<p>42</p>`, `Thought for 3 seconds`)})

	_, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{Reasoning: true}, "")
	assert.ErrorIs(t, err, chat.ErrMalformedResponse)
}

func TestAwaitTurnResult_SearchResults(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})
	h.page.script(reg.Backend.ResponseGenerated, []string{responseHTML(`<p>Answer</p>`, `Thought for 4 seconds`, `Found 2 results`)})
	h.page.script(reg.Backend.ReasoningContent, []string{`<div class="e1675d8b"><p>Trace</p></div>`})
	h.page.script(reg.Backend.SearchResultsPanel,
		nil,
		[]string{searchPanel(
			searchEntry("https://a.example/icon.png", "a.example", "2025-01-02", "1", "Alpha", "About alpha."),
			searchEntry("https://b.example/icon.png", "b.example", "2025-01-03", "2", "Beta", "About beta."),
		)},
	)

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{Reasoning: true, Search: true}, "")
	require.NoError(t, err)
	require.NotNil(t, resp)

	want := []chat.SearchResult{
		{ImageURL: "https://a.example/icon.png", Website: "a.example", Date: "2025-01-02", Index: 1, Title: "Alpha", Description: "About alpha."},
		{ImageURL: "https://b.example/icon.png", Website: "b.example", Date: "2025-01-03", Index: 2, Title: "Beta", Description: "About beta."},
	}
	if diff := cmp.Diff(want, resp.SearchResults); diff != "" {
		t.Errorf("search results mismatch (-want +got):\n%s", diff)
	}
	require.NotNil(t, resp.Reasoning)
	assert.Equal(t, 4, resp.Reasoning.DurationSeconds)

	require.Len(t, h.page.clicks, 1)
	assert.Equal(t, []int{2}, h.page.clicks[0].Path, "the search caption sits in the third child")
	assert.Equal(t, 2, h.page.callCount(reg.Backend.SearchResultsPanel))
}

func TestAwaitTurnResult_SearchCaptionWithoutSearchMode(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})
	h.page.script(reg.Backend.ResponseGenerated, []string{responseHTML(`<p>Answer</p>`, `Found 3 results`)})

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{}, "")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Empty(t, resp.SearchResults)
	assert.Empty(t, h.page.clicks)
	assert.Zero(t, h.page.callCount(reg.Backend.SearchResultsPanel))
}

func TestAwaitTurnResult_SearchPanelNeverOpens(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})
	h.page.script(reg.Backend.ResponseGenerated, []string{responseHTML(`<p>Answer</p>`, `Found 3 results`)})

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{Search: true}, "")
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Len(t, h.page.clicks, 1)
}

func TestAwaitTurnResult_MalformedSearchEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry string
	}{
		{"MissingImage", searchEntry("", "a.example", "2025-01-02", "1", "Alpha", "About alpha.")},
		{"NonIntegerIndex", searchEntry("https://a.example/i.png", "a.example", "2025-01-02", "first", "Alpha", "About alpha.")},
		{"MissingDescription", `<a><div><img src="x"><span>s</span><span>d</span><span>1</span></div><div>t</div></a>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.page.script(reg.Backend.ResponseGenerating, []string{generating})
			h.page.script(reg.Backend.ResponseGenerated, []string{responseHTML(`<p>Answer</p>`, `Found 2 results`)})
			h.page.script(reg.Backend.SearchResultsPanel, []string{searchPanel(
				searchEntry("https://ok.example/i.png", "ok.example", "2025-01-01", "1", "Ok", "Fine."),
				tt.entry,
			)})

			resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{Search: true}, "")
			assert.ErrorIs(t, err, chat.ErrMalformedSearchResult)
			assert.Nil(t, resp, "one bad entry fails the whole call")
		})
	}
}

func TestAwaitTurnResult_ImageAsIcon(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})
	h.page.script(reg.Backend.ResponseGenerated, []string{responseHTML(`<p>Answer</p>`, `Found 1 results`)})
	h.page.script(reg.Backend.SearchResultsPanel, []string{searchPanel(
		`<a><div><img src="https://c.example/i.png"><span>c.example</span><span>today</span><span>1</span></div><div>Gamma</div><div>About gamma.</div></a>`,
	)})

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{Search: true}, "")
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.SearchResults, 1)
	assert.Equal(t, "https://c.example/i.png", resp.SearchResults[0].ImageURL)
}

func TestAwaitTurnResult_SearchClickFails(t *testing.T) {
	h := newHarness(t)
	h.page.clickErr = errors.New("node detached")
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})
	h.page.script(reg.Backend.ResponseGenerated, []string{responseHTML(`<p>Answer</p>`, `Found 1 results`)})

	_, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{Search: true}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node detached")
}

func TestAwaitTurnResult_ResponseWithoutChildren(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})
	h.page.script(reg.Backend.ResponseGenerated, []string{`<div class="f9bf7997 d7dc56a8 c05b5566">bare text</div>`})

	// No markdown block means no text, which reads as "no answer yet".
	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{}, "")
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestAwaitTurnResult_AnswerOutsideFirstChild(t *testing.T) {
	h := newHarness(t)
	h.page.script(reg.Backend.ResponseGenerating, []string{generating})
	h.page.script(reg.Backend.ResponseGenerated, []string{
		`<div class="f9bf7997 d7dc56a8 c05b5566"><div>Thought for 2 seconds</div>` +
			`<div class="ds-markdown ds-markdown--block"><p>Shifted</p></div></div>`,
	})

	resp, err := h.engine.AwaitTurnResult(context.Background(), h.deadline(time.Second), false, chat.ModeFlags{Reasoning: true}, "")
	assert.ErrorIs(t, err, chat.ErrMalformedResponse)
	assert.Nil(t, resp)
}

func TestTurnTimeout(t *testing.T) {
	base := 30 * time.Second
	assert.Equal(t, base, chat.TurnTimeout(base, chat.ModeFlags{}))
	assert.Equal(t, base+20*time.Second, chat.TurnTimeout(base, chat.ModeFlags{Reasoning: true}))
	assert.Equal(t, base+60*time.Second, chat.TurnTimeout(base, chat.ModeFlags{Search: true}))
	assert.Equal(t, base+80*time.Second, chat.TurnTimeout(base, chat.ModeFlags{Reasoning: true, Search: true}))
}
