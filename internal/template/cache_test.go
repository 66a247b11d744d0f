package template

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseCachedReturnsSameAST(t *testing.T) {
	src := "cached {{char}} {{#if scenario}}{{scenario}}{{/if}}"
	a, err := ParseCached(src)
	require.NoError(t, err)
	b, err := ParseCached(src)
	require.NoError(t, err)

	require.NotEmpty(t, a)
	assert.Same(t, a[0], b[0], "second lookup should hit the cache")
}

func TestParseCachedConcurrent(t *testing.T) {
	src := "concurrent {{user}} {{#each bots}}{{.name}}{{/each}}"
	want, err := Parse(src)
	require.NoError(t, err)

	const workers = 16
	results := make([]AST, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ParseCached(src)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		if diff := cmp.Diff(want, results[i]); diff != "" {
			t.Errorf("worker %d got a different AST:\n%s", i, diff)
		}
	}
}

func TestParseCachedDoesNotCacheErrors(t *testing.T) {
	src := "{{#if char}}never closed"
	for i := 0; i < 2; i++ {
		ast, err := ParseCached(src)
		assert.Nil(t, ast)
		assert.True(t, errors.Is(err, ErrParse))
	}
}

func TestCachedASTRendersConcurrently(t *testing.T) {
	ast, err := ParseCached("{{char}}:{{#each history}}{{.message}}{{/each}}")
	require.NoError(t, err)

	var wg sync.WaitGroup
	outs := make([]string, 8)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := Render(ast, testContext(), Options{Now: testNow})
			if err == nil {
				outs[i] = r.Text
			}
		}(i)
	}
	wg.Wait()
	for _, out := range outs {
		assert.Equal(t, "Aria:hi\nhello\ncoffee?", out)
	}
}
