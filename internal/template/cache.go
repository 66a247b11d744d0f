package template

import (
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

var (
	astCache   sync.Map // [32]byte -> AST
	parseGroup singleflight.Group
)

// ParseCached returns the AST for src, parsing it at most once per process.
// Concurrent first requests for the same source share one parse. Failed
// parses are not cached.
func ParseCached(src string) (AST, error) {
	key := blake3.Sum256([]byte(src))
	if v, ok := astCache.Load(key); ok {
		return v.(AST), nil
	}
	v, err, _ := parseGroup.Do(string(key[:]), func() (any, error) {
		ast, err := Parse(src)
		if err != nil {
			return nil, err
		}
		astCache.Store(key, ast)
		return ast, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(AST), nil
}
