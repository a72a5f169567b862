package selector

import (
	"testing"

	"github.com/opd-ai/pathctl/pkg/generate"
	"github.com/opd-ai/pathctl/pkg/restrict"
	"github.com/opd-ai/pathctl/pkg/router"
)

func mkRouters(n int) []*router.Router {
	rs := make([]*router.Router, n)
	for i := range rs {
		rs[i] = &router.Router{IDHex: string(rune('A' + i)), BW: int64(100 + i), ListRank: i}
	}
	return rs
}

func TestBuildPathThreeHop(t *testing.T) {
	rs := mkRouters(6)
	entry := generate.NewUniform(rs, restrict.NewNodeList())
	mid := generate.NewUniform(rs, restrict.NewNodeList())
	exit := generate.NewUniform(rs, restrict.NewNodeList())
	sel := New(entry, mid, exit, restrict.NewPathList(restrict.Unique{}), nil)

	path, err := sel.BuildPath(3)
	if err != nil {
		t.Fatalf("BuildPath: %v", err)
	}
	if len(path) != 3 {
		t.Fatalf("expected 3 hops, got %d", len(path))
	}
	seen := map[*router.Router]bool{}
	for _, r := range path {
		if seen[r] {
			t.Fatalf("Unique path restriction violated: %v appears twice", r.IDHex)
		}
		seen[r] = true
	}
}

func TestBuildPathSingleHop(t *testing.T) {
	rs := mkRouters(2)
	exit := generate.NewUniform(rs, restrict.NewNodeList())
	sel := New(nil, nil, exit, restrict.NewPathList(), nil)

	path, err := sel.BuildPath(1)
	if err != nil {
		t.Fatalf("BuildPath: %v", err)
	}
	if len(path) != 1 {
		t.Fatalf("expected 1 hop, got %d", len(path))
	}
}

func TestBuildPathExhaustionReturnsNoRouters(t *testing.T) {
	rs := mkRouters(1)
	// A node restriction no router can ever satisfy, so every generator
	// draw is exhausted immediately and BuildPath must give up rather than
	// spin forever.
	impossibleNode := restrict.NewNodeList(restrict.MinBW{MinBW: 1 << 40})
	entry := generate.NewOrderedExit(80, rs, impossibleNode)
	mid := generate.NewOrderedExit(80, rs, impossibleNode)
	exit := generate.NewOrderedExit(80, rs, impossibleNode)
	sel := New(entry, mid, exit, restrict.NewPathList(), nil)

	if _, err := sel.BuildPath(3); err == nil {
		t.Fatal("expected an error once generators are exhausted repeatedly")
	}
}
