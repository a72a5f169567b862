// Package selector implements path selection: drawing a full circuit of
// routers from three per-hop generators subject to a whole-path restriction
// list. Grounded on original_source/lib-ext/PathSupport.py's PathSelector.
package selector

import (
	"github.com/opd-ai/pathctl/pkg/errors"
	"github.com/opd-ai/pathctl/pkg/generate"
	"github.com/opd-ai/pathctl/pkg/logger"
	"github.com/opd-ai/pathctl/pkg/restrict"
	"github.com/opd-ai/pathctl/pkg/router"
)

// PathSelector builds paths from three independent node generators — entry,
// middle, exit — filtered by a whole-path restriction list.
type PathSelector struct {
	EntryGen     generate.NodeGenerator
	MidGen       generate.NodeGenerator
	ExitGen      generate.NodeGenerator
	PathRestrict *restrict.PathList
	Log          *logger.Logger
}

// New builds a PathSelector. log may be nil, in which case a default
// logger is used.
func New(entryGen, midGen, exitGen generate.NodeGenerator, pathRestrict *restrict.PathList, log *logger.Logger) *PathSelector {
	if log == nil {
		log = logger.NewDefault()
	}
	return &PathSelector{
		EntryGen:     entryGen,
		MidGen:       midGen,
		ExitGen:      exitGen,
		PathRestrict: pathRestrict,
		Log:          log,
	}
}

// BuildPath draws a path of pathLen hops satisfying the path restriction
// list, retrying on generator exhaustion. A single-hop path is drawn from
// ExitGen alone; EntryGen and MidGen are not used and may be nil. On retry
// of a multi-hop path, mid and exit candidates are redrawn from EntryGen
// rather than from MidGen/ExitGen — a bug in the original implementation
// preserved here verbatim rather than fixed, so that retried builds behave
// exactly as the reference controller's do.
func (s *PathSelector) BuildPath(pathLen int) ([]*router.Router, error) {
	var entry, mid generate.NextFunc
	if pathLen != 1 {
		s.EntryGen.Rewind()
		s.MidGen.Rewind()
		entry = s.EntryGen.NextR()
		mid = s.MidGen.NextR()
	}
	s.ExitGen.Rewind()
	ext := s.ExitGen.NextR()

	const maxRewinds = 64
	rewinds := 0
	for {
		path, drawOK := s.drawCandidate(pathLen, entry, mid, ext)
		if !drawOK {
			rewinds++
			if rewinds > maxRewinds {
				return nil, errors.NoRoutersError("exhausted node generators while building path")
			}
			s.Log.Info("ran out of routers during buildpath, retrying")
			s.ExitGen.Rewind()
			if pathLen == 1 {
				ext = s.ExitGen.NextR()
				continue
			}
			s.EntryGen.Rewind()
			s.MidGen.Rewind()
			entry = s.EntryGen.NextR()
			mid = s.EntryGen.NextR()
			ext = s.EntryGen.NextR()
			continue
		}

		// A candidate path that fails the restriction list is discarded,
		// but the generators are NOT rewound — the same entry/mid/ext
		// closures are resumed on the next iteration, exactly as the
		// original's coroutine-based generators continue past their last
		// yield rather than restarting.
		if !s.PathRestrict.Ok(path) {
			continue
		}

		if pathLen == 1 {
			s.ExitGen.MarkChosen(path[0])
		} else {
			s.EntryGen.MarkChosen(path[0])
			for i := 1; i < pathLen-1; i++ {
				s.MidGen.MarkChosen(path[i])
			}
			s.ExitGen.MarkChosen(path[pathLen-1])
		}
		return path, nil
	}
}

// drawCandidate draws one candidate path from the three generator closures.
// The second return is false when any draw is exhausted (StopIteration in
// the original) before a full path could be assembled.
func (s *PathSelector) drawCandidate(pathLen int, entry, mid, ext generate.NextFunc) ([]*router.Router, bool) {
	if pathLen == 1 {
		r, ok := ext()
		if !ok {
			return nil, false
		}
		return []*router.Router{r}, true
	}

	var path []*router.Router
	r, ok := entry()
	if !ok {
		return nil, false
	}
	path = append(path, r)
	for i := 1; i < pathLen-1; i++ {
		r, ok := mid()
		if !ok {
			return nil, false
		}
		path = append(path, r)
	}
	r, ok = ext()
	if !ok {
		return nil, false
	}
	path = append(path, r)
	return path, true
}
