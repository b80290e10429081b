package internal

import (
	"context"
	"time"
)

type edgeKind int

const (
	editionAuthorEdge edgeKind = 1 // edition → credited authors
	workEditionEdge   edgeKind = 2 // work → member editions
	workAuthorEdge    edgeKind = 3 // work → credited authors
)

// edge represents a parent/child relationship pending a link-table write.
// Edges for the same parent are merged in the buffer so a burst of
// enrichments touching one work produces one batched write.
type edge struct {
	kind     edgeKind
	parentID int64
	childIDs set[int64]
}

// linker serializes link-table writes behind a merging buffer. Enrichments
// hand their edges off and move on; the single consumer keeps write ordering
// stable and smooths out bursts.
type linker struct {
	store store
	edgeC chan edge
}

func newLinker(s store) *linker {
	return &linker{store: s, edgeC: make(chan edge)}
}

// add enqueues an edge for the background writer.
func (l *linker) add(e edge) {
	l.edgeC <- e
}

// Close stops intake. Run drains whatever is buffered and returns.
func (l *linker) Close() {
	close(l.edgeC)
}

// Run consumes edges until Close. Failed writes are logged and dropped; the
// next enrichment of the same entity re-emits them.
func (l *linker) Run(ctx context.Context) {
	for e := range accumulate(l.edgeC, &edgebuf{}) {
		writeCtx, cancel := context.WithTimeout(ctx, time.Minute)
		if err := l.write(writeCtx, e); err != nil {
			Log(ctx).Warn("problem writing links", "kind", e.kind, "parentID", e.parentID, "err", err)
		}
		cancel()
	}
}

func (l *linker) write(ctx context.Context, e edge) error {
	for childID := range e.childIDs {
		var err error
		switch e.kind {
		case editionAuthorEdge:
			err = l.store.LinkEditionAuthor(ctx, e.parentID, childID)
		case workEditionEdge:
			err = l.store.LinkWorkEdition(ctx, e.parentID, childID)
		case workAuthorEdge:
			err = l.store.LinkWorkAuthor(ctx, e.parentID, childID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
