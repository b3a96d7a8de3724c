// Package orchestrator turns a course's source documents into indexed chunks
// and a processing record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"onboarding/apps/backend/internal/adapter/confluence"
	"onboarding/apps/backend/internal/artifact"
	"onboarding/apps/backend/internal/change"
	"onboarding/apps/backend/internal/retrieval"
	"onboarding/apps/backend/internal/text"
)

// Indexer is the part of the embedding index the orchestrator writes to.
type Indexer interface {
	Upsert(ctx context.Context, courseID, docID string, chunks []text.Chunk, opts ...retrieval.UpsertOption) error
	Retain(ctx context.Context, courseID string, docIDs []string) error
}

type Config struct {
	ChunkSize    int
	ChunkOverlap int
	FetchTimeout time.Duration
}

type Orchestrator struct {
	source       DocumentSource
	index        Indexer
	store        artifact.Store
	chunker      *text.Chunker
	fetchTimeout time.Duration
	now          func() time.Time
}

func New(source DocumentSource, index Indexer, store artifact.Store, cfg Config) (*Orchestrator, error) {
	var opts []text.Option
	if cfg.ChunkSize > 0 {
		opts = append(opts, text.WithMaxLen(cfg.ChunkSize), text.WithOverlap(cfg.ChunkOverlap))
	}
	chunker, err := text.NewChunker(opts...)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		source:       source,
		index:        index,
		store:        store,
		chunker:      chunker,
		fetchTimeout: cfg.FetchTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

type fetched struct {
	doc *SourceDocument
	err error
}

// Process embeds the course's documents and stores a fresh processing record.
// When the stored record is clean and no document changed, it is returned
// unchanged and nothing is re-embedded.
func (o *Orchestrator) Process(ctx context.Context, courseID string, docIDs []string) (*artifact.ProcessingRecord, error) {
	return o.run(ctx, courseID, docIDs, false)
}

// Reprocess rebuilds the course's index from scratch regardless of the
// stored record.
func (o *Orchestrator) Reprocess(ctx context.Context, courseID string, docIDs []string) (*artifact.ProcessingRecord, error) {
	return o.run(ctx, courseID, docIDs, true)
}

func (o *Orchestrator) run(ctx context.Context, courseID string, docIDs []string, force bool) (*artifact.ProcessingRecord, error) {
	docIDs = dedupe(docIDs)
	docs := o.fetchAll(ctx, docIDs)

	if !force {
		if existing, ok := o.unchanged(ctx, courseID, docs); ok {
			slog.InfoContext(ctx, "course unchanged, reusing processing record", "course_id", courseID, "pages", existing.TotalPages)
			return existing, nil
		}
	}

	record := &artifact.ProcessingRecord{
		CourseID:       courseID,
		TotalPages:     len(docIDs),
		ProcessedPages: []artifact.ProcessedPage{},
		FailedPages:    []artifact.FailedPage{},
	}

	for _, id := range docIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := docs[id]
		if f.err != nil {
			slog.WarnContext(ctx, "failed to fetch document", "course_id", courseID, "doc_id", id, "error", f.err)
			record.FailedPages = append(record.FailedPages, artifact.FailedPage{DocID: id, Error: f.err.Error()})
			continue
		}

		page, err := o.processDocument(ctx, courseID, f.doc)
		if err != nil {
			slog.WarnContext(ctx, "failed to process document", "course_id", courseID, "doc_id", id, "error", err)
			record.FailedPages = append(record.FailedPages, artifact.FailedPage{DocID: id, Error: err.Error()})
			continue
		}
		record.ProcessedPages = append(record.ProcessedPages, *page)
	}

	if err := o.index.Retain(ctx, courseID, docIDs); err != nil {
		slog.ErrorContext(ctx, "failed to prune chunks of removed documents", "course_id", courseID, "error", err)
	}

	record.ProcessedAt = o.now()
	if err := artifact.PutJSON(ctx, o.store, courseID, artifact.KindProcessingRecord, record); err != nil {
		return nil, fmt.Errorf("store processing record: %w", err)
	}

	slog.InfoContext(ctx, "course processed",
		"course_id", courseID,
		"status", record.Status(),
		"processed", len(record.ProcessedPages),
		"failed", len(record.FailedPages),
		"force", force,
	)
	return record, nil
}

func (o *Orchestrator) unchanged(ctx context.Context, courseID string, docs map[string]fetched) (*artifact.ProcessingRecord, bool) {
	var existing artifact.ProcessingRecord
	if err := artifact.GetJSON(ctx, o.store, courseID, artifact.KindProcessingRecord, &existing); err != nil {
		if !errors.Is(err, artifact.ErrNotFound) {
			slog.WarnContext(ctx, "failed to read processing record", "course_id", courseID, "error", err)
		}
		return nil, false
	}
	if len(existing.FailedPages) > 0 || existing.TotalPages != len(docs) {
		return nil, false
	}

	fresh := make([]change.DocVersion, 0, len(docs))
	for id, f := range docs {
		if f.err != nil {
			return nil, false
		}
		fresh = append(fresh, change.DocVersion{DocID: id, Version: f.doc.Version})
	}
	if change.Detect(&existing, fresh).NeedsUpdate {
		return nil, false
	}
	return &existing, true
}

func (o *Orchestrator) fetchAll(ctx context.Context, docIDs []string) map[string]fetched {
	out := make(map[string]fetched, len(docIDs))
	for _, id := range docIDs {
		doc, err := o.fetch(ctx, id)
		out[id] = fetched{doc: doc, err: err}
	}
	return out
}

func (o *Orchestrator) fetch(ctx context.Context, docID string) (*SourceDocument, error) {
	if o.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.fetchTimeout)
		defer cancel()
	}
	doc, err := o.source.Fetch(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.DocID == "" {
		doc.DocID = docID
	}
	return doc, nil
}

func (o *Orchestrator) processDocument(ctx context.Context, courseID string, doc *SourceDocument) (*artifact.ProcessedPage, error) {
	cleaned, err := text.CleanHTML(doc.Body)
	if err != nil {
		return nil, fmt.Errorf("clean document: %w", err)
	}
	chunks, err := o.chunker.Split(doc.DocID, cleaned)
	if err != nil {
		return nil, err
	}
	if err := o.index.Upsert(ctx, courseID, doc.DocID, chunks, retrieval.WithSource(doc.Title, doc.URL)); err != nil {
		return nil, err
	}
	return &artifact.ProcessedPage{
		DocID:       doc.DocID,
		Title:       doc.Title,
		URL:         doc.URL,
		Version:     doc.Version,
		Chunks:      len(chunks),
		ProcessedAt: o.now(),
	}, nil
}

// CheckForUpdates compares fresh document versions with the stored record.
// It never writes.
func (o *Orchestrator) CheckForUpdates(ctx context.Context, courseID string, fresh []change.DocVersion) (change.Set, error) {
	var record artifact.ProcessingRecord
	if err := artifact.GetJSON(ctx, o.store, courseID, artifact.KindProcessingRecord, &record); err != nil {
		return change.Set{}, err
	}
	return change.Detect(&record, fresh), nil
}

// Probe fetches the current version of each document. Documents the source
// reports as gone are returned in missing and left out of the versions; any
// other failure aborts the probe.
func (o *Orchestrator) Probe(ctx context.Context, docIDs []string) ([]change.DocVersion, []artifact.FailedPage, error) {
	var versions []change.DocVersion
	var missing []artifact.FailedPage
	for _, id := range dedupe(docIDs) {
		doc, err := o.fetch(ctx, id)
		if err != nil {
			if errors.Is(err, ErrDocumentNotFound) {
				missing = append(missing, artifact.FailedPage{DocID: id, Error: err.Error()})
				continue
			}
			return nil, nil, fmt.Errorf("probe document %s: %w: %w", id, ErrSourceUnavailable, err)
		}
		versions = append(versions, change.DocVersion{DocID: id, Version: doc.Version})
	}
	return versions, missing, nil
}

// CourseSources describes where a course's documents are listed.
type CourseSources struct {
	LinkedPages     []string
	Labels          []string
	Instructions    string
	FolderRecursion bool
}

// ExpandDocuments resolves linked pages, pages carrying one of the labels,
// their descendants when folder recursion is on, and pages referenced from
// the instructions into one ordered, duplicate-free id list.
func (o *Orchestrator) ExpandDocuments(ctx context.Context, src CourseSources) ([]string, error) {
	var roots []string
	for _, ref := range src.LinkedPages {
		id, ok := confluence.ParsePageRef(ref)
		if !ok {
			slog.WarnContext(ctx, "ignoring unrecognised linked page", "ref", ref)
			continue
		}
		roots = append(roots, id)
	}
	if len(src.Labels) > 0 {
		searcher, ok := o.source.(LabelSearcher)
		if !ok {
			return nil, fmt.Errorf("document source cannot search labels %v", src.Labels)
		}
		for _, label := range src.Labels {
			ids, err := searcher.Labeled(ctx, label)
			if err != nil {
				return nil, fmt.Errorf("search label %q: %w: %w", label, ErrSourceUnavailable, err)
			}
			roots = append(roots, ids...)
		}
	}
	roots = append(roots, confluence.ExtractPageIDs(src.Instructions)...)
	roots = dedupe(roots)

	if !src.FolderRecursion {
		return roots, nil
	}

	ids := make([]string, 0, len(roots))
	for _, id := range roots {
		ids = append(ids, id)
		children, err := o.source.Children(ctx, id, true)
		if err != nil {
			if errors.Is(err, ErrDocumentNotFound) {
				slog.WarnContext(ctx, "linked page not found while expanding", "doc_id", id)
				continue
			}
			return nil, fmt.Errorf("expand %s: %w: %w", id, ErrSourceUnavailable, err)
		}
		ids = append(ids, children...)
	}
	return dedupe(ids), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
