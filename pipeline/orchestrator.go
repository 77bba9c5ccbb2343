// Package pipeline runs import and refetch operations against the remote
// document API and reports every step over a progress stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vinizap/lumi/mirror/assets"
	"github.com/vinizap/lumi/mirror/diff"
	"github.com/vinizap/lumi/mirror/domain"
	"github.com/vinizap/lumi/mirror/index"
	"github.com/vinizap/lumi/mirror/ledger"
	"github.com/vinizap/lumi/mirror/metrics"
	"github.com/vinizap/lumi/mirror/remote"
)

var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrResourceExists = errors.New("resource already imported")
)

// LocalStore is the on-disk side of a resource.
type LocalStore interface {
	// LoadTree returns nil, nil when nothing is cached yet.
	LoadTree(ctx context.Context, id string) (*domain.Node, error)
	SaveTree(ctx context.Context, rec *domain.Resource, tree *domain.Node) error
	SavePreview(ctx context.Context, id string, png []byte) error
	SaveVariables(ctx context.Context, id string, vars map[string]any) error
	SaveVectorAssets(ctx context.Context, id string, svgs map[string]string) error
	SaveRasterAssets(ctx context.Context, id string, images map[domain.AssetRef][]byte) error
	HasRasterAsset(ctx context.Context, id string, ref domain.AssetRef) (bool, error)
	DeletePreview(ctx context.Context, id string) error
	DeleteVariables(ctx context.Context, id string) error
	DeleteVectorAssets(ctx context.Context, id string, names []string) error
	DeleteRasterAssets(ctx context.Context, id string, refs []domain.AssetRef) error
	DeleteResource(ctx context.Context, id string) error
}

// Notifier is told about every change to the library.
type Notifier interface {
	Notify(change domain.LibraryChange, rec *domain.Resource)
}

type Option func(*Orchestrator)

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator sequences sync steps. At most one operation runs per resource;
// independent resources sync concurrently.
type Orchestrator struct {
	remote   remote.Client
	store    LocalStore
	ledger   *ledger.Ledger
	index    index.Index
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
	compare  func(oldTree, newTree *domain.Node) (domain.DiffResult, error)

	mu   sync.Mutex
	busy map[string]struct{}
}

func New(client remote.Client, store LocalStore, led *ledger.Ledger, idx index.Index, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		remote:  client,
		store:   store,
		ledger:  led,
		index:   idx,
		log:     log.Logger,
		now:     time.Now,
		compare: diff.Diff,
		busy:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) acquire(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.busy[id]; ok {
		metrics.RecordSyncConflict()
		return fmt.Errorf("%w: %s", ErrSyncInProgress, id)
	}
	o.busy[id] = struct{}{}
	return nil
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.busy, id)
}

// Busy reports whether an operation on id is running.
func (o *Orchestrator) Busy(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.busy[id]
	return ok
}

func (o *Orchestrator) notify(change domain.LibraryChange, rec *domain.Resource) {
	if o.notifier != nil {
		o.notifier.Notify(change, rec)
	}
}

// launch runs fn in the background. The operation does not inherit the
// consumer's cancellation: a disconnect stops delivery, not the work.
func (o *Orchestrator) launch(consumer context.Context, kind, id string, steps []domain.Step, fn func(*run) (domain.DonePayload, error)) <-chan domain.Event {
	r := &run{
		ctx:     context.WithoutCancel(consumer),
		kind:    kind,
		id:      id,
		s:       newStream(consumer),
		steps:   steps,
		started: make(map[domain.Step]time.Time),
	}
	r.log = o.log.With().
		Str("op", uuid.NewString()).
		Str("kind", kind).
		Str("resource", id).
		Logger()

	go func() {
		defer close(r.s.out)
		defer o.release(id)

		start := time.Now()
		r.log.Info().Msg("sync started")
		result, err := fn(r)
		if err != nil {
			r.log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("sync failed")
			metrics.RecordSyncOperation(kind, string(domain.OutcomeError))
			r.fail(err)
			return
		}
		r.log.Info().Str("outcome", string(result.Outcome)).Dur("elapsed", time.Since(start)).Msg("sync finished")
		metrics.RecordSyncOperation(kind, string(result.Outcome))
		r.done(result)
	}()
	return r.s.out
}

// Import mirrors the subtree named by rawURL as a new resource. Invalid URLs,
// already imported resources and conflicting operations fail before the
// stream opens.
func (o *Orchestrator) Import(ctx context.Context, rawURL string) (<-chan domain.Event, error) {
	ref, err := ParseDocumentURL(rawURL)
	if err != nil {
		return nil, err
	}
	id := ref.ResourceID()
	if err := o.acquire(id); err != nil {
		return nil, err
	}
	_, err = o.index.Get(ctx, id)
	switch {
	case err == nil:
		o.release(id)
		return nil, fmt.Errorf("%w: %s", ErrResourceExists, id)
	case !errors.Is(err, index.ErrNotFound):
		o.release(id)
		return nil, err
	}

	return o.launch(ctx, "import", id, domain.ImportSteps, func(r *run) (domain.DonePayload, error) {
		return o.runImport(r, ref, rawURL)
	}), nil
}

// Refetch brings a known resource up to date with the remote. Unknown ids and
// conflicting operations fail before the stream opens.
func (o *Orchestrator) Refetch(ctx context.Context, id string) (<-chan domain.Event, error) {
	if err := o.acquire(id); err != nil {
		return nil, err
	}
	rec, err := o.index.Get(ctx, id)
	if err != nil {
		o.release(id)
		return nil, err
	}

	return o.launch(ctx, "refetch", id, domain.RefetchSteps, func(r *run) (domain.DonePayload, error) {
		return o.runRefetch(r, rec)
	}), nil
}

// Remove deletes a resource with its history and assets.
func (o *Orchestrator) Remove(ctx context.Context, id string) error {
	if err := o.acquire(id); err != nil {
		return err
	}
	defer o.release(id)

	rec, err := o.index.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := o.index.Remove(ctx, id); err != nil {
		return err
	}
	if err := o.store.DeleteResource(ctx, id); err != nil {
		return fmt.Errorf("delete resource files: %w", err)
	}
	o.log.Info().Str("resource", id).Msg("resource removed")
	o.notify(domain.ResourceRemoved, rec)
	return nil
}

func (o *Orchestrator) runImport(r *run, ref DocumentRef, rawURL string) (domain.DonePayload, error) {
	ctx := r.ctx
	id := r.id

	err := r.critical(domain.StepParse, "Parsing document URL...", func() (domain.Payload, string, error) {
		return domain.ParsePayload{FileKey: ref.FileKey, NodeID: ref.NodeID},
			fmt.Sprintf("Parsed: %s/%s", ref.FileKey, ref.NodeID), nil
	})
	if err != nil {
		return domain.DonePayload{}, err
	}

	var meta remote.Metadata
	err = r.critical(domain.StepMetadata, "Fetching file metadata...", func() (domain.Payload, string, error) {
		m, err := o.remote.FetchMetadata(ctx, ref.FileKey)
		if err != nil {
			return nil, "", err
		}
		meta = m
		return domain.MetadataPayload{FileName: m.Name, Revision: m.Revision}, "File: " + m.Name, nil
	})
	if err != nil {
		return domain.DonePayload{}, err
	}

	var tree *domain.Node
	err = r.critical(domain.StepNode, "Fetching node data...", func() (domain.Payload, string, error) {
		t, err := o.fetchTree(ctx, ref)
		if err != nil {
			return nil, "", err
		}
		tree = t
		return domain.NodePayload{Name: t.Name, NodeCount: t.Count()}, "Node: " + displayName(t, ref.NodeID), nil
	})
	if err != nil {
		return domain.DonePayload{}, err
	}

	f := o.fetchOptional(r, ref, tree, true)

	now := o.now().UTC()
	rec := &domain.Resource{
		ID:                 id,
		FileKey:            ref.FileKey,
		NodeID:             ref.NodeID,
		Name:               displayName(tree, ref.NodeID),
		FileName:           meta.Name,
		URL:                rawURL,
		LastSyncedRevision: meta.Revision,
		Assets:             f.manifest(domain.AssetManifest{}),
		AddedAt:            now,
		UpdatedAt:          now,
	}
	if err := o.persist(r, rec, domain.AssetManifest{}, tree, f, true); err != nil {
		return domain.DonePayload{}, err
	}
	o.notify(domain.ResourceImported, rec)
	return domain.DonePayload{Outcome: domain.OutcomeImported, ResourceID: id, Revision: meta.Revision}, nil
}

func (o *Orchestrator) runRefetch(r *run, rec *domain.Resource) (domain.DonePayload, error) {
	ctx := r.ctx
	ref := DocumentRef{FileKey: rec.FileKey, NodeID: rec.NodeID}

	var (
		meta     remote.Metadata
		entry    *domain.LedgerEntry
		upToDate bool
	)
	err := r.critical(domain.StepVersion, "Checking remote revision...", func() (domain.Payload, string, error) {
		e, err := o.ledger.Read(ctx, rec.ID)
		if err != nil {
			return nil, "", err
		}
		entry = e
		m, err := o.remote.FetchMetadata(ctx, ref.FileKey)
		if err != nil {
			return nil, "", err
		}
		meta = m

		local := rec.LastSyncedRevision
		if entry != nil {
			local = entry.CurrentRevision
		}
		upToDate = entry != nil && entry.CurrentRevision == m.Revision
		payload := domain.VersionPayload{LocalRevision: local, RemoteRevision: m.Revision, UpToDate: upToDate}
		if upToDate {
			return payload, string(domain.OutcomeUpToDate), nil
		}
		return payload, fmt.Sprintf("Remote revision %s (local %s)", m.Revision, local), nil
	})
	if err != nil {
		return domain.DonePayload{}, err
	}
	if upToDate {
		for _, step := range domain.RefetchSteps[1:] {
			r.skip(step, "Already up to date")
		}
		return domain.DonePayload{Outcome: domain.OutcomeUpToDate, ResourceID: rec.ID, Revision: meta.Revision}, nil
	}

	// The cached tree is the diff baseline and has to be read before the
	// new tree arrives.
	var oldTree, tree *domain.Node
	err = r.critical(domain.StepNode, "Fetching node data...", func() (domain.Payload, string, error) {
		prev, err := o.store.LoadTree(ctx, rec.ID)
		if err != nil {
			return nil, "", fmt.Errorf("load cached tree: %w", err)
		}
		oldTree = prev
		t, err := o.fetchTree(ctx, ref)
		if err != nil {
			return nil, "", err
		}
		tree = t
		return domain.NodePayload{Name: t.Name, NodeCount: t.Count()}, "Node: " + displayName(t, ref.NodeID), nil
	})
	if err != nil {
		return domain.DonePayload{}, err
	}

	hasRealChanges := true
	if oldTree == nil {
		r.start(domain.StepDiff, "Comparing with cached version...")
		r.complete(domain.StepDiff, "Initial version", domain.DiffPayload{Initial: true})
	} else {
		r.optional(domain.StepDiff, "Comparing with cached version...", func() (domain.Payload, string, error) {
			d, err := o.compare(oldTree, tree)
			if err != nil {
				return nil, "", err
			}
			hasRealChanges = diff.HasChanges(d) || len(d.NewAssetRefs) > 0
			summary := diff.Summarize(d)
			msg := "No changes detected"
			if hasRealChanges {
				msg = fmt.Sprintf("%d added, %d removed, %d modified, %d new images",
					summary.NodesAdded, summary.NodesRemoved, summary.NodesModified, summary.NewAssets)
			}
			return domain.DiffPayload{Summary: summary, Report: diff.Format(d)}, msg, nil
		})
	}

	switch {
	case oldTree == nil:
		r.skip(domain.StepSnapshot, "No prior version to archive")
	case !hasRealChanges:
		r.skip(domain.StepSnapshot, "No changes to archive")
	default:
		err = r.critical(domain.StepSnapshot, "Archiving current version...", func() (domain.Payload, string, error) {
			previous := rec.LastSyncedRevision
			if entry != nil {
				previous = entry.CurrentRevision
			} else if _, _, err := o.ledger.Init(ctx, rec.ID, previous); err != nil {
				return nil, "", err
			}
			folder, reused, err := o.ledger.ArchiveCurrent(ctx, rec.ID, previous)
			if err != nil {
				return nil, "", err
			}
			msg := "Archived as " + folder
			if reused {
				msg = "Archive already present: " + folder
			}
			return domain.SnapshotPayload{Folder: folder, Revision: previous}, msg, nil
		})
		if err != nil {
			return domain.DonePayload{}, err
		}
	}

	unchanged := oldTree != nil && !hasRealChanges
	f := o.fetchOptional(r, ref, tree, !unchanged)

	updated := *rec
	updated.Name = displayName(tree, ref.NodeID)
	updated.FileName = meta.Name
	updated.LastSyncedRevision = meta.Revision
	updated.Assets = f.manifest(rec.Assets)
	updated.UpdatedAt = o.now().UTC()
	if err := o.persist(r, &updated, rec.Assets, tree, f, false); err != nil {
		return domain.DonePayload{}, err
	}
	o.notify(domain.ResourceUpdated, &updated)

	outcome := domain.OutcomeUpdated
	if unchanged {
		outcome = domain.OutcomeUpdatedNoChanges
	}
	return domain.DonePayload{Outcome: outcome, ResourceID: rec.ID, Revision: meta.Revision}, nil
}

func (o *Orchestrator) fetchTree(ctx context.Context, ref DocumentRef) (*domain.Node, error) {
	t, err := o.remote.FetchNodeTree(ctx, ref.FileKey, ref.NodeID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("node %s not found in %s", ref.NodeID, ref.FileKey)
	}
	return t, nil
}

func displayName(tree *domain.Node, fallback string) string {
	if tree != nil && tree.Name != "" {
		return tree.Name
	}
	return fallback
}

// fetched holds everything the non-critical steps produced. Nothing in it is
// written until the save step.
type fetched struct {
	preview   []byte
	variables map[string]any

	// Set when the remote definitively has none, so stored copies are stale.
	noPreview   bool
	noVariables bool
	noVectors   bool
	noRasters   bool

	vectorsDone bool
	vectors     map[string]string

	rastersDone bool
	rasters     map[domain.AssetRef][]byte
	rasterRefs  []domain.AssetRef
}

// manifest lists the assets stored after the save, keeping prev for the
// kinds whose step did not complete.
func (f *fetched) manifest(prev domain.AssetManifest) domain.AssetManifest {
	m := prev
	if f.vectorsDone || f.noVectors {
		m.Vectors = make([]string, 0, len(f.vectors))
		for name := range f.vectors {
			m.Vectors = append(m.Vectors, name)
		}
		sort.Strings(m.Vectors)
	}
	if f.rastersDone || f.noRasters {
		m.Rasters = f.rasterRefs
	}
	if m.Vectors == nil {
		m.Vectors = []string{}
	}
	if m.Rasters == nil {
		m.Rasters = []domain.AssetRef{}
	}
	return m
}

// fetchOptional runs the preview, variables, vector and raster steps. With
// wantAssets false the tree is structurally unchanged and the asset steps
// are skipped.
func (o *Orchestrator) fetchOptional(r *run, ref DocumentRef, tree *domain.Node, wantAssets bool) *fetched {
	ctx := r.ctx
	f := &fetched{}

	r.optional(domain.StepScreenshot, "Capturing screenshot...", func() (domain.Payload, string, error) {
		png, err := o.remote.FetchPreviewImage(ctx, ref.FileKey, ref.NodeID)
		if err != nil {
			return nil, "", err
		}
		if len(png) == 0 {
			f.noPreview = true
			return nil, "", skip("No screenshot returned")
		}
		f.preview = png
		return domain.ScreenshotPayload{Bytes: len(png)}, "Screenshot captured", nil
	})

	r.optional(domain.StepVariables, "Extracting variables...", func() (domain.Payload, string, error) {
		bound := assets.Variables(tree)
		if len(bound) > 0 {
			f.variables = make(map[string]any, len(bound))
			for name, v := range bound {
				f.variables[name] = v
			}
			return domain.VariablesPayload{Count: len(bound), Source: "bound"},
				fmt.Sprintf("%d variables extracted", len(bound)), nil
		}
		vars, err := o.remote.FetchVariables(ctx, ref.FileKey)
		if err != nil {
			return nil, "", err
		}
		if len(vars) == 0 {
			f.noVariables = true
			return nil, "", skip("No variables found")
		}
		f.variables = vars
		return domain.VariablesPayload{Count: len(vars), Source: "api"},
			fmt.Sprintf("%d API variables", len(vars)), nil
	})

	if !wantAssets {
		r.skip(domain.StepSVG, "No structural changes")
		r.skip(domain.StepImages, "No structural changes")
		return f
	}
	plan := assets.Extract(tree)

	f.vectorsDone = r.optional(domain.StepSVG, "Downloading SVG assets...", func() (domain.Payload, string, error) {
		if len(plan.Vectors) == 0 {
			f.noVectors = true
			return nil, "", skip("No SVG containers found")
		}
		ids := make([]string, len(plan.Vectors))
		for i, c := range plan.Vectors {
			ids[i] = c.NodeID
		}
		markup, err := o.remote.FetchVectorAssetsBatch(ctx, ref.FileKey, ids)
		if err != nil {
			return nil, "", err
		}
		f.vectors = make(map[string]string, len(markup))
		for _, c := range plan.Vectors {
			if svg, ok := markup[c.NodeID]; ok && svg != "" {
				f.vectors[assets.SVGName(c.Name, c.NodeID)] = svg
			}
		}
		return domain.SVGPayload{Count: len(f.vectors)}, fmt.Sprintf("%d SVGs downloaded", len(f.vectors)), nil
	})

	f.rastersDone = r.optional(domain.StepImages, "Downloading image assets...", func() (domain.Payload, string, error) {
		if len(plan.Rasters) == 0 {
			f.noRasters = true
			return nil, "", skip("No image fills found")
		}
		var missing []domain.AssetRef
		for _, a := range plan.Rasters {
			ok, err := o.store.HasRasterAsset(ctx, r.id, a)
			if err != nil || !ok {
				missing = append(missing, a)
			}
		}
		reused := len(plan.Rasters) - len(missing)
		if len(missing) > 0 {
			images, err := o.remote.FetchRasterAssets(ctx, ref.FileKey, missing)
			if err != nil {
				return nil, "", err
			}
			if len(images) == 0 && reused == 0 {
				return nil, "", skip("No images downloaded")
			}
			f.rasters = images
		}
		for _, a := range plan.Rasters {
			if _, ok := f.rasters[a]; ok || !slices.Contains(missing, a) {
				f.rasterRefs = append(f.rasterRefs, a)
			}
		}
		return domain.ImagesPayload{Downloaded: len(f.rasters), Reused: reused},
			fmt.Sprintf("%d images downloaded, %d reused", len(f.rasters), reused), nil
	})
	return f
}

// persist writes the new state. Assets go first and the tree after them, so
// a failure leaves the old tree as the diff baseline and the next refetch
// sees the change again. The ledger marker moves last.
func (o *Orchestrator) persist(r *run, rec *domain.Resource, prev domain.AssetManifest, tree *domain.Node, f *fetched, create bool) error {
	ctx := r.ctx
	err := r.critical(domain.StepSave, "Saving to library...", func() (domain.Payload, string, error) {
		if len(f.preview) > 0 {
			if err := o.store.SavePreview(ctx, rec.ID, f.preview); err != nil {
				return nil, "", fmt.Errorf("save preview: %w", err)
			}
		}
		if len(f.variables) > 0 {
			if err := o.store.SaveVariables(ctx, rec.ID, f.variables); err != nil {
				return nil, "", fmt.Errorf("save variables: %w", err)
			}
		}
		if len(f.vectors) > 0 {
			if err := o.store.SaveVectorAssets(ctx, rec.ID, f.vectors); err != nil {
				return nil, "", err
			}
		}
		if len(f.rasters) > 0 {
			if err := o.store.SaveRasterAssets(ctx, rec.ID, f.rasters); err != nil {
				return nil, "", err
			}
		}
		if err := o.store.SaveTree(ctx, rec, tree); err != nil {
			return nil, "", err
		}

		msg := "Updated in library"
		if create {
			msg = "Saved to library"
			if err := o.index.Create(ctx, rec); err != nil {
				return nil, "", err
			}
			_, created, err := o.ledger.Init(ctx, rec.ID, rec.LastSyncedRevision)
			if err != nil {
				return nil, "", err
			}
			if !created {
				if err := o.ledger.UpdateCurrent(ctx, rec.ID, rec.LastSyncedRevision); err != nil {
					return nil, "", err
				}
			}
		} else {
			if err := o.index.Update(ctx, rec); err != nil {
				return nil, "", err
			}
			if err := o.ledger.UpdateCurrent(ctx, rec.ID, rec.LastSyncedRevision); err != nil {
				return nil, "", err
			}
		}
		return domain.SavePayload{ResourceID: rec.ID, Name: rec.Name}, msg, nil
	})
	if err != nil {
		return err
	}
	o.prune(r, rec, prev, f)
	return nil
}

// prune removes stored files the new state no longer lists. It runs after
// the commit; failures only leave orphans behind.
func (o *Orchestrator) prune(r *run, rec *domain.Resource, prev domain.AssetManifest, f *fetched) {
	ctx := r.ctx
	var errs []error
	if f.noPreview {
		errs = append(errs, o.store.DeletePreview(ctx, rec.ID))
	}
	if f.noVariables {
		errs = append(errs, o.store.DeleteVariables(ctx, rec.ID))
	}

	var vectors []string
	for _, name := range prev.Vectors {
		if !slices.Contains(rec.Assets.Vectors, name) {
			vectors = append(vectors, name)
		}
	}
	if len(vectors) > 0 {
		errs = append(errs, o.store.DeleteVectorAssets(ctx, rec.ID, vectors))
	}

	var rasters []domain.AssetRef
	for _, ref := range prev.Rasters {
		if !slices.Contains(rec.Assets.Rasters, ref) {
			rasters = append(rasters, ref)
		}
	}
	if len(rasters) > 0 {
		errs = append(errs, o.store.DeleteRasterAssets(ctx, rec.ID, rasters))
	}

	if err := errors.Join(errs...); err != nil {
		r.log.Warn().Err(err).Msg("failed to remove stale assets")
	}
}
