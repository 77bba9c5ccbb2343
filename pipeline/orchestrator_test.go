package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinizap/lumi/mirror/blob"
	"github.com/vinizap/lumi/mirror/domain"
	"github.com/vinizap/lumi/mirror/filesystem"
	"github.com/vinizap/lumi/mirror/index"
	"github.com/vinizap/lumi/mirror/ledger"
	"github.com/vinizap/lumi/mirror/remote"
)

const (
	testURL = "https://www.figma.com/design/KEY1/Doc?node-id=1-2"
	testID  = "KEY1_1-2"
)

// fakeRemote serves a scripted document and counts calls per method.
type fakeRemote struct {
	mu         sync.Mutex
	meta       remote.Metadata
	tree       *domain.Node
	preview    []byte
	previewErr error
	treeErr    error
	vars       map[string]any
	svgs       map[string]string
	images     map[domain.AssetRef][]byte
	calls      map[string]int
	rasterReqs [][]domain.AssetRef
	gate       chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		meta:    remote.Metadata{Name: "Doc", Revision: "r1"},
		tree:    sampleTree("Card"),
		preview: []byte("png"),
		svgs:    map[string]string{"1:6": "<svg>icon</svg>"},
		images: map[domain.AssetRef][]byte{
			"imgA": []byte("a"), "imgB": []byte("b"), "imgC": []byte("c"), "imgD": []byte("d"),
		},
		calls: map[string]int{},
	}
}

func (f *fakeRemote) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeRemote) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeRemote) FetchMetadata(ctx context.Context, _ string) (remote.Metadata, error) {
	f.hit("metadata")
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta, nil
}

func (f *fakeRemote) FetchNodeTree(context.Context, string, string) (*domain.Node, error) {
	f.hit("node")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tree, f.treeErr
}

func (f *fakeRemote) FetchPreviewImage(context.Context, string, string) ([]byte, error) {
	f.hit("preview")
	return f.preview, f.previewErr
}

func (f *fakeRemote) FetchVariables(context.Context, string) (map[string]any, error) {
	f.hit("variables")
	return f.vars, nil
}

func (f *fakeRemote) FetchVectorAssetsBatch(_ context.Context, _ string, ids []string) (map[string]string, error) {
	f.hit("svg")
	out := map[string]string{}
	for _, id := range ids {
		if svg, ok := f.svgs[id]; ok {
			out[id] = svg
		}
	}
	return out, nil
}

func (f *fakeRemote) FetchRasterAssets(_ context.Context, _ string, refs []domain.AssetRef) (map[domain.AssetRef][]byte, error) {
	f.hit("images")
	f.mu.Lock()
	f.rasterReqs = append(f.rasterReqs, refs)
	f.mu.Unlock()
	out := map[domain.AssetRef][]byte{}
	for _, ref := range refs {
		if data, ok := f.images[ref]; ok {
			out[ref] = data
		}
	}
	return out, nil
}

func (f *fakeRemote) set(rev string, tree *domain.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta.Revision = rev
	f.tree = tree
}

func image(id, ref string) *domain.Node {
	return &domain.Node{ID: id, Type: "RECTANGLE", Name: "Photo " + ref, Fills: []domain.Paint{{Type: "IMAGE", ImageRef: ref}}}
}

// sampleTree has three image fills and one vector container.
func sampleTree(title string) *domain.Node {
	return &domain.Node{
		ID: "1:2", Type: "FRAME", Name: "Card",
		Children: []*domain.Node{
			{ID: "1:9", Type: "TEXT", Name: "Title", Characters: title},
			image("1:3", "imgA"),
			image("1:4", "imgB"),
			image("1:5", "imgC"),
			{ID: "1:6", Type: "FRAME", Name: "Icon", Children: []*domain.Node{
				{ID: "1:7", Type: "VECTOR"},
				{ID: "1:8", Type: "VECTOR"},
			}},
		},
	}
}

type notes struct {
	mu      sync.Mutex
	changes []domain.LibraryChange
}

func (n *notes) Notify(change domain.LibraryChange, _ *domain.Resource) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
}

// spyStore runs a hook right before the tree is overwritten and can fail
// individual writes.
type spyStore struct {
	*filesystem.Store
	beforeSave func(rec *domain.Resource)
	treeErr    error
	rasterErr  error
}

func (s *spyStore) SaveTree(ctx context.Context, rec *domain.Resource, tree *domain.Node) error {
	if s.beforeSave != nil {
		s.beforeSave(rec)
	}
	if s.treeErr != nil {
		return s.treeErr
	}
	return s.Store.SaveTree(ctx, rec, tree)
}

func (s *spyStore) SaveRasterAssets(ctx context.Context, id string, images map[domain.AssetRef][]byte) error {
	if s.rasterErr != nil {
		return s.rasterErr
	}
	return s.Store.SaveRasterAssets(ctx, id, images)
}

type harness struct {
	o      *Orchestrator
	remote *fakeRemote
	fs     *filesystem.Store
	spy    *spyStore
	led    *ledger.Ledger
	idx    *index.File
	notes  *notes
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	blobs, err := blob.NewLocal(filepath.Join(root, "assets"))
	require.NoError(t, err)
	fs, err := filesystem.New(root, blobs)
	require.NoError(t, err)

	h := &harness{
		remote: newFakeRemote(),
		fs:     fs,
		spy:    &spyStore{Store: fs},
		led:    ledger.New(fs),
		idx:    index.NewFile(root),
		notes:  &notes{},
	}
	h.o = New(h.remote, h.spy, h.led, h.idx, WithNotifier(h.notes))
	return h
}

func (h *harness) importURL(t *testing.T) ([]domain.Event, domain.DonePayload) {
	t.Helper()
	ch, err := h.o.Import(context.Background(), testURL)
	require.NoError(t, err)
	events, done, err := Collect(ch)
	require.NoError(t, err)
	return events, done
}

func (h *harness) refetch(t *testing.T) ([]domain.Event, domain.DonePayload) {
	t.Helper()
	ch, err := h.o.Refetch(context.Background(), testID)
	require.NoError(t, err)
	events, done, err := Collect(ch)
	require.NoError(t, err)
	return events, done
}

// outcomes maps each step to its final status.
func outcomes(events []domain.Event) map[domain.Step]domain.Status {
	out := map[domain.Step]domain.Status{}
	for _, ev := range events {
		if ev.Status != domain.StatusStart {
			out[ev.Step] = ev.Status
		}
	}
	return out
}

func finalSteps(events []domain.Event) []domain.Step {
	var out []domain.Step
	for _, ev := range events {
		if ev.Status != domain.StatusStart && !ev.Terminal() {
			out = append(out, ev.Step)
		}
	}
	return out
}

func payload[T domain.Payload](t *testing.T, events []domain.Event, step domain.Step) T {
	t.Helper()
	for _, ev := range events {
		if ev.Step == step && ev.Status == domain.StatusComplete {
			p, ok := ev.Data.(T)
			require.True(t, ok, "payload of %s", step)
			return p
		}
	}
	t.Fatalf("no complete event for %s", step)
	var zero T
	return zero
}

func TestImport_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	events, done := h.importURL(t)

	assert.Equal(t, domain.ImportSteps, finalSteps(events))
	status := outcomes(events)
	for _, step := range domain.ImportSteps {
		if step == domain.StepVariables {
			assert.Equal(t, domain.StatusSkip, status[step])
			continue
		}
		assert.Equal(t, domain.StatusComplete, status[step], step)
	}

	last := events[len(events)-1]
	assert.Equal(t, domain.StepDone, last.Step)
	assert.Equal(t, domain.DoneMessage, last.Message)
	assert.Equal(t, domain.DonePayload{Outcome: domain.OutcomeImported, ResourceID: testID, Revision: "r1"}, done)

	penultimate := events[len(events)-2]
	assert.Equal(t, domain.Progress{Current: 8, Total: 8}, *penultimate.Progress)

	assert.Equal(t, 1, payload[domain.SVGPayload](t, events, domain.StepSVG).Count)
	assert.Equal(t, 3, payload[domain.ImagesPayload](t, events, domain.StepImages).Downloaded)

	rec, err := h.idx.Get(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, "r1", rec.LastSyncedRevision)
	assert.Equal(t, []string{"icon-1-6"}, rec.Assets.Vectors)
	assert.Equal(t, []domain.AssetRef{"imgA", "imgB", "imgC"}, rec.Assets.Rasters)

	entry, err := h.led.Read(ctx, testID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "r1", entry.CurrentRevision)
	assert.Empty(t, entry.History)

	for _, ref := range []domain.AssetRef{"imgA", "imgB", "imgC"} {
		ok, err := h.fs.HasRasterAsset(ctx, testID, ref)
		require.NoError(t, err)
		assert.True(t, ok, ref)
	}
	svg, err := h.fs.LoadVectorAsset(ctx, testID, "icon-1-6")
	require.NoError(t, err)
	assert.Equal(t, "<svg>icon</svg>", string(svg))

	assert.Equal(t, []domain.LibraryChange{domain.ResourceImported}, h.notes.changes)
	assert.False(t, h.o.Busy(testID))
}

func TestImport_ProgressCounting(t *testing.T) {
	h := newHarness(t)
	events, _ := h.importURL(t)

	current := 1
	for _, ev := range events {
		if ev.Terminal() {
			assert.Nil(t, ev.Progress)
			continue
		}
		require.NotNil(t, ev.Progress)
		assert.Equal(t, current, ev.Progress.Current, "%s %s", ev.Step, ev.Status)
		assert.Equal(t, len(domain.ImportSteps), ev.Progress.Total)
		if ev.Status == domain.StatusComplete || ev.Status == domain.StatusSkip {
			current++
		}
	}
}

func TestImport_RejectedBeforeStream(t *testing.T) {
	h := newHarness(t)

	_, err := h.o.Import(context.Background(), "https://example.com/design/K?node-id=1-2")
	assert.ErrorIs(t, err, ErrInvalidURL)

	h.importURL(t)
	_, err = h.o.Import(context.Background(), testURL)
	assert.ErrorIs(t, err, ErrResourceExists)
	assert.Equal(t, 1, h.remote.count("metadata"))
}

func TestImport_PreviewFailureIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.remote.previewErr = errors.New("render timeout")

	events, done := h.importURL(t)

	status := outcomes(events)
	assert.Equal(t, domain.StatusSkip, status[domain.StepScreenshot])
	assert.Equal(t, domain.StatusComplete, status[domain.StepSVG])
	assert.Equal(t, domain.StatusComplete, status[domain.StepSave])
	assert.Equal(t, domain.OutcomeImported, done.Outcome)
	assert.Equal(t, domain.StepDone, events[len(events)-1].Step)
}

func TestImport_CriticalFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.remote.treeErr = remote.ErrNotFound

	ch, err := h.o.Import(context.Background(), testURL)
	require.NoError(t, err)
	events, done, err := Collect(ch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, domain.OutcomeError, done.Outcome)

	status := outcomes(events)
	assert.Equal(t, domain.StatusError, status[domain.StepNode])
	_, ran := status[domain.StepScreenshot]
	assert.False(t, ran)

	last := events[len(events)-1]
	assert.Equal(t, domain.StepError, last.Step)
	assert.Equal(t, domain.StatusError, last.Status)

	_, err = h.idx.Get(context.Background(), testID)
	assert.ErrorIs(t, err, index.ErrNotFound)
	assert.Equal(t, 0, h.remote.count("preview"))
}

func TestRefetch_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.importURL(t)
	h.remote.set("r2", sampleTree("Changed"))
	_, done := h.refetch(t)
	require.Equal(t, domain.OutcomeUpdated, done.Outcome)

	before, err := h.led.Read(ctx, testID)
	require.NoError(t, err)
	callsBefore := h.remote.total()

	events, done := h.refetch(t)

	assert.Equal(t, domain.OutcomeUpToDate, done.Outcome)
	assert.Equal(t, 1, h.remote.total()-callsBefore, "only the revision check may reach the remote")
	status := outcomes(events)
	assert.Equal(t, domain.StatusComplete, status[domain.StepVersion])
	for _, step := range domain.RefetchSteps[1:] {
		assert.Equal(t, domain.StatusSkip, status[step], step)
	}
	assert.True(t, payload[domain.VersionPayload](t, events, domain.StepVersion).UpToDate)

	after, err := h.led.Read(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRefetch_ArchivesBeforePersist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.importURL(t)

	checked := false
	// The hook runs on the operation goroutine, so it only records failures.
	h.spy.beforeSave = func(*domain.Resource) {
		checked = true
		folder := ledger.FolderName("r1")
		exists, err := h.fs.ArchiveExists(ctx, testID, folder)
		assert.NoError(t, err)
		assert.True(t, exists, "old revision must be archived before overwrite")
		archived, err := h.fs.LoadArchivedTree(ctx, testID, folder)
		if assert.NoError(t, err) && assert.NotNil(t, archived) {
			assert.Equal(t, "Card", archived.Children[0].Characters)
		}

		entry, err := h.led.Read(ctx, testID)
		if assert.NoError(t, err) && assert.NotNil(t, entry) {
			assert.Equal(t, "r1", entry.CurrentRevision, "marker moves only after persist")
		}
	}

	tree := sampleTree("Changed")
	tree.Children = append(tree.Children, image("1:10", "imgD"))
	h.remote.set("r2", tree)

	events, done := h.refetch(t)
	require.True(t, checked)
	assert.Equal(t, domain.OutcomeUpdated, done.Outcome)
	assert.Equal(t, domain.RefetchSteps, finalSteps(events))

	d := payload[domain.DiffPayload](t, events, domain.StepDiff)
	assert.False(t, d.Initial)
	assert.Equal(t, 1, d.Summary.NodesAdded)
	assert.Equal(t, 1, d.Summary.NodesModified)
	assert.Equal(t, 1, d.Summary.NewAssets)

	snap := payload[domain.SnapshotPayload](t, events, domain.StepSnapshot)
	assert.Equal(t, "rev_r1", snap.Folder)
	assert.Equal(t, "r1", snap.Revision)

	img := payload[domain.ImagesPayload](t, events, domain.StepImages)
	assert.Equal(t, 1, img.Downloaded)
	assert.Equal(t, 3, img.Reused)
	assert.Equal(t, []domain.AssetRef{"imgD"}, h.remote.rasterReqs[len(h.remote.rasterReqs)-1])

	entry, err := h.led.Read(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, "r2", entry.CurrentRevision)
	require.Len(t, entry.History, 1)
	assert.Equal(t, "r1", entry.History[0].RevisionArchived)

	rec, err := h.idx.Get(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, "r2", rec.LastSyncedRevision)
	assert.Len(t, rec.Assets.Rasters, 4)
	assert.Equal(t, []domain.LibraryChange{domain.ResourceImported, domain.ResourceUpdated}, h.notes.changes)
}

// refetchFails runs a refetch that is expected to end in an error event.
func (h *harness) refetchFails(t *testing.T) []domain.Event {
	t.Helper()
	ch, err := h.o.Refetch(context.Background(), testID)
	require.NoError(t, err)
	events, done, err := Collect(ch)
	require.Error(t, err)
	assert.Equal(t, domain.OutcomeError, done.Outcome)
	last := events[len(events)-1]
	assert.Equal(t, domain.StepError, last.Step)
	assert.Equal(t, domain.StatusError, outcomes(events)[domain.StepSave])
	return events
}

// assertStillAt checks that neither the ledger marker nor the index record
// moved past rev.
func (h *harness) assertStillAt(t *testing.T, rev string, rasters int) {
	t.Helper()
	ctx := context.Background()
	entry, err := h.led.Read(ctx, testID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, rev, entry.CurrentRevision)
	rec, err := h.idx.Get(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, rev, rec.LastSyncedRevision)
	assert.Len(t, rec.Assets.Rasters, rasters)
}

func TestRefetch_AssetSaveFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.importURL(t)

	tree := sampleTree("Changed")
	tree.Children = append(tree.Children, image("1:10", "imgD"))
	h.remote.set("r2", tree)
	h.spy.rasterErr = errors.New("disk full")

	h.refetchFails(t)
	h.assertStillAt(t, "r1", 3)
	cached, err := h.fs.LoadTree(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, "Card", cached.Children[0].Characters, "tree must not move before the assets")

	h.spy.rasterErr = nil
	events, done := h.refetch(t)

	assert.Equal(t, domain.OutcomeUpdated, done.Outcome)
	status := outcomes(events)
	assert.Equal(t, domain.StatusComplete, status[domain.StepDiff])
	assert.Equal(t, domain.StatusComplete, status[domain.StepImages])
	assert.Equal(t, []domain.AssetRef{"imgD"}, h.remote.rasterReqs[len(h.remote.rasterReqs)-1])

	ok, err := h.fs.HasRasterAsset(ctx, testID, "imgD")
	require.NoError(t, err)
	assert.True(t, ok)
	h.assertStillAt(t, "r2", 4)

	entry, err := h.led.Read(ctx, testID)
	require.NoError(t, err)
	require.Len(t, entry.History, 1, "the retry reuses the archive slot")
	assert.Equal(t, "rev_r1", entry.History[0].Folder)
}

func TestRefetch_TreeSaveFailureKeepsMarker(t *testing.T) {
	h := newHarness(t)
	h.importURL(t)
	h.remote.set("r2", sampleTree("Changed"))
	h.spy.treeErr = errors.New("read-only file system")

	h.refetchFails(t)
	h.assertStillAt(t, "r1", 3)
	assert.Equal(t, []domain.LibraryChange{domain.ResourceImported}, h.notes.changes)

	h.spy.treeErr = nil
	_, done := h.refetch(t)
	assert.Equal(t, domain.OutcomeUpdated, done.Outcome)
	h.assertStillAt(t, "r2", 3)
}

func TestRefetch_DiffFailureCountsAsChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.importURL(t)
	h.o.compare = func(*domain.Node, *domain.Node) (domain.DiffResult, error) {
		return domain.DiffResult{}, errors.New("corrupt baseline")
	}
	h.remote.set("r2", sampleTree("Card"))

	events, done := h.refetch(t)

	assert.Equal(t, domain.OutcomeUpdated, done.Outcome)
	status := outcomes(events)
	assert.Equal(t, domain.StatusSkip, status[domain.StepDiff])
	assert.Equal(t, domain.StatusComplete, status[domain.StepSnapshot])
	assert.Equal(t, domain.StatusComplete, status[domain.StepSVG])
	assert.Equal(t, domain.StatusComplete, status[domain.StepImages])

	exists, err := h.fs.ArchiveExists(ctx, testID, "rev_r1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRefetch_RemovesStaleAssets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.importURL(t)

	// Drop the imgC fill and the icon container, and stop rendering a preview.
	tree := sampleTree("Changed")
	kept := tree.Children[:0]
	for _, c := range tree.Children {
		if c.ID != "1:5" && c.ID != "1:6" {
			kept = append(kept, c)
		}
	}
	tree.Children = kept
	h.remote.set("r2", tree)
	h.remote.preview = nil

	_, done := h.refetch(t)
	require.Equal(t, domain.OutcomeUpdated, done.Outcome)

	rec, err := h.idx.Get(ctx, testID)
	require.NoError(t, err)
	assert.Empty(t, rec.Assets.Vectors)
	assert.Equal(t, []domain.AssetRef{"imgA", "imgB"}, rec.Assets.Rasters)

	_, err = h.fs.LoadVectorAsset(ctx, testID, "icon-1-6")
	assert.ErrorIs(t, err, blob.ErrNotFound)
	ok, err := h.fs.HasRasterAsset(ctx, testID, "imgC")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = h.fs.LoadPreview(ctx, testID)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// The archived version keeps its own preview.
	exists, err := h.fs.ArchiveExists(ctx, testID, "rev_r1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRefetch_RevisionMovedWithoutChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.importURL(t)
	h.remote.set("r2", sampleTree("Card"))
	svgCalls := h.remote.count("svg")

	events, done := h.refetch(t)

	assert.Equal(t, domain.OutcomeUpdatedNoChanges, done.Outcome)
	status := outcomes(events)
	assert.Equal(t, domain.StatusComplete, status[domain.StepDiff])
	assert.Equal(t, domain.StatusSkip, status[domain.StepSnapshot])
	assert.Equal(t, domain.StatusSkip, status[domain.StepSVG])
	assert.Equal(t, domain.StatusSkip, status[domain.StepImages])
	assert.Equal(t, domain.StatusComplete, status[domain.StepSave])
	assert.Equal(t, svgCalls, h.remote.count("svg"))

	entry, err := h.led.Read(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, "r2", entry.CurrentRevision)
	assert.Empty(t, entry.History)

	rec, err := h.idx.Get(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, []string{"icon-1-6"}, rec.Assets.Vectors)
}

func TestRefetch_WithoutCachedTreeIsInitial(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.idx.Create(ctx, &domain.Resource{
		ID: testID, FileKey: "KEY1", NodeID: "1:2", LastSyncedRevision: "r0", AddedAt: now, UpdatedAt: now,
	}))

	events, done := h.refetch(t)

	assert.Equal(t, domain.OutcomeUpdated, done.Outcome)
	assert.True(t, payload[domain.DiffPayload](t, events, domain.StepDiff).Initial)
	status := outcomes(events)
	assert.Equal(t, domain.StatusSkip, status[domain.StepSnapshot])
	assert.Equal(t, domain.StatusComplete, status[domain.StepSVG])
	assert.Equal(t, domain.StatusComplete, status[domain.StepImages])

	entry, err := h.led.Read(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, "r1", entry.CurrentRevision)
	assert.Empty(t, entry.History)
}

func TestRefetch_UnknownResource(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.Refetch(context.Background(), "nope_1-1")
	assert.ErrorIs(t, err, index.ErrNotFound)
	assert.False(t, h.o.Busy("nope_1-1"))
}

func TestRefetch_ConcurrentSameResourceConflicts(t *testing.T) {
	h := newHarness(t)
	h.importURL(t)

	h.remote.gate = make(chan struct{})
	ch, err := h.o.Refetch(context.Background(), testID)
	require.NoError(t, err)

	_, err = h.o.Refetch(context.Background(), testID)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.ErrorIs(t, h.o.Remove(context.Background(), testID), ErrSyncInProgress)

	close(h.remote.gate)
	_, done, err := Collect(ch)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUpToDate, done.Outcome)

	h.remote.gate = nil
	_, done = h.refetch(t)
	assert.Equal(t, domain.OutcomeUpToDate, done.Outcome)
}

func TestImport_ConsumerDisconnectDoesNotHaltWork(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := h.o.Import(ctx, testURL)
	require.NoError(t, err)
	<-ch
	cancel()

	require.Eventually(t, func() bool { return !h.o.Busy(testID) }, 5*time.Second, 10*time.Millisecond)
	for range ch {
	}

	rec, err := h.idx.Get(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, "r1", rec.LastSyncedRevision)
}

func TestRemove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.importURL(t)

	require.NoError(t, h.o.Remove(ctx, testID))

	_, err := h.idx.Get(ctx, testID)
	assert.ErrorIs(t, err, index.ErrNotFound)
	tree, err := h.fs.LoadTree(ctx, testID)
	require.NoError(t, err)
	assert.Nil(t, tree)
	entry, err := h.led.Read(ctx, testID)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, domain.ResourceRemoved, h.notes.changes[len(h.notes.changes)-1])

	assert.ErrorIs(t, h.o.Remove(ctx, testID), index.ErrNotFound)
}
