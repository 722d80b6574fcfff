// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package jobs_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nukleus/jobagent/internal/domain"
	"github.com/nukleus/jobagent/internal/jobs"
	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/objectstore"
	"github.com/nukleus/jobagent/internal/reconcile"
	"github.com/nukleus/jobagent/internal/testdb"
)

func ptr[T any](v T) *T { return &v }

type harness struct {
	repo    *models.Repository
	objects *objectstore.Registry
	stores  map[string]*objectstore.MemoryBackend
	driver  *reconcile.Driver
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		repo:    models.NewRepository(testdb.Open(t, "jobs")),
		objects: objectstore.NewRegistry(objectstore.WithRetry(1, time.Millisecond)),
		stores:  make(map[string]*objectstore.MemoryBackend),
	}
	for _, id := range []string{"s1", "s2", "s3"} {
		b := objectstore.NewMemoryBackend()
		h.stores[id] = b
		h.objects.Register(id, b, objectstore.BackendOptions{VerifyCopies: true})
	}

	reg := reconcile.NewRegistry()
	require.NoError(t, jobs.Register(reg, jobs.Deps{Repo: h.repo, Objects: h.objects, CorrectClient: true}, nil))
	h.driver = reconcile.NewDriver(reg, reconcile.NewApplier(h.repo, h.objects),
		reconcile.WithRecorder(h.repo),
		reconcile.WithReporter(nil),
	)
	return h
}

func (h *harness) run(t *testing.T, job string, params map[string]string) *reconcile.RunReport {
	t.Helper()
	report, err := h.driver.Run(t.Context(), reconcile.RunRequest{Job: job, Params: params})
	require.NoError(t, err)
	require.NotNil(t, report)
	return report
}

func (h *harness) client(t *testing.T, id string, storages ...string) {
	t.Helper()
	require.NoError(t, h.repo.Clients.Create(t.Context(), models.Client{ID: id, Name: id, Storages: storages}))
}

func (h *harness) folder(t *testing.T, id, clientID, parentID string) {
	t.Helper()
	require.NoError(t, h.repo.Folders.Create(t.Context(), &models.Folder{ID: id, ClientID: clientID, ParentID: parentID, Dirty: true}))
}

func (h *harness) item(t *testing.T, it models.Item) {
	t.Helper()
	require.NoError(t, h.repo.Items.Create(t.Context(), &it))
}

func (h *harness) payload(t *testing.T, storage, key, body string) {
	t.Helper()
	require.NoError(t, h.stores[storage].Put(t.Context(), key, strings.NewReader(body), int64(len(body))))
}

func (h *harness) contentSize(t *testing.T, id string) uint64 {
	t.Helper()
	f, err := h.repo.Folders.Get(t.Context(), id)
	require.NoError(t, err)
	require.NotNil(t, f.ContentSize, "folder %s has no content size", id)
	assert.False(t, f.Dirty, "folder %s still dirty", id)
	return *f.ContentSize
}

func TestFolderSizeAggregatesThreeLevels(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client(t, "acme")
	h.folder(t, "A", "acme", "")
	h.folder(t, "B", "acme", "A")
	h.folder(t, "C", "acme", "B")
	h.item(t, models.Item{ID: "ia", ClientID: "acme", FolderID: "A", Size: ptr(uint64(10))})
	h.item(t, models.Item{ID: "ib", ClientID: "acme", FolderID: "B", Size: ptr(uint64(20))})
	h.item(t, models.Item{ID: "ic", ClientID: "acme", FolderID: "C", Size: ptr(uint64(30))})

	report := h.run(t, jobs.FolderSizeName, nil)
	assert.Equal(t, reconcile.RunStatusCompleted, report.Status)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 3, report.Fixed)
	assert.Zero(t, report.Failed)

	assert.Equal(t, uint64(30), h.contentSize(t, "C"))
	assert.Equal(t, uint64(50), h.contentSize(t, "B"))
	assert.Equal(t, uint64(80), h.contentSize(t, "A"))

	again := h.run(t, jobs.FolderSizeName, nil)
	assert.Zero(t, again.Scanned)
	assert.Zero(t, again.Fixed)
}

func TestFolderSizeChildIDsSortBeforeParents(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client(t, "acme")
	h.folder(t, "z", "acme", "")
	h.folder(t, "m", "acme", "z")
	h.folder(t, "a", "acme", "m")
	h.item(t, models.Item{ID: "iz", ClientID: "acme", FolderID: "z", Size: ptr(uint64(10))})
	h.item(t, models.Item{ID: "im", ClientID: "acme", FolderID: "m", Size: ptr(uint64(20))})
	h.item(t, models.Item{ID: "ia", ClientID: "acme", FolderID: "a", Size: ptr(uint64(30))})

	report := h.run(t, jobs.FolderSizeName, nil)
	require.Equal(t, reconcile.RunStatusCompleted, report.Status)
	assert.Zero(t, report.Failed)

	assert.Equal(t, uint64(30), h.contentSize(t, "a"))
	assert.Equal(t, uint64(50), h.contentSize(t, "m"))
	assert.Equal(t, uint64(60), h.contentSize(t, "z"))
}

func TestFolderSizeRewritesAncestors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client(t, "acme")
	h.folder(t, "A", "acme", "")
	h.folder(t, "B", "acme", "A")
	h.item(t, models.Item{ID: "ib", ClientID: "acme", FolderID: "B", Size: ptr(uint64(20))})
	h.run(t, jobs.FolderSizeName, nil)
	require.Equal(t, uint64(20), h.contentSize(t, "A"))

	require.NoError(t, h.repo.WriteValue(t.Context(), reconcile.Ref{Kind: reconcile.EntityItem, ID: "ib"}, reconcile.FieldItemSize, 25))

	report := h.run(t, jobs.FolderSizeName, nil)
	assert.Equal(t, 2, report.Scanned, "the dirty folder and its parent")
	assert.Equal(t, uint64(25), h.contentSize(t, "B"))
	assert.Equal(t, uint64(25), h.contentSize(t, "A"))
}

func TestFolderSizeCycleFailsOnlyItsMembers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := t.Context()
	h.client(t, "acme")
	h.folder(t, "X", "acme", "")
	h.folder(t, "Y", "acme", "X")
	_, err := h.repo.Folders.SetParent(ctx, "X", "Y", time.Now())
	require.NoError(t, err)
	h.folder(t, "Z", "acme", "")
	h.item(t, models.Item{ID: "iz", ClientID: "acme", FolderID: "Z", Size: ptr(uint64(5))})

	report := h.run(t, jobs.FolderSizeName, nil)
	assert.Equal(t, reconcile.RunStatusCompleted, report.Status)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Fixed)
	for _, f := range report.Failures {
		assert.Equal(t, reconcile.PhaseDiff, f.Phase)
		assert.Contains(t, f.Error, reconcile.ErrCycle.Error())
	}
	assert.Equal(t, uint64(5), h.contentSize(t, "Z"))

	x, err := h.repo.Folders.Get(ctx, "X")
	require.NoError(t, err)
	assert.Nil(t, x.ContentSize)
}

func TestStorageSyncAddsBeforeRemoving(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := t.Context()
	require.NoError(t, h.repo.Clients.UpsertPlan(ctx, models.Plan{ID: "basic", Name: "Basic", Storages: []string{"s2"}}))
	require.NoError(t, h.repo.Clients.Create(ctx, models.Client{ID: "acme", PlanID: "basic", Storages: []string{"s3"}}))
	h.item(t, models.Item{ID: "i1", ClientID: "acme", Size: ptr(uint64(7)), Storages: []string{"s1", "s2"}})
	h.payload(t, "s1", "i1", "payload")
	h.payload(t, "s2", "i1", "payload")

	report := h.run(t, jobs.StorageSyncName, nil)
	require.Equal(t, 1, report.Fixed)
	require.Len(t, report.Actions, 2)
	assert.Equal(t, reconcile.KindAddToStorage, report.Actions[0].Kind)
	assert.Equal(t, "s3", report.Actions[0].Storage)
	assert.Equal(t, reconcile.KindRemoveFromStorage, report.Actions[1].Kind)
	assert.Equal(t, "s1", report.Actions[1].Storage)

	got, err := h.repo.ItemStorages(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s3"}, got)
	assert.Equal(t, []string{"i1"}, h.stores["s3"].Keys())
	assert.Empty(t, h.stores["s1"].Keys())

	job := jobs.NewStorageSync(h.repo)
	assert.Contains(t, job.Summarize(report), "s3 (1)")

	again := h.run(t, jobs.StorageSyncName, nil)
	assert.Zero(t, again.Scanned)
}

func TestStorageSyncWithoutDesiredStorageFailsTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client(t, "bare")
	h.item(t, models.Item{ID: "i1", ClientID: "bare", Storages: []string{"s1"}})
	h.payload(t, "s1", "i1", "x")

	report := h.run(t, jobs.StorageSyncName, nil)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"i1"}, h.stores["s1"].Keys(), "a missing desired set never removes copies")
}

func TestConsistencyRepairsOrphansAndClients(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := t.Context()
	h.client(t, "acme")
	h.client(t, "other")
	h.folder(t, "lost-child", "acme", "gone")
	h.folder(t, "shared", "other", "")
	h.item(t, models.Item{ID: "stray", ClientID: "acme", FolderID: "vanished"})
	h.item(t, models.Item{ID: "misfiled", ClientID: "acme", FolderID: "shared"})

	report := h.run(t, jobs.ConsistencyName, nil)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Orphans)
	assert.Equal(t, 3, report.Fixed)

	acme, err := h.repo.Clients.Get(ctx, "acme")
	require.NoError(t, err)
	require.NotEmpty(t, acme.LostFoundFolderID)

	folder, err := h.repo.Folders.Get(ctx, "lost-child")
	require.NoError(t, err)
	assert.Equal(t, acme.LostFoundFolderID, folder.ParentID)

	stray, err := h.repo.Items.Get(ctx, "stray")
	require.NoError(t, err)
	assert.Equal(t, acme.LostFoundFolderID, stray.FolderID)

	other, err := h.repo.Clients.Get(ctx, "other")
	require.NoError(t, err)
	misfiled, err := h.repo.Items.Get(ctx, "misfiled")
	require.NoError(t, err)
	assert.Equal(t, "other", misfiled.ClientID)
	assert.Equal(t, other.LostFoundFolderID, misfiled.FolderID)

	var moved, reassigned int
	for _, f := range report.Findings {
		switch {
		case strings.HasPrefix(f.Message, "moved to"):
			moved++
		case strings.HasPrefix(f.Message, "reassigned"):
			reassigned++
			assert.Equal(t, "acme", f.Before)
			assert.Equal(t, "other", f.After)
		}
	}
	assert.Equal(t, 2, moved)
	assert.Equal(t, 1, reassigned)

	summary := jobs.NewConsistency(h.repo, true).Summarize(report)
	assert.Contains(t, summary, "3 folder/client inconsistencies repaired")

	again := h.run(t, jobs.ConsistencyName, nil)
	assert.Zero(t, again.Scanned)
}

func TestConsistencyReportsMismatchWhenCorrectionDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := t.Context()
	h.client(t, "acme")
	h.client(t, "other")
	h.folder(t, "shared", "other", "")
	h.item(t, models.Item{ID: "misfiled", ClientID: "acme", FolderID: "shared"})

	report := h.run(t, jobs.ConsistencyName, map[string]string{"correct_client": "false"})
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Fixed)
	assert.Contains(t, report.Failures[0].Error, reconcile.ErrClientMismatch.Error())

	it, err := h.repo.Items.Get(ctx, "misfiled")
	require.NoError(t, err)
	assert.Equal(t, "acme", it.ClientID)
	assert.Equal(t, "shared", it.FolderID)
}

func TestItemSizeFromPayload(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := t.Context()
	h.client(t, "acme")
	h.folder(t, "F", "acme", "")
	require.NoError(t, h.repo.WriteValue(ctx, reconcile.Ref{Kind: reconcile.EntityFolder, ID: "F"}, reconcile.FieldContentSize, 0))
	h.item(t, models.Item{ID: "sized", ClientID: "acme", FolderID: "F", Storages: []string{"s2"}})
	h.item(t, models.Item{ID: "lost", ClientID: "acme", FolderID: "F", Storages: []string{"s1"}})
	h.item(t, models.Item{ID: "pending", ClientID: "acme", FolderID: "F", UploadState: models.UploadInProgress})
	h.payload(t, "s2", "sized", "hello")

	report := h.run(t, jobs.ItemSizeName, nil)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Fixed)
	assert.Equal(t, 1, report.Failed)

	it, err := h.repo.Items.Get(ctx, "sized")
	require.NoError(t, err)
	require.NotNil(t, it.Size)
	assert.Equal(t, uint64(5), *it.Size)

	folder, err := h.repo.Folders.Get(ctx, "F")
	require.NoError(t, err)
	assert.True(t, folder.Dirty)
}

func TestUploadCleanupMarksStalledUploads(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := t.Context()
	h.client(t, "acme")
	h.item(t, models.Item{ID: "stalled", ClientID: "acme", UploadState: models.UploadInProgress, UploadHeartbeatAt: ptr(time.Now().Add(-time.Hour))})
	h.item(t, models.Item{ID: "active", ClientID: "acme", UploadState: models.UploadInProgress, UploadHeartbeatAt: ptr(time.Now().Add(time.Minute))})
	h.item(t, models.Item{ID: "done", ClientID: "acme"})

	report := h.run(t, jobs.UploadCleanupName, nil)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Fixed)

	stalled, err := h.repo.Items.Get(ctx, "stalled")
	require.NoError(t, err)
	assert.NotNil(t, stalled.DeletedAt)
	for _, id := range []string{"active", "done"} {
		it, err := h.repo.Items.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, it.DeletedAt, id)
	}
}

func TestPurgeDeletedRemovesPayloadsThenRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := t.Context()
	h.client(t, "acme")
	h.item(t, models.Item{ID: "old", ClientID: "acme", DeletedAt: ptr(time.Now().Add(-48 * time.Hour)), Storages: []string{"s1", "s2"}})
	h.item(t, models.Item{ID: "recent", ClientID: "acme", DeletedAt: ptr(time.Now().Add(-time.Hour)), Storages: []string{"s1"}})
	h.payload(t, "s1", "old", "x")
	h.payload(t, "s2", "old", "x")
	h.payload(t, "s1", "recent", "y")

	report := h.run(t, jobs.PurgeDeletedName, nil)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Fixed)
	assert.Equal(t, reconcile.KindPurge, report.Actions[len(report.Actions)-1].Kind)

	_, err := h.repo.Items.Get(ctx, "old")
	require.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, []string{"recent"}, h.stores["s1"].Keys())
	assert.Empty(t, h.stores["s2"].Keys())

	_, err = h.repo.Items.Get(ctx, "recent")
	require.NoError(t, err)
}

func TestClientUsageWritesBinaryGiB(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := t.Context()
	const gib = uint64(1 << 30)
	h.client(t, "acme")
	h.client(t, "idle")
	h.item(t, models.Item{ID: "a", ClientID: "acme", Size: ptr(2 * gib)})
	h.item(t, models.Item{ID: "b", ClientID: "acme", Size: ptr(gib)})
	h.item(t, models.Item{ID: "gone", ClientID: "acme", Size: ptr(gib), DeletedAt: ptr(time.Now())})

	report := h.run(t, jobs.ClientUsageName, nil)
	assert.Equal(t, 1, report.Scanned, "only clients whose usage drifted")
	assert.Equal(t, 1, report.Fixed)

	c, err := h.repo.Clients.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 3*gib, c.StorageUsedBytes)
	assert.InDelta(t, 3.0, c.StorageUsedGiB, 1e-9)

	again := h.run(t, jobs.ClientUsageName, nil)
	assert.Zero(t, again.Scanned)
}

func TestStorageVerify(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := t.Context()
	h.client(t, "acme")
	h.item(t, models.Item{ID: "partial", ClientID: "acme", Storages: []string{"s1", "s2"}})
	h.item(t, models.Item{ID: "last", ClientID: "acme", Storages: []string{"s1"}})
	h.item(t, models.Item{ID: "trashed", ClientID: "acme", DeletedAt: ptr(time.Now())})
	h.payload(t, "s2", "partial", "p")
	h.payload(t, "s3", "stray", "s")
	h.payload(t, "s3", "trashed", "t")

	report := h.run(t, jobs.StorageVerifyName, nil)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Orphans)
	assert.Equal(t, 1, report.Fixed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "last", report.Failures[0].Target.ID)
	assert.Contains(t, report.Failures[0].Error, reconcile.ErrLastCopy.Error())

	got, err := h.repo.ItemStorages(ctx, "partial")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, got)
	assert.Equal(t, []string{"stray", "trashed"}, h.stores["s3"].Keys())

	summary := jobs.NewStorageVerify(h.repo, h.objects).Summarize(report)
	assert.Contains(t, summary, "1 items missing from storage s1 (1)")
	assert.Contains(t, summary, "1 unreferenced objects")

	cleanup := h.run(t, jobs.StorageVerifyName, map[string]string{"storage": "s3", "delete_unreferenced": "true"})
	assert.Equal(t, 1, cleanup.Fixed)
	assert.Equal(t, []string{"trashed"}, h.stores["s3"].Keys())

	_, err = h.driver.Run(ctx, reconcile.RunRequest{Job: jobs.StorageVerifyName, Params: map[string]string{"storage": "nope"}})
	var scanErr *reconcile.ScanError
	require.ErrorAs(t, err, &scanErr)
}

func TestClientRootsCreatesPlaceholders(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := t.Context()
	h.client(t, "newco")

	report := h.run(t, jobs.ClientRootsName, nil)
	assert.Equal(t, 1, report.Fixed)
	require.Len(t, report.Actions, 2)

	c, err := h.repo.Clients.Get(ctx, "newco")
	require.NoError(t, err)
	require.NotEmpty(t, c.RootFolderID)
	require.NotEmpty(t, c.LostFoundFolderID)

	lf, err := h.repo.Folders.Get(ctx, c.LostFoundFolderID)
	require.NoError(t, err)
	assert.Equal(t, c.RootFolderID, lf.ParentID)

	again := h.run(t, jobs.ClientRootsName, nil)
	assert.Zero(t, again.Scanned)
}

func TestRegisterAppliesOverrides(t *testing.T) {
	t.Parallel()

	repo := models.NewRepository(testdb.Open(t, "jobs"))
	reg := reconcile.NewRegistry()
	err := jobs.Register(reg, jobs.Deps{Repo: repo}, map[string]domain.JobConfig{
		jobs.PurgeDeletedName:  {Params: map[string]string{"purge_after": "72h"}},
		jobs.StorageVerifyName: {Disabled: true},
		jobs.ClientUsageName:   {Schedule: "0 * * * *"},
		jobs.FolderSizeName:    {Interval: "30s"},
	})
	require.NoError(t, err)

	_, err = reg.Get(jobs.StorageVerifyName)
	require.ErrorIs(t, err, reconcile.ErrUnknownJob)

	purge, err := reg.Get(jobs.PurgeDeletedName)
	require.NoError(t, err)
	params, err := reconcile.ResolveParams(purge.Descriptor().Params, nil)
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, params.Duration("purge_after"))

	usage, err := reg.Get(jobs.ClientUsageName)
	require.NoError(t, err)
	assert.Equal(t, reconcile.TriggerCron, usage.Descriptor().Trigger)
	assert.Equal(t, "0 * * * *", usage.Descriptor().Schedule)

	folders, err := reg.Get(jobs.FolderSizeName)
	require.NoError(t, err)
	assert.Equal(t, reconcile.TriggerInterval, folders.Descriptor().Trigger)
	assert.Equal(t, 30*time.Second, folders.Descriptor().Interval)

	assert.Equal(t, []string{jobs.ItemSizeName}, reg.Watching(models.CollectionItems))
}

func TestRegisterRejectsBadOverrides(t *testing.T) {
	t.Parallel()

	repo := models.NewRepository(testdb.Open(t, "jobs"))
	for name, cfg := range map[string]map[string]domain.JobConfig{
		"unknown job":   {"nope": {}},
		"unknown param": {jobs.PurgeDeletedName: {Params: map[string]string{"bogus": "1"}}},
		"bad value":     {jobs.PurgeDeletedName: {Params: map[string]string{"purge_after": "soon"}}},
		"both triggers": {jobs.ClientUsageName: {Schedule: "@hourly", Interval: "1h"}},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := jobs.Register(reconcile.NewRegistry(), jobs.Deps{Repo: repo}, cfg)
			require.Error(t, err)
		})
	}
}
