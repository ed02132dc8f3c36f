package files

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListDirFullListingCachesResult(t *testing.T) {
	client := newFakeClient()
	client.pages["/data"] = pagesOf(genInfos(250), 100)
	m, _ := managerFor(t, client)

	res, err := m.ListDir(context.Background(), "c1", "/data", ListOptions{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 250)
	require.False(t, res.HasMore)
	require.Empty(t, res.NextCursor)
	require.Equal(t, 1, client.lastHandle().closeCount())

	// Second unlimited listing is served from the cache.
	res2, err := m.ListDir(context.Background(), "c1", "/data", ListOptions{})
	require.NoError(t, err)
	require.Equal(t, entryNames(res.Entries), entryNames(res2.Entries))
	require.Equal(t, 1, client.openDirCount())
}

func TestListDirEntryFields(t *testing.T) {
	client := newFakeClient()
	client.pages["/data"] = pagesOf([]fs.FileInfo{
		fakeInfo{name: "app.log", size: 2048},
		fakeInfo{name: "sub", dir: true},
	}, 10)
	m, _ := managerFor(t, client)

	res, err := m.ListDir(context.Background(), "c1", "/data", ListOptions{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)

	require.Equal(t, "app.log", res.Entries[0].Name)
	require.Equal(t, "/data/app.log", res.Entries[0].Path)
	require.Equal(t, "file", res.Entries[0].Type)
	require.Equal(t, int64(2048), res.Entries[0].Size)

	require.Equal(t, "directory", res.Entries[1].Type)
}

func TestListDirPaginationMatchesFullListing(t *testing.T) {
	infos := genInfos(1200)

	full := newFakeClient()
	full.pages["/big"] = pagesOf(infos, 300)
	mFull, _ := managerFor(t, full)
	want, err := mFull.ListDir(context.Background(), "c1", "/big", ListOptions{})
	require.NoError(t, err)

	client := newFakeClient()
	client.pages["/big"] = pagesOf(infos, 300)
	m, _ := managerFor(t, client)

	var got []ListEntry
	res, err := m.ListDir(context.Background(), "c1", "/big", ListOptions{Limit: 500})
	require.NoError(t, err)
	require.Len(t, res.Entries, 500)
	require.True(t, res.HasMore)
	require.NotEmpty(t, res.NextCursor)
	got = append(got, res.Entries...)

	res, err = m.ListDir(context.Background(), "c1", "/big", ListOptions{Cursor: res.NextCursor})
	require.NoError(t, err)
	require.Len(t, res.Entries, 500)
	require.True(t, res.HasMore)
	got = append(got, res.Entries...)

	res, err = m.ListDir(context.Background(), "c1", "/big", ListOptions{Cursor: res.NextCursor})
	require.NoError(t, err)
	require.Len(t, res.Entries, 200)
	require.False(t, res.HasMore)
	require.Empty(t, res.NextCursor)
	got = append(got, res.Entries...)

	require.Equal(t, entryNames(want.Entries), entryNames(got))
	require.Equal(t, 1, client.openDirCount())
	require.Equal(t, 1, client.lastHandle().closeCount())

	// The finished stream left a complete cache entry behind; an unlimited
	// listing now needs no remote pass.
	res, err = m.ListDir(context.Background(), "c1", "/big", ListOptions{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1200)
	require.Equal(t, 1, client.openDirCount())
}

func TestListDirPaginatesCompleteCacheWithoutRemote(t *testing.T) {
	client := newFakeClient()
	client.pages["/data"] = pagesOf(genInfos(30), 100)
	m, _ := managerFor(t, client)

	_, err := m.ListDir(context.Background(), "c1", "/data", ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, client.openDirCount())

	res, err := m.ListDir(context.Background(), "c1", "/data", ListOptions{Limit: 20})
	require.NoError(t, err)
	require.Len(t, res.Entries, 20)
	require.True(t, res.HasMore)
	require.Equal(t, 1, client.openDirCount())

	res, err = m.ListDir(context.Background(), "c1", "/data", ListOptions{Cursor: res.NextCursor})
	require.NoError(t, err)
	require.Len(t, res.Entries, 10)
	require.False(t, res.HasMore)
	require.Equal(t, 1, client.openDirCount())
}

func TestListDirEmptyRoundsTerminate(t *testing.T) {
	client := newFakeClient()
	client.pages["/flaky"] = pagesOf(genInfos(40), 40)
	client.noEOF["/flaky"] = true
	m, _ := managerFor(t, client)

	res, err := m.ListDir(context.Background(), "c1", "/flaky", ListOptions{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 40)
	require.Equal(t, 1, client.lastHandle().closeCount())
}

func TestListDirCursorEmptyRoundsTerminate(t *testing.T) {
	client := newFakeClient()
	client.pages["/flaky"] = pagesOf(genInfos(10), 10)
	client.noEOF["/flaky"] = true
	m, _ := managerFor(t, client)

	res, err := m.ListDir(context.Background(), "c1", "/flaky", ListOptions{Limit: 50})
	require.NoError(t, err)
	require.Len(t, res.Entries, 10)
	require.False(t, res.HasMore)
	require.Equal(t, 1, client.lastHandle().closeCount())
}

func TestListDirReadErrorDropsCursor(t *testing.T) {
	client := newFakeClient()
	client.pages["/bad"] = pagesOf(genInfos(10), 10)
	client.readErr["/bad"] = errors.New("permission denied mid-read")
	m, _ := managerFor(t, client)

	_, err := m.ListDir(context.Background(), "c1", "/bad", ListOptions{Limit: 50})
	require.Error(t, err)
	require.Equal(t, 1, client.lastHandle().closeCount())

	// A retry opens a fresh handle instead of reusing broken cursor state.
	client.readErr["/bad"] = nil
	res, err := m.ListDir(context.Background(), "c1", "/bad", ListOptions{Limit: 50})
	require.NoError(t, err)
	require.Len(t, res.Entries, 10)
	require.Equal(t, 2, client.openDirCount())
}

func TestListDirRefreshBypassesCache(t *testing.T) {
	client := newFakeClient()
	client.pages["/data"] = pagesOf(genInfos(5), 100)
	m, _ := managerFor(t, client)

	_, err := m.ListDir(context.Background(), "c1", "/data", ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, client.openDirCount())

	_, err = m.ListDir(context.Background(), "c1", "/data", ListOptions{Refresh: true})
	require.NoError(t, err)
	require.Equal(t, 2, client.openDirCount())
}

func TestListDirCacheExpires(t *testing.T) {
	client := newFakeClient()
	client.pages["/data"] = pagesOf(genInfos(5), 100)
	m, _ := managerFor(t, client)

	now := time.Now()
	m.cache.now = func() time.Time { return now }

	_, err := m.ListDir(context.Background(), "c1", "/data", ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, client.openDirCount())

	// Still fresh just under the TTL.
	now = now.Add(cacheTTL - time.Second)
	_, err = m.ListDir(context.Background(), "c1", "/data", ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, client.openDirCount())

	// Stale past the TTL.
	now = now.Add(2 * time.Second)
	_, err = m.ListDir(context.Background(), "c1", "/data", ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, client.openDirCount())
}

func TestListDirCursorExpiresAndReleasesHandle(t *testing.T) {
	client := newFakeClient()
	client.pages["/big"] = pagesOf(genInfos(100), 10)
	m, _ := managerFor(t, client)

	now := time.Now()
	m.cursors.now = func() time.Time { return now }

	res, err := m.ListDir(context.Background(), "c1", "/big", ListOptions{Limit: 10})
	require.NoError(t, err)
	require.True(t, res.HasMore)
	handle := client.lastHandle()
	require.Equal(t, 0, handle.closeCount())

	now = now.Add(cursorTTL + time.Second)
	_, err = m.ListDir(context.Background(), "c1", "/big", ListOptions{Cursor: res.NextCursor})
	require.Error(t, err)
	require.Contains(t, err.Error(), "expired")
	require.Equal(t, 1, handle.closeCount())
}

func TestListDirStreamSurvivesCacheExpiryMidStream(t *testing.T) {
	client := newFakeClient()
	client.pages["/slow"] = pagesOf(genInfos(30), 10)
	m, _ := managerFor(t, client)

	now := time.Now()
	m.cache.now = func() time.Time { return now }

	res, err := m.ListDir(context.Background(), "c1", "/slow", ListOptions{Limit: 10})
	require.NoError(t, err)
	got := append([]ListEntry(nil), res.Entries...)

	// The cache TTL elapses while the stream is still in flight.
	now = now.Add(cacheTTL + time.Second)

	for res.HasMore {
		res, err = m.ListDir(context.Background(), "c1", "/slow", ListOptions{Cursor: res.NextCursor})
		require.NoError(t, err)
		got = append(got, res.Entries...)
	}
	require.Len(t, got, 30)

	// The finished stream left the full listing behind; a follow-up
	// unlimited listing must serve every entry without truncation and
	// without another remote pass.
	full, err := m.ListDir(context.Background(), "c1", "/slow", ListOptions{})
	require.NoError(t, err)
	require.Equal(t, entryNames(got), entryNames(full.Entries))
	require.Equal(t, 1, client.openDirCount())
}

func TestListDirFailedStreamLeavesNoServableEntry(t *testing.T) {
	client := newFakeClient()
	client.pages["/part"] = pagesOf(genInfos(10), 10)
	client.readErr["/part"] = errors.New("failure mid-stream")
	m, _ := managerFor(t, client)

	res, err := m.ListDir(context.Background(), "c1", "/part", ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Entries, 10)
	require.True(t, res.HasMore)

	_, err = m.ListDir(context.Background(), "c1", "/part", ListOptions{Cursor: res.NextCursor})
	require.Error(t, err)

	// Whatever the broken stream served must not satisfy a full listing;
	// that takes a fresh remote pass.
	client.readErr["/part"] = nil
	full, err := m.ListDir(context.Background(), "c1", "/part", ListOptions{})
	require.NoError(t, err)
	require.Len(t, full.Entries, 10)
	require.Equal(t, 2, client.openDirCount())
}

func TestListDirCursorRejectsOtherPath(t *testing.T) {
	client := newFakeClient()
	client.pages["/a"] = pagesOf(genInfos(100), 10)
	client.pages["/b"] = pagesOf(genInfos(100), 10)
	m, _ := managerFor(t, client)

	res, err := m.ListDir(context.Background(), "c1", "/a", ListOptions{Limit: 10})
	require.NoError(t, err)
	require.True(t, res.HasMore)

	_, err = m.ListDir(context.Background(), "c1", "/b", ListOptions{Cursor: res.NextCursor})
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not match")
}

func TestListDirUnknownCursor(t *testing.T) {
	client := newFakeClient()
	client.pages["/data"] = pagesOf(genInfos(5), 100)
	m, _ := managerFor(t, client)

	_, err := m.ListDir(context.Background(), "c1", "/data", ListOptions{Cursor: "no-such-cursor"})
	require.Error(t, err)
}

func TestListDirLimitCapped(t *testing.T) {
	client := newFakeClient()
	client.pages["/big"] = pagesOf(genInfos(1500), 300)
	m, _ := managerFor(t, client)

	res, err := m.ListDir(context.Background(), "c1", "/big", ListOptions{Limit: 5000})
	require.NoError(t, err)
	require.Len(t, res.Entries, maxListLimit)
	require.True(t, res.HasMore)
}

func TestListDirTildeResolvesAgainstHome(t *testing.T) {
	client := newFakeClient()
	client.pages["/home/amy/project"] = pagesOf(genInfos(3), 100)
	m, _ := managerFor(t, client)

	res, err := m.ListDir(context.Background(), "c1", "~/project", ListOptions{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	require.Equal(t, "/home/amy/project/entry-0000", res.Entries[0].Path)
}
