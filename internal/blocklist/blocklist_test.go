package blocklist

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/geofence/internal/clock"
	"grimm.is/geofence/internal/logging"
	"grimm.is/geofence/internal/provider"
)

func testFetcher() *provider.Fetcher {
	return provider.NewFetcher(provider.RetryConfig{
		MaxAttempts:  1,
		InitialDelay: time.Millisecond,
		Timeout:      2 * time.Second,
	}, logging.Discard())
}

func TestListURL(t *testing.T) {
	assert.Equal(t, "https://iplists.firehol.org/files/firehol_level1.netset", ListURL("firehol_level1"))
	assert.Equal(t, "https://iplists.firehol.org/files/custom.netset", ListURL("custom"))
}

func TestSources(t *testing.T) {
	srcs := Sources([]string{"firehol_level1", "feodo"}, []string{"https://example.com/bad.txt"})
	require.Len(t, srcs, 3)
	assert.Equal(t, "firehol_level1.netset", srcs[0].File)
	assert.Equal(t, "feodo.ipset", srcs[1].File)
	assert.Regexp(t, `^url-[0-9a-f]{16}\.list$`, srcs[2].File)
}

func TestManager_RefreshCachesAndReuses(t *testing.T) {
	mc := clock.NewMockClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	defer clock.Use(mc)()

	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprintln(w, "# FireHOL")
		fmt.Fprintln(w, "1.2.3.4")
		fmt.Fprintln(w, "5.6.7.0/24")
	}))
	defer ts.Close()

	dir := t.TempDir()
	m := NewManager(dir, time.Hour, testFetcher(), logging.Discard())
	srcs := []Source{{File: "test.netset", URL: ts.URL + "/test.netset"}}

	require.NoError(t, m.Refresh(context.Background(), srcs))
	require.NoError(t, m.Refresh(context.Background(), srcs))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "second refresh served from cache")

	_, err := os.Stat(filepath.Join(dir, "test.netset.meta"))
	require.NoError(t, err)

	// Expire the cache.
	mc.Advance(2 * time.Hour)
	require.NoError(t, m.Refresh(context.Background(), srcs))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	// Corrupt the data file: the checksum no longer matches.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.netset"), []byte("9.9.9.9\n"), 0o644))
	require.NoError(t, m.Refresh(context.Background(), srcs))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestManager_RefreshFailureKeepsPreviousCopy(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.netset"), []byte("8.8.8.0/24\n"), 0o644))

	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	m := NewManager(dir, time.Hour, testFetcher(), logging.Discard())
	err := m.Refresh(context.Background(), []Source{{File: "old.netset", URL: ts.URL + "/old.netset"}})
	require.Error(t, err)

	got, _, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("8.8.8.0/24")}, got)
}

func TestManager_RefreshGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	fmt.Fprintln(zw, "10.1.0.0/16")
	require.NoError(t, zw.Close())

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer ts.Close()

	dir := t.TempDir()
	m := NewManager(dir, time.Hour, testFetcher(), logging.Discard())
	require.NoError(t, m.Refresh(context.Background(), []Source{{File: "z.list", URL: ts.URL + "/z.txt.gz"}}))

	got, _, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")}, got)
}

func TestManager_LoadIPv4Only(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.netset"), []byte("1.2.3.4\n2001:db8::/32\nbogus\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("; comment\n10.0.0.0/8\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt.meta"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("1.1.1.1"), 0o644))

	m := NewManager(dir, time.Hour, nil, nil)
	got, stats, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("1.2.3.4/32"),
		netip.MustParsePrefix("10.0.0.0/8"),
	}, got)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 1, stats.IgnoredV6)
	assert.Equal(t, 1, stats.Skipped)
}

func TestManager_LoadMissingDir(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope"), time.Hour, nil, nil)
	got, _, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestManager_RefreshWithoutFetcher(t *testing.T) {
	m := NewManager(t.TempDir(), time.Hour, nil, nil)
	assert.NoError(t, m.Refresh(context.Background(), nil))
	assert.Error(t, m.Refresh(context.Background(), []Source{{File: "x.list", URL: "http://x"}}))
}
