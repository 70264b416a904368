package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/geofence/internal/config"
	"grimm.is/geofence/internal/logging"
	"grimm.is/geofence/internal/netset"
	"grimm.is/geofence/internal/provider"
)

type fakeClient struct {
	name    config.Provider
	results map[config.CountryCode]provider.Result
	errs    map[config.CountryCode]error

	mu       sync.Mutex
	calls    []config.CountryCode
	inflight int32
	peak     int32
	delay    time.Duration
}

func (f *fakeClient) Name() config.Provider { return f.name }

func (f *fakeClient) Fetch(ctx context.Context, cc config.CountryCode) (provider.Result, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, cc)
	f.mu.Unlock()

	if err, ok := f.errs[cc]; ok {
		return f.results[cc], err
	}
	if res, ok := f.results[cc]; ok {
		return res, nil
	}
	return provider.Result{}, provider.ErrNoData
}

func prefixes(ss ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParsePrefix(s)
	}
	return out
}

func selection(t *testing.T, spec string) config.Selection {
	t.Helper()
	sel, err := config.ParseSelection(spec, config.ProviderIPDeny)
	require.NoError(t, err)
	return sel
}

func TestRun_CollectsAndWritesFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "de.v4"), []byte("3.0.0.0/24\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0o644))

	client := &fakeClient{
		name: config.ProviderIPDeny,
		results: map[config.CountryCode]provider.Result{
			"IT": {V4: prefixes("2.32.0.0/12", "5.8.0.0/19")},
			"FR": {V4: prefixes("2.0.0.0/12")},
		},
	}
	o := New(map[config.Provider]provider.Client{config.ProviderIPDeny: client},
		Options{WorkDir: dir, Logger: logging.Discard()})

	report, err := o.Run(context.Background(), selection(t, "IT,FR"))
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Count("ok"))
	assert.Equal(t, 3, report.V4)
	assert.Zero(t, report.V6)

	in := report.Input()
	assert.Len(t, in.V4, 3)
	assert.Empty(t, in.V6)

	_, err = os.Stat(filepath.Join(dir, "de.v4"))
	assert.True(t, os.IsNotExist(err), "stale zone file removed")
	_, err = os.Stat(filepath.Join(dir, "keep.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "it.v6"))
	assert.True(t, os.IsNotExist(err), "no IPv6 file without IPv6 data")

	data, err := os.ReadFile(filepath.Join(dir, "it.v4"))
	require.NoError(t, err)
	assert.Equal(t, "2.32.0.0/12\n5.8.0.0/19\n", string(data))

	back, err := ReadZoneFiles(dir)
	require.NoError(t, err)
	assert.Len(t, back.V4, 3)
}

func TestRun_PartialFailuresDoNotAbort(t *testing.T) {
	client := &fakeClient{
		name: config.ProviderIPDeny,
		results: map[config.CountryCode]provider.Result{
			"IT": {V4: prefixes("2.32.0.0/12")},
			"FR": {V4: prefixes("2.0.0.0/12")},
		},
		errs: map[config.CountryCode]error{
			"FR": errors.New("FR ipv6: HTTP 404"),
			"DE": errors.New("DE ipv4: timeout"),
		},
	}
	o := New(map[config.Provider]provider.Client{config.ProviderIPDeny: client}, Options{})

	report, err := o.Run(context.Background(), selection(t, "IT,FR,DE"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count("ok"))
	assert.Equal(t, 1, report.Count("partial"))
	assert.Equal(t, 1, report.Count("failed"))
	assert.Len(t, client.calls, 3)
	assert.Error(t, report.Errors())
}

func TestRun_AllFailAborts(t *testing.T) {
	// Every request returns HTTP 500: the run must fail before any firewall
	// work could start.
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	sel := selection(t, "IT,FR")
	clients, err := ClientsFor(sel, provider.Options{
		Sources: config.SourcesConfig{IPDenyURL: ts.URL},
		Retry:   provider.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	o := New(clients, Options{WorkDir: dir})
	report, err := o.Run(context.Background(), sel)
	require.ErrorIs(t, err, ErrEmptyAllowSet)
	assert.Equal(t, 2, report.Count("failed"))
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "work dir untouched")
}

func TestRun_FatalErrorCancels(t *testing.T) {
	client := &fakeClient{
		name: config.ProviderRIPE,
		errs: map[config.CountryCode]error{
			"DE": fmt.Errorf("%w: got x", provider.ErrIntegrity),
		},
		results: map[config.CountryCode]provider.Result{
			"IT": {V4: prefixes("2.32.0.0/12")},
		},
	}
	o := New(map[config.Provider]provider.Client{config.ProviderRIPE: client}, Options{Workers: 1})

	_, err := o.Run(context.Background(), selection(t, "ripe:DE,IT"))
	require.ErrorIs(t, err, provider.ErrIntegrity)
}

func TestRun_BoundedWorkers(t *testing.T) {
	results := map[config.CountryCode]provider.Result{}
	spec := ""
	for _, cc := range []string{"AT", "BE", "CH", "DE", "ES", "FR", "GB", "IT", "NL", "PT"} {
		results[config.CountryCode(cc)] = provider.Result{V4: prefixes("10.0.0.0/8")}
		spec += cc + ","
	}
	client := &fakeClient{name: config.ProviderIPDeny, results: results, delay: 10 * time.Millisecond}
	o := New(map[config.Provider]provider.Client{config.ProviderIPDeny: client}, Options{Workers: 3})

	_, err := o.Run(context.Background(), selection(t, spec))
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&client.peak), int32(3))
	assert.Len(t, client.calls, 10)
}

func TestNew_ClampsWorkers(t *testing.T) {
	assert.Equal(t, DefaultWorkers, New(nil, Options{}).workers)
	assert.Equal(t, MinWorkers, New(nil, Options{Workers: -3}).workers)
	assert.Equal(t, MaxWorkers, New(nil, Options{Workers: 64}).workers)
}

// IT and FR from ipdeny, IPv6 disabled: the optimized set carries only IPv4
// and both countries' addresses.
func TestRun_ItalyFranceExample(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ipblocks/data/aggregated/it-aggregated.zone", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "2.32.0.0/12")
		fmt.Fprintln(w, "2.48.0.0/12")
	})
	mux.HandleFunc("/ipblocks/data/aggregated/fr-aggregated.zone", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "2.0.0.0/12")
	})
	mux.HandleFunc("/ipv6/", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected IPv6 request %s", r.URL.Path)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	sel := selection(t, "it,FR")
	clients, err := ClientsFor(sel, provider.Options{
		Sources: config.SourcesConfig{IPDenyURL: ts.URL},
		Retry:   provider.RetryConfig{MaxAttempts: 1},
	})
	require.NoError(t, err)

	report, err := New(clients, Options{}).Run(context.Background(), sel)
	require.NoError(t, err)

	set, _, err := netset.Optimize(report.Input())
	require.NoError(t, err)
	assert.Equal(t, prefixes("2.0.0.0/12", "2.32.0.0/11"), set.V4)
	assert.Empty(t, set.V6)
	assert.True(t, set.Contains(netip.MustParseAddr("2.40.1.1")))
	assert.False(t, set.Contains(netip.MustParseAddr("2.16.0.1")))
}
