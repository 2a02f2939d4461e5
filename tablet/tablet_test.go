package tablet_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tabletscan/blobstore"
	"github.com/hupe1980/tabletscan/catalog"
	"github.com/hupe1980/tabletscan/chunk"
	"github.com/hupe1980/tabletscan/cache"
	"github.com/hupe1980/tabletscan/model"
	"github.com/hupe1980/tabletscan/predicate"
	"github.com/hupe1980/tabletscan/scan"
	"github.com/hupe1980/tabletscan/tablet"
	"github.com/hupe1980/tabletscan/testutil"
)

type env struct {
	store *blobstore.MemoryStore
	cat   *catalog.MemoryCatalog
}

func newEnv() *env {
	return &env{store: blobstore.NewMemoryStore(), cat: catalog.NewMemoryCatalog()}
}

func (e *env) factory(t *testing.T, cfg tablet.FactoryConfig) scan.Factory {
	t.Helper()
	cfg.Schema = testutil.TestSchema()
	cfg.Catalog = e.cat
	cfg.Store = e.store
	factory, err := tablet.NewFactory(cfg)
	require.NoError(t, err)
	return factory
}

// drain opens the scanner for the range and collects every surviving
// row, pulling into chunks of the given capacity.
func drain(t *testing.T, factory scan.Factory, rng model.ScanRange, capacity int) []testutil.Row {
	t.Helper()
	ctx := context.Background()

	sc, err := factory(rng, nil)
	require.NoError(t, err)
	require.NoError(t, sc.Open(ctx))
	defer func() { require.NoError(t, sc.Close()) }()

	var rows []testutil.Row
	for {
		out := chunk.New(testutil.TestSchema(), capacity)
		eos, err := sc.GetNext(ctx, out)
		require.NoError(t, err)

		for i := 0; i < out.NumRows(); i++ {
			rows = append(rows, testutil.Row{
				ID:     out.Column(0).Int64(i),
				Score:  out.Column(1).Float64(i),
				Tag:    out.Column(2).String(i),
				Active: out.Column(3).Bool(i),
			})
		}
		if eos {
			return rows
		}
	}
}

func fullRange(tablet model.TabletID, version model.Version) model.ScanRange {
	return model.ScanRange{Tablet: tablet, Version: version}
}

func TestScanRoundtrip(t *testing.T) {
	for _, c := range []tablet.Compression{tablet.CompressionNone, tablet.CompressionLZ4, tablet.CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			e := newEnv()
			want := testutil.Rows(0, 100)
			testutil.MustPublishTablet(context.Background(), e.store, e.cat, 1, 1,
				tablet.WriterOptions{Compression: c, PageRows: 16},
				testutil.TabletSpec{Segment: 0, Rows: want})

			factory := e.factory(t, tablet.FactoryConfig{})
			got := drain(t, factory, fullRange(1, 1), 32)
			assert.Equal(t, want, got)
		})
	}
}

func TestScanSmallOutputChunks(t *testing.T) {
	e := newEnv()
	want := testutil.Rows(0, 100)
	testutil.MustPublishTablet(context.Background(), e.store, e.cat, 1, 1,
		tablet.WriterOptions{PageRows: 10},
		testutil.TabletSpec{Segment: 0, Rows: want})

	// Pages hold 10 rows but the output chunk only 7, so every page
	// splits across GetNext calls.
	factory := e.factory(t, tablet.FactoryConfig{})
	got := drain(t, factory, fullRange(1, 1), 7)
	assert.Equal(t, want, got)
}

func TestScanMultipleSegments(t *testing.T) {
	e := newEnv()
	seg0 := testutil.Rows(0, 50)
	seg1 := testutil.Rows(50, 50)
	testutil.MustPublishTablet(context.Background(), e.store, e.cat, 1, 1,
		tablet.WriterOptions{},
		testutil.TabletSpec{Segment: 0, Rows: seg0},
		testutil.TabletSpec{Segment: 1, Rows: seg1})

	counters := &scan.Counters{}
	factory := e.factory(t, tablet.FactoryConfig{Counters: counters})
	got := drain(t, factory, fullRange(1, 1), 32)

	assert.Equal(t, append(seg0, seg1...), got)
	assert.Equal(t, int64(2), counters.SegmentsOpened.Load())
	assert.Equal(t, int64(100), counters.RawRowsRead.Load())
	assert.Equal(t, int64(100), counters.RowsReturned.Load())
}

func TestScanDeletedRowsDropped(t *testing.T) {
	e := newEnv()
	rows := testutil.Rows(0, 20)
	testutil.MustPublishTablet(context.Background(), e.store, e.cat, 1, 1,
		tablet.WriterOptions{},
		testutil.TabletSpec{Segment: 0, Rows: rows, Deleted: []model.RowID{0, 5, 19}})

	factory := e.factory(t, tablet.FactoryConfig{})
	got := drain(t, factory, fullRange(1, 1), 32)

	var want []testutil.Row
	for i, r := range rows {
		if i != 0 && i != 5 && i != 19 {
			want = append(want, r)
		}
	}
	assert.Equal(t, want, got)
}

func TestScanKeyRange(t *testing.T) {
	e := newEnv()
	rows := testutil.Rows(0, 100)
	testutil.MustPublishTablet(context.Background(), e.store, e.cat, 1, 1,
		tablet.WriterOptions{PageRows: 10},
		testutil.TabletSpec{Segment: 0, Rows: rows})

	counters := &scan.Counters{}
	factory := e.factory(t, tablet.FactoryConfig{Counters: counters})

	rng := fullRange(1, 1)
	rng.Low = model.Bound(25)
	rng.High = model.Bound(35)
	got := drain(t, factory, rng, 32)

	assert.Equal(t, rows[25:35], got)
	// Keys [25,35) touch two of the ten pages; the rest are pruned by
	// the per-page key zone maps.
	assert.Equal(t, int64(8), counters.PagesPrunedZoneMap.Load())
	assert.Equal(t, int64(20), counters.RawRowsRead.Load())
}

func TestScanPredicatePushdown(t *testing.T) {
	e := newEnv()
	rows := testutil.Rows(0, 100)
	testutil.MustPublishTablet(context.Background(), e.store, e.cat, 1, 1,
		tablet.WriterOptions{},
		testutil.TabletSpec{Segment: 0, Rows: rows})

	factory := e.factory(t, tablet.FactoryConfig{
		Conjuncts: []predicate.Conjunct{predicate.Ge("id", predicate.Int64(50))},
	})
	got := drain(t, factory, fullRange(1, 1), 32)
	assert.Equal(t, rows[50:], got)
}

func TestScanBloomPrunesSegment(t *testing.T) {
	e := newEnv()
	rows := make([]testutil.Row, 100)
	for i := range rows {
		rows[i] = testutil.Row{ID: int64(2 * i), Tag: "even"}
	}
	testutil.MustPublishTablet(context.Background(), e.store, e.cat, 1, 1,
		tablet.WriterOptions{BloomFPRate: 0.0001},
		testutil.TabletSpec{Segment: 0, Rows: rows})

	counters := &scan.Counters{}
	factory := e.factory(t, tablet.FactoryConfig{
		Counters:  counters,
		Conjuncts: []predicate.Conjunct{predicate.Eq("id", predicate.Int64(101))},
	})

	// Key 101 sits inside the segment's key zone but is absent from the
	// bloom filter, so the segment is dropped without page reads.
	got := drain(t, factory, fullRange(1, 1), 32)
	assert.Empty(t, got)
	assert.Positive(t, counters.PagesPrunedBloom.Load())
	assert.Zero(t, counters.RawRowsRead.Load())
}

func TestScanDictionaryPrunesSegment(t *testing.T) {
	e := newEnv()
	rows := testutil.Rows(0, 50) // tags drawn from alpha..delta
	testutil.MustPublishTablet(context.Background(), e.store, e.cat, 1, 1,
		tablet.WriterOptions{},
		testutil.TabletSpec{Segment: 0, Rows: rows})

	counters := &scan.Counters{}
	factory := e.factory(t, tablet.FactoryConfig{
		Counters: counters,
		// "carrot" sorts inside the tag zone but is not in the dictionary.
		Conjuncts: []predicate.Conjunct{predicate.Eq("tag", predicate.String("carrot"))},
	})

	got := drain(t, factory, fullRange(1, 1), 32)
	assert.Empty(t, got)
	assert.Positive(t, counters.PagesPrunedDict.Load())
	assert.Zero(t, counters.RawRowsRead.Load())
}

func TestScanSharedPageCache(t *testing.T) {
	e := newEnv()
	rows := testutil.Rows(0, 100)
	testutil.MustPublishTablet(context.Background(), e.store, e.cat, 1, 1,
		tablet.WriterOptions{PageRows: 25},
		testutil.TabletSpec{Segment: 0, Rows: rows})

	pageCache := cache.NewLRUPageCache(1<<20, nil)
	cold := &scan.Counters{}
	factory := e.factory(t, tablet.FactoryConfig{Cache: pageCache, Counters: cold})
	drain(t, factory, fullRange(1, 1), 32)

	warm := &scan.Counters{}
	factory = e.factory(t, tablet.FactoryConfig{Cache: pageCache, Counters: warm})
	got := drain(t, factory, fullRange(1, 1), 32)

	assert.Equal(t, rows, got)
	hits, _ := pageCache.Stats()
	assert.Positive(t, hits)
	// The warm scan reads only footer and trailer bytes.
	assert.Less(t, warm.BytesRead.Load(), cold.BytesRead.Load())
}

func TestScanMissingVersion(t *testing.T) {
	e := newEnv()
	factory := e.factory(t, tablet.FactoryConfig{})

	sc, err := factory(fullRange(9, 9), nil)
	require.NoError(t, err)

	err = sc.Open(context.Background())
	var openErr *scan.OpenError
	require.ErrorAs(t, err, &openErr)
	assert.ErrorIs(t, err, catalog.ErrVersionNotFound)
	require.NoError(t, sc.Close())
}

func TestNewFactoryValidation(t *testing.T) {
	_, err := tablet.NewFactory(tablet.FactoryConfig{})
	assert.Error(t, err)

	e := newEnv()
	_, err = tablet.NewFactory(tablet.FactoryConfig{
		Schema:    testutil.TestSchema(),
		Catalog:   e.cat,
		Store:     e.store,
		Conjuncts: []predicate.Conjunct{predicate.Eq("nope", predicate.Int64(1))},
	})
	var perr *scan.PredicateError
	assert.ErrorAs(t, err, &perr)
}
