package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"dhan-mirror/internal/store"
	"dhan-mirror/pkg/types"
)

type stubFetcher struct {
	rec   *types.InstrumentRecord
	err   error
	calls int
}

func (f *stubFetcher) FetchInstrument(ctx context.Context, account types.Account, segment, securityID string) (*types.InstrumentRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

func newTestInstruments(t *testing.T, f InstrumentFetcher) (*Instruments, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewInstruments(st, f, logger), st
}

func TestResolveFetchesOnceAndCaches(t *testing.T) {
	t.Parallel()
	fetcher := &stubFetcher{rec: &types.InstrumentRecord{
		SecurityID:      "52175",
		ExchangeSegment: "NSE_FNO",
		TradingSymbol:   "NIFTY-Jun2025-24000-CE",
		LotSize:         75,
		TickSize:        0.05,
		InstrumentType:  "OPTIDX",
	}}
	instruments, _ := newTestInstruments(t, fetcher)

	ctx := context.Background()
	inst := instruments.Resolve(ctx, "NSE_FNO", "52175")
	if inst.LotSize != 75 {
		t.Errorf("LotSize = %d, want 75", inst.LotSize)
	}
	if !inst.IsOption() {
		t.Error("IsOption() = false, want true")
	}

	// Second lookup hits the memory cache.
	instruments.Resolve(ctx, "NSE_FNO", "52175")
	if fetcher.calls != 1 {
		t.Errorf("fetcher calls = %d, want 1", fetcher.calls)
	}
	if instruments.Size() != 1 {
		t.Errorf("Size() = %d, want 1", instruments.Size())
	}
}

func TestResolvePrefersStoreOverBroker(t *testing.T) {
	t.Parallel()
	fetcher := &stubFetcher{err: errors.New("should not be called")}
	instruments, st := newTestInstruments(t, fetcher)

	ctx := context.Background()
	if err := st.UpsertInstrument(ctx, types.Instrument{
		SecurityID:      "11536",
		ExchangeSegment: "NSE_EQ",
		TradingSymbol:   "TCS",
		LotSize:         1,
		InstrumentType:  "EQUITY",
	}); err != nil {
		t.Fatalf("UpsertInstrument: %v", err)
	}

	inst := instruments.Resolve(ctx, "NSE_EQ", "11536")
	if inst.TradingSymbol != "TCS" {
		t.Errorf("TradingSymbol = %q, want TCS", inst.TradingSymbol)
	}
	if fetcher.calls != 0 {
		t.Errorf("fetcher calls = %d, want 0", fetcher.calls)
	}
}

func TestResolveFallsBackToLotSizeOne(t *testing.T) {
	t.Parallel()
	fetcher := &stubFetcher{err: errors.New("metadata endpoint down")}
	instruments, _ := newTestInstruments(t, fetcher)

	ctx := context.Background()
	inst := instruments.Resolve(ctx, "NSE_EQ", "99999")
	if inst.LotSize != 1 {
		t.Errorf("LotSize = %d, want fallback 1", inst.LotSize)
	}

	// The fallback must not be cached: the next lookup retries the broker.
	instruments.Resolve(ctx, "NSE_EQ", "99999")
	if fetcher.calls != 2 {
		t.Errorf("fetcher calls = %d, want 2 (fallback cached?)", fetcher.calls)
	}
}

func TestResolvePersistsBrokerHit(t *testing.T) {
	t.Parallel()
	fetcher := &stubFetcher{rec: &types.InstrumentRecord{
		SecurityID:      "45825",
		ExchangeSegment: "NSE_FNO",
		TradingSymbol:   "BANKNIFTY-Jun2025-FUT",
		LotSize:         15,
		TickSize:        0.05,
		InstrumentType:  "FUTIDX",
	}}
	instruments, st := newTestInstruments(t, fetcher)

	ctx := context.Background()
	instruments.Resolve(ctx, "NSE_FNO", "45825")

	stored, ok, err := st.GetInstrument(ctx, "NSE_FNO", "45825")
	if err != nil {
		t.Fatalf("GetInstrument: %v", err)
	}
	if !ok {
		t.Fatal("broker hit was not persisted")
	}
	if stored.LotSize != 15 {
		t.Errorf("stored LotSize = %d, want 15", stored.LotSize)
	}
	if !stored.IsFuture() {
		t.Error("IsFuture() = false, want true")
	}
}

func TestPrime(t *testing.T) {
	t.Parallel()
	fetcher := &stubFetcher{err: errors.New("offline")}
	instruments, _ := newTestInstruments(t, fetcher)

	instruments.Prime(types.Instrument{
		SecurityID:      "1333",
		ExchangeSegment: "NSE_EQ",
		TradingSymbol:   "HDFCBANK",
		LotSize:         1,
	})
	instruments.Prime(types.Instrument{SecurityID: "", LotSize: 5}) // ignored
	instruments.Prime(types.Instrument{SecurityID: "2", LotSize: 0})

	inst := instruments.Resolve(context.Background(), "NSE_EQ", "1333")
	if inst.TradingSymbol != "HDFCBANK" {
		t.Errorf("TradingSymbol = %q, want HDFCBANK", inst.TradingSymbol)
	}
	if fetcher.calls != 0 {
		t.Errorf("fetcher calls = %d, want 0", fetcher.calls)
	}
	if instruments.Size() != 1 {
		t.Errorf("Size() = %d, want 1", instruments.Size())
	}
}
