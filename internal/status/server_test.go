package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/soldier/backend/internal/axis"
	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/internal/latch"
	"github.com/wonny/soldier/backend/internal/ledger"
	"github.com/wonny/soldier/backend/internal/snapshot"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/logger"
)

func testDeps(t *testing.T) (Deps, *latch.Latch, *snapshot.Provider) {
	t.Helper()
	cfg := config.SafetyConfig{
		MMUtilRejectOpens: 0.70,
		MMUtilReduceOnly:  0.85,
		MMUtilKill:        0.95,
		MMUtilMaxAge:      30 * time.Second,
		DiskUsedMaxAge:    30 * time.Second,
		BookFeedMaxAge:    5 * time.Second,
		TradeFeedMaxAge:   5 * time.Second,
		SnapshotMaxSkew:   time.Second,
		DiskDegradedPct:   0.85,
		DiskKillPct:       0.92,
		WSZombieSilence:   15 * time.Second,
		WatchdogKill:      10 * time.Second,

		LedgerQueueCapacity:   16,
		LedgerErrorTripCount:  3,
		LedgerErrorTripWindow: time.Minute,
	}

	provider := snapshot.New(cfg.SnapshotMaxSkew)
	provider.SetMMUtil(0.20)
	provider.SetEquity(1_000_000)
	provider.SetDiskUsedPct(0.40)
	provider.SetLedgerHealth(0, 0, cfg.LedgerQueueCapacity)
	provider.SetGroupLockTimeout(false)
	provider.SetSessionUp(true)
	provider.SetRestReachable(true)
	provider.SetMarketStress(false)
	provider.SetNetExposure(0, true)
	provider.MarkHeartbeat()
	provider.MarkBookUpdate()
	provider.MarkTradeUpdate()

	lt := latch.New(logger.Nop())
	lt.Clear()

	return Deps{
		Resolver:  axis.New(cfg),
		Provider:  provider,
		Latch:     lt,
		Ledger:    ledger.New(ledger.NewMemoryStore(), nil, logger.Nop(), cfg),
		Version:   "test",
		GitCommit: "deadbeef",
		StartedAt: time.Now(),
	}, lt, provider
}

func get(t *testing.T, router http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestStatus_HealthyIsActive(t *testing.T) {
	deps, _, _ := testDeps(t)
	router := NewRouter(deps, logger.Nop())

	code, body := get(t, router, "/status")
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, "ACTIVE", body["mode"])
	assert.Empty(t, body["reasons"])
	assert.Equal(t, false, body["latch_blocked"])
	assert.Equal(t, "test", body["version"])
}

func TestStatus_ModeAndAxesAreHumanReadable(t *testing.T) {
	deps, _, _ := testDeps(t)
	router := NewRouter(deps, logger.Nop())

	code, body := get(t, router, "/status")
	require.Equal(t, http.StatusOK, code)

	// 정수 enum이 rune 변환으로 새면 "\x00" 같은 깨진 문자열이 나온다
	assert.Equal(t, "ACTIVE", body["mode"])
	axes, ok := body["axes"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "SAFE", axes["capital"])
	assert.Equal(t, "STABLE", axes["market"])
	assert.Equal(t, "HEALTHY", axes["system"])
}

func TestStatus_ReasonsSurfaceInOrder(t *testing.T) {
	deps, lt, provider := testDeps(t)
	provider.SetMMUtil(0.90) // reduce-only band
	lt.Trip(contracts.ReasonSessionLoss)
	router := NewRouter(deps, logger.Nop())

	code, body := get(t, router, "/status")
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, "REDUCE_ONLY", body["mode"])
	assert.NotEmpty(t, body["reasons"])
	assert.Equal(t, true, body["latch_blocked"])

	code, body = get(t, router, "/status/latch")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["blocked"])
	assert.Contains(t, body["reasons"], string(contracts.ReasonSessionLoss))
}

func TestStatus_LedgerCounters(t *testing.T) {
	deps, _, _ := testDeps(t)
	require.NoError(t, deps.Ledger.Record(contracts.Intent{
		GroupID:    "3f2504e0-4f89-41d3-9a0c-0305e82c3301",
		LegIdx:     0,
		Instrument: "BTC-PERPETUAL",
		Side:       contracts.SideBuy,
		QtySteps:   1,
		PriceTicks: 1,
		Class:      contracts.ClassOpen,
	}))

	router := NewRouter(deps, logger.Nop())
	code, body := get(t, router, "/status/ledger")
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, float64(16), body["queue_capacity"])
	assert.Equal(t, float64(1), body["queue_depth"])
	assert.Equal(t, float64(1), body["in_flight"])
	assert.Equal(t, float64(0), body["write_errors"])
}

func TestStatus_WriteMethodsRejected(t *testing.T) {
	deps, _, _ := testDeps(t)
	router := NewRouter(deps, logger.Nop())

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatus_Health(t *testing.T) {
	deps, _, _ := testDeps(t)
	router := NewRouter(deps, logger.Nop())

	code, body := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}
