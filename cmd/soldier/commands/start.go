package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/soldier/backend/internal/axis"
	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/internal/engine"
	"github.com/wonny/soldier/backend/internal/latch"
	"github.com/wonny/soldier/backend/internal/ledger"
	"github.com/wonny/soldier/backend/internal/reconcile"
	"github.com/wonny/soldier/backend/internal/scheduler"
	"github.com/wonny/soldier/backend/internal/scheduler/jobs"
	"github.com/wonny/soldier/backend/internal/snapshot"
	"github.com/wonny/soldier/backend/internal/status"
	"github.com/wonny/soldier/backend/internal/venue"
	"github.com/wonny/soldier/backend/internal/venue/deribit"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/database"
	"github.com/wonny/soldier/backend/pkg/httputil"
	"github.com/wonny/soldier/backend/pkg/logger"
	"github.com/wonny/soldier/backend/pkg/redis"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "안전 커널 기동",
	Long: `안전 커널을 기동합니다.

이 명령어는:
- 의도 원장 리플레이 (재발행 전 in-flight 복원)
- Deribit WebSocket 연결 (주문/체결/호가 피드)
- 기동 대사 실행 (성공해야 래치 해제)
- 주기 틱 루프 시작 (모드 해석 + 잔여 주문 정리)
- 읽기 전용 상태 서버 시작

Example:
  go run ./cmd/soldier start
  go run ./cmd/soldier start --env production`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	fmt.Println("=== Soldier Safety Kernel ===")

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Initialize logger
	log := logger.New(cfg)
	log.WithFields(map[string]interface{}{
		"env":        cfg.Env,
		"currency":   cfg.Deribit.Currency,
		"testnet":    cfg.Deribit.IsTestnet,
		"version":    version,
		"git_commit": gitCommit,
	}).Info("Starting safety kernel")

	// 3. Connect to database — 원장의 내구성 스토어. 없으면 기동 거부
	db, err := database.New(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	// 4. Optional redis fast path for trade-id dedup
	var dedupe *redis.Dedupe
	if cfg.Redis.Enabled {
		rc, err := redis.New(cfg)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rc.Close()
		dedupe = redis.NewDedupe(rc, "soldier:trade", cfg.Safety.TradeRegistryRetention)
		log.Info("Redis trade-id fast path enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Core kernel state
	provider := snapshot.New(cfg.Safety.SnapshotMaxSkew)
	provider.SetMarketStress(false) // 외부 시장 무결성 모니터 훅; 기본 STABLE
	lt := latch.New(log)            // 콜드 스타트 — blocked로 시작

	led := ledger.New(ledger.NewRepository(db.Pool), dedupe, log, cfg.Safety)
	go led.Run(ctx)

	inFlight, err := led.Replay(ctx)
	if err != nil {
		return fmt.Errorf("ledger replay: %w", err)
	}
	log.WithField("in_flight", len(inFlight)).Info("Intent ledger replayed")

	// 6. Venue clients
	httpClient := httputil.New(cfg, log).
		WithRateLimit(cfg.Deribit.RateLimit, cfg.Deribit.RateBurst)
	venueClient := deribit.NewClient(cfg.Deribit, httpClient, log)

	rec := reconcile.New(venueClient, led, lt, provider, log, cfg.Safety)
	det := reconcile.NewDetectors(lt, log)

	ws, disconnectCh := wireFeeds(ctx, cfg, log, provider, det, rec, led, venueClient)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-disconnectCh:
				if err := ws.Reconnect(ctx); err != nil {
					if ctx.Err() == nil {
						log.WithError(err).Error("WebSocket reconnection abandoned")
					}
					return
				}
			}
		}
	}()

	if err := ws.Connect(ctx); err != nil {
		// 기동 시 WS 실패는 치명적이지 않다: 래치가 이미 막고 있고
		// 재연결 루프가 백오프로 계속 시도한다
		log.WithError(err).Warn("Initial WebSocket connect failed, retrying in background")
		select {
		case disconnectCh <- struct{}{}:
		default:
		}
	}

	// 7. Axis monitors feeding the snapshot
	go pollAccount(ctx, venueClient, provider, log, cfg.Safety.MMUtilMaxAge)
	go pollDisk(ctx, provider, log, cfg.Safety.DiskUsedMaxAge)

	// 8. Startup reconciliation — 성공 증명 전까지 래치는 그대로 막혀 있다
	if rep, rerr := rec.Reconcile(ctx); rerr != nil {
		log.WithError(rerr).Warn("Startup reconciliation failed, latch stays blocked")
	} else if !rep.Success {
		log.Warn("Startup reconciliation incomplete, latch stays blocked")
	}

	// 9. Tick engine
	resolver := axis.New(cfg.Safety)
	eng := engine.New(provider, resolver, lt, led, venueClient, log, cfg.Safety)
	go eng.Run(ctx)

	// 10. Scheduled jobs: reconcile cadence + trade-registry pruning
	sched := scheduler.New(log)
	if err := sched.AddJob(jobs.NewReconcileJob(rec, cfg.Safety.ReconcileInterval, log)); err != nil {
		return fmt.Errorf("schedule reconcile job: %w", err)
	}
	if err := sched.AddJob(jobs.NewLedgerPruneJob(led, log)); err != nil {
		return fmt.Errorf("schedule ledger prune job: %w", err)
	}
	sched.Start()

	// 11. Read-only status surface
	statusSrv := status.New(cfg, log, status.Deps{
		Resolver:  resolver,
		Provider:  provider,
		Latch:     lt,
		Ledger:    led,
		Version:   version,
		GitCommit: gitCommit,
		StartedAt: time.Now(),
	})
	go func() {
		if err := statusSrv.Start(); err != nil {
			log.WithError(err).Fatal("Failed to start status server")
		}
	}()

	fmt.Printf("\n✅ Safety kernel running (status: http://localhost:%s/status)\n", cfg.StatusPort)
	fmt.Println("Press Ctrl+C to stop")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down safety kernel...")

	cancel() // stops tick loop, ledger writer, monitors, reconnect loop
	sched.Stop()
	_ = ws.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown failed: %w", err)
	}

	log.Info("Safety kernel stopped")
	return nil
}

// wireFeeds connects websocket events to the snapshot producers, the
// discontinuity detectors and the trade registry.
// 끊김 신호는 버퍼 1짜리 채널로 합쳐져 재연결 루프를 깨운다.
func wireFeeds(ctx context.Context, cfg *config.Config, log *logger.Logger,
	provider *snapshot.Provider, det *reconcile.Detectors, rec *reconcile.Reconciler,
	led *ledger.Ledger, rest *deribit.Client) (*deribit.WSClient, chan struct{}) {

	ws := deribit.NewWSClient(cfg.Deribit, log)
	ws.SetInstruments(cfg.Deribit.Instruments)

	disconnectCh := make(chan struct{}, 1)

	ws.OnConnected(func() { provider.SetSessionUp(true) })
	ws.OnDisconnect(func() {
		provider.SetSessionUp(false)
		det.ObserveSessionLoss()
		select {
		case disconnectCh <- struct{}{}:
		default:
		}
	})
	ws.OnHeartbeat(func() { provider.MarkHeartbeat() })
	ws.OnError(func(err error) { log.WithError(err).Warn("WebSocket stream error") })

	ws.OnBookDelta(func(instrument string, prevChangeID, changeID uint64, _ time.Time) {
		if det.ObserveBook(instrument, prevChangeID, changeID) {
			provider.MarkBookUpdate()
			return
		}
		// changeID 체인 단절 — REST 스냅샷으로 재정박
		go func() {
			snap, err := rest.Book(ctx, instrument, 20)
			if err != nil {
				log.WithError(err).WithField("instrument", instrument).Warn("Book resnapshot failed")
				return
			}
			det.ResetBook(instrument, snap.ChangeID)
			provider.MarkBookUpdate()
		}()
	})

	ws.OnUserTrade(func(tr venue.Trade) {
		provider.MarkTradeUpdate()
		det.ObserveTrade(tr.Instrument, tr.Seq)
		if _, err := rec.RegisterTrade(ctx, tr); err != nil {
			log.WithError(err).WithField("trade_id", tr.TradeID).Error("Trade registration failed")
		}
	})

	ws.OnOrderEvent(func(o venue.Order) {
		lrec, ok := led.FindByLabel(o.Label)
		if !ok {
			log.WithField("label", o.Label).Debug("Order event for unknown label")
			return
		}
		ev, ok := lifecycleEvent(o.State)
		if !ok {
			return
		}
		if _, err := led.AppendTransition(lrec.Hash, ev); err != nil {
			log.WithError(err).WithField("label", o.Label).Error("Order event transition failed")
		}
	})

	return ws, disconnectCh
}

// lifecycleEvent maps a venue order state to the ledger lifecycle event.
func lifecycleEvent(s contracts.OrderState) (contracts.LifecycleEvent, bool) {
	switch s {
	case contracts.StateAcked:
		return contracts.EventAcked, true
	case contracts.StatePartiallyFilled:
		return contracts.EventPartialFill, true
	case contracts.StateFilled:
		return contracts.EventFilled, true
	case contracts.StateCanceled:
		return contracts.EventCanceled, true
	case contracts.StateFailed:
		return contracts.EventFailed, true
	default:
		return "", false
	}
}
