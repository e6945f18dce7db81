// workers/reconcile_worker.go
package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"treasure-hunt-system/ledger"
	"treasure-hunt-system/models"
)

// Drift is an active hunt whose ledger state disagrees with the local store,
// typically a move that confirmed after its submitter gave up waiting.
type Drift struct {
	HuntID         string
	OnchainHuntID  string
	LocalMoves     int64
	LedgerMoves    int
	LedgerIsActive bool
}

func (d Drift) String() string {
	return fmt.Sprintf("hunt %s (on-chain %s): local moves %d, ledger moves %d, ledger active %t",
		d.HuntID, d.OnchainHuntID, d.LocalMoves, d.LedgerMoves, d.LedgerIsActive)
}

// ReconcileWorker periodically compares ACTIVE hunts with the ledger. It only
// reports; the store is never rewritten from here.
type ReconcileWorker struct {
	DB       *gorm.DB
	Oracle   ledger.Oracle
	Interval time.Duration
}

func NewReconcileWorker(db *gorm.DB, oracle ledger.Oracle, interval time.Duration) *ReconcileWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReconcileWorker{DB: db, Oracle: oracle, Interval: interval}
}

func (w *ReconcileWorker) Start(ctx context.Context) {
	log.Println("🔁 Starting Ledger Reconcile Worker…")
	go w.run(ctx)
}

func (w *ReconcileWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("⏹️ Ledger Reconcile Worker stopped")
			return
		case <-ticker.C:
			drifts, err := w.CheckOnce(ctx)
			if err != nil {
				log.Printf("❌ [RECONCILE] %v", err)
				continue
			}
			for _, d := range drifts {
				log.Printf("⚠️ [RECONCILE] Drift on %s", d)
			}
		}
	}
}

// CheckOnce inspects every ACTIVE, ledger-linked hunt once. Hunts the ledger
// cannot be read for are skipped and logged.
func (w *ReconcileWorker) CheckOnce(ctx context.Context) ([]Drift, error) {
	db := w.DB.WithContext(ctx)

	var hunts []models.Hunt
	if err := db.Where("state = ? AND onchain_hunt_id IS NOT NULL", models.HuntActive).Find(&hunts).Error; err != nil {
		return nil, fmt.Errorf("failed to load active hunts: %w", err)
	}

	var drifts []Drift
	for _, h := range hunts {
		if ctx.Err() != nil {
			return drifts, ctx.Err()
		}

		var local int64
		if err := db.Model(&models.Move{}).Where("hunt_id = ?", h.ID).Count(&local).Error; err != nil {
			return drifts, fmt.Errorf("failed to count moves for hunt %s: %w", h.ID, err)
		}

		st, err := w.Oracle.ReadHuntState(ctx, *h.OnchainHuntID)
		if err != nil {
			log.Printf("[RECONCILE] Could not read ledger state for hunt %s: %v", h.ID, err)
			continue
		}

		if int64(st.MovesMade) != local || !st.IsActive {
			drifts = append(drifts, Drift{
				HuntID:         h.ID,
				OnchainHuntID:  *h.OnchainHuntID,
				LocalMoves:     local,
				LedgerMoves:    st.MovesMade,
				LedgerIsActive: st.IsActive,
			})
		}
	}
	return drifts, nil
}
