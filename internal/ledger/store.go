package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"converge/internal/logger"

	"github.com/tidwall/gjson"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrUnavailable means the persistent store could not be read or written.
// The ledger fails closed: callers must abort the run rather than risk a
// duplicate submission.
var ErrUnavailable = errors.New("ledger: store unavailable")

// ErrStatusRegression is returned when a transition would move a record
// backwards (e.g. SUBMITTED back to PLANNED).
var ErrStatusRegression = errors.New("ledger: status may not regress")

// ErrDuplicate marks an intent that already went out to the broker.
var ErrDuplicate = errors.New("ledger: duplicate submission attempt")

// IntentKey identifies one logical intent for deterministic id derivation.
type IntentKey struct {
	Symbol      string
	Side        string
	Quantity    float64
	StrategyTag string
}

// Store is the run ledger. All writes are single transactions; a torn write
// is treated as if the transition never happened.
type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger: store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&RunModel{}, &IntentModel{}); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InputHash canonicalizes a target set so identical inputs hash identically
// regardless of map iteration order.
func InputHash(date string, targets map[string]float64) string {
	symbols := make([]string, 0, len(targets))
	for sym := range targets {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	h := sha256.New()
	fmt.Fprintf(h, "%s\n", date)
	for _, sym := range symbols {
		fmt.Fprintf(h, "%s=%.8f\n", sym, targets[sym])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IntentID derives the deterministic id for one intent within a run. The same
// run and the same intent always produce the same id, across restarts.
func IntentID(runID string, key IntentKey) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%.8f|%s", runID, strings.ToUpper(key.Symbol), key.Side, key.Quantity, key.StrategyTag)
	return "cvg-" + hex.EncodeToString(h.Sum(nil))[:20]
}

// BeginRun opens (or resumes) the run for one (date, inputs) pair. A second
// call with identical inputs returns the same run id with resumed=true; it
// never creates a second live run for the same input hash.
func (s *Store) BeginRun(date string, targets map[string]float64) (runID string, resumed bool, err error) {
	if s == nil || s.db == nil {
		return "", false, ErrUnavailable
	}
	inputHash := InputHash(date, targets)
	runID = "run-" + date + "-" + inputHash[:12]
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var existing []RunModel
		if err := tx.Where("input_hash = ?", inputHash).Find(&existing).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		aborted := 0
		for _, run := range existing {
			if !terminalStatus(run.Status) {
				// At most one non-terminal run per input hash: resume it.
				resumed = true
				runID = run.ID
				return nil
			}
			if run.Status == StatusAborted {
				aborted++
				continue
			}
			// A completed run for identical inputs is refused so a finished
			// day cannot be executed twice by accident.
			return fmt.Errorf("%w: run %s already terminal (%s)", ErrDuplicate, run.ID, run.Status)
		}
		if aborted > 0 {
			// Explicit re-trigger after an abort gets a fresh run id.
			runID = fmt.Sprintf("%s-r%d", runID, aborted+1)
		}
		rec := RunModel{ID: runID, Date: date, InputHash: inputHash, Status: StatusPlanned, BrokerOrderIDs: []byte("[]")}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if resumed {
		logger.Infof("ledger: resumed run id=%s input_hash=%s", runID, inputHash[:12])
	}
	return runID, resumed, nil
}

// RecordIntent registers one intent under a run and returns its deterministic
// id. Re-recording the same intent is a no-op returning the same id.
func (s *Store) RecordIntent(runID string, key IntentKey) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrUnavailable
	}
	id := IntentID(runID, key)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing IntentModel
		res := tx.Where("id = ?", id).First(&existing)
		if res.Error == nil {
			return nil
		}
		if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %v", ErrUnavailable, res.Error)
		}
		rec := IntentModel{
			ID:             id,
			RunID:          runID,
			Symbol:         strings.ToUpper(key.Symbol),
			Side:           key.Side,
			Quantity:       key.Quantity,
			StrategyTag:    key.StrategyTag,
			Status:         StatusPlanned,
			BrokerOrderIDs: []byte("[]"),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return refreshIntentHash(tx, runID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// refreshIntentHash recomputes the run's intent hash over the sorted ids of
// every intent recorded so far. The ids are deterministic, so the hash is a
// canonical fingerprint of the run's planned intent set.
func refreshIntentHash(tx *gorm.DB, runID string) error {
	var ids []string
	if err := tx.Model(&IntentModel{}).Where("run_id = ?", runID).Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		fmt.Fprintf(h, "%s\n", id)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if err := tx.Model(&RunModel{}).Where("id = ?", runID).Update("intent_hash", sum).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsDuplicate reports whether an intent already went to the broker, checking
// the local record first and then the broker's open client order ids. Client
// order ids are prefixed with the intent id, so a crash between submit and
// local acknowledgment is still caught here on restart.
func (s *Store) IsDuplicate(intentID string, brokerClientIDs []string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrUnavailable
	}
	var rec IntentModel
	res := s.db.Where("id = ?", intentID).First(&rec)
	if res.Error != nil && !errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, res.Error)
	}
	if res.Error == nil && statusRank[rec.Status] >= statusRank[StatusSubmitted] {
		return true, nil
	}
	for _, cid := range brokerClientIDs {
		if strings.HasPrefix(cid, intentID) {
			return true, nil
		}
	}
	return false, nil
}

// AdoptBrokerOrder attaches a broker-side order discovered on restart to the
// existing intent record instead of creating a new one.
func (s *Store) AdoptBrokerOrder(intentID, brokerOrderID string) error {
	return s.MarkSubmitted(intentID, []string{brokerOrderID})
}

// MarkSubmitted advances an intent to SUBMITTED and appends the broker order
// ids to both the intent and its run.
func (s *Store) MarkSubmitted(intentID string, brokerOrderIDs []string) error {
	if s == nil || s.db == nil {
		return ErrUnavailable
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var rec IntentModel
		if err := tx.Where("id = ?", intentID).First(&rec).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if statusRank[rec.Status] > statusRank[StatusSubmitted] {
			return fmt.Errorf("%w: intent %s is %s", ErrStatusRegression, intentID, rec.Status)
		}
		ids := appendIDs(rec.BrokerOrderIDs, brokerOrderIDs)
		if err := tx.Model(&rec).Updates(map[string]any{"status": StatusSubmitted, "broker_order_ids": ids}).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var run RunModel
		if err := tx.Where("id = ?", rec.RunID).First(&run).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		runIDs := appendIDs(run.BrokerOrderIDs, brokerOrderIDs)
		updates := map[string]any{"broker_order_ids": runIDs}
		if run.Status == StatusPlanned {
			updates["status"] = StatusSubmitted
		}
		if err := tx.Model(&run).Updates(updates).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// MarkTerminal moves an intent to one of the terminal statuses.
func (s *Store) MarkTerminal(intentID, status string) error {
	if s == nil || s.db == nil {
		return ErrUnavailable
	}
	if !terminalStatus(status) {
		return fmt.Errorf("ledger: %q is not a terminal status", status)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var rec IntentModel
		if err := tx.Where("id = ?", intentID).First(&rec).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if terminalStatus(rec.Status) && rec.Status != status {
			return fmt.Errorf("%w: intent %s already %s", ErrStatusRegression, intentID, rec.Status)
		}
		if err := tx.Model(&rec).Update("status", status).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// MarkRunStatus advances the run record; regressions are rejected.
func (s *Store) MarkRunStatus(runID, status string) error {
	if s == nil || s.db == nil {
		return ErrUnavailable
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var run RunModel
		if err := tx.Where("id = ?", runID).First(&run).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if statusRank[status] < statusRank[run.Status] {
			return fmt.Errorf("%w: run %s is %s, refusing %s", ErrStatusRegression, runID, run.Status, status)
		}
		if err := tx.Model(&run).Update("status", status).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// Run returns one run record.
func (s *Store) Run(runID string) (RunModel, error) {
	if s == nil || s.db == nil {
		return RunModel{}, ErrUnavailable
	}
	var run RunModel
	if err := s.db.Where("id = ?", runID).First(&run).Error; err != nil {
		return RunModel{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return run, nil
}

// Runs lists recent runs, newest first.
func (s *Store) Runs(limit int) ([]RunModel, error) {
	if s == nil || s.db == nil {
		return nil, ErrUnavailable
	}
	if limit <= 0 {
		limit = 50
	}
	var runs []RunModel
	if err := s.db.Order("created_at desc").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return runs, nil
}

// OpenIntents returns the non-terminal intents of a run, used on restart to
// re-attach broker-side orders.
func (s *Store) OpenIntents(runID string) ([]IntentModel, error) {
	if s == nil || s.db == nil {
		return nil, ErrUnavailable
	}
	var intents []IntentModel
	err := s.db.Where("run_id = ? AND status IN ?", runID, []string{StatusPlanned, StatusSubmitted}).Find(&intents).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return intents, nil
}

// BrokerIDs decodes the broker order id list stored on a record.
func BrokerIDs(raw []byte) []string {
	var out []string
	gjson.ParseBytes(raw).ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.String())
		return true
	})
	return out
}

func appendIDs(raw []byte, add []string) []byte {
	existing := BrokerIDs(raw)
	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range add {
		if id != "" && !seen[id] {
			existing = append(existing, id)
			seen[id] = true
		}
	}
	buf, err := json.Marshal(existing)
	if err != nil {
		return raw
	}
	return buf
}
