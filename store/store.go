// Package store provides serialized, coarse-grained access to positions,
// executions, and per-token skip-phase counters over a single embedded
// relational database.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dexrunner/strategybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS
// ═══════════════════════════════════════════════════════════════════════════════

type positionModel struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	TokenAddress   string `gorm:"index:idx_positions_addr"`
	Symbol         string
	Chain          string `gorm:"index:idx_positions_status_chain"`
	EntryPrice     decimal.Decimal `gorm:"type:decimal(36,18)"`
	QuantityToken  decimal.Decimal `gorm:"type:decimal(36,18)"`
	NotionalUSD    decimal.Decimal `gorm:"type:decimal(36,18)"`
	StopPrice      decimal.Decimal `gorm:"type:decimal(36,18)"`
	TakePrice      decimal.Decimal `gorm:"type:decimal(36,18)"`
	HighestPrice   decimal.Decimal `gorm:"type:decimal(36,18)"`
	OpenedAt       time.Time
	ClosedAt       *time.Time
	ExitPrice      *decimal.Decimal `gorm:"type:decimal(36,18)"`
	RealizedPnLUSD *decimal.Decimal `gorm:"type:decimal(36,18);column:realized_pnl_usd"`
	Status         string            `gorm:"index:idx_positions_status_chain"`
	CloseReason    *string
	DryRun         bool
	MomentumScore  *float64
	DiscoveryReasoning string
}

func (positionModel) TableName() string { return "positions" }

type executionModel struct {
	ID                   uint64 `gorm:"primaryKey;autoIncrement"`
	PositionID           *uint64 `gorm:"index:idx_executions_position_id"`
	TokenAddress         string
	Symbol               string
	Chain                string
	Action               string
	RequestedNotionalUSD *decimal.Decimal `gorm:"type:decimal(36,18)"`
	ExecutedPrice        *decimal.Decimal `gorm:"type:decimal(36,18)"`
	QuantityToken        *decimal.Decimal `gorm:"type:decimal(36,18)"`
	TxHash               string
	Success              bool
	Error                string
	MetadataJSON         string
	CreatedAt            time.Time
}

func (executionModel) TableName() string { return "executions" }

type skipPhaseModel struct {
	TokenAddress     string `gorm:"primaryKey"`
	Chain            string `gorm:"primaryKey"`
	SkipPhases       int
	NegativeSLCount  int
	LastNegativeSLAt *time.Time
	UpdatedAt        time.Time
}

func (skipPhaseModel) TableName() string { return "token_skip_phases" }

// Foreign-key enforcement between executions.position_id and positions.id
// is handled at the application layer rather than via a declared GORM
// association: AutoMigrate's ON DELETE SET NULL behavior is not uniform
// across the sqlite and postgres drivers this store supports, and
// DeleteClosedData already removes executions before positions inside one
// transaction, which is the only path that could otherwise orphan rows.

// Store is serialized access over the embedded relational database.
// Every mutating operation holds writeMu; reads do not.
type Store struct {
	db        *gorm.DB
	writeMu   sync.Mutex
	isPostgres bool
}

// New opens (and migrates) the store. A dsn beginning with "postgres://" or
// "postgresql://" selects the Postgres driver; anything else is treated as
// a sqlite file path.
func New(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	if isPostgres {
		dialector = postgres.Open(dsn)
	} else {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&positionModel{}, &executionModel{}, &skipPhaseModel{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("💾 Store connected")
	return &Store{db: db, isPostgres: isPostgres}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var leadingNonWord = regexp.MustCompile(`^[^\w]+`)

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(leadingNonWord.ReplaceAllString(symbol, ""))
}

func normalizeChain(chain string) string {
	return strings.ToLower(chain)
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

// AddPositionParams carries the fields needed to open a position.
type AddPositionParams struct {
	TokenAddr       string
	Symbol          string
	Chain           string
	EntryPrice      decimal.Decimal
	Quantity        decimal.Decimal
	NotionalUSD     decimal.Decimal
	StopPrice       decimal.Decimal
	TakePrice       decimal.Decimal
	DryRun          bool
	MomentumScore   *float64
	DiscoveryReason string
}

// AddPosition inserts a new open position with highest_price := entry_price.
func (s *Store) AddPosition(p AddPositionParams) (*types.Position, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	m := positionModel{
		TokenAddress:       p.TokenAddr,
		Symbol:             normalizeSymbol(p.Symbol),
		Chain:              normalizeChain(p.Chain),
		EntryPrice:         p.EntryPrice,
		QuantityToken:      p.Quantity,
		NotionalUSD:        p.NotionalUSD,
		StopPrice:          p.StopPrice,
		TakePrice:          p.TakePrice,
		HighestPrice:       p.EntryPrice,
		OpenedAt:           time.Now().UTC(),
		Status:             string(types.StatusOpen),
		DryRun:             p.DryRun,
		MomentumScore:      p.MomentumScore,
		DiscoveryReasoning: p.DiscoveryReason,
	}

	if err := s.db.Create(&m).Error; err != nil {
		return nil, fmt.Errorf("add position: %w", err)
	}
	return positionFromModel(m), nil
}

// ClosePosition conditionally closes an open position. Returns true iff one
// row changed.
func (s *Store) ClosePosition(id int64, exitPrice decimal.Decimal, reason types.CloseReason, pnl decimal.Decimal) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	reasonStr := string(reason)
	res := s.db.Model(&positionModel{}).
		Where("id = ? AND status = ?", uint64(id), string(types.StatusOpen)).
		Updates(map[string]any{
			"status":          string(types.StatusClosed),
			"closed_at":       now,
			"exit_price":      exitPrice,
			"realized_pnl_usd": pnl,
			"close_reason":    reasonStr,
		})
	if res.Error != nil {
		return false, fmt.Errorf("close position: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListOpenPositions returns open positions, optionally filtered by chain.
func (s *Store) ListOpenPositions(chain string) ([]types.Position, error) {
	q := s.db.Model(&positionModel{}).Where("status = ?", string(types.StatusOpen))
	if chain != "" {
		q = q.Where("chain = ?", normalizeChain(chain))
	}
	var rows []positionModel
	if err := q.Order("opened_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	return positionsFromModels(rows), nil
}

// ListClosedPositions returns up to limit closed positions, newest first.
func (s *Store) ListClosedPositions(limit int, chain string) ([]types.Position, error) {
	q := s.db.Model(&positionModel{}).Where("status = ?", string(types.StatusClosed))
	if chain != "" {
		q = q.Where("chain = ?", normalizeChain(chain))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []positionModel
	if err := q.Order("closed_at desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list closed positions: %w", err)
	}
	return positionsFromModels(rows), nil
}

// GetOpenPosition returns the open position for (token, chain), case
// insensitive on the address.
func (s *Store) GetOpenPosition(token, chain string) (*types.Position, error) {
	var m positionModel
	err := s.db.Model(&positionModel{}).
		Where("LOWER(token_address) = LOWER(?) AND chain = ? AND status = ?", token, normalizeChain(chain), string(types.StatusOpen)).
		First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open position: %w", err)
	}
	return positionFromModel(m), nil
}

// CountOpenPositions counts open positions on a chain.
func (s *Store) CountOpenPositions(chain string) (int64, error) {
	var n int64
	err := s.db.Model(&positionModel{}).
		Where("chain = ? AND status = ?", normalizeChain(chain), string(types.StatusOpen)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return n, nil
}

// UpdateTrailingStop conditionally writes a new stop/highest price, only
// while the position is still open and only when newStop is not below the
// stored stop price; the predicate keeps the ratchet monotonic even under
// concurrent writers. Returns false when no row matched.
func (s *Store) UpdateTrailingStop(id int64, newStop, newHighest decimal.Decimal) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := s.db.Model(&positionModel{}).
		Where("id = ? AND status = ? AND stop_price <= ?", uint64(id), string(types.StatusOpen), newStop).
		Updates(map[string]any{
			"stop_price":    newStop,
			"highest_price": newHighest,
		})
	if res.Error != nil {
		return false, fmt.Errorf("update trailing stop: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetDailyPnL sums realized PnL for positions closed on the given UTC day.
func (s *Store) GetDailyPnL(dayUTC time.Time) (decimal.Decimal, error) {
	dayStr := dayUTC.UTC().Format("2006-01-02")
	q := s.db.Model(&positionModel{}).
		Select("SUM(realized_pnl_usd)").
		Where("status = ?", string(types.StatusClosed))
	if s.isPostgres {
		q = q.Where("closed_at::date = ?::date", dayStr)
	} else {
		q = q.Where("strftime('%Y-%m-%d', closed_at) = ?", dayStr)
	}
	var sum *decimal.Decimal
	if err := q.Scan(&sum).Error; err != nil {
		return decimal.Zero, fmt.Errorf("get daily pnl: %w", err)
	}
	if sum == nil {
		return decimal.Zero, nil
	}
	return *sum, nil
}

// DeleteClosedData removes closed positions and their executions
// transactionally, returning the number of positions removed.
func (s *Store) DeleteClosedData() (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ids []uint64
		if err := tx.Model(&positionModel{}).
			Where("status = ?", string(types.StatusClosed)).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("position_id IN ?", ids).Delete(&executionModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&positionModel{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete closed data: %w", err)
	}
	return deleted, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTIONS
// ═══════════════════════════════════════════════════════════════════════════════

// RecordExecutionParams carries the fields for an append-only execution record.
type RecordExecutionParams struct {
	PositionID   *int64
	TokenAddr    string
	Symbol       string
	Chain        string
	Action       types.ExecutionAction
	RequestedUSD *decimal.Decimal
	ExecutedPrice *decimal.Decimal
	Quantity     *decimal.Decimal
	TxHash       string
	Success      bool
	Error        string
	MetadataJSON string
}

// RecordExecution appends one execution record.
func (s *Store) RecordExecution(p RecordExecutionParams) (*types.Execution, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var posID *uint64
	if p.PositionID != nil {
		v := uint64(*p.PositionID)
		posID = &v
	}

	m := executionModel{
		PositionID:           posID,
		TokenAddress:         p.TokenAddr,
		Symbol:               normalizeSymbol(p.Symbol),
		Chain:                normalizeChain(p.Chain),
		Action:               string(p.Action),
		RequestedNotionalUSD: p.RequestedUSD,
		ExecutedPrice:        p.ExecutedPrice,
		QuantityToken:        p.Quantity,
		TxHash:               p.TxHash,
		Success:              p.Success,
		Error:                p.Error,
		MetadataJSON:         p.MetadataJSON,
		CreatedAt:            time.Now().UTC(),
	}
	if err := s.db.Create(&m).Error; err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}
	return executionFromModel(m), nil
}

// GetLastEntryTime returns the most recent opened_at for (token, chain).
func (s *Store) GetLastEntryTime(token, chain string) (*time.Time, error) {
	var m positionModel
	err := s.db.Model(&positionModel{}).
		Where("LOWER(token_address) = LOWER(?) AND chain = ?", token, normalizeChain(chain)).
		Order("opened_at desc").
		First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last entry time: %w", err)
	}
	t := m.OpenedAt
	return &t, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SKIP-PHASE COUNTER
// ═══════════════════════════════════════════════════════════════════════════════

// IncrementNegativeSLCount upserts and increments negative_sl_count; if the
// resulting count is >= 2 and skip_phases is currently 0, skip_phases is
// set to 1 in the same write. Returns the resulting negative_sl_count.
func (s *Store) IncrementNegativeSLCount(token, chain string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	chain = normalizeChain(chain)
	now := time.Now().UTC()

	var result int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var m skipPhaseModel
		err := tx.Where("token_address = ? AND chain = ?", token, chain).First(&m).Error
		if err == gorm.ErrRecordNotFound {
			m = skipPhaseModel{TokenAddress: token, Chain: chain}
		} else if err != nil {
			return err
		}

		m.NegativeSLCount++
		m.LastNegativeSLAt = &now
		m.UpdatedAt = now
		if m.NegativeSLCount >= 2 && m.SkipPhases == 0 {
			m.SkipPhases = 1
		}
		result = m.NegativeSLCount

		return tx.Save(&m).Error
	})
	if err != nil {
		return 0, fmt.Errorf("increment negative sl count: %w", err)
	}
	return result, nil
}

// GetSkipPhases returns the current skip_phases value for (token, chain).
func (s *Store) GetSkipPhases(token, chain string) (int, error) {
	var m skipPhaseModel
	err := s.db.Where("token_address = ? AND chain = ?", token, normalizeChain(chain)).First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get skip phases: %w", err)
	}
	return m.SkipPhases, nil
}

// DecrementAllSkipPhases decrements every row with skip_phases > 0 on the
// given chain, then resets negative_sl_count to 0 for rows that just
// transitioned to 0. Returns the number of rows decremented.
func (s *Store) DecrementAllSkipPhases(chain string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	chain = normalizeChain(chain)
	now := time.Now().UTC()

	var decremented int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rows []skipPhaseModel
		if err := tx.Where("chain = ? AND skip_phases > 0", chain).Find(&rows).Error; err != nil {
			return err
		}
		for _, m := range rows {
			m.SkipPhases--
			m.UpdatedAt = now
			if m.SkipPhases == 0 {
				m.NegativeSLCount = 0
				m.LastNegativeSLAt = nil
			}
			if err := tx.Save(&m).Error; err != nil {
				return err
			}
			decremented++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("decrement all skip phases: %w", err)
	}
	return decremented, nil
}

// ResetSkipPhases forces skip_phases and negative_sl_count to 0 for (token, chain).
func (s *Store) ResetSkipPhases(token, chain string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := s.db.Model(&skipPhaseModel{}).
		Where("token_address = ? AND chain = ?", token, normalizeChain(chain)).
		Updates(map[string]any{
			"skip_phases":        0,
			"negative_sl_count":  0,
			"last_negative_sl_at": nil,
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("reset skip phases: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MODEL <-> DOMAIN CONVERSION
// ═══════════════════════════════════════════════════════════════════════════════

func positionFromModel(m positionModel) *types.Position {
	p := &types.Position{
		ID:              int64(m.ID),
		TokenAddr:       m.TokenAddress,
		Symbol:          m.Symbol,
		Chain:           m.Chain,
		EntryPrice:      m.EntryPrice,
		Quantity:        m.QuantityToken,
		NotionalUSD:     m.NotionalUSD,
		StopPrice:       m.StopPrice,
		TakePrice:       m.TakePrice,
		HighPrice:       m.HighestPrice,
		OpenedAt:        m.OpenedAt.UTC(),
		Status:          types.PositionStatus(m.Status),
		ClosedAt:        m.ClosedAt,
		ExitPrice:       m.ExitPrice,
		RealizedPnLUSD:  m.RealizedPnLUSD,
		DryRun:          m.DryRun,
		MomentumScore:   m.MomentumScore,
		DiscoveryReason: m.DiscoveryReasoning,
	}
	if m.CloseReason != nil {
		r := types.CloseReason(*m.CloseReason)
		p.CloseReason = &r
	}
	return p
}

func positionsFromModels(rows []positionModel) []types.Position {
	out := make([]types.Position, 0, len(rows))
	for _, m := range rows {
		out = append(out, *positionFromModel(m))
	}
	return out
}

func executionFromModel(m executionModel) *types.Execution {
	e := &types.Execution{
		ID:            int64(m.ID),
		TokenAddr:     m.TokenAddress,
		Symbol:        m.Symbol,
		Chain:         m.Chain,
		Action:        types.ExecutionAction(m.Action),
		RequestedUSD:  m.RequestedNotionalUSD,
		ExecutedPrice: m.ExecutedPrice,
		Quantity:      m.QuantityToken,
		TxHash:        m.TxHash,
		Success:       m.Success,
		Error:         m.Error,
		MetadataJSON:  m.MetadataJSON,
		CreatedAt:     m.CreatedAt.UTC(),
	}
	if m.PositionID != nil {
		v := int64(*m.PositionID)
		e.PositionID = &v
	}
	return e
}
