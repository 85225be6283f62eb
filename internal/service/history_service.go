package service

import (
	"context"
	"fmt"
	"time"

	"finledger/internal/model"
	"finledger/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

const (
	defaultHistoryLimit  = 10
	defaultHistoryMax    = 100
	defaultSummaryMonths = 6

	unknownItem   = "Unknown Item"
	unknownShop   = "Unknown Shop"
	uncategorized = "Uncategorized"
)

// HistoryService 流水查询，只读，不持有任何缓存
type HistoryService struct {
	ledger       LedgerReader
	defaultLimit int
	maxLimit     int
	now          func() time.Time
}

// NewHistoryService limit <= 0 时用 defaultLimit，超过 maxLimit 时截断
func NewHistoryService(ledger LedgerReader, defaultLimit, maxLimit int) *HistoryService {
	if maxLimit <= 0 {
		maxLimit = defaultHistoryMax
	}
	if defaultLimit <= 0 {
		defaultLimit = defaultHistoryLimit
	}
	defaultLimit = min(defaultLimit, maxLimit)
	return &HistoryService{ledger: ledger, defaultLimit: defaultLimit, maxLimit: maxLimit, now: time.Now}
}

// WithClock 替换统计窗口使用的当前时间
func (s *HistoryService) WithClock(now func() time.Time) *HistoryService {
	c := *s
	c.now = now
	return &c
}

// HistoryEntry 展示用流水
type HistoryEntry struct {
	TransactionNo string          `json:"transaction_no"`
	AccountID     string          `json:"account_id"`
	Kind          string          `json:"kind"`
	Label         string          `json:"label"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Timestamp     time.Time       `json:"timestamp"`

	// 转账
	CounterpartyAccountID string `json:"counterparty_account_id,omitempty"`
	Direction             string `json:"direction,omitempty"` // to / from
	TransferNo            string `json:"transfer_no,omitempty"`

	// 消费
	ItemID   string `json:"item_id,omitempty"`
	ItemName string `json:"item_name,omitempty"`
	ShopName string `json:"shop_name,omitempty"`
	Quantity int    `json:"quantity,omitempty"`
	Category string `json:"category,omitempty"`
}

// MonthlySummary 月份(YYYY-MM) -> 分类 -> 支出合计
type MonthlySummary map[string]map[string]decimal.Decimal

// RecentHistory 最近的流水，最新的在前
func (s *HistoryService) RecentHistory(ctx context.Context, accountID string, limit int) ([]HistoryEntry, error) {
	return s.list(ctx, accountID, limit, nil)
}

// PurchaseHistory 只看消费流水
func (s *HistoryService) PurchaseHistory(ctx context.Context, accountID string, limit int) ([]HistoryEntry, error) {
	return s.list(ctx, accountID, limit, []string{model.KindPurchase})
}

func (s *HistoryService) list(ctx context.Context, accountID string, limit int, kinds []string) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = s.defaultLimit
	}
	limit = min(limit, s.maxLimit)

	filter := repository.LedgerFilter{Kinds: kinds, PageSize: limit}
	entries := make([]HistoryEntry, 0, limit)
	for rec, err := range s.ledger.ListByAccount(ctx, accountID, filter) {
		if err != nil {
			return nil, fmt.Errorf("查询流水失败: %w", err)
		}
		entries = append(entries, decorate(rec))
		if len(entries) == limit {
			break
		}
	}
	return entries, nil
}

// MonthlyExpenseSummary 最近 months 个自然月的支出，按月份和分类汇总
// 窗口从 months-1 个月前那个月的 1 号开始，包含当前月
func (s *HistoryService) MonthlyExpenseSummary(ctx context.Context, accountID string, months int) (MonthlySummary, error) {
	if months <= 0 {
		months = defaultSummaryMonths
	}

	now := s.now().UTC()
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(months - 1), 0)

	summary := make(MonthlySummary)
	filter := repository.LedgerFilter{Since: since, Kinds: model.DebitKinds}
	for rec, err := range s.ledger.ListByAccount(ctx, accountID, filter) {
		if err != nil {
			return nil, fmt.Errorf("查询流水失败: %w", err)
		}

		month := rec.CreatedAt.UTC().Format("2006-01")
		category := metaString(rec.Metadata, model.MetaCategory, uncategorized)

		byCategory, ok := summary[month]
		if !ok {
			byCategory = make(map[string]decimal.Decimal)
			summary[month] = byCategory
		}
		byCategory[category] = byCategory[category].Add(rec.Amount)
	}
	return summary, nil
}

func decorate(rec *model.TransactionRecord) HistoryEntry {
	entry := HistoryEntry{
		TransactionNo: rec.TransactionNo,
		AccountID:     rec.AccountID,
		Kind:          rec.Kind,
		Label:         model.KindLabel(rec.Kind),
		Amount:        rec.Amount,
		BalanceAfter:  rec.BalanceAfter,
		Timestamp:     rec.CreatedAt,
	}

	switch rec.Kind {
	case model.KindTransferOut:
		entry.CounterpartyAccountID = rec.CounterpartyAccountID
		entry.Direction = "to"
		entry.TransferNo = rec.TransferNo
	case model.KindTransferIn:
		entry.CounterpartyAccountID = rec.CounterpartyAccountID
		entry.Direction = "from"
		entry.TransferNo = rec.TransferNo
	case model.KindPurchase:
		entry.ItemID = metaString(rec.Metadata, model.MetaItemID, "")
		entry.ItemName = metaString(rec.Metadata, model.MetaItemName, unknownItem)
		entry.ShopName = metaString(rec.Metadata, model.MetaShopName, unknownShop)
		entry.Category = metaString(rec.Metadata, model.MetaCategory, uncategorized)
		entry.Quantity = 1
		if v, ok := rec.Metadata[model.MetaQuantity]; ok {
			// JSON 反序列化后数字是 float64，也可能是字符串
			if q, err := cast.ToIntE(v); err == nil && q > 0 {
				entry.Quantity = q
			}
		}
	}
	return entry
}

func metaString(meta model.Metadata, key, fallback string) string {
	v, ok := meta[key]
	if !ok || v == nil {
		return fallback
	}
	s := cast.ToString(v)
	if s == "" {
		return fallback
	}
	return s
}
