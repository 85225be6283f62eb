package handler

import (
	"context"
	"errors"
	"strconv"

	"finledger/internal/config"
	"finledger/internal/model"
	"finledger/internal/service"
	"finledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	accountService  *service.AccountService
	transferService *service.TransferService
	historyService  *service.HistoryService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	deps := service.NewDeps(db, rdb, cfg)
	return &Handler{
		accountService:  service.NewAccountService(deps),
		transferService: service.NewTransferService(deps),
		historyService:  service.NewHistoryService(deps.Ledger, deps.HistoryLimit, deps.HistoryMaxLimit),
	}
}

// requestID body 里没有时取请求头 Idempotency-Key 或 X-Request-ID
func requestID(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		return key
	}
	return c.GetHeader("X-Request-ID")
}

// 业务错误 -> 响应码，顺序从具体到笼统
var errorCodes = []struct {
	err  error
	code int
}{
	{service.ErrInvalidAmount, response.CodeInvalidAmount},
	{service.ErrSameAccount, response.CodeSameAccount},
	{service.ErrRecipientNotFound, response.CodeRecipientNotFound},
	{service.ErrAccountNotFound, response.CodeAccountNotFound},
	{service.ErrInsufficientFunds, response.CodeBalanceNotEnough},
	{service.ErrDuplicateRequest, response.CodeDuplicateRequest},
	{service.ErrAliasTaken, response.CodeAliasTaken},
	{service.ErrTransferFailed, response.CodeTransferFailed},
	{service.ErrConflict, response.CodeConflict},
	{service.ErrStorageUnavailable, response.CodeStorageUnavailable},
}

func writeError(c *gin.Context, err error) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			response.BusinessError(c, e.code, e.err.Error())
			return
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		response.ServerError(c, "请求已取消")
		return
	}
	zap.L().Error("请求处理失败", zap.String("path", c.FullPath()), zap.Error(err))
	response.ServerError(c, "服务器内部错误")
}

// ============================================================
// 账户相关接口
// ============================================================

type RegisterRequest struct {
	Alias string `json:"alias"`
}

// Register 开户
// POST /api/v1/account/register
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, err := h.accountService.Register(c.Request.Context(), req.Alias)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id": account.ID,
	})
}

// GetBalance 查询余额
// GET /api/v1/account/balance?account_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id 参数不能为空")
		return
	}

	account, err := h.accountService.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id": account.ID,
		"alias":      account.Alias,
		"balance":    account.Balance,
		"version":    account.Version,
	})
}

// MutationBody 存款/取款请求
type MutationBody struct {
	AccountID string          `json:"account_id" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	RequestID string          `json:"request_id"` // 幂等ID，可选
}

func mutationResponse(res *service.MutationResult) gin.H {
	return gin.H{
		"account_id":     res.Account.ID,
		"balance":        res.Account.Balance,
		"transaction_no": res.Record.TransactionNo,
		"replayed":       res.Replayed,
	}
}

// Deposit 存款
// POST /api/v1/account/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req MutationBody
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	res, err := h.accountService.Deposit(c.Request.Context(), service.MutationRequest{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		RequestID: requestID(c, req.RequestID),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, mutationResponse(res))
}

// Withdraw 取款
// POST /api/v1/account/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req MutationBody
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	res, err := h.accountService.Withdraw(c.Request.Context(), service.MutationRequest{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		RequestID: requestID(c, req.RequestID),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, mutationResponse(res))
}

// ============================================================
// 消费接口
// ============================================================

// PurchaseBody 消费请求，商品信息写进流水元数据
type PurchaseBody struct {
	AccountID string          `json:"account_id" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	ItemID    string          `json:"item_id"`
	ItemName  string          `json:"item_name"`
	ShopName  string          `json:"shop_name"`
	Category  string          `json:"category"`
	Quantity  int             `json:"quantity" binding:"omitempty,gte=1"`
	RequestID string          `json:"request_id"`
}

func (b PurchaseBody) metadata() model.Metadata {
	meta := model.Metadata{}
	set := func(key, value string) {
		if value != "" {
			meta[key] = value
		}
	}
	set(model.MetaItemID, b.ItemID)
	set(model.MetaItemName, b.ItemName)
	set(model.MetaShopName, b.ShopName)
	set(model.MetaCategory, b.Category)
	if b.Quantity > 0 {
		meta[model.MetaQuantity] = b.Quantity
	}
	return meta
}

// Purchase 消费扣款
// POST /api/v1/purchase/execute
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseBody
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	res, err := h.accountService.Purchase(c.Request.Context(), service.MutationRequest{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		RequestID: requestID(c, req.RequestID),
		Metadata:  req.metadata(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, mutationResponse(res))
}

// ============================================================
// 转账接口
// ============================================================

// TransferBody 转账请求，收款方用账户ID或别名（如邮箱）指定
type TransferBody struct {
	FromAccountID string          `json:"from_account_id" binding:"required"`
	ToAccountID   string          `json:"to_account_id"`
	ToAlias       string          `json:"to_alias"`
	Amount        decimal.Decimal `json:"amount"`
	RequestID     string          `json:"request_id"`
}

// Transfer 转账
// POST /api/v1/transfer/execute
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferBody
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.ToAccountID == "" && req.ToAlias == "" {
		response.ParamError(c, "to_account_id 和 to_alias 不能同时为空")
		return
	}

	ctx := c.Request.Context()
	toAccountID := req.ToAccountID
	if toAccountID == "" {
		id, err := h.accountService.ResolveAlias(ctx, req.ToAlias)
		if err != nil {
			if errors.Is(err, service.ErrAccountNotFound) {
				err = service.ErrRecipientNotFound
			}
			writeError(c, err)
			return
		}
		toAccountID = id
	}

	res, err := h.transferService.Transfer(ctx, service.TransferRequest{
		FromAccountID: req.FromAccountID,
		ToAccountID:   toAccountID,
		Amount:        req.Amount,
		RequestID:     requestID(c, req.RequestID),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, res)
}

// ============================================================
// 流水查询接口
// ============================================================

// RecentHistory 最近流水
// GET /api/v1/history/recent?account_id=xxx&limit=10
func (h *Handler) RecentHistory(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id 参数不能为空")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	entries, err := h.historyService.RecentHistory(c.Request.Context(), accountID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":  entries,
		"total": len(entries),
	})
}

// PurchaseHistory 消费记录
// GET /api/v1/history/purchases?account_id=xxx&limit=10
func (h *Handler) PurchaseHistory(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id 参数不能为空")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	entries, err := h.historyService.PurchaseHistory(c.Request.Context(), accountID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":  entries,
		"total": len(entries),
	})
}

// MonthlySummary 月度支出统计
// GET /api/v1/history/monthly?account_id=xxx&months=6
func (h *Handler) MonthlySummary(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id 参数不能为空")
		return
	}
	months, _ := strconv.Atoi(c.DefaultQuery("months", "0"))

	summary, err := h.historyService.MonthlyExpenseSummary(c.Request.Context(), accountID, months)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, summary)
}
