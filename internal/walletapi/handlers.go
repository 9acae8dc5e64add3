package walletapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/walletsync/internal/pushfeed"
	"github.com/MarkoPoloResearchLab/walletsync/internal/redemption"
	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

const (
	redemptionStatusCompleted = "completed"
	redemptionStatusPending   = "pending"
	redemptionStatusDuplicate = "duplicate"
	maxPushPayloadBytes       = 64 << 10
)

type httpHandler struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
	nowFn  func() time.Time
}

func newHTTPHandler(cfg Config, deps Dependencies, logger *zap.Logger) (*httpHandler, error) {
	if deps.Wallets == nil {
		return nil, fmt.Errorf("%w: wallet directory is nil", wallet.ErrInvalidServiceConfig)
	}
	if deps.Redeemer == nil {
		return nil, fmt.Errorf("%w: redeemer is nil", wallet.ErrInvalidServiceConfig)
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger client is nil", wallet.ErrInvalidServiceConfig)
	}
	return &httpHandler{cfg: cfg, deps: deps, logger: logger, nowFn: time.Now}, nil
}

type pageParams struct {
	Anchor    string `form:"anchor"`
	Direction string `form:"direction"`
	PageSize  int    `form:"page_size"`
}

type historyParams struct {
	After    string `form:"after"`
	From     string `form:"from"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, handle, ok := handler.resolveWallet(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	view, err := handle.View(requestCtx)
	if err != nil {
		handler.respondError(ctx, userID, err)
		return
	}
	ctx.JSON(http.StatusOK, WalletEnvelope{Wallet: walletPayload(view)})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, handle, ok := handler.resolveWallet(ctx)
	if !ok {
		return
	}
	var params pageParams
	if err := ctx.ShouldBindQuery(&params); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "expected anchor, direction and page_size"))
		return
	}
	query := wallet.PageQuery{PageSize: params.PageSize}
	switch wallet.PageDirection(params.Direction) {
	case "", wallet.DirectionFrom:
		query.Direction = wallet.DirectionFrom
	case wallet.DirectionAfter:
		query.Direction = wallet.DirectionAfter
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "direction must be from or after"))
		return
	}
	if params.Anchor != "" {
		anchor, err := wallet.NewTransactionID(params.Anchor)
		if err != nil {
			handler.respondError(ctx, userID, err)
			return
		}
		query.Anchor = anchor
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	var page wallet.TransactionPage
	err := handle.Do(requestCtx, func(engine *wallet.Engine) error {
		var pageErr error
		page, pageErr = engine.Page(query)
		return pageErr
	})
	if err != nil {
		handler.respondError(ctx, userID, err)
		return
	}
	ctx.JSON(http.StatusOK, pageEnvelope(page))
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	var params historyParams
	if err := ctx.ShouldBindQuery(&params); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "expected after, from, page and page_size"))
		return
	}
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = handler.cfg.HistoryPageSize
	}
	pager, err := wallet.NewPager(handler.deps.Ledger, userID, pageSize)
	if err != nil {
		handler.respondError(ctx, userID, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	var page wallet.TransactionPage
	switch {
	case params.After != "":
		last, idErr := wallet.NewTransactionID(params.After)
		if idErr != nil {
			handler.respondError(ctx, userID, idErr)
			return
		}
		previous := wallet.TransactionPage{
			Items:     []wallet.Transaction{{ID: last}},
			HasNext:   true,
			Guarantee: wallet.GuaranteeAnchored,
		}
		page, err = pager.Next(requestCtx, previous)
	case params.From != "":
		cursor, idErr := wallet.NewTransactionID(params.From)
		if idErr != nil {
			handler.respondError(ctx, userID, idErr)
			return
		}
		page, err = pager.Reload(requestCtx, wallet.TransactionPage{Cursor: cursor, Guarantee: wallet.GuaranteeAnchored})
	case params.Page > 1:
		page, err = pager.Reload(requestCtx, wallet.TransactionPage{Guarantee: wallet.GuaranteeOffset, Page: params.Page})
	default:
		page, err = pager.Open(requestCtx)
	}
	if err != nil {
		handler.respondError(ctx, userID, err)
		return
	}
	ctx.JSON(http.StatusOK, pageEnvelope(page))
}

func (handler *httpHandler) handleNotices(ctx *gin.Context) {
	userID, handle, ok := handler.resolveWallet(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	var notices []wallet.Notice
	err := handle.Do(requestCtx, func(engine *wallet.Engine) error {
		notices = engine.RecentNotices()
		return nil
	})
	if err != nil {
		handler.respondError(ctx, userID, err)
		return
	}
	payload := make([]NoticePayload, 0, len(notices))
	for _, notice := range notices {
		payload = append(payload, noticePayload(notice))
	}
	ctx.JSON(http.StatusOK, NoticesEnvelope{Notices: payload})
}

func (handler *httpHandler) handleDelta(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	var request deltaRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	rawEventID := request.EventID
	if rawEventID == "" {
		rawEventID = fmt.Sprintf("local:%s", uuid.NewString())
	}
	eventID, err := wallet.NewEventID(rawEventID)
	if err != nil {
		handler.respondError(ctx, userID, err)
		return
	}
	delta, err := wallet.NewDelta(request.AmountDelta)
	if err != nil {
		handler.respondError(ctx, userID, err)
		return
	}
	signal, err := wallet.NewLocalSignal(userID, eventID, delta, handler.nowFn())
	if err != nil {
		handler.respondError(ctx, userID, err)
		return
	}
	accepted := handler.deps.Wallets.Submit(signal)
	ctx.JSON(http.StatusAccepted, SignalEnvelope{EventID: eventID.String(), Accepted: accepted})
}

func (handler *httpHandler) handleRedemption(ctx *gin.Context) {
	userID, handle, ok := handler.resolveWallet(ctx)
	if !ok {
		return
	}
	var request redemptionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	cost, err := wallet.NewPositiveAmount(request.Cost)
	if err != nil {
		handler.respondError(ctx, userID, err)
		return
	}
	rawKey := request.IdempotencyKey
	if rawKey == "" {
		rawKey = fmt.Sprintf("redeem:%s", uuid.NewString())
	}
	key, err := wallet.NewIdempotencyKey(rawKey)
	if err != nil {
		handler.respondError(ctx, userID, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.deps.Redeemer.Redeem(requestCtx, redemption.Request{
		UserID:         userID,
		Cost:           cost,
		IdempotencyKey: key,
		ItemRef:        request.ItemRef,
		Description:    request.Description,
	})
	if err != nil {
		handler.respondError(ctx, userID, err)
		return
	}
	view, err := handle.View(requestCtx)
	if err != nil {
		handler.respondError(ctx, userID, err)
		return
	}
	envelope := RedemptionEnvelope{
		Status:      redemptionStatus(result),
		NewBalance:  result.NewBalance.Int64(),
		Transaction: transactionPayload(result.Transaction),
		Wallet:      walletPayload(view),
	}
	if result.Discrepancy != nil {
		discrepancy := noticePayload(*result.Discrepancy)
		envelope.Discrepancy = &discrepancy
	}
	ctx.JSON(http.StatusOK, envelope)
}

func (handler *httpHandler) handleRefresh(ctx *gin.Context) {
	_, handle, ok := handler.resolveWallet(ctx)
	if !ok {
		return
	}
	handle.RequestRefresh()
	ctx.JSON(http.StatusAccepted, gin.H{"status": "refresh_requested"})
}

func (handler *httpHandler) handlePush(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	payload, err := readPushPayload(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected push envelope"))
		return
	}
	signal, err := pushfeed.DecodeEnvelope(payload)
	if err != nil {
		handler.respondError(ctx, userID, err)
		return
	}
	if signal.UserID != userID {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "push targets another user"))
		return
	}
	accepted := handler.deps.Wallets.Submit(signal)
	ctx.JSON(http.StatusAccepted, SignalEnvelope{EventID: signal.EventID.String(), Accepted: accepted})
}

func (handler *httpHandler) handleSweep(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if !slices.Contains(claims.GetUserRoles(), handler.cfg.AdminRole) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
		return
	}
	if handler.deps.TriggerSweep == nil {
		ctx.JSON(http.StatusNotFound, errorResponse("not_configured", "entitlement sweeps are disabled"))
		return
	}
	started := handler.deps.TriggerSweep()
	ctx.JSON(http.StatusAccepted, SweepEnvelope{Started: started})
}

func (handler *httpHandler) requireUser(ctx *gin.Context) (wallet.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return wallet.UserID{}, false
	}
	userID, err := wallet.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session without user"))
		return wallet.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) resolveWallet(ctx *gin.Context) (wallet.UserID, Wallet, bool) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return wallet.UserID{}, nil, false
	}
	handle, err := handler.deps.Wallets.Wallet(userID)
	if err != nil {
		handler.respondError(ctx, userID, err)
		return wallet.UserID{}, nil, false
	}
	return userID, handle, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, userID wallet.UserID, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed",
			zap.String("path", ctx.FullPath()),
			zap.String("user_id", userID.String()),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, wallet.ErrRedemptionInFlight):
		return http.StatusConflict, "redemption_in_flight"
	case errors.Is(err, wallet.ErrRedemptionRejected):
		return http.StatusUnprocessableEntity, "redemption_rejected"
	case errors.Is(err, wallet.ErrRedemptionTimeout):
		return http.StatusGatewayTimeout, "redemption_timeout"
	case errors.Is(err, wallet.ErrUnknownAnchor):
		return http.StatusNotFound, "unknown_anchor"
	case errors.Is(err, wallet.ErrNetwork):
		return http.StatusBadGateway, "ledger_unavailable"
	case errors.Is(err, wallet.ErrEngineClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, wallet.ErrInvalidUserID),
		errors.Is(err, wallet.ErrInvalidEventID),
		errors.Is(err, wallet.ErrInvalidTransactionID),
		errors.Is(err, wallet.ErrInvalidIdempotencyKey),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidDelta),
		errors.Is(err, wallet.ErrInvalidSignal),
		errors.Is(err, wallet.ErrInvalidPageSize):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func redemptionStatus(result redemption.Result) string {
	switch {
	case result.Duplicate:
		return redemptionStatusDuplicate
	case result.Pending:
		return redemptionStatusPending
	default:
		return redemptionStatusCompleted
	}
}

func readPushPayload(ctx *gin.Context) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxPushPayloadBytes+1))
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 || len(payload) > maxPushPayloadBytes {
		return nil, fmt.Errorf("push payload size %d out of range", len(payload))
	}
	return payload, nil
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
