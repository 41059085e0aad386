package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	statusSettled   = "settled"
	statusRefunded  = "refunded"
	statusApplied   = "applied"
	statusDuplicate = "duplicate"
)

type httpHandler struct {
	ledger  Ledger
	logger  *zap.Logger
	timeout time.Duration
}

type reserveRequest struct {
	UserID     string          `json:"user_id"`
	Cost       int64           `json:"cost"`
	ActionKind string          `json:"action_kind"`
	Metadata   json.RawMessage `json:"metadata"`
}

type settleRequest struct {
	ResultRef string `json:"result_ref"`
}

type topUpRequest struct {
	ExternalKey string          `json:"external_key"`
	UserID      string          `json:"user_id"`
	Tokens      int64           `json:"tokens"`
	Metadata    json.RawMessage `json:"metadata"`
}

type entryPayload struct {
	EntryID              string          `json:"entry_id"`
	Kind                 string          `json:"kind"`
	Amount               int64           `json:"amount"`
	Status               string          `json:"status"`
	ActionKind           string          `json:"action_kind,omitempty"`
	ResultRef            string          `json:"result_ref,omitempty"`
	ExternalKey          string          `json:"external_key,omitempty"`
	Metadata             json.RawMessage `json:"metadata"`
	CreatedUnixUTC       int64           `json:"created_unix_utc"`
	ResolvedUnixUTC      int64           `json:"resolved_unix_utc,omitempty"`
	ReservedUntilUnixUTC int64           `json:"reserved_until_unix_utc,omitempty"`
}

// cursorPayload holds the query values that fetch the following page.
type cursorPayload struct {
	Before        int64  `json:"before"`
	BeforeEntryID string `json:"before_entry_id"`
}

type entriesResponse struct {
	Entries []entryPayload `json:"entries"`
	Next    *cursorPayload `json:"next,omitempty"`
}

func (handler *httpHandler) handleReserve(ctx *gin.Context) {
	var request reserveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	cost, err := ledger.NewTokenAmount(request.Cost)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	actionKind, err := ledger.NewActionKind(request.ActionKind)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := ledger.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.ledger.Reserve(requestCtx, userID, cost, actionKind, metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"charge_id":   reservation.ChargeID.String(),
		"new_balance": reservation.NewBalance.Int64(),
	})
}

func (handler *httpHandler) handleSettle(ctx *gin.Context) {
	chargeID, err := ledger.NewChargeID(ctx.Param("charge_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request settleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	resultRef, err := ledger.NewResultRef(request.ResultRef)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.ledger.Settle(requestCtx, chargeID, resultRef); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"charge_id": chargeID.String(), "status": statusSettled})
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	chargeID, err := ledger.NewChargeID(ctx.Param("charge_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.ledger.Refund(requestCtx, chargeID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"charge_id": chargeID.String(), "status": statusRefunded})
}

func (handler *httpHandler) handleTopUp(ctx *gin.Context) {
	var request topUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	externalKey, err := ledger.NewExternalKey(request.ExternalKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	tokens, err := ledger.NewTokenAmount(request.Tokens)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := ledger.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	topUp, err := handler.ledger.ApplyTopUp(requestCtx, externalKey, userID, tokens, metadata)
	if ledger.IsDuplicate(err) {
		ctx.JSON(http.StatusOK, gin.H{"status": statusDuplicate})
		return
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":      statusApplied,
		"entry_id":    topUp.EntryID.String(),
		"new_balance": topUp.NewBalance.Int64(),
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.ledger.GetBalance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "balance": balance.Int64()})
}

func (handler *httpHandler) handleEntries(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	before, err := parseQueryInt(ctx, "before")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_argument", "before must be a unix timestamp"))
		return
	}
	limit, err := parseQueryInt(ctx, "limit")
	if err != nil || limit < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_argument", "limit must be a non-negative integer"))
		return
	}
	cursor := ledger.EntryCursor{BeforeUnixUTC: before}
	if rawEntryID := strings.TrimSpace(ctx.Query("before_entry_id")); rawEntryID != "" {
		if before <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_argument", "before_entry_id requires before"))
			return
		}
		cursor.BeforeEntryID, err = ledger.NewEntryID(rawEntryID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entries, err := handler.ledger.ListEntries(requestCtx, userID, cursor, int(limit))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := entriesResponse{Entries: make([]entryPayload, 0, len(entries))}
	for _, entry := range entries {
		response.Entries = append(response.Entries, toEntryPayload(entry))
	}
	if len(entries) > 0 {
		next := ledger.CursorAfter(entries[len(entries)-1])
		response.Next = &cursorPayload{Before: next.BeforeUnixUTC, BeforeEntryID: next.BeforeEntryID.String()}
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

// respondError maps the error kind onto an HTTP status; the body carries the lowercase kind as its code.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	kind := ledger.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("ledger request failed",
			zap.String("request_id", ctx.GetString(contextRequestID)),
			zap.String("error_kind", string(kind)),
			zap.Error(err),
		)
	}
	code := strings.ToLower(string(kind))
	message := err.Error()
	if kind == ledger.KindUnknown {
		code = "internal_error"
		message = "internal error"
	}
	ctx.JSON(status, errorResponse(code, message))
}

func statusForKind(kind ledger.ErrorKind) int {
	switch kind {
	case ledger.KindNotEnoughTokens:
		return http.StatusPaymentRequired
	case ledger.KindChargeNotFound:
		return http.StatusNotFound
	case ledger.KindChargeAlreadySettled, ledger.KindChargeAlreadyRefunded, ledger.KindDuplicateExternalEvent:
		return http.StatusConflict
	case ledger.KindInvalidAmount, ledger.KindInvalidArgument:
		return http.StatusBadRequest
	case ledger.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseQueryInt(ctx *gin.Context, name string) (int64, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func toEntryPayload(entry ledger.Entry) entryPayload {
	payload := entryPayload{
		EntryID:              entry.ID().String(),
		Kind:                 entry.Kind().String(),
		Amount:               entry.Amount().Int64(),
		Status:               entry.Status().String(),
		ActionKind:           entry.ActionKind().String(),
		ResultRef:            entry.ResultRef().String(),
		Metadata:             json.RawMessage(entry.Metadata().String()),
		CreatedUnixUTC:       entry.CreatedUnixUTC(),
		ResolvedUnixUTC:      entry.ResolvedUnixUTC(),
		ReservedUntilUnixUTC: entry.ReservedUntilUnixUTC(),
	}
	if externalKey, ok := entry.ExternalKey(); ok {
		payload.ExternalKey = externalKey.String()
	}
	return payload
}
