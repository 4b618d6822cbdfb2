package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/chatcredits/internal/catalog"
	"github.com/MarkoPoloResearchLab/chatcredits/internal/providers"
	"github.com/MarkoPoloResearchLab/chatcredits/internal/rate"
	"github.com/MarkoPoloResearchLab/chatcredits/pkg/credits"
)

const webhookSecretHeader = "X-Webhook-Secret"

// Dependencies are the wired components the HTTP API serves.
type Dependencies struct {
	Logger   *zap.Logger
	Service  *credits.Service
	Catalog  *catalog.Catalog
	Registry *providers.Registry
	Limiter  *rate.Limiter
}

// Run boots the HTTP API using the supplied configuration.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if deps.Logger == nil || deps.Service == nil || deps.Catalog == nil {
		return fmt.Errorf("logger, service and catalog are required")
	}

	handler := &httpHandler{
		logger:   deps.Logger,
		service:  deps.Service,
		catalog:  deps.Catalog,
		registry: deps.Registry,
		limiter:  deps.Limiter,
		cfg:      cfg,
	}

	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/checkout", handler.handleCheckoutWebhook)

	api := router.Group("/api")
	api.Use(sessionMiddleware(cfg))

	api.GET("/session", handler.handleSession)
	api.GET("/balance", handler.handleBalance)
	api.GET("/history", handler.handleHistory)
	api.GET("/models", handler.handleModels)
	api.GET("/providers", handler.handleProviders)
	api.POST("/usage", handler.handleUsage)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	service  *credits.Service
	catalog  *catalog.Catalog
	registry *providers.Registry
	limiter  *rate.Limiter
	cfg      Config
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	expires := int64(0)
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Unix()
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.Subject,
		"email":   claims.Email,
		"expires": expires,
	})
}

// handleBalance never fails the page: a storage error is logged and reported
// as a zero balance so the client renders instead of erroring.
func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	balance, err := handler.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{"balance": int64(0)})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance.Int64()})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	kind, err := credits.ParseHistoryKind(ctx.DefaultQuery("kind", string(credits.HistoryUsages)))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_kind", "kind must be purchase or usage"))
		return
	}
	limit := handler.cfg.HistoryLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a positive integer"))
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	switch kind {
	case credits.HistoryPurchases:
		records, listErr := handler.service.PurchaseHistory(ctx.Request.Context(), userID, limit)
		if listErr != nil {
			handler.logger.Error("purchase history failed", zap.String("user_id", userID.String()), zap.Error(listErr))
			ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "history unavailable"))
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"kind": kind, "records": purchasePayloads(records)})
	default:
		records, listErr := handler.service.UsageHistory(ctx.Request.Context(), userID, limit)
		if listErr != nil {
			handler.logger.Error("usage history failed", zap.String("user_id", userID.String()), zap.Error(listErr))
			ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "history unavailable"))
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"kind": kind, "records": usagePayloads(records)})
	}
}

func (handler *httpHandler) handleModels(ctx *gin.Context) {
	models := handler.catalog.Models()
	grouped := catalog.GroupByProvider(models)
	groups := make([]modelGroupPayload, 0, len(grouped))
	for _, provider := range catalog.Providers(models) {
		entries := make([]modelPayload, 0, len(grouped[provider]))
		for _, model := range grouped[provider] {
			entries = append(entries, modelPayload{
				ID:                model.ID,
				Name:              model.Name,
				Description:       model.Description,
				Provider:          string(model.Provider),
				CreditsPerMessage: model.CreditsPerMessage,
				IsPaid:            model.IsPaid,
				Reasoning:         model.Reasoning,
			})
		}
		groups = append(groups, modelGroupPayload{Provider: string(provider), Models: entries})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"default_model_id": handler.catalog.DefaultModelID(),
		"providers":        groups,
	})
}

func (handler *httpHandler) handleProviders(ctx *gin.Context) {
	if handler.registry == nil {
		ctx.JSON(http.StatusOK, gin.H{"enabled": false, "configured": []string{}})
		return
	}
	configured := handler.registry.Configured()
	names := make([]string, 0, len(configured))
	for _, provider := range configured {
		names = append(names, string(provider))
	}
	response := gin.H{
		"enabled":    len(names) > 0,
		"configured": names,
	}
	if fallback, ok := handler.registry.Fallback(); ok {
		response["fallback"] = string(fallback)
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleUsage(ctx *gin.Context) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	var request usageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	modelID, err := credits.NewModelID(request.ModelID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_model", "model_id is required"))
		return
	}

	if handler.limiter != nil {
		retryAfter, allowed, limitErr := handler.limiter.AllowUsage(ctx.Request.Context(), userID.String())
		if limitErr != nil {
			// Rate limiting is advisory; a broken limiter must not block billing.
			handler.logger.Warn("rate limiter unavailable", zap.Error(limitErr))
		} else if !allowed {
			ctx.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			ctx.JSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
			return
		}
	}

	record, err := handler.service.RecordUsage(ctx.Request.Context(), userID, modelID)
	if err != nil {
		if errors.Is(err, credits.ErrModelNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("model_not_found", "unknown model id"))
			return
		}
		handler.logger.Error("usage record failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "usage not recorded"))
		return
	}

	balance, err := handler.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"usage":   usagePayloadFromRecord(record),
		"balance": balance.Int64(),
	})
}

// handleCheckoutWebhook records a confirmed purchase. Replayed deliveries of
// the same transaction id answer 200 so the payment provider stops retrying.
func (handler *httpHandler) handleCheckoutWebhook(ctx *gin.Context) {
	secret := ctx.GetHeader(webhookSecretHeader)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(handler.cfg.WebhookSecret)) != 1 {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "bad webhook secret"))
		return
	}
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "user_id is required"))
		return
	}
	transactionID, err := credits.NewTransactionID(request.TransactionID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_transaction", "transaction_id is required"))
		return
	}
	creditsAmount, err := credits.NewPurchaseCredits(request.CreditsAmount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credits", "credits_amount must be positive"))
		return
	}
	costValue, err := decimal.NewFromString(request.CostInDollars)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_cost", "cost_in_dollars must be a decimal string"))
		return
	}
	costInDollars, err := credits.NewPurchaseCost(costValue)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_cost", "cost_in_dollars must be positive"))
		return
	}
	metadata, err := credits.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
		return
	}

	if err := handler.service.RecordPurchase(ctx.Request.Context(), userID, transactionID, creditsAmount, costInDollars, metadata); err != nil {
		handler.logger.Error("purchase record failed",
			zap.String("user_id", userID.String()),
			zap.String("transaction_id", transactionID.String()),
			zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "purchase not recorded"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) requireUserID(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(claims.Subject)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return credits.UserID{}, false
	}
	return userID, true
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type usageRequest struct {
	ModelID string `json:"model_id"`
}

type checkoutRequest struct {
	UserID        string         `json:"user_id"`
	TransactionID string         `json:"transaction_id"`
	CreditsAmount int64          `json:"credits_amount"`
	CostInDollars string         `json:"cost_in_dollars"`
	Metadata      map[string]any `json:"metadata"`
}

type modelGroupPayload struct {
	Provider string         `json:"provider"`
	Models   []modelPayload `json:"models"`
}

type modelPayload struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	Provider          string `json:"provider"`
	CreditsPerMessage int64  `json:"credits_per_message"`
	IsPaid            bool   `json:"is_paid"`
	Reasoning         bool   `json:"reasoning"`
}

type purchasePayload struct {
	TransactionID  string          `json:"transaction_id"`
	Credits        int64           `json:"credits"`
	CostInDollars  string          `json:"cost_in_dollars"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type usagePayload struct {
	UsageID        string `json:"usage_id"`
	ModelID        string `json:"model_id"`
	CreditsUsed    int64  `json:"credits_used"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func purchasePayloads(records []credits.PurchaseRecord) []purchasePayload {
	payloads := make([]purchasePayload, 0, len(records))
	for _, record := range records {
		metadata := record.MetadataJSON
		if metadata == "" {
			metadata = "{}"
		}
		payloads = append(payloads, purchasePayload{
			TransactionID:  record.TransactionID,
			Credits:        record.Credits.Int64(),
			CostInDollars:  record.CostInDollars.StringFixed(2),
			Metadata:       json.RawMessage(metadata),
			CreatedUnixUTC: record.CreatedUnixUTC,
		})
	}
	return payloads
}

func usagePayloads(records []credits.UsageRecord) []usagePayload {
	payloads := make([]usagePayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, usagePayloadFromRecord(record))
	}
	return payloads
}

func usagePayloadFromRecord(record credits.UsageRecord) usagePayload {
	return usagePayload{
		UsageID:        record.UsageID,
		ModelID:        record.ModelID,
		CreditsUsed:    record.CreditsUsed.Int64(),
		CreatedUnixUTC: record.CreatedUnixUTC,
	}
}
