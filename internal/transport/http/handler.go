package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/richardliu001/order-service/internal/apperr"
	"github.com/richardliu001/order-service/internal/idempotency"
	"github.com/richardliu001/order-service/internal/model"
	"github.com/richardliu001/order-service/internal/pagination"
	"github.com/richardliu001/order-service/internal/service"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerIfMatch        = "If-Match"
	headerReplayed       = "Idempotent-Replayed"
)

func RegisterHandlers(r *gin.Engine, svc *service.OrderService, coord *idempotency.Coordinator) {
	r.GET("/healthz", healthHandler())

	orders := r.Group("/orders")
	{
		orders.POST("", createHandler(svc, coord))
		orders.GET("", listHandler(svc))
		orders.GET("/:id", getHandler(svc))
		orders.PATCH("/:id/confirm", confirmHandler(svc, coord))
		orders.POST("/:id/close", closeHandler(svc, coord))
	}
}

type confirmReq struct {
	TotalCents *int64 `json:"totalCents" binding:"required,min=0"`
}

type closeResp struct {
	ID      string       `json:"id"`
	Status  model.Status `json:"status"`
	Version int64        `json:"version"`
}

type listResp struct {
	Items      []model.Order `json:"items"`
	NextCursor *string       `json:"nextCursor"`
}

// createHandler requires an Idempotency-Key. The body carries no fields but
// its bytes take part in the key's fingerprint.
func createHandler(svc *service.OrderService, coord *idempotency.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString(ctxTenantKey)
		raw, err := c.GetRawData()
		if err != nil {
			writeError(c, fmt.Errorf("%w: unreadable body", apperr.ErrValidation))
			return
		}
		res, err := coord.Execute(c.Request.Context(), tenantID, c.GetHeader(headerIdempotencyKey), raw,
			func(ctx context.Context) (idempotency.Result, error) {
				o, err := svc.Create(ctx, tenantID)
				if err != nil {
					return idempotency.Result{}, err
				}
				return jsonResult(http.StatusOK, o)
			})
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, res)
	}
}

func confirmHandler(svc *service.OrderService, coord *idempotency.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString(ctxTenantKey)
		id := c.Param("id")
		version, err := service.ParseVersion(c.GetHeader(headerIfMatch))
		if err != nil {
			writeError(c, err)
			return
		}
		raw, err := c.GetRawData()
		if err != nil {
			writeError(c, fmt.Errorf("%w: unreadable body", apperr.ErrValidation))
			return
		}
		var req confirmReq
		if err := binding.JSON.BindBody(raw, &req); err != nil {
			writeError(c, bindError(err))
			return
		}
		runMutation(c, coord, raw, func(ctx context.Context) (idempotency.Result, error) {
			o, err := svc.Confirm(ctx, tenantID, id, version, *req.TotalCents)
			if err != nil {
				return idempotency.Result{}, err
			}
			return jsonResult(http.StatusOK, o)
		})
	}
}

func closeHandler(svc *service.OrderService, coord *idempotency.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString(ctxTenantKey)
		id := c.Param("id")
		version, err := service.ParseVersion(c.GetHeader(headerIfMatch))
		if err != nil {
			writeError(c, err)
			return
		}
		raw, err := c.GetRawData()
		if err != nil {
			writeError(c, fmt.Errorf("%w: unreadable body", apperr.ErrValidation))
			return
		}
		runMutation(c, coord, raw, func(ctx context.Context) (idempotency.Result, error) {
			o, err := svc.Close(ctx, tenantID, id, version)
			if err != nil {
				return idempotency.Result{}, err
			}
			return jsonResult(http.StatusOK, closeResp{ID: o.ID, Status: o.Status, Version: o.Version})
		})
	}
}

func listHandler(svc *service.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := pagination.ParseLimit(c.Query("limit"))
		page, err := svc.List(c.Request.Context(), c.GetString(ctxTenantKey), limit, c.Query("cursor"))
		if err != nil {
			writeError(c, err)
			return
		}
		items := page.Items
		if items == nil {
			items = []model.Order{}
		}
		c.JSON(http.StatusOK, listResp{Items: items, NextCursor: page.NextCursor})
	}
}

func getHandler(svc *service.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.Get(c.Request.Context(), c.GetString(ctxTenantKey), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

func healthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// runMutation executes op directly, or through the coordinator when the
// caller supplied an Idempotency-Key. The fingerprint binds the key to this
// method, path and expected version as well as the body.
func runMutation(c *gin.Context, coord *idempotency.Coordinator, raw []byte, op idempotency.Operation) {
	ctx := c.Request.Context()
	key := strings.TrimSpace(c.GetHeader(headerIdempotencyKey))

	var (
		res idempotency.Result
		err error
	)
	if key == "" {
		res, err = op(ctx)
	} else {
		res, err = coord.Execute(ctx, c.GetString(ctxTenantKey), key, fingerprint(c, raw), op)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	writeResult(c, res)
}

func fingerprint(c *gin.Context, raw []byte) []byte {
	head := fmt.Sprintf("%s %s\n%s\n", c.Request.Method, c.Request.URL.Path, c.GetHeader(headerIfMatch))
	return append([]byte(head), raw...)
}

func jsonResult(status int, v interface{}) (idempotency.Result, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return idempotency.Result{}, err
	}
	return idempotency.Result{Status: status, Body: body}, nil
}

// writeResult sends the body bytes as-is so a replay is byte-identical to
// the first response.
func writeResult(c *gin.Context, res idempotency.Result) {
	if res.Replayed {
		c.Header(headerReplayed, "true")
	}
	c.Data(res.Status, "application/json; charset=utf-8", res.Body)
}

// bindError keeps validator failures intact for per-field reporting and
// folds decode failures into the validation code.
func bindError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		return ve
	}
	return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
}
