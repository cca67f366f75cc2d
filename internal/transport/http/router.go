package http

import (
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/richardliu001/order-service/internal/config"
	"github.com/richardliu001/order-service/internal/idempotency"
	"github.com/richardliu001/order-service/internal/service"
	"go.uber.org/zap"
)

var jsonFieldNames sync.Once

func NewRouter(svc *service.OrderService, coord *idempotency.Coordinator, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	jsonFieldNames.Do(useJSONFieldNames)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	r.Use(TenantMiddleware())
	RegisterHandlers(r, svc, coord)
	return r
}

// useJSONFieldNames makes validation errors report `totalCents` rather than
// the Go field name.
func useJSONFieldNames() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
}
