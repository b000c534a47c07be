package httpserver

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/handler"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/metrics"
	"escrowflow/pkg/trace"
	"escrowflow/pkg/util"
)

// AuthMiddleware resolves the bearer token into the request actor.
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			handler.Fail(c, apperror.New(apperror.KindUnauthenticated, "missing token"))
			return
		}

		claims, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			handler.Fail(c, apperror.New(apperror.KindUnauthenticated, "invalid token"))
			return
		}
		role := authz.Role(claims.Role)
		if !role.Valid() || claims.UserID <= 0 {
			handler.Fail(c, apperror.New(apperror.KindUnauthenticated, "invalid token claims"))
			return
		}

		handler.SetActor(c, authz.Actor{UserID: claims.UserID, Role: role})
		c.Next()
	}
}

// RequireRole rejects callers outside roles before the handler runs.
func RequireRole(roles ...authz.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := handler.ActorFrom(c)
		if !ok {
			handler.Fail(c, apperror.New(apperror.KindUnauthenticated, "user not authenticated"))
			return
		}
		for _, r := range roles {
			if a.Role == r {
				c.Next()
				return
			}
		}
		handler.Fail(c, apperror.Forbidden("role %s may not access %s", a.Role, c.FullPath()))
	}
}

// TraceMiddleware propagates or assigns the X-Trace-ID of each request.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(trace.HeaderName())
		if id == "" {
			id = trace.GenerateTraceID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), id))
		c.Header(trace.HeaderName(), id)
		c.Next()
	}
}

// AccessLogMiddleware records latency per route and logs the request.
func AccessLogMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		metrics.RecordHTTPRequestDuration(c.Request.Method, route, strconv.Itoa(status), elapsed)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
		}
		if a, ok := handler.ActorFrom(c); ok {
			fields = append(fields, zap.Int64("user_id", a.UserID), zap.String("role", string(a.Role)))
		}
		l := logger.WithTrace(c.Request.Context(), log)
		if status >= 500 {
			l.Error("Request failed", fields...)
			return
		}
		l.Debug("Request served", fields...)
	}
}
