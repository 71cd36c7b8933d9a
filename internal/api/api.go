// Package api is the broker's admin HTTP surface: push/pop/confirm/stats
// over gin, the same HTTP framework the teacher's core/web package builds
// on. Depado/ginprom exports prometheus metrics, gin-contrib/expvar
// exposes Go runtime debug vars, gin-contrib/size caps push body size, and
// ulule/limiter rate-limits push.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Depado/ginprom"
	expvar "github.com/gin-contrib/expvar"
	"github.com/gin-contrib/size"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/ulule/limiter"

	"github.com/klahnakoski/infinite-queue/internal/broker"
	"github.com/klahnakoski/infinite-queue/internal/logger"
)

// Server wraps a gin engine wired to one Broker.
type Server struct {
	engine *gin.Engine
	broker *broker.Broker
}

// maxPushBodyBytes caps a single push request body; the broker has no
// other bound on message size (spec.md is silent on it).
const maxPushBodyBytes = 4 << 20

// New builds the admin surface. pushRate is requests-per-second per
// client IP, e.g. "100-S" (ulule/limiter's rate format).
func New(b *broker.Broker, pushRate string) (*Server, error) {
	rate, err := limiter.NewRateFromFormatted(pushRate)
	if err != nil {
		return nil, errors.Wrapf(err, "parse push rate %s", pushRate)
	}
	lim := limiter.NewLimiter(limiter.NewMemoryStore(), rate)

	r := gin.New()
	r.Use(gin.Recovery())

	p := ginprom.New(ginprom.Engine(r), ginprom.Subsystem("api"), ginprom.Path("/metrics"))
	r.Use(p.Instrument())
	r.GET("/debug/vars", gin.WrapH(expvar.Handler()))

	s := &Server{engine: r, broker: b}

	push := r.Group("/queues/:name/push")
	push.Use(size.RequestSizeLimiter(maxPushBodyBytes))
	push.Use(pushRateLimitMiddleware(lim))
	push.POST("", s.handlePush)

	r.POST("/queues/:name/subscribers/:subscriber/pop", s.handlePop)
	r.POST("/queues/:name/subscribers/:subscriber/confirm/:serial", s.handleConfirm)
	r.GET("/queues/:name/stats", s.handleStats)

	return s, nil
}

func (s *Server) Handler() http.Handler { return s.engine }

// pushRateLimitMiddleware rejects a push once its client IP exceeds lim's
// rate, per §6's push body/rate caps (implementation detail; spec.md
// does not mandate a specific limiter, only that push is an external
// interface worth guarding).
func pushRateLimitMiddleware(lim *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := lim.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		if result.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "push rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) handlePush(c *gin.Context) {
	name := c.Param("name")
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	q, err := s.broker.GetOrCreateQueue(c.Request.Context(), name, broker.DefaultBlockSizeMB)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	serial, err := q.Push(c.Request.Context(), string(body))
	if err != nil {
		logger.Warnw("push failed", "queue", name, "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"serial": serial})
}

func (s *Server) handlePop(c *gin.Context) {
	name := c.Param("name")
	sub, err := s.broker.GetSubscriber(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	serial, content, err := sub.Pop(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if serial == 0 {
		c.JSON(http.StatusNoContent, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"serial": serial, "content": content})
}

func (s *Server) handleConfirm(c *gin.Context) {
	name := c.Param("name")
	serial, err := parseSerial(c.Param("serial"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := s.broker.GetSubscriber(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := sub.Confirm(c.Request.Context(), serial); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleStats(c *gin.Context) {
	name := c.Param("name")
	q, err := s.broker.GetOrCreateQueue(c.Request.Context(), name, broker.DefaultBlockSizeMB)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queue":      q.Name(),
		"id":         q.ID(),
		"checked_at": time.Now().UTC(),
	})
}

func parseSerial(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
