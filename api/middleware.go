package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kilianp07/ambulance/core/apperr"
)

// RequestLogger logs one line per request. Server errors log at error
// level, client errors at warn and the rest at debug.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			ev = log.Error()
		case status >= http.StatusBadRequest:
			ev = log.Warn()
		default:
			ev = log.Debug()
		}
		if errs := c.Errors.String(); errs != "" {
			ev = ev.Str("errors", errs)
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// idleLimiter is how long a client's limiter is kept without requests.
const idleLimiter = 3 * time.Minute

type clientLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimitMiddleware limits each client IP to rps requests per second with
// the given burst.
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	var (
		mu      sync.Mutex
		clients = make(map[string]*clientLimiter)
		swept   time.Time
	)
	allow := func(ip string, now time.Time) bool {
		mu.Lock()
		defer mu.Unlock()
		if now.Sub(swept) > idleLimiter {
			for k, cl := range clients {
				if now.Sub(cl.seen) > idleLimiter {
					delete(clients, k)
				}
			}
			swept = now
		}
		cl, ok := clients[ip]
		if !ok {
			cl = &clientLimiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
			clients[ip] = cl
		}
		cl.seen = now
		return cl.lim.AllowN(now, 1)
	}

	return func(c *gin.Context) {
		if !allow(c.ClientIP(), time.Now()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, envelope{
				Error: &errorBody{Code: "rate_limited", Message: "rate limit exceeded"},
			})
			return
		}
		c.Next()
	}
}

// codeStatus maps error codes to HTTP statuses.
var codeStatus = map[apperr.Code]int{
	apperr.CodeValidation:        http.StatusBadRequest,
	apperr.CodeConflict:          http.StatusConflict,
	apperr.CodeNotFound:          http.StatusNotFound,
	apperr.CodeInvalidTransition: http.StatusUnprocessableEntity,
	apperr.CodeStaleOffer:        http.StatusConflict,
	apperr.CodeAlreadyResolved:   http.StatusConflict,
	apperr.CodeTransient:         http.StatusServiceUnavailable,
	apperr.CodeInternal:          http.StatusInternalServerError,
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	if st, ok := codeStatus[apperr.CodeOf(err)]; ok {
		return st
	}
	return http.StatusInternalServerError
}

type envelope struct {
	Result any        `json:"result,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ok(c *gin.Context, status int, result any) {
	c.JSON(status, envelope{Result: result})
}

func fail(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := StatusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, envelope{Error: &errorBody{Code: string(code), Message: msg}})
}
