package recovery

import (
	"github.com/gin-gonic/gin"

	"github.com/spreadcore/spread-api/internal/trading"
	"github.com/spreadcore/spread-api/pkg/response"
)

// GinHandlers exposes the operator surface: inspect what recovery is
// working on and force an immediate attempt instead of waiting for the
// next tick.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		partial, err := h.service.trades.ListPartial()
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{
			"active_loops":     h.service.Active(),
			"partially_filled": partial,
		})
	}
}

// RetryHandler runs one recovery attempt synchronously.
func (h *GinHandlers) RetryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trade, err := h.service.trades.GetTrade(c.Param("trade_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if trade == nil {
			response.NotFound(c, "Trade not found")
			return
		}
		if trade.Status != trading.StatusPartiallyFilled {
			response.BadRequest(c, "Trade is not partially filled")
			return
		}

		done, err := h.service.Attempt(c.Request.Context(), trade)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"recovered": done, "trade": trade})
	}
}
