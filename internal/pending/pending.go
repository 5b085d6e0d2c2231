package pending

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/types"
	"github.com/spreadcore/spread-api/pkg/response"
)

// Pending order lifecycle. Executing marks the short window while the
// monitor hands the order to the trade executor.
const (
	StatusPending   = "pending"
	StatusExecuting = "executing"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Order is a resting spread order: it fires when the live premium
// crosses the target. A Buy fires when the buy premium drops to the
// target or below; a Sell fires when the sell premium reaches the
// target or above.
type Order struct {
	gorm.Model `json:"-"`
	OrderID    string `gorm:"uniqueIndex" json:"order_id"`
	PairingID  string `gorm:"index" json:"pairing_id"`
	UserID     string `gorm:"index" json:"user_id"`
	Status     string `gorm:"index" json:"status"`

	Direction     types.Direction `json:"direction"`
	Volume        float64         `json:"volume"`
	TargetPremium float64         `json:"target_premium"`

	// ErrorCount tracks consecutive evaluation failures; the order is
	// failed outright once it reaches the limit.
	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
	TradeID    string `json:"trade_id,omitempty"`
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Create(o *Order) error {
	return d.db.Create(o).Error
}

func (d *Database) Get(orderID string) (*Order, error) {
	var o Order
	if err := d.db.Where("order_id = ?", orderID).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

func (d *Database) Update(o *Order) error {
	return d.db.Save(o).Error
}

func (d *Database) ListOpen() ([]Order, error) {
	var out []Order
	if err := d.db.Where("status = ?", StatusPending).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseStuck returns executing orders to pending. An order is only
// executing for the instant between the monitor marking it and
// persisting the outcome; rows found in that state at startup were
// orphaned by a crash and would otherwise never be evaluated again.
func (d *Database) ReleaseStuck() (int64, error) {
	res := d.db.Model(&Order{}).
		Where("status = ?", StatusExecuting).
		Update("status", StatusPending)
	return res.RowsAffected, res.Error
}

func (d *Database) ListByUser(userID string, limit int) ([]Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []Order
	err := d.db.Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Service manages resting orders over HTTP.
type Service struct {
	db       *Database
	pairings *pairing.Database
}

func NewService(db *Database, pairings *pairing.Database) *Service {
	return &Service{db: db, pairings: pairings}
}

func (s *Service) DB() *Database { return s.db }

// CreateRequest places a resting order against a pairing.
type CreateRequest struct {
	PairingID     string          `json:"pairing_id" binding:"required"`
	Direction     types.Direction `json:"direction" binding:"required"`
	Volume        float64         `json:"volume" binding:"required"`
	TargetPremium float64         `json:"target_premium"`
}

func (s *Service) Create(userID string, req CreateRequest) (*Order, error) {
	if !req.Direction.Valid() {
		return nil, types.NewValidationError("direction", "must be Buy or Sell")
	}
	if req.Volume <= 0 {
		return nil, types.NewValidationError("volume", "must be positive")
	}
	p, err := s.pairings.GetPairing(req.PairingID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, types.NewValidationError("pairing_id", "pairing not found")
	}
	if !p.SymbolsLocked {
		return nil, types.NewValidationError("pairing_id", "pairing symbols are not locked")
	}

	o := &Order{
		OrderID:       uuid.New().String(),
		PairingID:     req.PairingID,
		UserID:        userID,
		Status:        StatusPending,
		Direction:     req.Direction,
		Volume:        req.Volume,
		TargetPremium: req.TargetPremium,
	}
	if err := s.db.Create(o); err != nil {
		return nil, err
	}
	return o, nil
}

// Cancel withdraws a resting order that has not fired yet.
func (s *Service) Cancel(orderID, userID string) (*Order, error) {
	o, err := s.db.Get(orderID)
	if err != nil {
		return nil, err
	}
	if o == nil || o.UserID != userID {
		return nil, nil
	}
	if o.Status != StatusPending {
		return nil, types.NewValidationError("status", "only pending orders can be cancelled")
	}
	o.Status = StatusCancelled
	if err := s.db.Update(o); err != nil {
		return nil, err
	}
	return o, nil
}

// GinHandlers contains HTTP handlers for pending order endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		o, err := h.service.Create(c.GetString("clientID"), req)
		response.Handle(c, o, err)
	}
}

func (h *GinHandlers) CancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := h.service.Cancel(c.Param("order_id"), c.GetString("clientID"))
		if err == nil && o == nil {
			response.NotFound(c, "Pending order not found")
			return
		}
		response.Handle(c, o, err)
	}
}

func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		orders, err := h.service.db.ListByUser(c.GetString("clientID"), limit)
		response.Handle(c, orders, err)
	}
}
