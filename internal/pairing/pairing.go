package pairing

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/spreadcore/spread-api/internal/types"
	"github.com/spreadcore/spread-api/pkg/response"
)

// Service manages venue accounts and pairings. This is the thin data
// surface the admin console reads; the core consumes it through
// Database directly.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: NewDatabase(gormDB)}
}

func (s *Service) DB() *Database { return s.db }

// CreateAccountRequest carries the operator-supplied venue credentials.
type CreateAccountRequest struct {
	Name          string `json:"name" binding:"required"`
	Terminal      string `json:"terminal" binding:"required"`
	Server        string `json:"server" binding:"required"`
	AccountNumber string `json:"account_number" binding:"required"`
	Password      string `json:"password" binding:"required"`
	Company       string `json:"company"`
}

func (s *Service) CreateAccount(req CreateAccountRequest) (*VenueAccount, error) {
	if req.Terminal != "MT4" && req.Terminal != "MT5" {
		return nil, types.NewValidationError("terminal", "must be MT4 or MT5")
	}
	company := req.Company
	if company == "" {
		company = req.Name
	}
	acct := &VenueAccount{
		AccountID:     uuid.New().String(),
		Name:          req.Name,
		Terminal:      req.Terminal,
		Server:        req.Server,
		AccountNumber: req.AccountNumber,
		Password:      req.Password,
		Company:       Normalize(company),
	}
	if err := s.db.CreateAccount(acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// CreatePairingRequest links two existing accounts into a pairing.
type CreatePairingRequest struct {
	Name            string `json:"name" binding:"required"`
	FutureAccountID string `json:"future_account_id" binding:"required"`
	SpotAccountID   string `json:"spot_account_id" binding:"required"`
	FutureSymbol    string `json:"future_symbol"`
	SpotSymbol      string `json:"spot_symbol"`
}

func (s *Service) CreatePairing(userID string, req CreatePairingRequest) (*Pairing, error) {
	for _, id := range []string{req.FutureAccountID, req.SpotAccountID} {
		acct, err := s.db.GetAccount(id)
		if err != nil {
			return nil, err
		}
		if acct == nil {
			return nil, types.NewValidationError("account", "venue account "+id+" not found")
		}
	}

	p := &Pairing{
		PairingID:       uuid.New().String(),
		UserID:          userID,
		Name:            req.Name,
		FutureAccountID: req.FutureAccountID,
		SpotAccountID:   req.SpotAccountID,
		FutureSymbol:    req.FutureSymbol,
		SpotSymbol:      req.SpotSymbol,
		PremiumTable:    "premium_" + Normalize(req.Name),
	}
	if err := s.db.CreatePairing(p); err != nil {
		return nil, err
	}
	return p, nil
}

// LockSymbols pins the two instrument symbols and makes the pairing
// eligible for streaming and trading. Symbols cannot change afterwards.
func (s *Service) LockSymbols(pairingID, futureSymbol, spotSymbol string) (*Pairing, error) {
	p, err := s.db.GetPairing(pairingID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	if futureSymbol != "" {
		p.FutureSymbol = futureSymbol
	}
	if spotSymbol != "" {
		p.SpotSymbol = spotSymbol
	}
	if p.FutureSymbol == "" || p.SpotSymbol == "" {
		return nil, types.NewValidationError("symbols", "both future and spot symbols are required to lock")
	}
	p.SymbolsLocked = true
	if err := s.db.UpdatePairing(p); err != nil {
		return nil, err
	}
	return p, nil
}

// GinHandlers contains HTTP handlers for pairing endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) CreateAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		acct, err := h.service.CreateAccount(req)
		response.Handle(c, acct, err)
	}
}

func (h *GinHandlers) CreatePairingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreatePairingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		p, err := h.service.CreatePairing(c.GetString("clientID"), req)
		response.Handle(c, p, err)
	}
}

func (h *GinHandlers) LockSymbolsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			FutureSymbol string `json:"future_symbol"`
			SpotSymbol   string `json:"spot_symbol"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		p, err := h.service.LockSymbols(c.Param("pairing_id"), req.FutureSymbol, req.SpotSymbol)
		if err == nil && p == nil {
			response.NotFound(c, "Pairing not found")
			return
		}
		response.Handle(c, p, err)
	}
}

func (h *GinHandlers) ListPairingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pairings, err := h.service.db.ListPairings(c.GetString("clientID"))
		response.Handle(c, pairings, err)
	}
}

func (h *GinHandlers) GetPairingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := h.service.db.GetPairing(c.Param("pairing_id"))
		if err == nil && p == nil {
			response.NotFound(c, "Pairing not found")
			return
		}
		response.Handle(c, p, err)
	}
}
