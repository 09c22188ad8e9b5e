package api

import (
	"context"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/x402lab/facilitator/internal/chain"
	"github.com/x402lab/facilitator/internal/facilitator"
	"github.com/x402lab/facilitator/internal/ledger"
	"github.com/x402lab/facilitator/internal/voucher"
	"github.com/x402lab/facilitator/internal/x402"
)

// EscrowConfigReader is the slice of the chain client the escrow-config
// endpoint needs.
type EscrowConfigReader interface {
	GetEscrowConfig(ctx context.Context) (*chain.EscrowConfig, error)
}

// Handler wires the facilitator API onto a Gin engine.
type Handler struct {
	fac     *facilitator.Facilitator
	escrows map[string]EscrowConfigReader
	log     *zap.Logger
}

func NewHandler(fac *facilitator.Facilitator, escrows map[string]EscrowConfigReader, log *zap.Logger) *Handler {
	return &Handler{fac: fac, escrows: escrows, log: log}
}

// Register mounts all routes. The access-gate middleware should already be
// applied to the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/verify", h.handleVerify)
	rg.POST("/settle", h.handleSettle)
	rg.GET("/supported", h.handleSupported)

	rg.POST("/vouchers", h.handleSubmitVoucher)
	rg.GET("/vouchers", h.handleListVouchers)
	rg.POST("/vouchers/claim/:id/:nonce", h.handleClaim)

	rg.GET("/escrow-config", h.handleEscrowConfig)
}

// ── verify / settle ────────────────────────────────────────────────────────

func (h *Handler) handleVerify(c *gin.Context) {
	var req x402.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.fac.Verify(c.Request.Context(), req)
	if err != nil {
		h.log.Error("verify failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) handleSettle(c *gin.Context) {
	var req x402.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.fac.Settle(c.Request.Context(), req)
	if err != nil {
		h.log.Error("settle failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"kinds": h.fac.Kinds()})
}

// ── deferred vouchers ──────────────────────────────────────────────────────

type submitVoucherRequest struct {
	Network string              `json:"network"`
	Voucher x402.VoucherPayload `json:"voucher"`
}

func (h *Handler) handleSubmitVoucher(c *gin.Context) {
	var req submitVoucherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	l, ok := h.fac.Ledger(req.Network)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown network"})
		return
	}
	v, err := voucher.FromPayload(req.Voucher)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"success":       false,
			"invalidReason": x402.InvalidReasonMalformedPayload,
		})
		return
	}
	res, err := l.Submit(c.Request.Context(), v)
	if err != nil {
		h.log.Error("voucher submit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !res.IsValid {
		c.JSON(http.StatusOK, gin.H{
			"success":       false,
			"invalidReason": res.InvalidReason,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"voucherId": v.ID.Hex(),
		"nonce":     v.Nonce.String(),
	})
}

// voucherView is the wire form of a stored voucher; amounts and nonces are
// decimal strings to avoid precision loss in JSON consumers.
type voucherView struct {
	x402.VoucherPayload
	Settled       bool   `json:"settled"`
	SettledTxHash string `json:"settledTxHash,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
}

func toView(v *voucher.Voucher) voucherView {
	return voucherView{
		VoucherPayload: v.ToPayload(),
		Settled:        v.Settled,
		SettledTxHash:  v.SettledTxHash,
		CreatedAt:      v.CreatedAt,
		UpdatedAt:      v.UpdatedAt,
	}
}

func (h *Handler) handleListVouchers(c *gin.Context) {
	l, ok := h.fac.Ledger(c.Query("network"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown network"})
		return
	}

	var f ledger.Filter
	if buyer := c.Query("buyer"); buyer != "" {
		if !common.IsHexAddress(buyer) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid buyer address"})
			return
		}
		addr := common.HexToAddress(buyer)
		f.Buyer = &addr
	}
	if seller := c.Query("seller"); seller != "" {
		if !common.IsHexAddress(seller) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid seller address"})
			return
		}
		addr := common.HexToAddress(seller)
		f.Seller = &addr
	}
	if asset := c.Query("asset"); asset != "" {
		if !common.IsHexAddress(asset) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset address"})
			return
		}
		addr := common.HexToAddress(asset)
		f.Asset = &addr
	}
	if settled := c.Query("settled"); settled != "" {
		b, err := strconv.ParseBool(settled)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settled flag"})
			return
		}
		f.Settled = &b
	}

	vouchers, err := l.GetVouchers(c.Request.Context(), f)
	if err != nil {
		h.log.Error("voucher list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	views := make([]voucherView, 0, len(vouchers))
	for _, v := range vouchers {
		views = append(views, toView(v))
	}
	c.JSON(http.StatusOK, gin.H{"vouchers": views})
}

func (h *Handler) handleClaim(c *gin.Context) {
	l, ok := h.fac.Ledger(c.Query("network"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown network"})
		return
	}
	idHex := c.Param("id")
	if len(common.FromHex(idHex)) != 32 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid voucher id"})
		return
	}
	nonce, ok := new(big.Int).SetString(c.Param("nonce"), 10)
	if !ok || nonce.Sign() < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nonce"})
		return
	}

	res, err := l.ClaimVoucher(c.Request.Context(), common.HexToHash(idHex), nonce)
	if err != nil {
		h.log.Error("voucher claim failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ── escrow config ──────────────────────────────────────────────────────────

func (h *Handler) handleEscrowConfig(c *gin.Context) {
	reader, ok := h.escrows[c.Query("network")]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown network"})
		return
	}
	cfg, err := reader.GetEscrowConfig(c.Request.Context())
	if err != nil {
		h.log.Error("escrow config read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrowAddress":     cfg.EscrowAddress.Hex(),
		"thawPeriodSeconds": cfg.ThawPeriodSeconds,
		"maxDeposit":        cfg.MaxDeposit.String(),
	})
}
