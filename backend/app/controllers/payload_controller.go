package controllers

import (
	"net/http"

	"fleetd/backend/app/dto"
	"fleetd/backend/app/services"

	"github.com/gin-gonic/gin"
)

type PayloadController struct{ Payloads *services.PayloadService }

func NewPayloadController(p *services.PayloadService) *PayloadController {
	return &PayloadController{Payloads: p}
}

func (h *PayloadController) Create(c *gin.Context) {
	var req dto.CreatePayloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	p, err := h.Payloads.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.SuccessResponse(p))
}

func (h *PayloadController) Get(c *gin.Context) {
	p, err := h.Payloads.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(p))
}
