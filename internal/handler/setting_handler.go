package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stemsi/exstem-guard/internal/response"
	"github.com/stemsi/exstem-guard/internal/service"
	"github.com/stemsi/exstem-guard/internal/validator"
)

type SettingHandler struct {
	settingService *service.SettingService
	log            zerolog.Logger
}

func NewSettingHandler(settingService *service.SettingService, log zerolog.Logger) *SettingHandler {
	return &SettingHandler{
		settingService: settingService,
		log:            log.With().Str("component", "setting_handler").Logger(),
	}
}

// GetProctorSettings godoc
// GET /api/v1/public/proctor-settings
// GET /api/v1/admin/proctor-settings
func (h *SettingHandler) GetProctorSettings(c *gin.Context) {
	settings, err := h.settingService.GetProctorSettings(c.Request.Context())
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, settings)
}

// UpdateProctorSettings godoc
// PUT /api/v1/admin/proctor-settings
func (h *SettingHandler) UpdateProctorSettings(c *gin.Context) {
	var req model.ProctorSettings
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.settingService.UpdateProctorSettings(c.Request.Context(), req); err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, req)
}
