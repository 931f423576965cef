package handlers

import (
	"net/http"
	"strconv"

	"scan-service/aiexport"
	"scan-service/config"
	"scan-service/database"
	"scan-service/models"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	cfg       *config.Config
	campaigns *database.CampaignService
	scans     *database.ScanService
	batches   *database.BatchService
	ai        *aiexport.Service
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, campaigns *database.CampaignService, scans *database.ScanService, batches *database.BatchService, ai *aiexport.Service) *Handlers {
	return &Handlers{
		cfg:       cfg,
		campaigns: campaigns,
		scans:     scans,
		batches:   batches,
		ai:        ai,
	}
}

// CreateScan handles scan submission. When AI enrichment is requested the
// campaign ledger is consulted; an unavailable or exhausted campaign turns
// AI off for this scan but never fails the request.
func (h *Handlers) CreateScan(c *gin.Context) {
	var req models.CreateScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: models.CodeInvalidInput})
		return
	}
	if req.WcagLevel == "" {
		req.WcagLevel = models.WCAGLevelAA
	}

	var campaignID *string
	aiEnabled := false
	aiReason := ""
	if req.AI {
		campaign, err := h.campaigns.GetActiveCampaign(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		if campaign == nil {
			aiReason = models.AIReasonUnavailable
		} else {
			reservation, err := h.campaigns.CheckAndReserveSlot(c.Request.Context(), campaign.ID)
			if err != nil {
				respondError(c, err)
				return
			}
			if reservation.Granted {
				aiEnabled = true
				campaignID = &campaign.ID
			} else {
				aiReason = models.AIReasonBudgetExhausted
			}
		}
	}

	scan, err := h.scans.CreateScan(c.Request.Context(), database.CreateScanParams{
		URL:        req.URL,
		WcagLevel:  req.WcagLevel,
		Email:      req.Email,
		CampaignID: campaignID,
		AIEnabled:  aiEnabled,
	})
	if err != nil {
		// Hand the reserved slot back, the scan it was meant for never
		// came into existence.
		if aiEnabled && campaignID != nil {
			if releaseErr := h.campaigns.ReleaseSlot(c.Request.Context(), *campaignID); releaseErr != nil {
				log.WithError(releaseErr).Errorf("Failed to release slot after scan creation failure")
			}
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.CreateScanResponse{Scan: scan, AIReason: aiReason})
}

// GetScan returns a scan with its result when available.
func (h *Handlers) GetScan(c *gin.Context) {
	scan, err := h.scans.GetScan(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := h.scans.GetScanResult(c.Request.Context(), scan.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scan": scan, "result": result})
}

// RetryScan resets a failed AI scan back to pending.
func (h *Handlers) RetryScan(c *gin.Context) {
	if err := h.scans.RetryFailedScan(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse{Message: "scan queued for retry"})
}

// CreateBatch handles site-scan submission.
func (h *Handlers) CreateBatch(c *gin.Context) {
	var req models.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: models.CodeInvalidInput})
		return
	}
	if req.WcagLevel == "" {
		req.WcagLevel = models.WCAGLevelAA
	}

	batch, err := h.scans.CreateBatch(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

// GetBatch returns the batch with its aggregate statistics.
func (h *Handlers) GetBatch(c *gin.Context) {
	batch, err := h.scans.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// CancelBatch administratively cancels a running batch.
func (h *Handlers) CancelBatch(c *gin.Context) {
	if err := h.batches.CancelBatch(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse{Message: "batch cancelled"})
}

// GetQueueStats reports scan queue depth.
func (h *Handlers) GetQueueStats(c *gin.Context) {
	stats, err := h.scans.GetQueueStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// CreateCampaign creates an AI campaign (admin).
func (h *Handlers) CreateCampaign(c *gin.Context) {
	var req models.CreateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: models.CodeInvalidInput})
		return
	}

	campaign, err := h.campaigns.CreateCampaign(c.Request.Context(), req, h.cfg.DefaultAvgTokensPerScan)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, campaign)
}

// ListCampaigns lists all campaigns (admin).
func (h *Handlers) ListCampaigns(c *gin.Context) {
	campaigns, err := h.campaigns.ListCampaigns(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaigns)
}

// GetActiveCampaign returns the campaign currently admitting AI scans, or
// 204 when none is running.
func (h *Handlers) GetActiveCampaign(c *gin.Context) {
	campaign, err := h.campaigns.GetActiveCampaign(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if campaign == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

// GetCampaignMetrics reports budget usage for one campaign.
func (h *Handlers) GetCampaignMetrics(c *gin.Context) {
	metrics, err := h.campaigns.GetCampaignMetrics(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// PauseCampaign pauses an active campaign (admin).
func (h *Handlers) PauseCampaign(c *gin.Context) {
	h.setCampaignStatus(c, models.CampaignPaused)
}

// ResumeCampaign resumes a paused campaign (admin).
func (h *Handlers) ResumeCampaign(c *gin.Context) {
	h.setCampaignStatus(c, models.CampaignActive)
}

// EndCampaign ends a campaign (admin).
func (h *Handlers) EndCampaign(c *gin.Context) {
	h.setCampaignStatus(c, models.CampaignEnded)
}

func (h *Handlers) setCampaignStatus(c *gin.Context, status string) {
	if err := h.campaigns.SetStatus(c.Request.Context(), c.Param("id"), status); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse{Message: "campaign " + status})
}

// ExportAIScans streams the pending AI scans as a CSV feed, flipping them
// to downloaded (admin).
func (h *Handlers) ExportAIScans(c *gin.Context) {
	feed, count, err := h.ai.ExportPendingScans(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="ai_export.csv"`)
	c.Header("X-Export-Rows", strconv.Itoa(count))
	c.Data(http.StatusOK, "text/csv", feed)
}

// ImportAIScans consumes the enriched CSV feed and reports per-row results
// (admin).
func (h *Handlers) ImportAIScans(c *gin.Context) {
	rows, parseErrors, err := aiexport.ParseImportCSV(c.Request.Body)
	if err != nil {
		respondError(c, err)
		return
	}

	report := h.ai.ImportResults(c.Request.Context(), rows)
	report.Failed += len(parseErrors)
	report.RowErrors = append(report.RowErrors, parseErrors...)
	c.JSON(http.StatusOK, report)
}

// respondError maps coded errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	code := models.ErrCode(err)
	status := http.StatusInternalServerError
	switch code {
	case models.CodeNotFound:
		status = http.StatusNotFound
	case models.CodeInvalidInput, models.CodeAINotEnabled:
		status = http.StatusBadRequest
	case models.CodeInvalidState, models.CodeConflict, models.CodeBudgetExhausted:
		status = http.StatusConflict
	case models.CodeReservationFailed:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
		c.JSON(status, models.ErrorResponse{Error: "internal error"})
		return
	}
	c.JSON(status, models.ErrorResponse{Error: err.Error(), Code: code})
}
