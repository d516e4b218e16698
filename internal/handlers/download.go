package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/modhub/backend/internal/middleware"
	"github.com/modhub/backend/internal/services"
)

type DownloadHandler struct {
	recorder *services.DownloadRecorder
}

func NewDownloadHandler(recorder *services.DownloadRecorder) *DownloadHandler {
	return &DownloadHandler{recorder: recorder}
}

// Download admits a mod download and records it against the caller's quota
func (h *DownloadHandler) Download(c *fiber.Ctx) error {
	modID, err := c.ParamsInt("id")
	if err != nil || modID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid mod id",
		})
	}

	req := services.DownloadRequest{
		ModID:          uint(modID),
		VersionNumber:  c.Params("version"),
		ActorID:        middleware.CurrentActorID(c),
		Tier:           middleware.CurrentTier(c),
		RemoteIP:       c.IP(),
		UserAgent:      c.Get("User-Agent"),
		Referer:        c.Get("Referer"),
		AcceptLang:     c.Get("Accept-Language"),
		CountryHeader:  geoCountry(c),
		IdempotencyKey: c.Get("Idempotency-Key"),
	}

	result, err := h.recorder.RecordDownload(c.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrValidation):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "Invalid download request",
			})
		case errors.Is(err, services.ErrModOrVersionNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"message": "Mod or version not found",
			})
		case errors.Is(err, services.ErrAttemptInProgress):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"success": false,
				"message": "A download attempt with this idempotency key is already in progress",
			})
		case errors.Is(err, services.ErrStoreUnavailable):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"success": false,
				"message": "Download accounting is temporarily unavailable",
			})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Failed to record download",
			})
		}
	}

	if !result.IsAllowed {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"success":         false,
			"message":         result.Message,
			"remaining_quota": result.RemainingQuota,
			"quota_type":      result.QuotaType,
			"next_reset":      result.NextReset,
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    result,
	})
}

// QuotaStatus returns the caller's remaining download quota without
// consuming any
func (h *DownloadHandler) QuotaStatus(c *fiber.Ctx) error {
	result, err := h.recorder.QuotaStatus(c.Context(), middleware.CurrentActorID(c), middleware.CurrentTier(c), c.IP())
	if err != nil {
		if errors.Is(err, services.ErrStoreUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"success": false,
				"message": "Quota store is temporarily unavailable",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to resolve quota status",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    result,
	})
}

// geoCountry returns the edge-provided country header, if any
func geoCountry(c *fiber.Ctx) string {
	if country := c.Get("CF-IPCountry"); country != "" {
		return country
	}
	return c.Get("X-Geo-Country")
}
