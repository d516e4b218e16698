package handlers

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/modhub/backend/internal/services"
)

type StatsHandler struct {
	stats *services.DownloadStats
}

func NewStatsHandler(stats *services.DownloadStats) *StatsHandler {
	return &StatsHandler{stats: stats}
}

// GetVersionStats returns download counts per version for one mod
func (h *StatsHandler) GetVersionStats(c *fiber.Ctx) error {
	modID, err := c.ParamsInt("id")
	if err != nil || modID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid mod id",
		})
	}

	counts, err := h.stats.GetDownloadCountByVersion(c.Context(), uint(modID))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to compute version stats",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    counts,
	})
}

// GetDailyStats returns per-day download counts for one mod
func (h *StatsHandler) GetDailyStats(c *fiber.Ctx) error {
	modID, err := c.ParamsInt("id")
	if err != nil || modID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid mod id",
		})
	}

	start, end, err := dateRange(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid date range, expected YYYY-MM-DD",
		})
	}

	daily, err := h.stats.GetDailyDownloadStats(c.Context(), uint(modID), start, end)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to compute daily stats",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    daily,
	})
}

// GetModStats returns the combined download statistics for one mod
func (h *StatsHandler) GetModStats(c *fiber.Ctx) error {
	modID, err := c.ParamsInt("id")
	if err != nil || modID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid mod id",
		})
	}

	start, end, err := dateRange(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid date range, expected YYYY-MM-DD",
		})
	}

	stats, err := h.stats.GetModDownloadStatistics(c.Context(), uint(modID), start, end)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to compute mod statistics",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    stats,
	})
}

// ExportDownloadsReport exports the daily downloads report as CSV or JSON
func (h *StatsHandler) ExportDownloadsReport(c *fiber.Ctx) error {
	format := c.Query("format", "json") // json, csv
	modID := c.QueryInt("mod_id", 0)

	start, end, err := dateRange(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid date range, expected YYYY-MM-DD",
		})
	}

	rows, err := h.stats.GetDailyReportRows(c.Context(), uint(modID), start, end)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to build downloads report",
		})
	}

	if format == "csv" {
		c.Set("Content-Type", "text/csv")
		c.Set("Content-Disposition", "attachment; filename=downloads.csv")
		// Generate CSV
		csv := "Date,Downloads,UniqueUsers,TotalSizeBytes\n"
		for _, row := range rows {
			csv += fmt.Sprintf("%s,%d,%d,%d\n", row.Date, row.Downloads, row.UniqueUsers, row.TotalSizeBytes)
		}
		return c.SendString(csv)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    rows,
	})
}

// dateRange parses start/end query params, defaulting to the last 30 days
func dateRange(c *fiber.Ctx) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -29)

	if v := c.Query("start"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = parsed
	}
	if v := c.Query("end"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = parsed
	}

	return start, end, nil
}
