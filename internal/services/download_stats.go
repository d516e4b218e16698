package services

import (
	"context"
	"fmt"
	"time"

	"github.com/modhub/backend/internal/models"
	"gorm.io/gorm"
)

// DownloadStats computes aggregate statistics from the download event log.
// All methods are pure reads; they share no locks with the quota increment
// path and never block it.
type DownloadStats struct {
	db *gorm.DB
}

func NewDownloadStats(db *gorm.DB) *DownloadStats {
	return &DownloadStats{db: db}
}

// ModDownloadStatistics is the combined per-mod report
type ModDownloadStatistics struct {
	TotalDownloads   int64            `json:"total_downloads"`
	VersionBreakdown map[string]int64 `json:"version_breakdown"`
	DailyBreakdown   map[string]int64 `json:"daily_breakdown"`
}

// DailyReportRow is one line of the downloads report export
type DailyReportRow struct {
	Date           string `json:"date"`
	Downloads      int64  `json:"downloads"`
	UniqueUsers    int64  `json:"unique_users"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
}

// GetDownloadCountByVersion returns all-time download counts grouped by
// version number for one mod
func (s *DownloadStats) GetDownloadCountByVersion(ctx context.Context, modID uint) (map[string]int64, error) {
	return s.versionCounts(ctx, modID, time.Time{}, time.Time{})
}

// versionCounts groups events by version number, optionally bounded to
// [from, until). Zero bounds mean all-time.
func (s *DownloadStats) versionCounts(ctx context.Context, modID uint, from, until time.Time) (map[string]int64, error) {
	type row struct {
		VersionNumber string
		Count         int64
	}
	query := s.db.WithContext(ctx).Model(&models.DownloadEvent{}).
		Select("version_number, COUNT(*) as count").
		Where("mod_id = ?", modID)
	if !from.IsZero() {
		query = query.Where("created_at >= ? AND created_at < ?", from, until)
	}

	var rows []row
	if err := query.Group("version_number").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("version breakdown for mod %d: %w", modID, err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.VersionNumber] = r.Count
	}
	return counts, nil
}

// GetDailyDownloadStats returns per-day download counts for one mod with
// every calendar day in [start, end] present, zero when no events exist
func (s *DownloadStats) GetDailyDownloadStats(ctx context.Context, modID uint, start, end time.Time) (map[string]int64, error) {
	startDay, endDay := dayBounds(start, end)

	type row struct {
		Date  string
		Count int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.DownloadEvent{}).
		Select("DATE(created_at) as date, COUNT(*) as count").
		Where("mod_id = ?", modID).
		Where("created_at >= ? AND created_at < ?", startDay, endDay.AddDate(0, 0, 1)).
		Group("DATE(created_at)").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("daily stats for mod %d: %w", modID, err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[normalizeDate(r.Date)] = r.Count
	}

	stats := make(map[string]int64)
	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		key := day.Format("2006-01-02")
		stats[key] = counts[key]
	}
	return stats, nil
}

// GetModDownloadStatistics returns the total, version and daily breakdowns
// for one mod over [start, end]
func (s *DownloadStats) GetModDownloadStatistics(ctx context.Context, modID uint, start, end time.Time) (*ModDownloadStatistics, error) {
	startDay, endDay := dayBounds(start, end)

	var total int64
	err := s.db.WithContext(ctx).Model(&models.DownloadEvent{}).
		Where("mod_id = ?", modID).
		Where("created_at >= ? AND created_at < ?", startDay, endDay.AddDate(0, 0, 1)).
		Count(&total).Error
	if err != nil {
		return nil, fmt.Errorf("download total for mod %d: %w", modID, err)
	}

	// The version breakdown carries the same bounds as the total so the
	// aggregate stays internally consistent on bounded ranges
	versions, err := s.versionCounts(ctx, modID, startDay, endDay.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}

	daily, err := s.GetDailyDownloadStats(ctx, modID, start, end)
	if err != nil {
		return nil, err
	}

	return &ModDownloadStatistics{
		TotalDownloads:   total,
		VersionBreakdown: versions,
		DailyBreakdown:   daily,
	}, nil
}

// GetDailyReportRows feeds the downloads report export: one row per
// calendar day in [start, end] with download count, unique users and total
// delivered bytes. modID 0 covers all mods.
func (s *DownloadStats) GetDailyReportRows(ctx context.Context, modID uint, start, end time.Time) ([]DailyReportRow, error) {
	startDay, endDay := dayBounds(start, end)

	query := s.db.WithContext(ctx).Model(&models.DownloadEvent{}).
		Select(`DATE(created_at) as date,
			COUNT(*) as downloads,
			COUNT(DISTINCT CASE WHEN actor_id IS NOT NULL THEN 'u:' || actor_id ELSE 'ip:' || anonymized_identifier END) as unique_users,
			COALESCE(SUM(file_size_bytes), 0) as total_size_bytes`).
		Where("created_at >= ? AND created_at < ?", startDay, endDay.AddDate(0, 0, 1))
	if modID > 0 {
		query = query.Where("mod_id = ?", modID)
	}

	var rows []DailyReportRow
	if err := query.Group("DATE(created_at)").Order("date").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("daily report rows: %w", err)
	}

	byDate := make(map[string]DailyReportRow, len(rows))
	for _, r := range rows {
		r.Date = normalizeDate(r.Date)
		byDate[r.Date] = r
	}

	report := make([]DailyReportRow, 0, int(endDay.Sub(startDay).Hours()/24)+1)
	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		key := day.Format("2006-01-02")
		if r, ok := byDate[key]; ok {
			report = append(report, r)
		} else {
			report = append(report, DailyReportRow{Date: key})
		}
	}
	return report, nil
}

// dayBounds normalizes a range to UTC day boundaries, swapping if reversed
func dayBounds(start, end time.Time) (time.Time, time.Time) {
	s, e := start.UTC(), end.UTC()
	if e.Before(s) {
		s, e = e, s
	}
	startDay := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC)
	endDay := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC)
	return startDay, endDay
}

// normalizeDate trims driver-specific formatting down to YYYY-MM-DD
func normalizeDate(date string) string {
	if len(date) > 10 {
		return date[:10]
	}
	return date
}
