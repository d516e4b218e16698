package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/modhub/backend/internal/database"
	"github.com/modhub/backend/internal/models"
)

// ModHandler serves read-only mod resolution for the download path. Mod
// authoring and search belong to the catalog service.
type ModHandler struct{}

func NewModHandler() *ModHandler {
	return &ModHandler{}
}

// List returns mods with their versions, paginated
func (h *ModHandler) List(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 50)

	if page < 1 {
		page = 1
	}
	if limit > 200 {
		limit = 200
	}
	offset := (page - 1) * limit

	var total int64
	database.DB.Model(&models.Mod{}).Count(&total)

	var mods []models.Mod
	if err := database.DB.Preload("Versions").
		Order("name").Offset(offset).Limit(limit).
		Find(&mods).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to list mods",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    mods,
		"meta": fiber.Map{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": (total + int64(limit) - 1) / int64(limit),
		},
	})
}

// Get returns one mod with its versions
func (h *ModHandler) Get(c *fiber.Ctx) error {
	modID, err := c.ParamsInt("id")
	if err != nil || modID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid mod id",
		})
	}

	cacheKey := database.CacheKeyMod + strconv.Itoa(modID)
	var mod models.Mod
	if err := database.CacheGet(c.Context(), cacheKey, &mod); err == nil {
		return c.JSON(fiber.Map{"success": true, "data": mod})
	}

	if err := database.DB.Preload("Versions").First(&mod, modID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Mod not found",
		})
	}

	database.CacheSet(c.Context(), cacheKey, mod, database.CacheTTLMod)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    mod,
	})
}
