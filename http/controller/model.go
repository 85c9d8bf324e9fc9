package controller

import (
	"errors"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tnqbao/gau-forge/modelcache"
	"github.com/tnqbao/gau-forge/utils"
)

func (ctrl *Controller) ListModels(c *gin.Context) {
	limit, offset := pageParams(c)

	models, err := ctrl.Repository.ModelRepo.List(limit, offset)
	if err != nil {
		ctrl.respondError(c, err, "Model", "list models")
		return
	}

	utils.JSON200(c, gin.H{
		"models": models,
		"limit":  limit,
		"offset": offset,
	})
}

func (ctrl *Controller) GetModel(c *gin.Context) {
	modelID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.JSON400(c, "Invalid model id")
		return
	}

	model, err := ctrl.Repository.ModelRepo.FindByID(modelID)
	if err != nil {
		ctrl.respondError(c, err, "Model", "get model")
		return
	}

	utils.JSON200(c, model)
}

// ListCacheEntries reads the model cache of this host without taking ownership
// of it, so it is safe to serve next to a running worker
func (ctrl *Controller) ListCacheEntries(c *gin.Context) {
	root := ctrl.Config.EnvConfig.ModelCache.Root

	entries, err := modelcache.ScanDir(root)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		ctrl.respondError(c, err, "Model Cache", "list cache entries")
		return
	}
	if entries == nil {
		entries = []modelcache.Entry{}
	}

	var total uint64
	for _, e := range entries {
		total += uint64(e.SizeBytes)
	}
	maxSize := ctrl.Config.EnvConfig.ModelCache.MaxSizeBytes

	utils.JSON200(c, gin.H{
		"root":        root,
		"entries":     entries,
		"total_bytes": total,
		"total":       humanize.IBytes(total),
		"max":         humanize.IBytes(maxSize),
	})
}
