package controller

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tnqbao/gau-forge/errs"
	"github.com/tnqbao/gau-forge/utils"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.JSON400(c, "Invalid job id")
		return uuid.Nil, false
	}
	return id, true
}

func pageParams(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.Query("limit"))
	offset, _ = strconv.Atoi(c.Query("offset"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// respondError maps the error taxonomy onto HTTP statuses
func (ctrl *Controller) respondError(c *gin.Context, err error, tag, action string) {
	ctx := c.Request.Context()
	switch {
	case errors.Is(err, errs.ErrValidation):
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[%s] %s rejected: %v", tag, action, err)
		utils.JSON400(c, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		utils.JSON404(c, err.Error())
	case errors.Is(err, errs.ErrAlreadyInProgress):
		utils.JSON409(c, err.Error())
	default:
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[%s] Failed to %s: %v", tag, action, err)
		utils.JSON500(c, "Failed to "+action)
	}
}
