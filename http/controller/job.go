package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tnqbao/gau-forge/entity"
	"github.com/tnqbao/gau-forge/errs"
	"github.com/tnqbao/gau-forge/generator"
	"github.com/tnqbao/gau-forge/http/controller/dto"
	"github.com/tnqbao/gau-forge/progress"
	"github.com/tnqbao/gau-forge/repository"
	"github.com/tnqbao/gau-forge/trainer"
	"github.com/tnqbao/gau-forge/utils"
)

func (ctrl *Controller) CreateTrainingJob(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateJobRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Job] Failed to bind JSON: %v", err)
		utils.JSON400(c, "Invalid request payload")
		return
	}

	cfg, err := trainer.ParseTrainingConfig(req.Config)
	if err != nil {
		ctrl.respondError(c, err, "Job", "create training job")
		return
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		ctrl.respondError(c, err, "Job", "create training job")
		return
	}

	ctrl.createJob(c, entity.NewJob(entity.JobKindTraining, req.Name, raw))
}

func (ctrl *Controller) CreateGenerationJob(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateJobRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Job] Failed to bind JSON: %v", err)
		utils.JSON400(c, "Invalid request payload")
		return
	}

	cfg, err := generator.ParseGenerationConfig(req.Config)
	if err != nil {
		ctrl.respondError(c, err, "Job", "create generation job")
		return
	}

	var modelKey string
	if cfg.ModelID != "" {
		modelID, err := uuid.Parse(cfg.ModelID)
		if err != nil {
			utils.JSON400(c, "Invalid model_id format")
			return
		}
		model, err := ctrl.Repository.ModelRepo.FindByID(modelID)
		if err != nil {
			ctrl.respondError(c, err, "Job", "resolve model")
			return
		}
		modelKey = model.StorageKey
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		ctrl.respondError(c, err, "Job", "create generation job")
		return
	}

	job := entity.NewJob(entity.JobKindGeneration, req.Name, raw)
	job.ModelKey = modelKey
	ctrl.createJob(c, job)
}

// createJob stores the pending job and queues it. A job that could not be queued
// stays pending and is queued again when a worker starts.
func (ctrl *Controller) createJob(c *gin.Context, job *entity.Job) {
	ctx := c.Request.Context()

	if err := ctrl.Repository.JobRepo.Create(job); err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Job] Failed to create job record: %v", err)
		utils.JSON500(c, "Failed to create job")
		return
	}

	if err := ctrl.Orchestrator.Submit(ctx, job.ID); err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Job] Failed to queue job %s: %v", job.ID, err)
		utils.JSON500(c, fmt.Sprintf("Job %s created but could not be queued", job.ID))
		return
	}

	ctrl.Infra.Logger.InfoWithContextf(ctx, "[Job] Created %s job %s", job.Kind, job.ID)
	utils.JSON201(c, dto.CreateJobResponseDTO{
		JobID:  job.ID.String(),
		Kind:   job.Kind,
		Status: job.Status,
	})
}

func (ctrl *Controller) GetJob(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := ctrl.Repository.JobRepo.FindByID(jobID)
	if err != nil {
		ctrl.respondError(c, err, "Job", "get job")
		return
	}

	utils.JSON200(c, job)
}

func (ctrl *Controller) ListJobs(c *gin.Context) {
	var query dto.ListJobsQueryDTO
	if err := c.ShouldBindQuery(&query); err != nil {
		utils.JSON400(c, "Invalid query parameters")
		return
	}

	filter := repository.JobFilter{
		Status: entity.JobStatus(query.Status),
		Kind:   entity.JobKind(query.Kind),
		Limit:  query.Limit,
		Offset: query.Offset,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		utils.JSON400(c, "Unknown status")
		return
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		utils.JSON400(c, "Unknown kind")
		return
	}
	if filter.Limit == 0 {
		filter.Limit = defaultPageSize
	}

	jobs, err := ctrl.Repository.JobRepo.List(filter)
	if err != nil {
		ctrl.respondError(c, err, "Job", "list jobs")
		return
	}

	utils.JSON200(c, gin.H{
		"jobs":   jobs,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// CancelJob is idempotent; cancelling a finished job returns its final status
func (ctrl *Controller) CancelJob(c *gin.Context) {
	ctx := c.Request.Context()
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	if err := ctrl.Orchestrator.Cancel(ctx, jobID); err != nil {
		ctrl.respondError(c, err, "Job", "cancel job")
		return
	}

	job, err := ctrl.Repository.JobRepo.FindByID(jobID)
	if err != nil {
		ctrl.respondError(c, err, "Job", "cancel job")
		return
	}

	utils.JSON202(c, gin.H{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (ctrl *Controller) GetJobResults(c *gin.Context) {
	ctx := c.Request.Context()
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := ctrl.Repository.JobRepo.FindByID(jobID)
	if err != nil {
		ctrl.respondError(c, err, "Job", "get job results")
		return
	}
	if job.Status != entity.JobStatusCompleted {
		utils.JSON409(c, fmt.Sprintf("Job is %s, results are only available once completed", job.Status))
		return
	}

	ttl := ctrl.Config.EnvConfig.BlobStore.SignedTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	resp := dto.JobResultsResponseDTO{
		JobID:   job.ID.String(),
		Results: make([]dto.ResultDTO, 0, len(job.ResultRefs)),
		Expires: time.Now().Add(ttl).UTC().Format(time.RFC3339),
	}
	for _, key := range job.ResultRefs {
		url, err := ctrl.Orchestrator.Blobs.SignedURL(ctx, key, ttl)
		if err != nil {
			ctrl.respondError(c, err, "Job", "sign result URL")
			return
		}
		resp.Results = append(resp.Results, dto.ResultDTO{Key: key, URL: url})
	}

	if job.Kind == entity.JobKindTraining {
		model, err := ctrl.Repository.ModelRepo.FindByJobID(job.ID)
		switch {
		case err == nil:
			resp.Model = model
		case !errors.Is(err, errs.ErrNotFound):
			ctrl.Infra.Logger.WarningWithContextf(ctx, "[Job] Failed to load model of job %s: %v", job.ID, err)
		}
	}

	utils.JSON200(c, resp)
}

// GetJobProgress returns the live snapshot, or one built from the record once
// the live one has expired
func (ctrl *Controller) GetJobProgress(c *gin.Context) {
	ctx := c.Request.Context()
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	snapshot, err := ctrl.Orchestrator.Publisher.Read(ctx, jobID)
	if err != nil {
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[Job] Failed to read progress of job %s: %v", jobID, err)
	}
	if snapshot != nil {
		utils.JSON200(c, snapshot)
		return
	}

	job, err := ctrl.Repository.JobRepo.FindByID(jobID)
	if err != nil {
		ctrl.respondError(c, err, "Job", "get job progress")
		return
	}
	utils.JSON200(c, progress.SnapshotOf(job, ""))
}
