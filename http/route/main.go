package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/tnqbao/gau-forge/http/controller"
	middlewares "github.com/tnqbao/gau-forge/http/middleware"
)

func SetupRouter(ctrl *controller.Controller) *gin.Engine {
	r := gin.Default()
	middles, err := middlewares.NewMiddlewares(ctrl)
	if err != nil {
		panic(err)
	}
	r.Use(middles.CORSMiddleware)

	r.GET("/healthz", ctrl.Healthz)

	apiRoutes := r.Group("/api/v1")
	{
		apiRoutes.Use(middles.AuthMiddleware)

		jobRoutes := apiRoutes.Group("/jobs")
		{
			jobRoutes.POST("/training", ctrl.CreateTrainingJob)
			jobRoutes.POST("/generation", ctrl.CreateGenerationJob)
			jobRoutes.GET("", ctrl.ListJobs)
			jobRoutes.GET("/:id", ctrl.GetJob)
			jobRoutes.POST("/:id/cancel", ctrl.CancelJob)
			jobRoutes.GET("/:id/results", ctrl.GetJobResults)
			jobRoutes.GET("/:id/progress", ctrl.GetJobProgress)
			jobRoutes.GET("/:id/progress/stream", ctrl.StreamJobProgress)
			jobRoutes.GET("/:id/progress/ws", ctrl.StreamJobProgressWS)
		}

		modelRoutes := apiRoutes.Group("/models")
		{
			modelRoutes.GET("", ctrl.ListModels)
			modelRoutes.GET("/:id", ctrl.GetModel)
		}

		apiRoutes.GET("/cache", middles.AdminMiddleware, ctrl.ListCacheEntries)
	}
	return r
}
