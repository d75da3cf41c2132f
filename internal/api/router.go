package api

import (
	"github.com/Abhinav-Prajapati/pixal-judge/internal/api/handler"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/api/middleware"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxMultipartMemory is how much of a multipart upload gin buffers before spilling to disk.
const maxMultipartMemory = 32 << 20

// Services are the application services the HTTP layer fronts.
type Services struct {
	Ingest   *service.IngestService
	Batches  *service.BatchService
	Grouping *service.GroupingService
	Ranking  *service.RankingService
}

// RouterOptions configures the router's outer surface.
type RouterOptions struct {
	Mode             string
	CORS             config.CORSConfig
	GroupingDefaults domain.GroupingParams
	DefaultMetric    string
	Gatherer         prometheus.Gatherer
	HealthChecks     map[string]handler.HealthCheck
	Logger           *logger.Logger
}

// GroupingDefaults builds the clustering parameters used when a request leaves some out.
func GroupingDefaults(cfg config.GroupingConfig) domain.GroupingParams {
	return domain.GroupingParams{
		Algorithm:      cfg.Algorithm,
		Metric:         cfg.Metric,
		MinClusterSize: cfg.MinClusterSize,
		MinSamples:     cfg.MinSamples,
		Eps:            cfg.Eps,
	}
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc Services, opts RouterOptions) *gin.Engine {
	switch opts.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetDefault()
	}

	r := gin.New()
	r.MaxMultipartMemory = maxMultipartMemory
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(opts.CORS))

	healthHandler := handler.NewHealthHandler(opts.HealthChecks)
	imageHandler := handler.NewImageHandler(svc.Ingest, svc.Ranking, opts.DefaultMetric)
	batchHandler := handler.NewBatchHandler(svc.Batches, svc.Grouping, svc.Ranking, opts.GroupingDefaults, opts.DefaultMetric)

	r.GET("/health", healthHandler.Health)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	{
		images := v1.Group("/images")
		images.POST("", imageHandler.Upload)
		images.GET("", imageHandler.List)
		images.GET("/:id", imageHandler.Get)
		images.GET("/:id/file", imageHandler.File)
		images.GET("/:id/thumbnail", imageHandler.Thumbnail)
		images.GET("/:id/similar", imageHandler.Similar)
		images.POST("/quality/batch", imageHandler.BulkQuality)
		images.POST("/:id/quality", imageHandler.Quality)
		images.DELETE("/:id", imageHandler.Delete)

		batches := v1.Group("/batches")
		batches.POST("", batchHandler.Create)
		batches.GET("", batchHandler.List)
		batches.GET("/:id", batchHandler.Get)
		batches.PATCH("/:id", batchHandler.Rename)
		batches.DELETE("/:id", batchHandler.Delete)
		batches.POST("/:id/images", batchHandler.AddImages)
		batches.DELETE("/:id/images", batchHandler.RemoveImages)
		batches.POST("/:id/upload", batchHandler.Upload)
		batches.POST("/:id/analyze", batchHandler.Analyze)
		batches.PUT("/:id/groups", batchHandler.UpdateGroups)
		batches.POST("/:id/groups/rank", batchHandler.RankGroup)
	}

	return r
}
