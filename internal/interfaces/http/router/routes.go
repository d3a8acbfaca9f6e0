package router

import (
	"time"

	"github.com/clinicdesk/backend/internal/infrastructure/logger"
	"github.com/clinicdesk/backend/internal/interfaces/http/handler"
	"github.com/clinicdesk/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Handlers are the API handlers mounted by NewEngine
type Handlers struct {
	System    *handler.SystemHandler
	Documents *handler.DocumentHandler
	Numbering *handler.NumberingHandler
	Drafts    *handler.DraftHandler
}

// EngineConfig configures the middleware chain of NewEngine
type EngineConfig struct {
	CORSAllowOrigins []string
	MaxBodyBytes     int64
	// PublicRateLimit caps public hash lookups per client IP and window;
	// zero disables the limit.
	PublicRateLimit  int
	PublicRateWindow time.Duration
	// TracingEnabled wraps every request in an otelgin server span named
	// after ServiceName.
	TracingEnabled bool
	ServiceName    string
	TracerProvider trace.TracerProvider
}

// NewEngine builds the gin engine with the middleware chain and every route.
//
//	GET    /api/v1/system/ping
//	GET    /api/v1/system/info
//	POST   /api/v1/documents/:type                  tenant
//	GET    /api/v1/documents/:type/next-number      tenant
//	GET    /api/v1/documents/:type/public/:hash     rate limited
//	GET    /api/v1/numbering/:type/audit
//	PUT    /api/v1/patients/wizard/draft            tenant, user
//	GET    /api/v1/patients/wizard/draft            tenant, user
//	DELETE /api/v1/patients/wizard/draft            tenant, user
func NewEngine(cfg EngineConfig, h Handlers, log *zap.Logger) *gin.Engine {
	if cfg.PublicRateWindow <= 0 {
		cfg.PublicRateWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = middleware.DefaultBodyLimit
	}
	middleware.SetupValidator()

	engine := gin.New()
	engine.Use(middleware.RequestID())
	if cfg.TracingEnabled {
		engine.Use(middleware.Tracing(middleware.TracingConfig{
			ServiceName:    cfg.ServiceName,
			TracerProvider: cfg.TracerProvider,
		})...)
	}
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.Secure())
	engine.Use(middleware.CORSWithConfig(middleware.DefaultCORSConfig(cfg.CORSAllowOrigins)))
	engine.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

	r := NewRouter(engine)

	system := NewDomainGroup("/system").
		GET("/ping", h.System.Ping).
		GET("/info", h.System.GetSystemInfo)
	r.Register(system)

	documents := NewDomainGroup("/documents/:type")
	public := documents.Group("/public")
	if cfg.PublicRateLimit > 0 {
		public.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.PublicRateLimit, cfg.PublicRateWindow)))
	}
	public.GET("/:hash", h.Documents.ResolvePublic)
	documents.Group("").
		Use(middleware.RequireTenant()).
		POST("", h.Documents.Create).
		GET("/next-number", h.Documents.NextNumber)
	r.Register(documents)

	r.Register(NewDomainGroup("/numbering/:type").
		GET("/audit", h.Numbering.Audit))

	r.Register(NewDomainGroup("/patients/wizard/draft").
		Use(middleware.RequireTenant(), middleware.RequireUser()).
		PUT("", h.Drafts.Save).
		GET("", h.Drafts.Load).
		DELETE("", h.Drafts.Discard))

	r.Setup()
	return engine
}
