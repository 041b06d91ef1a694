package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ngandimoun/minato-payments/internal/config"
	creditdomain "github.com/ngandimoun/minato-payments/internal/credit/domain"
	notificationdomain "github.com/ngandimoun/minato-payments/internal/notification/domain"
	"github.com/ngandimoun/minato-payments/internal/observability"
	obsmiddleware "github.com/ngandimoun/minato-payments/internal/observability/logger"
	paymentdomain "github.com/ngandimoun/minato-payments/internal/payment/domain"
	saledomain "github.com/ngandimoun/minato-payments/internal/sale/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	paymentSvc      paymentdomain.Service
	creditSvc       creditdomain.Service
	saleSvc         saledomain.Service
	notificationSvc notificationdomain.Service
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	PaymentSvc      paymentdomain.Service
	CreditSvc       creditdomain.Service
	SaleSvc         saledomain.Service
	NotificationSvc notificationdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		paymentSvc:      p.PaymentSvc,
		creditSvc:       p.CreditSvc,
		saleSvc:         p.SaleSvc,
		notificationSvc: p.NotificationSvc,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/api/stripe/webhooks", s.HandleStripeWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.GET("/users/:id/credits", s.GetCreditBalances)
	api.GET("/users/:id/notifications", s.ListNotifications)
	api.POST("/notifications/:id/read", s.MarkNotificationRead)
	api.GET("/users/:id/sales", s.ListSales)
}
