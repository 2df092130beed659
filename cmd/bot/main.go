package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/artforge/genbot/internal/admin"
	"github.com/artforge/genbot/internal/config"
	"github.com/artforge/genbot/internal/database"
	"github.com/artforge/genbot/internal/kie"
	"github.com/artforge/genbot/internal/pricing"
	"github.com/artforge/genbot/internal/repository"
	"github.com/artforge/genbot/internal/service"
	"github.com/artforge/genbot/internal/storage"
	"github.com/artforge/genbot/internal/telegram"
	"github.com/artforge/genbot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	table, err := pricing.LoadTable(cfg.PricingPath)
	if err != nil {
		log.Fatalf("pricing table: %v", err)
	}
	if cfg.AutoFreeModels > 0 {
		table = table.AutoFreeTier(cfg.AutoFreeModels)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}

	kieClient := kie.NewClient(cfg, logr)

	userRepo := repository.NewUserRepository(db)
	quotaRepo := repository.NewQuotaRepository(db, cfg.FreeDailyGenerations, cfg.QuotaWindow)
	eventRepo := repository.NewEventRepository(db)
	promoRepo := repository.NewPromoRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	planRepo := repository.NewPlanRepository(db)

	pricingService := pricing.NewService(table, quotaRepo)

	userService := service.NewUserService(cfg, logr, userRepo)
	planService := service.NewPlanService(cfg, planRepo)
	billingService := service.NewBillingService(cfg, logr, pricingService, userRepo, quotaRepo, eventRepo, kieClient)
	statsService := service.NewStatsService(eventRepo)
	promoService := service.NewPromoService(promoRepo, userRepo)
	paymentService := service.NewPaymentService(cfg, logr, paymentRepo, userRepo, planService)

	if err := planService.EnsureDefaultPlan(ctx); err != nil {
		log.Fatalf("ensure default plan: %v", err)
	}

	uploader, err := storage.NewUploader(cfg)
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	bot := telegram.NewBot(cfg, botAPI, logr, userService, billingService, statsService, promoService, paymentService, quotaRepo, uploader)

	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, userService, statsService, planService, promoService, botAPI)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return adminServer.Run(ctx) })
	g.Go(func() error { return bot.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("stopped", "err", err)
	}
}
