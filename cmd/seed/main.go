package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/resale/internal/auth"
	"github.com/xtrntr/resale/internal/config"
	"github.com/xtrntr/resale/internal/db"
	"github.com/xtrntr/resale/internal/exchange"
	"github.com/xtrntr/resale/internal/logger"
	"github.com/xtrntr/resale/internal/models"
)

var variants = []models.Variant{
	{ID: "dunk-low-panda-270", ProductID: "dunk-low", Size: "270", Color: "panda", Sellable: true},
	{ID: "dunk-low-panda-280", ProductID: "dunk-low", Size: "280", Color: "panda", Sellable: true},
	{ID: "jordan-1-chicago-270", ProductID: "jordan-1", Size: "270", Color: "chicago", Sellable: true},
	{ID: "jordan-1-chicago-300", ProductID: "jordan-1", Size: "300", Color: "chicago", Sellable: false},
}

// Seed the database with variants, users and a few resting bids
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.NewForEnvironment(cfg.AppEnv, cfg.LogLevel)
	defer log.Sync()
	ctx := context.Background()

	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	database, err := db.NewDB(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	// First check if we already have variants
	existing, err := database.ListVariants(ctx)
	if err != nil {
		log.Fatal("failed to check variants", zap.Error(err))
	}
	if len(existing) > 0 {
		fmt.Printf("Database already has %d variants. No need to seed.\n", len(existing))
		os.Exit(0)
	}

	for _, v := range variants {
		if err := database.CreateVariant(ctx, v); err != nil {
			log.Fatal("failed to create variant", zap.String("variant_id", v.ID), zap.Error(err))
		}
	}

	authService := auth.NewAuthService(database, cfg.JWTSecret)
	users := make(map[string]string)
	for _, name := range []string{"buyer1", "seller1", "ops"} {
		u, err := authService.Register(ctx, name, "password123")
		if err != nil {
			log.Fatal("failed to create user", zap.String("username", name), zap.Error(err))
		}
		users[name] = u.ID
	}

	// Resting bids that do not cross, so the books start non-empty
	ex := exchange.NewExchange(database, exchange.DefaultConfig(), log)
	bids := []exchange.BidRequest{
		{Side: models.SideBuy, VariantID: "dunk-low-panda-270", BidderID: users["buyer1"], Price: decimal.NewFromInt(110)},
		{Side: models.SideBuy, VariantID: "dunk-low-panda-270", BidderID: users["buyer1"], Price: decimal.NewFromInt(105)},
		{Side: models.SideSell, VariantID: "dunk-low-panda-270", BidderID: users["seller1"], Price: decimal.NewFromInt(140)},
		{Side: models.SideSell, VariantID: "jordan-1-chicago-270", BidderID: users["seller1"], Price: decimal.RequireFromString("249.99")},
	}
	for _, req := range bids {
		if _, err := ex.SubmitBid(ctx, req); err != nil {
			log.Fatal("failed to place bid", zap.String("variant_id", req.VariantID), zap.Error(err))
		}
	}

	fmt.Printf("Seeded %d variants, %d users and %d bids.\n", len(variants), len(users), len(bids))
}
