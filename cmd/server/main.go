package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/mitchellvdhut/quizzap/internal/auth"
	"github.com/mitchellvdhut/quizzap/internal/config"
	"github.com/mitchellvdhut/quizzap/internal/httpapi"
	"github.com/mitchellvdhut/quizzap/internal/quiz"
	"github.com/mitchellvdhut/quizzap/internal/registry"
	"github.com/mitchellvdhut/quizzap/internal/store"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return err
	}
	if err := store.AutoMigrate(db); err != nil {
		return err
	}
	repo := store.NewRepository(db)

	authSvc := auth.NewService(repo, cfg.JWTSecret, cfg.JWTTTL)
	reg := registry.New(log)
	quizSvc := quiz.NewService(reg, repo, authSvc, log, quiz.Config{
		Grace:    cfg.QuizGrace,
		ReadWait: cfg.SocketReadWait,
	})
	api := httpapi.NewServer(repo, authSvc, quizSvc, log)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.Routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Ghost pools accumulate when every connection of a session dies
	// without a clean close; sweep them on an interval.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if removed := reg.Sweep(); removed > 0 {
					log.Info("swept dead pools", zap.Int("removed", removed))
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
