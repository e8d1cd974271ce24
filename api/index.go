package handler

import (
	"context"
	"net/http"

	"github.com/arnavshah/rota-swap-go/pkg/app"
	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/logging"
	"go.uber.org/zap"
)

var r http.Handler

func init() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	// Serverless instances log JSON to stdout and run passes on demand only
	log, err := logging.New(cfg.LogLevel, true)
	if err != nil {
		panic(err)
	}

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		log.Fatal("could not initialize app", zap.Error(err))
	}
	if err := a.EnsureAdmin(); err != nil {
		log.Warn("could not ensure admin user", zap.Error(err))
	}

	r = a.Router()
}

// Handler is the entry point for Vercel Go Runtime
func Handler(w http.ResponseWriter, req *http.Request) {
	r.ServeHTTP(w, req)
}
