package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"escrowmarket/auth"
	"escrowmarket/db"
	"escrowmarket/escrow"
	"escrowmarket/factory"
	"escrowmarket/registry"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	registryRepo := registry.NewRepository()
	escrowRepo := escrow.NewRepository()

	server := &Server{
		authService:     auth.NewService(auth.NewRepository(pool), jwtSecret),
		registryService: registry.NewService(pool, registryRepo),
		escrowService:   escrow.NewService(pool, escrowRepo, nil, registryRepo),
		factoryService:  factory.NewService(pool, nil, escrowRepo, registryRepo, nil),
	}

	log.Printf("api listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, server.routes()))
}
