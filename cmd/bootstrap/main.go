// Command bootstrap inserts the very first admin API key directly into
// the store. It is the offline utility spec §4.7 requires: the server
// never creates credentials on its own, so without this there would be
// no way to make the first authenticated call to POST /admin/keys.
//
// Run it once against a fresh store, then rotate the printed key via the
// running server's own admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/aristath/protocol-yield-orchestrator/internal/apikeyauth"
	"github.com/aristath/protocol-yield-orchestrator/internal/config"
	"github.com/aristath/protocol-yield-orchestrator/internal/database"
	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
	"github.com/aristath/protocol-yield-orchestrator/internal/store"
	"github.com/aristath/protocol-yield-orchestrator/pkg/logger"
)

func main() {
	name := flag.String("name", "bootstrap-admin", "name recorded against the issued key")
	force := flag.Bool("force", false, "issue a key even if active keys already exist")
	flag.Parse()

	log := logger.New(logger.Config{Level: os.Getenv("LOG_LEVEL"), Pretty: os.Getenv("DEV_MODE") == "true"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := database.New(database.Config{Path: cfg.Store.URL, Profile: database.ProfileStandard, Name: "orchestrator"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	st := store.New(db.Conn(), log)
	ctx := context.Background()

	existing, err := st.ActiveApiKeys(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to check for existing api keys")
	}
	if len(existing) > 0 && !*force {
		fmt.Fprintf(os.Stderr, "refusing to issue a bootstrap key: %d active key(s) already exist (use -force to issue another)\n", len(existing))
		os.Exit(1)
	}

	issued, err := apikeyauth.GenerateKey()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate key")
	}

	key := domain.ApiKey{
		ID:                 issued.ID,
		Name:               *name,
		Description:        "issued by cmd/bootstrap",
		KeyHash:            issued.Hash,
		Prefix:             issued.Prefix,
		CreatedAt:          time.Now().UTC(),
		IsActive:           true,
		RateLimitPerMinute: 120,
		Permissions:        []domain.Permission{domain.PermissionRead, domain.PermissionWrite, domain.PermissionAdmin, domain.PermissionDelete},
	}
	if err := st.CreateApiKey(ctx, key); err != nil {
		log.Fatal().Err(err).Msg("failed to persist bootstrap key")
	}

	fmt.Printf("issued admin api key: %s\n", issued.Plaintext)
	fmt.Println("store it now — it is never shown again. rotate it via POST /admin/keys once the server is running.")
}
