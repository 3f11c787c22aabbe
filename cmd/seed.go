package cmd

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/jmehdipour/evently/internal/config"
	"github.com/jmehdipour/evently/internal/db"
	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo routes",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// 2) connect Postgres
		pg, err := db.NewPostgresConnection(cfg.Postgres.DSN, db.PostgresOpts{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
			PingTimeout:     cfg.Postgres.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		defer pg.Close()

		log.Println(">> Seeding demo routes...")

		if err := seedRoutes(pg); err != nil {
			return err
		}

		log.Println(">> Seed completed ✅")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

type demoRoute struct {
	id        string
	eventType string
	dest      model.Destination
	policy    model.RetryPolicy
	enabled   bool
}

// seedRoutes inserts deterministic demo routes (idempotent).
func seedRoutes(pg *sqlx.DB) error {
	routes := []demoRoute{
		{
			id:        "seed-user-signed-up",
			eventType: "user.signed_up",
			dest:      model.Destination{URL: "http://127.0.0.1:9100/hooks/signup", TimeoutMs: 3000},
			policy:    model.RetryPolicy{MaxAttempts: 5, BaseDelayMs: 1000, Multiplier: 2, CapDelayMs: 30000},
			enabled:   true,
		},
		{
			id:        "seed-payment-captured",
			eventType: "payment.captured",
			dest: model.Destination{
				URL:       "http://127.0.0.1:9100/hooks/payments",
				TimeoutMs: 5000,
				Headers:   map[string]string{"X-Team": "billing"},
			},
			policy:  model.RetryPolicy{MaxAttempts: 3, BaseDelayMs: 2000, Multiplier: 2, CapDelayMs: 60000},
			enabled: true,
		},
		{
			id:        "seed-disabled-route",
			eventType: "user.signed_up",
			dest:      model.Destination{URL: "http://127.0.0.1:9100/hooks/disabled"},
			policy:    model.RetryPolicy{MaxAttempts: 1},
			enabled:   false,
		},
	}

	// idempotent upsert based on id (PRIMARY KEY)
	const q = `
INSERT INTO routes
    (id, event_type, action_type, destination, retry_policy, enabled, created_at)
VALUES
    ($1, $2, 'webhook.deliver', $3, $4, $5, now())
ON CONFLICT (id) DO UPDATE SET
    event_type   = EXCLUDED.event_type,
    destination  = EXCLUDED.destination,
    retry_policy = EXCLUDED.retry_policy,
    enabled      = EXCLUDED.enabled
`
	tx, err := pg.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, r := range routes {
		destJSON, err := json.Marshal(r.dest)
		if err != nil {
			return err
		}
		policyJSON, err := json.Marshal(r.policy.Normalized())
		if err != nil {
			return err
		}
		if _, err := tx.Exec(q, r.id, r.eventType, destJSON, policyJSON, r.enabled); err != nil {
			return fmt.Errorf("seed route %s: %w", r.id, err)
		}
	}

	return tx.Commit()
}
