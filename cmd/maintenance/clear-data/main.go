package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/config"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/database"
	"github.com/joho/godotenv"
)

// lifecycleTables in dependency order
var lifecycleTables = []string{
	"payment_audits",
	"otp_records",
	"sessions",
	"transactions",
	"bookings",
}

func main() {
	var dbURLFlag string
	var confirm bool
	flag.StringVar(&dbURLFlag, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	flag.BoolVar(&confirm, "yes", false, "confirm that all lifecycle data should be deleted")
	flag.Parse()

	// Try loading .env from current working directory (optional)
	_ = godotenv.Load()

	if os.Getenv("ENVIRONMENT") == "production" {
		log.Fatal("refusing to clear data in production")
	}
	if !confirm {
		log.Fatal("pass -yes to delete all bookings, transactions, sessions and audits")
	}

	dbURL := dbURLFlag
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set and -database-url was not provided")
	}

	db, err := database.NewConnection(config.DatabaseConfig{
		URL:                dbURL,
		MaxConnections:     5,
		MaxIdleConnections: 2,
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	fmt.Println("Connected to database. Truncating tables...")

	truncateSQL := "TRUNCATE TABLE"
	for i, t := range lifecycleTables {
		if i > 0 {
			truncateSQL += ","
		}
		truncateSQL += " " + t
	}
	truncateSQL += " CASCADE"

	if _, err := db.Exec(truncateSQL); err != nil {
		log.Fatalf("failed to truncate tables: %v", err)
	}

	fmt.Println("Post-clear row counts:")
	for _, t := range lifecycleTables {
		var count int
		if err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", t)).Scan(&count); err != nil {
			fmt.Printf("  %s: error: %v\n", t, err)
			continue
		}
		fmt.Printf("  %s: %d\n", t, count)
	}
}
