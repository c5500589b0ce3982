// Command agimport imports accounts from the Antigravity IDE's sqlite
// state database into the broker's JSON store. The IDE keeps its state
// in a VS Code style key/value ItemTable; the account list lives under
// the antigravityAccounts key.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/poemonsense/antigravity-broker/internal/storage"
)

// legacyAccount is the shape the IDE persists per identity.
type legacyAccount struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refreshToken"`
	ProjectID    string `json:"projectId"`
	Subscription *struct {
		ProjectID string `json:"projectId"`
	} `json:"subscription"`
}

func main() {
	var (
		dbPath string
		dryRun bool
	)
	flag.StringVar(&dbPath, "db", "", "Path to the Antigravity IDE state database (state.vscdb)")
	flag.BoolVar(&dryRun, "dry-run", false, "Print what would be imported without writing")
	flag.Parse()

	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: -db")
		os.Exit(2)
	}

	legacy, err := readLegacyAccounts(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read legacy accounts: %v\n", err)
		os.Exit(1)
	}
	if len(legacy) == 0 {
		fmt.Println("No accounts found in the legacy database.")
		return
	}
	fmt.Printf("Found %d account(s) in %s\n", len(legacy), dbPath)

	configDir, err := storage.ResolveConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve config directory: %v\n", err)
		os.Exit(1)
	}

	if dryRun {
		for _, acc := range legacy {
			fmt.Printf("  would import %s\n", label(acc))
		}
		fmt.Printf("Dry run complete, target store: %s\n", configDir)
		return
	}

	store := storage.New(configDir)
	imported := 0
	_, err = store.Update(func(root *storage.Root) {
		known := make(map[string]bool, len(root.Accounts))
		for _, acc := range root.Accounts {
			known[acc.RefreshToken] = true
		}

		for _, acc := range legacy {
			if acc.RefreshToken == "" || known[acc.RefreshToken] {
				continue
			}
			known[acc.RefreshToken] = true

			managed := ""
			if acc.Subscription != nil {
				managed = acc.Subscription.ProjectID
			}
			root.Accounts = append(root.Accounts, &storage.Account{
				Email:            acc.Email,
				RefreshToken:     acc.RefreshToken,
				ProjectID:        acc.ProjectID,
				ManagedProjectID: managed,
				AddedAt:          time.Now().UnixMilli(),
			})
			imported++
			fmt.Printf("  imported %s\n", label(acc))
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "write store: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Imported %d new account(s) into %s\n", imported, configDir)
}

// readLegacyAccounts opens the state db read-only and decodes the
// account list.
func readLegacyAccounts(dbPath string) ([]legacyAccount, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found at %s", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM ItemTable WHERE key = 'antigravityAccounts'").Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query ItemTable: %w", err)
	}

	var accounts []legacyAccount
	if err := json.Unmarshal([]byte(value), &accounts); err != nil {
		return nil, fmt.Errorf("parse account list: %w", err)
	}
	return accounts, nil
}

func label(acc legacyAccount) string {
	if acc.Email != "" {
		return acc.Email
	}
	if len(acc.RefreshToken) > 8 {
		return acc.RefreshToken[:8] + "..."
	}
	return "(unnamed)"
}
