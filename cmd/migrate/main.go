// Command migrate applies the SQL files in migrations/ in name order,
// recording applied files so reruns are safe.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	if listOnly {
		listTables(db)
		return
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		log.Fatalf("create schema_migrations: %v", err)
	}

	applied := map[string]bool{}
	rows, err := db.Query(`SELECT filename FROM schema_migrations`)
	if err != nil {
		log.Fatalf("read schema_migrations: %v", err)
	}
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			log.Fatal(err)
		}
		applied[f] = true
	}
	rows.Close()

	files, err := pendingMigrations(dir, applied)
	if err != nil {
		log.Fatal(err)
	}
	if len(files) == 0 {
		log.Println("Nothing to apply")
		return
	}

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			log.Fatalf("read %s: %v", f, err)
		}
		fmt.Printf("  %s ... ", f)

		tx, err := db.Begin()
		if err != nil {
			log.Fatalf("begin: %v", err)
		}
		if _, err := tx.Exec(string(data)); err != nil {
			tx.Rollback()
			log.Fatalf("apply %s: %v", f, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (filename) VALUES ($1)`, f); err != nil {
			tx.Rollback()
			log.Fatalf("record %s: %v", f, err)
		}
		if err := tx.Commit(); err != nil {
			log.Fatalf("commit %s: %v", f, err)
		}
		fmt.Println("OK")
	}
	log.Printf("Applied %d migrations", len(files))
}

func pendingMigrations(dir string, applied map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

func listTables(db *sql.DB) {
	rows, err := db.Query(`SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename LIKE 'signup_%'
		ORDER BY tablename`)
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			log.Fatal(err)
		}
		fmt.Println(" ", t)
		n++
	}
	fmt.Printf("Total: %d tables\n", n)
}
