// Command migrate applies the schema for gateway keys and usage events.
//
//	migrate [flags] up [N]      apply all or N pending migrations
//	migrate [flags] down [N]    roll back all or N migrations
//	migrate [flags] goto V      migrate to version V
//	migrate [flags] force V     mark version V clean after a failed run
//	migrate [flags] version     print the current version
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"

	"github.com/af-corp/meridian-gateway/internal/config"
)

func main() {
	configDir := flag.String("config", "configs", "configuration directory holding gateway.yaml")
	dbURL := flag.String("db-url", "", "database URL (overrides $DATABASE_URL and gateway.yaml)")
	source := flag.String("path", "migrations", "migrations directory")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] up|down|goto|force|version [N]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	_ = godotenv.Load()

	cmd, arg := "up", ""
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}
	if flag.NArg() > 1 {
		arg = flag.Arg(1)
	}

	dsn, err := config.ResolveDatabaseURL(*dbURL, *configDir)
	if err != nil {
		log.Fatalf("resolve database: %v", err)
	}

	m, err := migrate.New("file://"+*source, dsn)
	if err != nil {
		log.Fatalf("open migrations: %v", err)
	}
	defer m.Close()

	m.Log = logger{verbose: os.Getenv("MIGRATE_VERBOSE") != ""}

	if err := run(m, cmd, arg); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Println("no change")
		} else {
			log.Fatalf("%s: %v", cmd, err)
		}
	}
	printVersion(m)
}

func run(m *migrate.Migrate, cmd, arg string) error {
	n, err := optionalInt(arg)
	if err != nil {
		return err
	}
	switch cmd {
	case "up":
		if n > 0 {
			return m.Steps(n)
		}
		return m.Up()
	case "down":
		if n > 0 {
			return m.Steps(-n)
		}
		return m.Down()
	case "goto":
		if arg == "" {
			return errors.New("goto needs a version")
		}
		return m.Migrate(uint(n))
	case "force":
		if arg == "" {
			return errors.New("force needs a version")
		}
		return m.Force(n)
	case "version":
		return nil
	}
	flag.Usage()
	os.Exit(2)
	return nil
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid count or version %q", s)
	}
	return n, nil
}

func printVersion(m *migrate.Migrate) {
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Println("schema version: none")
	case err != nil:
		log.Fatalf("read version: %v", err)
	default:
		fmt.Printf("schema version: %d (dirty: %v)\n", v, dirty)
	}
}

// logger adapts migrate.Logger to the standard log package.
type logger struct{ verbose bool }

func (l logger) Printf(format string, v ...any) { log.Printf(format, v...) }
func (l logger) Verbose() bool                  { return l.verbose }
