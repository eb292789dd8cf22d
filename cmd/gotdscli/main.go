// Command gotdscli is a small manual-smoke-test client for gotds: it
// connects, runs a couple of diagnostic queries, and prints what it finds.
// It exists to exercise Connect and Query against a real server (it does
// not use Prepare), not as a general-purpose SQL tool.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ha1tch/gotds/pkg/config"
	"github.com/ha1tch/gotds/pkg/session"
	"github.com/ha1tch/gotds/pkg/statement"
	"github.com/ha1tch/gotds/pkg/tds"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "Path to JSON config file (host/user/password/database)")
		host     = flag.String("host", "", "SQL Server host")
		port     = flag.Int("port", 1433, "SQL Server port")
		user     = flag.String("user", "", "SQL Server user")
		password = flag.String("password", "", "SQL Server password")
		database = flag.String("database", "", "Database name")
		watch    = flag.Bool("watch", false, "Watch the config file and print a notice when it changes (does not reconnect)")
		timeout  = flag.Duration("timeout", 10*time.Second, "Dial timeout")
	)
	flag.Parse()

	cfg, err := resolveConfig(*cfgPath, *host, *port, *user, *password, *database)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	cfg.DialTimeout = *timeout

	if *watch && *cfgPath != "" {
		w, changes, err := config.Watch(*cfgPath, cfg.Logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, "watch error:", err)
			os.Exit(1)
		}
		defer w.Close()
		go func() {
			for c := range changes {
				fmt.Printf("config changed, will use %s:%d on next run\n", c.Host, c.Port)
			}
		}()
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveConfig(cfgPath, host string, port int, user, password, database string) (*config.Config, error) {
	var cfg *config.Config
	if cfgPath != "" {
		var err error
		cfg, err = config.LoadFile(cfgPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.New(host, port, tds.Credentials{Username: user, Password: password, Database: database})
	}
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	if user != "" {
		cfg.Username = user
	}
	if password != "" {
		cfg.Password = password
	}
	if database != "" {
		cfg.Database = database
	}

	var missing []string
	if cfg.Host == "" {
		missing = append(missing, "host")
	}
	if cfg.Username == "" {
		missing = append(missing, "user")
	}
	if cfg.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	conn, err := net.DialTimeout("tcp", cfg.Addr(), cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Addr(), err)
	}
	defer conn.Close()

	sess := session.New(conn, cfg.Logger)
	err = sess.Connect(session.Options{
		Credentials:  cfg.Credentials(),
		PacketSize:   cfg.PacketSize,
		AppName:      cfg.AppName,
		HostName:     cfg.HostName,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defer sess.Close()

	fmt.Printf("Connected to %s (packet size %d)\n\n", cfg.Addr(), sess.PacketSize())

	client := statement.NewClient(sess, cfg.Logger)

	if err := printServerInfo(client); err != nil {
		fmt.Fprintln(os.Stderr, "warning: server info:", err)
	}
	if err := printTables(client); err != nil {
		fmt.Fprintln(os.Stderr, "warning: tables:", err)
	}
	return nil
}

func printServerInfo(c *statement.Client) error {
	result, err := c.Query("SELECT @@VERSION")
	if err != nil {
		return err
	}
	if len(result.Rows) == 0 {
		return fmt.Errorf("no rows returned")
	}
	v := result.Rows[0].Get(0).Str
	if idx := strings.Index(v, "\n"); idx > 0 {
		v = v[:idx]
	}
	fmt.Printf("Server: %s\n\n", v)
	return nil
}

func printTables(c *statement.Client) error {
	result, err := c.Query("SELECT name FROM sys.tables WHERE is_ms_shipped = 0 ORDER BY name")
	if err != nil {
		return err
	}
	fmt.Println("Tables:")
	if len(result.Rows) == 0 {
		fmt.Println("  (none)")
		return nil
	}
	for _, row := range result.Rows {
		fmt.Printf("  %s\n", row.GetNamed("name").Str)
	}
	return nil
}
