// Package config holds connection configuration for the TDS client:
// functional options over a Config struct, plus an optional file watcher
// for reloading credentials without restarting a long-lived process.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ha1tch/gotds/pkg/log"
	"github.com/ha1tch/gotds/pkg/tds"
)

// Config is the fully resolved connection configuration.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string

	AppName    string
	HostName   string
	PacketSize int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *log.Logger
}

// Option configures a Config.
type Option func(*Config)

// WithDatabase sets the initial database named in LOGIN7.
func WithDatabase(name string) Option {
	return func(c *Config) { c.Database = name }
}

// WithPacketSize overrides the packet size requested during negotiation.
func WithPacketSize(n int) Option {
	return func(c *Config) { c.PacketSize = n }
}

// WithAppName sets the client application name reported at login.
func WithAppName(name string) Option {
	return func(c *Config) { c.AppName = name }
}

// WithHostname sets the client hostname reported at login.
func WithHostname(name string) Option {
	return func(c *Config) { c.HostName = name }
}

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithDialTimeout bounds how long Dial may take to establish the TCP
// connection before the handshake begins.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) { c.DialTimeout = d }
}

// WithReadTimeout sets a read deadline applied to every ReadMessage, if
// the transport is a net.Conn. No-op on a plain io.ReadWriter transport.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) { c.ReadTimeout = d }
}

// WithWriteTimeout sets a write deadline applied to every WriteMessage, if
// the transport is a net.Conn. No-op on a plain io.ReadWriter transport.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) { c.WriteTimeout = d }
}

// New builds a Config from the given host/credentials and options,
// applying the same defaults the teacher's connection layer uses.
func New(host string, port int, creds tds.Credentials, opts ...Option) *Config {
	c := &Config{
		Host:       host,
		Port:       port,
		Username:   creds.Username,
		Password:   creds.Password,
		Database:   creds.Database,
		AppName:    "gotds",
		HostName:   "",
		PacketSize: tds.DefaultPacketSize,
		Logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Credentials extracts the tds.Credentials this Config carries.
func (c *Config) Credentials() tds.Credentials {
	return tds.Credentials{Username: c.Username, Password: c.Password, Database: c.Database}
}

// Addr returns the host:port dial address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// fileConfig is the on-disk JSON shape consumed by LoadFile and Watch.
// Password is plain text in the file, matching the teacher's goclient.go
// convention of trusting the filesystem for dev-server credentials.
type fileConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"user"`
	Password   string `json:"password"`
	Database   string `json:"database"`
	AppName    string `json:"app_name"`
	PacketSize int    `json:"packet_size"`
}

// LoadFile reads a JSON config file in the same shape as the teacher's
// goclient.go Config, producing a Config with gotds defaults applied.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := json.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("config: invalid JSON in %s: %w", path, err)
	}
	opts := []Option{}
	if fc.AppName != "" {
		opts = append(opts, WithAppName(fc.AppName))
	}
	if fc.PacketSize != 0 {
		opts = append(opts, WithPacketSize(fc.PacketSize))
	}
	creds := tds.Credentials{Username: fc.Username, Password: fc.Password, Database: fc.Database}
	return New(fc.Host, fc.Port, creds, opts...), nil
}

// Watcher reloads a Config from a JSON file whenever it changes on disk,
// using fsnotify so a long-lived process can pick up rotated credentials
// without a restart. The zero value is not usable; construct with Watch.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *log.Logger
}

// Watch starts watching path for writes and returns a Watcher plus a
// channel of reloaded Configs. The channel is closed when Close is called.
// A reload that fails to parse is logged and skipped, leaving the last
// good Config in place for the caller.
func Watch(path string, logger *log.Logger) (*Watcher, <-chan *Config, error) {
	if logger == nil {
		logger = log.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, nil, fmt.Errorf("config: watching %s: %w", path, err)
	}

	out := make(chan *Config, 1)
	w := &Watcher{path: path, watcher: fw, logger: logger}

	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadFile(path)
				if err != nil {
					logger.Connection().Debug("config reload failed", "path", path, "error", err.Error())
					continue
				}
				select {
				case out <- cfg:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logger.Connection().Debug("config watch error", "error", err.Error())
			}
		}
	}()

	return w, out, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
