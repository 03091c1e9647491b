// Package server wires the raffle runtime and HTTP lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombola-engine/tombola/internal/platform/config"
	"github.com/tombola-engine/tombola/internal/platform/timeouts"
	"github.com/tombola-engine/tombola/internal/raffle/policy"
	raffleservice "github.com/tombola-engine/tombola/internal/services/raffle"
	"github.com/tombola-engine/tombola/internal/services/raffle/api/rest"
	"github.com/tombola-engine/tombola/internal/services/raffle/journal"
	"github.com/tombola-engine/tombola/internal/services/raffle/oracle"
	"github.com/tombola-engine/tombola/internal/services/raffle/payment"
	rafflesqlite "github.com/tombola-engine/tombola/internal/services/raffle/storage/sqlite"
)

type serverEnv struct {
	DBPath         string `env:"TOMBOLA_DB_PATH"`
	JournalPath    string `env:"TOMBOLA_JOURNAL_PATH"`
	PolicyPath     string `env:"TOMBOLA_POLICY_PATH"`
	OracleURL      string `env:"TOMBOLA_ORACLE_URL"`
	CallbackURL    string `env:"TOMBOLA_ORACLE_CALLBACK_URL"`
	CallbackSecret string `env:"TOMBOLA_ORACLE_CALLBACK_SECRET"`
}

func loadServerEnv() serverEnv {
	var cfg serverEnv
	_ = config.ParseEnv(&cfg)
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "raffle.db")
	}
	if strings.TrimSpace(cfg.JournalPath) == "" {
		cfg.JournalPath = filepath.Join("data", "journal.db")
	}
	return cfg
}

// defaultPolicies is the built-in catalog used when no policy file is
// configured. Deployments override it with TOMBOLA_POLICY_PATH.
const defaultPolicies = `
default = "standard"

[policies.standard]
ticket_price = 100
capacity = 100
fee_bps = 250
caller_incentive_bps = 5000
entry_window = "24h"
request_timeout = "10m"
recovery = "reopen"
fee_recipient = "treasury"
`

// Server hosts the raffle HTTP API and storage lifecycle.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *rafflesqlite.Store
	journal    *journal.Journal
	service    *raffleservice.Service
}

// New creates a configured raffle server listening on the provided port.
func New(port int) (*Server, error) {
	return NewWithAddr(fmt.Sprintf(":%d", port))
}

// NewWithAddr creates a configured raffle server for the provided address.
func NewWithAddr(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	env := loadServerEnv()

	catalog, err := loadCatalog(env.PolicyPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	store, err := openRoundStore(env.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	eventJournal, err := openJournal(env.JournalPath)
	if err != nil {
		_ = store.Close()
		_ = listener.Close()
		return nil, err
	}

	oracleClient, devOracle, err := buildOracle(env, listener.Addr().String())
	if err != nil {
		_ = eventJournal.Close()
		_ = store.Close()
		_ = listener.Close()
		return nil, err
	}

	service, err := raffleservice.New(store, eventJournal, oracleClient, payment.NewMemoryLedger(), catalog)
	if err != nil {
		_ = eventJournal.Close()
		_ = store.Close()
		_ = listener.Close()
		return nil, err
	}
	if devOracle != nil {
		devOracle.fulfill = service.HandleFulfillment
	}

	var handlerOpts []rest.Option
	if env.CallbackSecret != "" {
		handlerOpts = append(handlerOpts, rest.WithCallbackSecret([]byte(env.CallbackSecret)))
	}

	return &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           rest.NewHandler(service, handlerOpts...),
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		store:   store,
		journal: eventJournal,
		service: service,
	}, nil
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run starts a raffle server on the provided port until ctx is cancelled.
func Run(ctx context.Context, port int) error {
	server, err := New(port)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the HTTP server until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("raffle server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases raffle server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			log.Printf("close raffle journal: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close raffle store: %v", err)
		}
	}
}

func loadCatalog(path string) (policy.Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return policy.Parse(defaultPolicies)
	}
	return policy.Load(path)
}

func openRoundStore(path string) (*rafflesqlite.Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	store, err := rafflesqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raffle store: %w", err)
	}
	return store, nil
}

func openJournal(path string) (*journal.Journal, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	eventJournal, err := journal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raffle journal: %w", err)
	}
	return eventJournal, nil
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}

// buildOracle returns the coordinator client. Without TOMBOLA_ORACLE_URL the
// in-process dev oracle fulfills requests itself so a standalone deployment
// can complete draws.
func buildOracle(env serverEnv, listenAddr string) (oracle.Client, *devOracle, error) {
	if strings.TrimSpace(env.OracleURL) == "" {
		dev := newDevOracle()
		return dev, dev, nil
	}
	callbackURL := strings.TrimSpace(env.CallbackURL)
	if callbackURL == "" {
		callbackURL = fmt.Sprintf("http://%s/v1/rounds", listenAddr)
	}
	var opts []oracle.HTTPClientOption
	if env.CallbackSecret != "" {
		opts = append(opts, oracle.WithSigningSecret([]byte(env.CallbackSecret)))
	}
	client, err := oracle.NewHTTPClient(env.OracleURL, callbackURL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("configure oracle client: %w", err)
	}
	return client, nil, nil
}
