package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/tdalabs/tda/pkg/agent"
	"github.com/tdalabs/tda/pkg/config"
	"github.com/tdalabs/tda/pkg/crypto"
	"github.com/tdalabs/tda/pkg/kvdb"
	"github.com/tdalabs/tda/pkg/kvstore"
	"github.com/tdalabs/tda/pkg/server"
)

func main() {
	var (
		host = flag.String("H", "", "hostname on which to listen (overrides TDA_HOST)")
		port = flag.Int("P", 0, "port on which to open TCP connections (overrides TDA_PORT)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}

	agentLogger := log.New(os.Stdout, "[Agent] ", log.LstdFlags)
	serverLogger := log.New(os.Stdout, "[Server] ", log.LstdFlags)

	logState, err := startLogState(cfg, agentLogger)
	if err != nil {
		log.Fatalf("start log state: %v", err)
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.Addr(), err)
	}
	agentLogger.Printf("TDA listening on %s, identifier %s", cfg.Addr(), logState.State().Prefix)

	ctx, cancel := context.WithCancel(context.Background())
	srv := server.New(logState, serverLogger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ln) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		agentLogger.Printf("shutting down")
		cancel()
		<-serveErr
	case err := <-serveErr:
		if err != nil {
			agentLogger.Printf("server stopped: %v", err)
			os.Exit(1)
		}
	}
}

// startLogState initializes the agent's LogState: from a persisted
// snapshot and key file if both exist, otherwise from a fresh incept().
// One LogState per process, per spec.md §9's design notes.
func startLogState(cfg *config.Config, logger *log.Logger) (*agent.LogState, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	var store *kvstore.Store
	if cfg.PersistEnabled {
		dbDir := filepath.Join(cfg.DataDir, "kel")
		if err := os.MkdirAll(dbDir, 0700); err != nil {
			return nil, fmt.Errorf("create kel dir %s: %w", dbDir, err)
		}
		db, err := dbm.NewGoLevelDB("tda-kel", dbDir)
		if err != nil {
			return nil, fmt.Errorf("open kel db: %w", err)
		}
		store = kvstore.New(kvdb.NewKVAdapter(db))
	}

	keyPath := cfg.Ed25519KeyPath
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "ed25519_keys.hex")
	}

	if store != nil {
		if current, next, err := loadKeyPair(keyPath); err == nil {
			logState, restoreErr := agent.Restore(store, current, next)
			if restoreErr != nil {
				return nil, fmt.Errorf("restore from persisted kel: %w", restoreErr)
			}
			if logState.State().Sn != 0 || logState.State().Prefix != "" {
				logger.Printf("restored persisted KEL at sn=%d", logState.State().Sn)
				return logState, nil
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load key file %s: %w", keyPath, err)
		}
	}

	logState := agent.New()
	logState.SetStore(store)
	if _, err := logState.Incept(); err != nil {
		return nil, fmt.Errorf("incept: %w", err)
	}
	current, next := logState.Keys()
	if err := saveKeyPair(keyPath, current, next); err != nil {
		return nil, fmt.Errorf("save key file %s: %w", keyPath, err)
	}
	logger.Printf("incepted fresh identifier %s", logState.State().Prefix)
	return logState, nil
}

// loadKeyPair reads the current/next private keys from a two-line hex
// file, following the teacher's pattern of persisting Ed25519 keys as
// hex-encoded text with restrictive file permissions.
func loadKeyPair(path string) (current, next crypto.KeyPair, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return crypto.KeyPair{}, crypto.KeyPair{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		return crypto.KeyPair{}, crypto.KeyPair{}, fmt.Errorf("key file %s: expected 2 lines, got %d", path, len(lines))
	}
	current, err = decodeKeyPair(lines[0])
	if err != nil {
		return crypto.KeyPair{}, crypto.KeyPair{}, fmt.Errorf("current key: %w", err)
	}
	next, err = decodeKeyPair(lines[1])
	if err != nil {
		return crypto.KeyPair{}, crypto.KeyPair{}, fmt.Errorf("next key: %w", err)
	}
	return current, next, nil
}

func decodeKeyPair(hexPriv string) (crypto.KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexPriv))
	if err != nil {
		return crypto.KeyPair{}, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return crypto.KeyPair{}, fmt.Errorf("wrong private key size: %d", len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	return crypto.KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// saveKeyPair writes current/next private keys to path with owner-only
// permissions (0600), matching the teacher's key-file convention.
func saveKeyPair(path string, current, next crypto.KeyPair) error {
	content := hex.EncodeToString(current.Private) + "\n" + hex.EncodeToString(next.Private) + "\n"
	return os.WriteFile(path, []byte(content), 0600)
}
