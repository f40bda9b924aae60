package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mreed/walletkit/account"
	"github.com/mreed/walletkit/backend/httpbackend"
	"github.com/mreed/walletkit/internal/util"
	storebbolt "github.com/mreed/walletkit/secstore/bbolt"
)

var (
	flagDataDir string
	flagServer  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "walletkit",
	Short: "walletkit is the session/credential core of the wallet SDK",
	Long: `Command-line harness for the walletkit session core: log in with a
password, PIN or recovery answers, manage the second factor, and inspect
locally cached accounts.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", defaultDataDir(), "directory for local credential storage")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "https://auth.example.com", "auth backend base URL")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".walletkit"
	}
	return filepath.Join(home, ".walletkit")
}

func newLogger() (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// newManager wires the bbolt credential store and the HTTP backend into an
// account manager. The device key is generated on first run.
func newManager() (*account.Manager, func(), error) {
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(flagDataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating data dir: %w", err)
	}
	deviceKey, err := loadOrCreateDeviceKey(filepath.Join(flagDataDir, "device.key"))
	if err != nil {
		return nil, nil, err
	}
	defer util.WipeBytes(deviceKey)

	store, err := storebbolt.NewStoreFromFile(
		filepath.Join(flagDataDir, "credentials.db"),
		deviceKey,
		storebbolt.WithLogger(log.Named("secstore")),
	)
	if err != nil {
		return nil, nil, err
	}

	auth, err := httpbackend.New(flagServer, httpbackend.WithLogger(log.Named("backend")))
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	mgr := account.New(store, auth, account.WithLogger(log))
	cleanup := func() {
		_ = store.Close()
		_ = log.Sync()
	}
	return mgr, cleanup, nil
}

func loadOrCreateDeviceKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != util.AESKeySize {
			return nil, fmt.Errorf("device key at %s has wrong size", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading device key: %w", err)
	}
	key, err = util.RandomBytes(util.AESKeySize)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("writing device key: %w", err)
	}
	return key, nil
}
