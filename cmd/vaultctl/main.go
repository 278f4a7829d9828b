// Command vaultctl manages encrypted vaults on a local directory, an
// rclone remote, an S3 bucket or an SFTP server. Paths inside a vault are
// encrypted transparently.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	_ "github.com/rclone/rclone/backend/all"

	"github.com/gobeaver/vaultfs"
	"github.com/gobeaver/vaultfs/cryptovault"
	"github.com/gobeaver/vaultfs/driver/local"
	"github.com/gobeaver/vaultfs/driver/rclone"
	"github.com/gobeaver/vaultfs/driver/s3"
	"github.com/gobeaver/vaultfs/driver/sftp"
)

var rootCmd = &cobra.Command{
	Use:   "vaultctl",
	Short: "Work with encrypted vaults on local or remote storage",
	Long: `vaultctl reads and writes files through a vault registry. Directories
holding a vault marker are encrypted: file names and content are stored
as ciphertext and decrypted on the way out.`,
	Example: `  vaultctl --root ./data create /secret
  vaultctl --root ./data put report.pdf /secret/report.pdf
  vaultctl --backend rclone --root gdrive:backup ls /secret
  vaultctl --backend s3 --root my-bucket/backups cat /secret/notes.txt
  vaultctl --backend sftp --root alice@files.example.com/home/alice ls /secret`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	backendName string
	rootPath    string
	passphrase  string
	verbose     bool

	cfg      *vaultfs.Config
	backend  vaultfs.Session
	registry *vaultfs.Registry
	overlay  vaultfs.Session
	vaultOpt []cryptovault.Option
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&backendName, "backend", "b", "local",
		"Storage backend: local, rclone, s3 or sftp")
	rootCmd.PersistentFlags().StringVarP(&rootPath, "root", "r", ".",
		"Directory, rclone remote (remote:path), bucket/prefix or user@host/path")
	rootCmd.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "",
		"Vault passphrase (default $BEAVER_VAULTFS_PASSPHRASE, prompts if unset)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Log vault events to stderr")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if registry != nil {
		registry.Shutdown()
	}
	if c, ok := backend.(io.Closer); ok {
		c.Close()
	}
	if err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// setup opens the backend and builds the registry every command uses.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = vaultfs.GetConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.DiscardHandler)
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	backend, err = openBackend(cmd.Context())
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	vaultOpt = []cryptovault.Option{
		cryptovault.WithMarkerName(cfg.MarkerName),
		cryptovault.WithLogger(logger),
	}
	registry, err = vaultfs.NewRegistryFromConfig(cfg,
		cryptovault.NewProber(vaultOpt...),
		cryptovault.NewLoader(cryptovault.PassphraseFunc(lookupPassphrase), vaultOpt...),
		vaultfs.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	overlay = registry.Overlay(backend)
	return nil
}

// openBackend opens the session named by --backend at --root.
func openBackend(ctx context.Context) (vaultfs.Session, error) {
	switch backendName {
	case "local":
		return local.New(rootPath)
	case "rclone":
		return rclone.New(ctx, rootPath)
	case "s3":
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(rootPath, "/"), "/")
		if bucket == "" || bucket == "." {
			return nil, errors.New("s3 root must be bucket[/prefix]")
		}
		client, err := newS3Client(ctx, s3.ClientConfig{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s3.New(client, bucket, s3.WithPrefix(prefix)), nil
	case "sftp":
		return dialSFTP(rootPath)
	default:
		return nil, fmt.Errorf("unknown backend %q", backendName)
	}
}

// newS3Client builds the client of the s3 backend.
var newS3Client = func(ctx context.Context, cc s3.ClientConfig) (s3.Client, error) {
	return s3.NewClient(ctx, cc)
}

// dialSFTP connects to a root of the form user@host[:port]/path.
func dialSFTP(root string) (*sftp.Session, error) {
	u, err := url.Parse("sftp://" + root)
	if err != nil {
		return nil, fmt.Errorf("invalid sftp root %q: %w", root, err)
	}
	sc := sftp.Config{
		Host:           u.Hostname(),
		Username:       u.User.Username(),
		Password:       cfg.SFTPPassword,
		KnownHostsFile: cfg.SFTPKnownHosts,

		InsecureIgnoreHostKey: cfg.SFTPInsecureHostKey,
		BasePath:       u.Path,
	}
	if port := u.Port(); port != "" {
		if sc.Port, err = strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("invalid sftp port %q", port)
		}
	}
	if cfg.SFTPPrivateKey != "" {
		if sc.PrivateKey, err = os.ReadFile(cfg.SFTPPrivateKey); err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
	}
	return sftp.Dial(sc)
}

// lookupPassphrase returns the passphrase from the flag, the environment
// or an interactive prompt, in that order.
func lookupPassphrase(ctx context.Context, root vaultfs.Path) (string, error) {
	if passphrase != "" {
		return passphrase, nil
	}
	if cfg != nil && cfg.Passphrase != "" {
		return cfg.Passphrase, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("no passphrase given")
	}

	p, err := promptPassword(fmt.Sprintf("Passphrase for %s: ", root))
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	passphrase = p
	return p, nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	// Read password without echo
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}
	return string(password), nil
}

func printSuccess(format string, args ...any) {
	color.New(color.FgGreen).Fprintf(os.Stderr, "✓ "+format+"\n", args...)
}

func printError(format string, args ...any) {
	color.New(color.FgRed).Fprintf(os.Stderr, "✗ "+format+"\n", args...)
}
