package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gobeaver/vaultfs"
	"github.com/gobeaver/vaultfs/cryptovault"
)

var createCmd = &cobra.Command{
	Use:   "create <dir>",
	Short: "Create a vault",
	Long: `Create initializes a vault in dir by writing a marker file. Everything
written below dir afterwards is encrypted with a key derived from the
passphrase.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var lsCmd = &cobra.Command{
	Use:   "ls [dir]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLs,
}

var catCmd = &cobra.Command{
	Use:   "cat <file>",
	Short: "Print a file to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runCat,
}

var putCmd = &cobra.Command{
	Use:   "put <local-file|-> <file>",
	Short: "Upload a local file, or stdin with -",
	Args:  cobra.ExactArgs(2),
	RunE:  runPut,
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Delete files or directories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

var mvCmd = &cobra.Command{
	Use:   "mv <src> <dst>",
	Short: "Move a file or directory within the same vault",
	Args:  cobra.ExactArgs(2),
	RunE:  runMv,
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <dir>",
	Short: "Create a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runMkdir,
}

var whichCmd = &cobra.Command{
	Use:   "which <path>",
	Short: "Show the vault a path belongs to",
	Args:  cobra.ExactArgs(1),
	RunE:  runWhich,
}

var (
	rmRecursive bool
	lsLong      bool
)

func init() {
	rootCmd.AddCommand(createCmd, lsCmd, catCmd, putCmd, rmCmd, mvCmd, mkdirCmd, whichCmd)

	rmCmd.Flags().BoolVarP(&rmRecursive, "recursive", "R", false,
		"Treat arguments as directories and delete their content")
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false,
		"Show size and modification time")
}

func filePath(arg string) vaultfs.Path {
	return vaultfs.NewPath(arg, vaultfs.TypeFile)
}

func dirPath(arg string) vaultfs.Path {
	return vaultfs.NewPath(arg, vaultfs.TypeDirectory)
}

// entryPath types arg after the entry its parent lists, so directories
// are recognized on backends where they are only key prefixes.
func entryPath(ctx context.Context, arg string) (vaultfs.Path, error) {
	p := filePath(arg)
	if p.IsRoot() {
		return vaultfs.Root(), nil
	}

	lister, err := vaultfs.FeatureOf[vaultfs.List](overlay, vaultfs.FeatureList)
	if err != nil {
		return vaultfs.Path{}, err
	}
	entries, err := lister.List(ctx, p.Parent())
	if err != nil {
		return vaultfs.Path{}, err
	}
	for _, e := range entries {
		if e.Path.Name() == p.Name() {
			return vaultfs.NewPath(p.Abs(), e.Path.Type()), nil
		}
	}
	return vaultfs.Path{}, &vaultfs.VaultError{Op: "stat", Path: p.Abs(), Err: vaultfs.ErrNotExist}
}

func runCreate(cmd *cobra.Command, args []string) error {
	root := dirPath(args[0])
	pass, err := lookupPassphrase(cmd.Context(), root)
	if err != nil {
		return err
	}

	v, err := cryptovault.Create(cmd.Context(), backend, root, pass, vaultOpt...)
	if err != nil {
		return err
	}
	if err := registry.Open(backend, v); err != nil {
		return err
	}
	printSuccess("Created vault %s (id %s)", root, v.ID())
	return nil
}

func runLs(cmd *cobra.Command, args []string) error {
	dir := vaultfs.Root()
	if len(args) == 1 {
		dir = dirPath(args[0])
	}

	lister, err := vaultfs.FeatureOf[vaultfs.List](overlay, vaultfs.FeatureList)
	if err != nil {
		return err
	}
	entries, err := lister.List(cmd.Context(), dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !lsLong {
		for _, e := range entries {
			fmt.Fprintln(out, displayName(e.Path))
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t\n", e.Attributes.Size, e.Attributes.ModTime.Format(time.DateTime), displayName(e.Path))
	}
	return tw.Flush()
}

func displayName(p vaultfs.Path) string {
	if p.IsDir() {
		return p.Name() + "/"
	}
	return p.Name()
}

func runCat(cmd *cobra.Command, args []string) error {
	reader, err := vaultfs.FeatureOf[vaultfs.Read](overlay, vaultfs.FeatureRead)
	if err != nil {
		return err
	}
	in, err := reader.Read(cmd.Context(), filePath(args[0]), vaultfs.NewTransferStatus())
	if err != nil {
		return err
	}
	defer in.Close()

	_, err = io.Copy(cmd.OutOrStdout(), in)
	return err
}

func runPut(cmd *cobra.Command, args []string) error {
	status := vaultfs.NewTransferStatus()

	var src io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		if info, err := f.Stat(); err == nil {
			status.Length = info.Size()
			status.ModTime = info.ModTime()
		}
		src = f
	}

	writer, err := vaultfs.FeatureOf[vaultfs.Write](overlay, vaultfs.FeatureWrite)
	if err != nil {
		return err
	}
	dst := filePath(args[1])
	out, err := writer.Write(cmd.Context(), dst, status)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if status.Checksum != "" {
		printSuccess("Wrote %d bytes to %s (%s %s)", n, dst, writer.Checksum(), status.Checksum)
	} else {
		printSuccess("Wrote %d bytes to %s", n, dst)
	}
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	files := make([]vaultfs.Path, 0, len(args))
	for _, arg := range args {
		if rmRecursive {
			files = append(files, dirPath(arg))
		} else {
			files = append(files, filePath(arg))
		}
	}

	deleter, err := vaultfs.FeatureOf[vaultfs.Delete](overlay, vaultfs.FeatureDelete)
	if err != nil {
		return err
	}
	if err := deleter.Delete(cmd.Context(), files); err != nil {
		return err
	}
	printSuccess("Deleted %d path(s)", len(files))
	return nil
}

func runMv(cmd *cobra.Command, args []string) error {
	src, err := entryPath(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	// directories are moved as a whole
	dst := vaultfs.NewPath(args[1], src.Type())

	mover, err := vaultfs.FeatureOf[vaultfs.Move](overlay, vaultfs.FeatureMove)
	if err != nil {
		return err
	}
	moved, err := mover.Move(cmd.Context(), src, dst, vaultfs.NewTransferStatus())
	if errors.Is(err, vaultfs.ErrNotSupported) {
		return fmt.Errorf("%w (copy and delete to move between vaults)", err)
	}
	if err != nil {
		return err
	}
	printSuccess("Moved %s to %s", src, moved)
	return nil
}

func runMkdir(cmd *cobra.Command, args []string) error {
	mkdir, err := vaultfs.FeatureOf[vaultfs.Directory](overlay, vaultfs.FeatureDirectory)
	if err != nil {
		return err
	}
	dir, err := mkdir.Mkdir(cmd.Context(), dirPath(args[0]), vaultfs.NewTransferStatus())
	if err != nil {
		return err
	}
	printSuccess("Created %s", dir)
	return nil
}

func runWhich(cmd *cobra.Command, args []string) error {
	p, err := entryPath(cmd.Context(), args[0])
	if vaultfs.IsNotExist(err) {
		p, err = filePath(args[0]), nil
	}
	if err != nil {
		return err
	}
	v, err := registry.Find(cmd.Context(), backend, p)
	if err != nil {
		return err
	}
	if vaultfs.IsNull(v) {
		fmt.Fprintln(cmd.OutOrStdout(), "not in a vault")
		return nil
	}
	if cv, ok := v.(*cryptovault.Vault); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "%s (id %s)\n", cv.Root(), cv.ID())
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), v.Root())
	return nil
}
