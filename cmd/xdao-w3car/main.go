package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ipfs/go-cid"
	"github.com/spf13/pflag"

	"xdao.co/w3car/cidutil"
	"xdao.co/w3car/config"
	"xdao.co/w3car/pack"
	"xdao.co/w3car/unixfs"
	"xdao.co/w3car/upload"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv))
}

type lookupFunc func(string) (string, bool)

func run(ctx context.Context, args []string, out io.Writer, errOut io.Writer, env lookupFunc) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "cid":
		return cmdCID(args[1:], out, errOut)
	case "pack":
		return cmdPack(args[1:], out, errOut)
	case "verify":
		return cmdVerify(args[1:], out, errOut)
	case "upload":
		return cmdUpload(ctx, args[1:], out, errOut, env)
	case "finalize":
		return cmdFinalize(ctx, args[1:], out, errOut, env)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "xdao-w3car: pack files into CAR archives and upload them through a bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  xdao-w3car cid [--chunk-size N] <file>")
	fmt.Fprintln(w, "  xdao-w3car pack -o <out.car> [--chunk-size N] <file> [<file> ...]")
	fmt.Fprintln(w, "  xdao-w3car verify <file.car>")
	fmt.Fprintln(w, "  xdao-w3car upload [--config <file.yaml>] [--each [--parallel N]] <file> [<file> ...]")
	fmt.Fprintln(w, "  xdao-w3car finalize [--config <file.yaml>] --root <CID> --shard <CID> [--shard ...]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - several files are packed as one UnixFS directory named by their base names")
	fmt.Fprintln(w, "  - a file argument of - reads stdin")
	fmt.Fprintf(w, "  - credentials come from %s, %s and %s\n", config.EnvBridgeSecret, config.EnvBridgeAuth, config.EnvSpace)
	fmt.Fprintln(w, "  - finalize re-registers an archive whose upload failed after transfer")
	fmt.Fprintln(w, "  - W3CAR_DEBUG=1 enables debug logging on stderr")
}

func newFlagSet(name string, errOut io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(errOut)
	return fs
}

func newLogger(errOut io.Writer, env lookupFunc) *slog.Logger {
	level := slog.LevelInfo
	if v, ok := env("W3CAR_DEBUG"); ok && v != "" && v != "0" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// packPaths packs one file as a file DAG or several as a directory.
func packPaths(p pack.Packer, paths []string) (*pack.Archive, error) {
	if len(paths) == 1 {
		if paths[0] == "-" {
			return p.Reader(os.Stdin)
		}
		f, err := os.Open(paths[0])
		if err != nil {
			return nil, err
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if !st.Mode().IsRegular() {
			return p.Reader(f)
		}
		return p.Sized(f, st.Size())
	}
	files := make([]unixfs.File, 0, len(paths))
	for _, path := range paths {
		b, err := readInput(path)
		if err != nil {
			return nil, err
		}
		files = append(files, unixfs.File{Name: filepath.Base(path), Data: b})
	}
	return p.Directory(files)
}

func cmdCID(args []string, out io.Writer, errOut io.Writer) int {
	fs := newFlagSet("cid", errOut)
	chunk := fs.Int("chunk-size", unixfs.DefaultChunkSize, "Leaf chunk size in bytes")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(errOut, "usage: xdao-w3car cid [--chunk-size N] <file>")
		return 2
	}
	if *chunk > config.MaxChunkSize {
		fmt.Fprintf(errOut, "--chunk-size must not exceed %d\n", config.MaxChunkSize)
		return 2
	}
	a, err := packPaths(pack.Packer{Builder: unixfs.Builder{ChunkSize: *chunk}}, fs.Args())
	if err != nil {
		fmt.Fprintf(errOut, "pack: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "root\t%s\n", cidutil.String(a.Root()))
	fmt.Fprintf(out, "car\t%s\n", cidutil.String(a.CID()))
	fmt.Fprintf(out, "size\t%d\n", a.Size())
	return 0
}

func cmdPack(args []string, out io.Writer, errOut io.Writer) int {
	fs := newFlagSet("pack", errOut)
	output := fs.StringP("output", "o", "", "Write the CAR archive to this path")
	chunk := fs.Int("chunk-size", unixfs.DefaultChunkSize, "Leaf chunk size in bytes")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *output == "" || fs.NArg() < 1 {
		fmt.Fprintln(errOut, "usage: xdao-w3car pack -o <out.car> [--chunk-size N] <file> [<file> ...]")
		return 2
	}
	if *chunk > config.MaxChunkSize {
		fmt.Fprintf(errOut, "--chunk-size must not exceed %d\n", config.MaxChunkSize)
		return 2
	}
	a, err := packPaths(pack.Packer{Builder: unixfs.Builder{ChunkSize: *chunk}}, fs.Args())
	if err != nil {
		fmt.Fprintf(errOut, "pack: %v\n", err)
		return 1
	}
	f, err := os.Create(*output)
	if err != nil {
		fmt.Fprintf(errOut, "create %s: %v\n", *output, err)
		return 1
	}
	if _, err := a.WriteTo(f); err != nil {
		_ = f.Close()
		fmt.Fprintf(errOut, "write %s: %v\n", *output, err)
		return 1
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(errOut, "close %s: %v\n", *output, err)
		return 1
	}
	fmt.Fprintln(out, cidutil.String(a.CID()))
	fmt.Fprintf(errOut, "root %s, %s in %d block(s)\n", cidutil.String(a.Root()), humanize.Bytes(a.Size()), a.Blocks())
	return 0
}

func cmdVerify(args []string, out io.Writer, errOut io.Writer) int {
	fs := newFlagSet("verify", errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: xdao-w3car verify <file.car>")
		return 2
	}
	var r io.Reader = os.Stdin
	if fs.Arg(0) != "-" {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(errOut, "open: %v\n", err)
			return 1
		}
		defer f.Close()
		r = f
	}
	rep, err := pack.Verify(r)
	if err != nil {
		fmt.Fprintf(errOut, "invalid: %v\n", err)
		return 1
	}
	for _, root := range rep.Roots {
		fmt.Fprintf(out, "root\t%s\n", cidutil.String(root))
	}
	fmt.Fprintf(out, "car\t%s\n", cidutil.String(rep.CID))
	fmt.Fprintf(out, "size\t%d\n", rep.Size)
	fmt.Fprintf(out, "blocks\t%d\n", rep.Blocks)
	return 0
}

func loadConfig(fs *pflag.FlagSet, path string, env lookupFunc) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(env); err != nil {
		return cfg, err
	}
	if fs.Changed("bridge") {
		cfg.Bridge.Endpoint, _ = fs.GetString("bridge")
	}
	return cfg, nil
}

func cmdUpload(ctx context.Context, args []string, out io.Writer, errOut io.Writer, env lookupFunc) int {
	fs := newFlagSet("upload", errOut)
	cfgPath := fs.String("config", "", "YAML config file")
	fs.String("bridge", "", "Bridge endpoint (overrides config)")
	each := fs.Bool("each", false, "Upload every file as its own archive")
	parallel := fs.Int("parallel", 4, "Concurrent uploads with --each")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(errOut, "usage: xdao-w3car upload [--config <file.yaml>] [--each [--parallel N]] <file> [<file> ...]")
		return 2
	}
	cfg, err := loadConfig(fs, *cfgPath, env)
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 2
	}
	u, err := cfg.Open(newLogger(errOut, env))
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 2
	}

	packer := pack.Packer{Builder: cfg.Builder()}
	if *each {
		return uploadEach(ctx, u, packer, fs.Args(), *parallel, out, errOut)
	}
	a, err := packPaths(packer, fs.Args())
	if err != nil {
		fmt.Fprintf(errOut, "pack: %v\n", err)
		return 1
	}
	res, err := u.Upload(ctx, a)
	if err != nil {
		reportUploadError(errOut, err)
		if upload.IsKind(err, upload.KindFinalization) {
			fmt.Fprintf(errOut, "the archive is stored; retry with: xdao-w3car finalize --root %s --shard %s\n",
				cidutil.String(a.Root()), cidutil.String(a.CID()))
		}
		return 1
	}
	fmt.Fprintf(out, "root\t%s\n", cidutil.String(res.Root))
	fmt.Fprintf(out, "car\t%s\n", cidutil.String(res.Shard))
	fmt.Fprintf(out, "size\t%d\n", res.Size)
	if res.GatewayURL != "" {
		fmt.Fprintf(out, "url\t%s\n", res.GatewayURL)
	}
	fmt.Fprintf(errOut, "uploaded %s\n", humanize.Bytes(res.Size))
	return 0
}

// uploadEach uploads each path as an independent session. Output lines are
// "<path>\t<root>\t<url>" in argument order; failures are reported on errOut.
func uploadEach(ctx context.Context, u *upload.Uploader, p pack.Packer, paths []string, parallel int, out, errOut io.Writer) int {
	archives := make([]*pack.Archive, len(paths))
	for i, path := range paths {
		a, err := packPaths(p, []string{path})
		if err != nil {
			fmt.Fprintf(errOut, "pack %s: %v\n", path, err)
			return 1
		}
		archives[i] = a
	}
	code, done := 0, 0
	var total uint64
	for i, o := range u.UploadMany(ctx, archives, parallel) {
		if o.Err != nil {
			fmt.Fprintf(errOut, "%s: ", paths[i])
			reportUploadError(errOut, o.Err)
			code = 1
			continue
		}
		total += o.Result.Size
		done++
		fmt.Fprintf(out, "%s\t%s\t%s\n", paths[i], cidutil.String(o.Result.Root), o.Result.GatewayURL)
	}
	fmt.Fprintf(errOut, "uploaded %s in %d archive(s)\n", humanize.Bytes(total), done)
	return code
}

func cmdFinalize(ctx context.Context, args []string, out io.Writer, errOut io.Writer, env lookupFunc) int {
	fs := newFlagSet("finalize", errOut)
	cfgPath := fs.String("config", "", "YAML config file")
	fs.String("bridge", "", "Bridge endpoint (overrides config)")
	rootArg := fs.String("root", "", "Root CID")
	shardArgs := fs.StringArray("shard", nil, "Archive CID (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *rootArg == "" || len(*shardArgs) == 0 {
		fmt.Fprintln(errOut, "usage: xdao-w3car finalize [--config <file.yaml>] --root <CID> --shard <CID> [--shard ...]")
		return 2
	}
	root, err := cid.Decode(*rootArg)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --root: %v\n", err)
		return 2
	}
	shards := make([]cid.Cid, 0, len(*shardArgs))
	for _, s := range *shardArgs {
		id, err := cid.Decode(s)
		if err != nil {
			fmt.Fprintf(errOut, "invalid --shard %q: %v\n", s, err)
			return 2
		}
		if !cidutil.IsArchive(id) {
			fmt.Fprintf(errOut, "--shard %s is not an archive CID\n", s)
			return 2
		}
		shards = append(shards, id)
	}

	cfg, err := loadConfig(fs, *cfgPath, env)
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 2
	}
	u, err := cfg.Open(newLogger(errOut, env))
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 2
	}
	if err := u.Finalize(ctx, root, shards); err != nil {
		reportUploadError(errOut, err)
		return 1
	}
	if url := u.GatewayURL(root); url != "" {
		fmt.Fprintln(out, url)
	} else {
		fmt.Fprintln(out, "OK")
	}
	return 0
}

func reportUploadError(w io.Writer, err error) {
	var ue *upload.Error
	if !errors.As(err, &ue) {
		fmt.Fprintf(w, "upload: %v\n", err)
		return
	}
	fmt.Fprintf(w, "%s failed (%s): %v\n", ue.Phase, ue.Kind, err)
	if ue.Remote != nil {
		fmt.Fprintf(w, "bridge HTTP %d: %s\n", ue.Remote.StatusCode, strings.TrimSpace(string(ue.Remote.JSON())))
	}
	if ue.Destination != nil {
		fmt.Fprintf(w, "destination HTTP %d: %s\n", ue.Destination.StatusCode, strings.TrimSpace(string(ue.Destination.JSON())))
	}
}
