// Command ntfscopy extracts files and directories straight off a raw NTFS volume, bypassing the operating system's
// own file APIs so it can pull files the OS itself refuses to open. See `ntfscopy -h` for usage.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/t9t/ntfscopy/blockreader"
	"github.com/t9t/ntfscopy/logging"
	"github.com/t9t/ntfscopy/ntfserr"
	"github.com/t9t/ntfscopy/session"
)

const (
	exitUsageError     = 1
	exitBadVolume      = 2
	exitNotFound       = 3
	exitIO             = 4
	exitBadCache       = 5
	exitCacheLocked    = 6
	exitUnexpectedKind = 7
)

func main() {
	app := &cli.App{
		Name:      "ntfscopy",
		Usage:     "extract files and directories from a raw NTFS volume",
		ArgsUsage: "<volume> <source-path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "print diagnostic messages as extraction proceeds"},
			&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "also copy a matched directory's contents"},
			&cli.StringFlag{Name: "output-root", Aliases: []string{"o"}, Value: ".", Usage: "directory under which extracted files are placed"},
			&cli.StringFlag{Name: "cache-dir", Usage: "directory holding the persistent record-number cache (omit to disable)"},
			&cli.BoolFlag{Name: "ignore-cache", Usage: "start from an empty cache and don't persist it"},
			&cli.Int64Flag{Name: "image-offset", Usage: "byte offset of the NTFS volume within <volume>, for single-partition disk images"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := exitCodeFor(err)
		if exitErr, ok := err.(cli.ExitCoder); ok {
			code = exitErr.ExitCode()
		}
		os.Exit(code)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("expected exactly two arguments: <volume> <source-path>", exitUsageError)
	}
	volumePath := c.Args().Get(0)
	sourcePath := c.Args().Get(1)

	level := logging.LevelInfo
	if c.Bool("verbose") {
		level = logging.LevelDebug
	}
	logger := logging.New(level)

	source, err := openSource(volumePath, c.Int64("image-offset"))
	if err != nil {
		return cli.Exit(err.Error(), exitCodeFor(err))
	}

	sess, err := session.Open(source, session.Options{
		OutputRoot:  c.String("output-root"),
		CacheDir:    c.String("cache-dir"),
		IgnoreCache: c.Bool("ignore-cache"),
		Logger:      logger,
	})
	if err != nil {
		source.Close()
		return cli.Exit(err.Error(), exitCodeFor(err))
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Errorf("error closing session: %v", err)
		}
	}()

	if err := sess.Copy(sourcePath, c.Bool("recursive")); err != nil {
		return cli.Exit(err.Error(), exitCodeFor(err))
	}
	return nil
}

// openSource opens a raw device or image file at path, rewriting a bare drive letter to its platform device path and
// optionally wrapping it to account for a single-partition image's byte offset.
func openSource(path string, imageOffset int64) (blockreader.BlockReader, error) {
	device, err := blockreader.OpenDevice(blockreader.DevicePath(path))
	if err != nil {
		return nil, err
	}
	if imageOffset == 0 {
		return device, nil
	}
	return blockreader.NewImage(device, imageOffset), nil
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, ntfserr.BadVolume):
		return exitBadVolume
	case errors.Is(err, ntfserr.NotFound):
		return exitNotFound
	case errors.Is(err, ntfserr.BadCache):
		return exitBadCache
	case errors.Is(err, ntfserr.CacheLocked):
		return exitCacheLocked
	case errors.Is(err, ntfserr.ReadShort), errors.Is(err, ntfserr.OutputIO):
		return exitIO
	default:
		return exitUnexpectedKind
	}
}
