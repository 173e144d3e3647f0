// Command mkfs writes the built-in user programs, and optionally the
// contents of another host directory, into a directory that can be passed
// to the kernel with -rootfs. The ELF images it produces can be inspected
// with the usual RISC-V binutils.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"rvos/kernel/user"
	"strings"

	"github.com/dustin/go-humanize"
)

var errNoOutput = errors.New("missing -out directory")

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mkfs] error: %s\n", err.Error())
	os.Exit(1)
}

// writeImage writes every built-in program below out and returns the
// number of bytes written.
func writeImage(out string) (uint64, error) {
	var total uint64
	for _, path := range user.Programs() {
		image := user.Image(path)
		dst := filepath.Join(out, filepath.FromSlash(strings.TrimPrefix(path, "/")))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return total, err
		}
		if err := os.WriteFile(dst, image, 0o755); err != nil {
			return total, err
		}
		total += uint64(len(image))
	}
	return total, nil
}

// copyTree copies the regular files and directories below src into out.
func copyTree(out, src string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(out, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(dst, 0o755)
		case d.Type().IsRegular():
			n, err := copyFile(dst, path)
			total += uint64(n)
			return err
		}
		return nil
	})
	return total, err
}

func copyFile(dst, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	outFile, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(outFile, in)
	if cerr := outFile.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func run(out, extra string, w io.Writer) error {
	if out == "" {
		return errNoOutput
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	var total uint64
	if extra != "" {
		n, err := copyTree(out, extra)
		if err != nil {
			return err
		}
		total += n
	}

	n, err := writeImage(out)
	if err != nil {
		return err
	}
	total += n

	fmt.Fprintf(w, "[mkfs] wrote %d programs, %s to %s\n", len(user.Programs()), humanize.IBytes(total), out)
	return nil
}

func main() {
	out := flag.String("out", "", "the directory to write the root image to")
	extra := flag.String("extra", "", "a host directory whose contents are added to the image")
	flag.Parse()

	if err := run(*out, *extra, os.Stdout); err != nil {
		exit(err)
	}
}
