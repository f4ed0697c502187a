package main

import (
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"lukechampine.com/blake3"
)

const copyBufferSize = 1024 * 1024

// copyToFile copies src to the output path given on the command line, honouring the --force, --progress and
// --checksum flags. total is the expected amount of bytes, or 0 when it is not known up front.
func copyToFile(c *cli.Context, src io.Reader, total int64, path string) error {
	out, err := openOutputFile(path, c.Bool("force"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Unable to open output file: %v", err), exitCodeFunctionalError)
	}
	defer out.Close()

	var dst io.Writer = out
	var hasher hash.Hash
	if c.Bool("checksum") {
		hasher = blake3.New(32, nil)
		dst = io.MultiWriter(out, hasher)
	}
	var progress io.Writer
	if c.Bool("progress") {
		progress = os.Stderr
	}

	start := time.Now()
	logrus.Infof("Copying %d bytes (%s) of data to %s", total, humanize.IBytes(uint64(total)), path)
	n, err := copyData(dst, src, total, progress)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error copying data to output file: %v", err), exitCodeTechnicalError)
	}
	if total > 0 && n != total {
		return cli.Exit(fmt.Sprintf("Expected to copy %d bytes, but copied only %d", total, n), exitCodeTechnicalError)
	}
	logrus.Infof("Finished copying %s in %v", humanize.IBytes(uint64(n)), time.Since(start))
	if hasher != nil {
		fmt.Printf("%x  %s\n", hasher.Sum(nil), path)
	}
	return nil
}

// openOutputFile opens path for writing; "-" is standard output. Unless force is set an existing file is not
// overwritten.
func openOutputFile(path string, force bool) (io.WriteCloser, error) {
	if path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	if force {
		return os.Create(path)
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}

// copyData copies src to dst like io.Copy. When progress is not nil a progress bar is drawn on it after every read.
func copyData(dst io.Writer, src io.Reader, total int64, progress io.Writer) (written int64, err error) {
	buf := make([]byte, copyBufferSize)
	if progress == nil {
		return io.CopyBuffer(dst, src, buf)
	}

	for {
		printProgress(progress, written, total)

		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if ew != nil {
				err = ew
				break
			}
			if nr != nw {
				err = io.ErrShortWrite
				break
			}
		}
		if er != nil {
			if er != io.EOF {
				err = er
			}
			break
		}
	}
	printProgress(progress, written, total)
	fmt.Fprintln(progress)
	return written, err
}

func printProgress(w io.Writer, n int64, total int64) {
	if total <= 0 {
		fmt.Fprintf(w, "\r%s     ", humanize.IBytes(uint64(n)))
		return
	}
	percentage := float64(n) * 100 / float64(total)
	barCount := int(percentage / 2.0)
	if barCount > 50 {
		barCount = 50
	}
	fmt.Fprintf(w, "\r[%s%s] %.2f%% (%s / %s)     ", strings.Repeat("|", barCount), strings.Repeat(" ", 50-barCount),
		percentage, humanize.IBytes(uint64(n)), humanize.IBytes(uint64(total)))
}

// streamSize returns the size of a seekable stream and rewinds it.
func streamSize(s io.Seeker) (int64, error) {
	size, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}
