// Package diag packages logs, the packet error log, the config file and
// host details into a zip archive for support.
package diag

import (
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"espcap/internal/logger"
	"espcap/internal/version"
)

// Bundle lists what goes into the archive. Missing files are skipped.
type Bundle struct {
	// LogFile is the application log; rotated siblings are included too
	LogFile string
	// ErrorLog is the packet error log
	ErrorLog string
	// ConfigFile is the config file in use, if any
	ConfigFile string
	// TsharkPath is queried for its version when set
	TsharkPath string
}

// ArchiveName returns the default archive name for t.
func ArchiveName(t time.Time) string {
	return fmt.Sprintf("espcap-logs-%s.zip", t.Format("20060102-150405"))
}

// Collect writes the archive to zipName and returns the entries written.
func Collect(ctx context.Context, zipName string, b Bundle) ([]string, error) {
	zipFile, err := os.Create(zipName)
	if err != nil {
		return nil, fmt.Errorf("failed to create zip: %w", err)
	}
	defer zipFile.Close()

	zw := zip.NewWriter(zipFile)
	log := logger.GetLogger()
	var entries []string

	add := func(name string, err error) {
		if err != nil {
			log.Debug("[diag] skipping %s: %v", name, err)
			return
		}
		entries = append(entries, name)
	}

	if b.LogFile != "" {
		for _, path := range rotatedFiles(b.LogFile) {
			add(path, addFile(zw, path, filepath.Join("logs", filepath.Base(path))))
		}
	}
	if b.ErrorLog != "" {
		add(b.ErrorLog, addFile(zw, b.ErrorLog, filepath.Join("errors", filepath.Base(b.ErrorLog))))
	}
	if b.ConfigFile != "" {
		add(b.ConfigFile, addFile(zw, b.ConfigFile, filepath.Base(b.ConfigFile)))
	}
	add("version.txt", addString(zw, "version.txt", version.Version+"\n"))
	add("system-info.txt", addString(zw, "system-info.txt", systemInfo(ctx, b.TsharkPath)))

	if err := zw.Close(); err != nil {
		return entries, fmt.Errorf("failed to finish zip: %w", err)
	}
	return entries, nil
}

// rotatedFiles returns path and the backups lumberjack keeps beside it
// (name-<timestamp>.ext, optionally gzipped).
func rotatedFiles(path string) []string {
	files := []string{path}
	ext := filepath.Ext(path)
	pattern := strings.TrimSuffix(path, ext) + "-*" + ext + "*"
	if matches, err := filepath.Glob(pattern); err == nil {
		files = append(files, matches...)
	}
	return files
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.Create(filepath.ToSlash(name))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func addString(zw *zip.Writer, name, content string) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, content)
	return err
}

func systemInfo(ctx context.Context, tsharkPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OS: %s\nArch: %s\nGo version: %s\nNumCPU: %d\n", runtime.GOOS, runtime.GOARCH, runtime.Version(), runtime.NumCPU())
	if hn, err := os.Hostname(); err == nil {
		fmt.Fprintf(&b, "Hostname: %s\n", hn)
	}

	switch runtime.GOOS {
	case "linux":
		if f, err := os.Open("/etc/os-release"); err == nil {
			defer f.Close()
			b.WriteString("/etc/os-release:\n")
			sc := bufio.NewScanner(f)
			for sc.Scan() {
				line := sc.Text()
				if strings.HasPrefix(line, "NAME=") || strings.HasPrefix(line, "VERSION=") || strings.HasPrefix(line, "PRETTY_NAME=") {
					b.WriteString("  " + line + "\n")
				}
			}
		}
		fallthrough
	case "darwin", "freebsd":
		if out, err := exec.CommandContext(ctx, "uname", "-r").Output(); err == nil {
			fmt.Fprintf(&b, "Kernel: %s\n", strings.TrimSpace(string(out)))
		}
	}

	if tsharkPath != "" {
		tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		out, err := exec.CommandContext(tctx, tsharkPath, "--version").Output()
		if err != nil {
			fmt.Fprintf(&b, "tshark: unavailable (%v)\n", err)
		} else if first, _, _ := strings.Cut(string(out), "\n"); first != "" {
			fmt.Fprintf(&b, "tshark: %s\n", strings.TrimSpace(first))
		}
	}
	return b.String()
}
