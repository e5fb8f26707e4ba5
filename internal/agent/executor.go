package agent

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/fleet-jobs/internal/channel"
)

// LogFetcher archives the car's log files for a FETCH_LOGS command.
// PayloadRef, when set, is a glob matched against file names in SourceDir.
type LogFetcher struct {
	SourceDir string
	OutboxDir string
}

// Execute writes <OutboxDir>/<job_id>.tar.gz with every matching log file.
// No archive is left behind when the command fails.
func (f *LogFetcher) Execute(ctx context.Context, cmd channel.Command) (string, error) {
	if !validArchiveName(cmd.JobID) {
		return "", fmt.Errorf("invalid job id %q", cmd.JobID)
	}
	pattern := cmd.PayloadRef
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return "", fmt.Errorf("invalid log pattern %q: %w", pattern, err)
	}

	entries, err := os.ReadDir(f.SourceDir)
	if err != nil {
		return "", fmt.Errorf("failed to read log dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if ok, _ := filepath.Match(pattern, entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no log files match %q", pattern)
	}

	if err := os.MkdirAll(f.OutboxDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create outbox: %w", err)
	}
	archivePath := filepath.Join(f.OutboxDir, cmd.JobID+".tar.gz")
	if err := writeArchive(ctx, archivePath, f.SourceDir, names); err != nil {
		_ = os.Remove(archivePath)
		return "", err
	}

	return fmt.Sprintf("archived %d log files to %s", len(names), archivePath), nil
}

// validArchiveName reports whether name can be used as a file name in the outbox
func validArchiveName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

func writeArchive(ctx context.Context, archivePath, dir string, names []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(tw, filepath.Join(dir, name)); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, name string) error {
	file, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", name, err)
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", name, err)
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("failed to archive %s: %w", name, err)
	}
	return nil
}

// PayloadInstaller stores the payload named by an UPLOAD_PAYLOAD command.
// PayloadRef is an http(s) URL, a file:// URL or a local path.
type PayloadInstaller struct {
	Client  *http.Client
	DestDir string
}

// Execute copies the payload into DestDir under its base name
func (p *PayloadInstaller) Execute(ctx context.Context, cmd channel.Command) (string, error) {
	if cmd.PayloadRef == "" {
		return "", fmt.Errorf("payload_ref is required")
	}

	src, name, err := p.open(ctx, cmd.PayloadRef)
	if err != nil {
		return "", err
	}
	defer src.Close()

	if err := os.MkdirAll(p.DestDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create payload dir: %w", err)
	}

	dest := filepath.Join(p.DestDir, name)
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create payload file: %w", err)
	}
	n, err := io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to write payload: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("failed to install payload: %w", err)
	}

	return fmt.Sprintf("installed %s (%d bytes)", dest, n), nil
}

func (p *PayloadInstaller) open(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	u, err := url.Parse(ref)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, "", fmt.Errorf("invalid payload url: %w", err)
		}
		client := p.Client
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("failed to download payload: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", fmt.Errorf("failed to download payload: status %d", resp.StatusCode)
		}
		return resp.Body, safeName(path.Base(u.Path)), nil
	}

	local := ref
	if err == nil && u.Scheme == "file" {
		local = u.Path
	}
	file, err := os.Open(local)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open payload: %w", err)
	}
	return file, safeName(filepath.Base(local)), nil
}

func safeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "payload"
	}
	return name
}
