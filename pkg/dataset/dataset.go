// Package dataset fetches the public SPM auditory dataset (MoAEpilot): one
// subject, one session of 96 EPI scans plus an anatomical volume, published
// by the FIL methods group as a zip of ANALYZE header/image pairs. Fetching
// is cache-aware: a complete layout on disk is returned without touching the
// network.
package dataset

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
)

const (
	// DefaultBaseURL is the FIL download area holding the archive.
	DefaultBaseURL = "https://www.fil.ion.ucl.ac.uk/spm/download/data/MoAEpilot/"

	// ArchiveName is the dataset zip file name.
	ArchiveName = "MoAEpilot.zip"

	// ExpectedScans is the number of functional volumes in the session.
	ExpectedScans = 96

	// EventsFileName is the block-paradigm table written beside the scans.
	EventsFileName = "auditory_block_paradigm.csv"

	funcDir  = "fM00223"
	anatFile = "sM00223/sM00223_002.img"
)

// EnvDataDir is the environment variable overriding the cache directory.
const EnvDataDir = "FMRIGLM_DATA_DIR"

// SubjectData lists the on-disk layout of the fetched dataset.
type SubjectData struct {
	// Func holds the functional scan image paths in acquisition order.
	Func []string
	// Anat is the anatomical scan image path.
	Anat string
	// Events is the block-paradigm table path.
	Events string
}

// Options configure a fetch. The zero value selects the default cache
// directory, base URL and HTTP client.
type Options struct {
	// DataDir is the cache directory. Empty resolves FMRIGLM_DATA_DIR,
	// then ~/.cache/fmriglm.
	DataDir string
	// BaseURL overrides DefaultBaseURL.
	BaseURL string
	// Client overrides http.DefaultClient.
	Client *http.Client
	// Logger receives progress lines; nil uses slog.Default.
	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return http.DefaultClient
}

func (o Options) baseURL() string {
	if o.BaseURL != "" {
		return o.BaseURL
	}
	return DefaultBaseURL
}

// ResolveDataDir returns the cache directory for the given explicit choice,
// falling back to the FMRIGLM_DATA_DIR environment variable and then to
// ~/.cache/fmriglm.
func ResolveDataDir(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv(EnvDataDir); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve data directory: %w", err)
	}
	return filepath.Join(home, ".cache", "fmriglm"), nil
}

// FetchSPMAuditory returns the SPM auditory dataset layout, downloading and
// unpacking the archive on a cache miss. The events table is synthesized
// from the dataset documentation when absent, so the returned layout is
// always complete.
func FetchSPMAuditory(ctx context.Context, opts Options) (*SubjectData, error) {
	dir, err := ResolveDataDir(opts.DataDir)
	if err != nil {
		return nil, err
	}
	log := opts.logger()

	data, err := layout(dir)
	if err == nil {
		log.Info("using cached dataset", "dir", dir, "scans", len(data.Func))
		return data, nil
	}

	log.Info("dataset not cached, downloading", "dir", dir, "reason", err)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	archive := filepath.Join(dir, ArchiveName)
	if err := download(ctx, opts, archive); err != nil {
		return nil, err
	}
	if err := unzip(archive, dir); err != nil {
		return nil, err
	}

	data, err = layout(dir)
	if err != nil {
		return nil, fmt.Errorf("downloaded dataset is incomplete: %w", err)
	}
	log.Info("dataset ready", "dir", dir, "scans", len(data.Func))
	return data, nil
}

// layout validates the on-disk dataset and returns its paths. The events
// file is written from the documented paradigm when missing.
func layout(dir string) (*SubjectData, error) {
	matches, err := filepath.Glob(filepath.Join(dir, funcDir, "fM00223_*.img"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no functional scans under %s", filepath.Join(dir, funcDir))
	}
	if len(matches) != ExpectedScans {
		return nil, fmt.Errorf("found %d functional scans, want %d", len(matches), ExpectedScans)
	}
	sortByScanNumber(matches)

	anat := filepath.Join(dir, filepath.FromSlash(anatFile))
	if _, err := os.Stat(anat); err != nil {
		return nil, fmt.Errorf("anatomical scan missing: %w", err)
	}

	events := filepath.Join(dir, EventsFileName)
	if _, err := os.Stat(events); os.IsNotExist(err) {
		if err := WriteDefaultEvents(events); err != nil {
			return nil, err
		}
	}

	return &SubjectData{Func: matches, Anat: anat, Events: events}, nil
}

// sortByScanNumber orders scan paths by the numeric suffix of their stem,
// so fM00223_010 sorts after fM00223_009 rather than between 001 and 002.
func sortByScanNumber(paths []string) {
	num := func(p string) int {
		stem := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		i := strings.LastIndexByte(stem, '_')
		n, err := strconv.Atoi(stem[i+1:])
		if err != nil {
			return 0
		}
		return n
	}
	sort.Slice(paths, func(i, j int) bool { return num(paths[i]) < num(paths[j]) })
}

// download streams the archive into path via a temp file renamed on
// success, so an interrupted transfer never leaves a truncated archive
// behind.
func download(ctx context.Context, opts Options, path string) error {
	url := opts.baseURL() + ArchiveName
	log := opts.logger()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := opts.client().Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: HTTP %s", url, resp.Status)
	}

	if resp.ContentLength > 0 {
		log.Info("downloading archive", "url", url,
			"size", datasize.ByteSize(resp.ContentLength).HumanReadable())
	} else {
		log.Info("downloading archive", "url", url)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	log.Info("download complete", "size", datasize.ByteSize(n).HumanReadable())

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}

// unzip extracts the archive under target, rejecting entries that would
// escape it.
func unzip(archive, target string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archive, err)
	}
	defer r.Close()

	for _, f := range r.File {
		dst := filepath.Join(target, filepath.FromSlash(f.Name))
		rel, err := filepath.Rel(target, dst)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("archive entry %q escapes the target directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dst, err)
			}
			continue
		}
		if err := extractFile(f, dst); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	in, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to read archive entry %s: %w", f.Name, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return nil
}

// WriteDefaultEvents writes the sixteen-block rest/active paradigm from the
// dataset documentation: 42 s blocks laid end to end, starting with rest.
// The cell padding matches the table shipped with the original tutorial.
func WriteDefaultEvents(path string) error {
	var b strings.Builder
	b.WriteString("duration,  onset,  trial_type\n")
	for i := 0; i < 16; i++ {
		label := "rest"
		if i%2 == 1 {
			label = "active"
		}
		fmt.Fprintf(&b, "    42  ,  %3d  ,  %s\n", i*42, label)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write events table: %w", err)
	}
	return nil
}
