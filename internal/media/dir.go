package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DirUploader copies attachments into a directory tree. It stands in for a
// remote bucket on single-host installs and in tests.
type DirUploader struct {
	Root string
	// BaseURL, when set, is joined with the destination path to form the
	// returned URL; otherwise a file:// URL is returned.
	BaseURL string
}

func (d DirUploader) Upload(ctx context.Context, req UploadRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if d.Root == "" {
		return "", errors.New("upload root required")
	}
	rel, err := cleanDestination(req.DestinationPath)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(d.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	src, err := os.Open(req.LocalPath)
	if err != nil {
		return "", err
	}
	defer src.Close()
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("copy %s: %w", req.MediaID, err)
	}
	// same destination on retry, so the rename simply replaces
	if err := os.Rename(tmp, dst); err != nil {
		return "", err
	}
	if d.BaseURL != "" {
		return strings.TrimRight(d.BaseURL, "/") + "/" + rel, nil
	}
	abs, err := filepath.Abs(dst)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func cleanDestination(dest string) (string, error) {
	if dest == "" {
		return "", errors.New("destination path required")
	}
	rel := path.Clean("/" + strings.ReplaceAll(dest, `\`, "/"))[1:]
	if rel == "" {
		return "", fmt.Errorf("invalid destination path %q", dest)
	}
	return rel, nil
}
