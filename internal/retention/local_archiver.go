package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
)

// LocalFileArchiver writes expired audit entries as JSONL files:
//
//	{basePath}/{owner}/audit/2026-02-20T15-04-05Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
	now      func() time.Time
}

// NewLocalFileArchiver creates a file-based archiver.
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	return &LocalFileArchiver{basePath: basePath, compress: compress, now: time.Now}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) ArchiveAuditEntries(_ context.Context, ownerID string, entries []models.AuditLogEntry) (string, error) {
	dir := filepath.Join(a.basePath, filepath.Base(ownerID), "audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := a.now().UTC().Format("2006-01-02T15-04-05.000000000Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}

	var w io.Writer = f
	var gw *gzip.Writer
	if a.compress {
		gw = gzip.NewWriter(f)
		w = gw
	}
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			f.Close()
			return "", fmt.Errorf("encode audit entry %s: %w", e.ID, err)
		}
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			f.Close()
			return "", fmt.Errorf("flush archive: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(entries)).
		Str("owner", ownerID).
		Msg("Archived audit entries to local file")
	return fpath, nil
}
