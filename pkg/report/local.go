package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/logflow/skelstream/pkg/errors"
)

const localExt = ".json"

// LocalBackend stores snapshots as JSON files in a directory.
type LocalBackend struct {
	dir string
}

// NewLocalBackend creates the directory if needed.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, errors.CodeReportBackend, "failed to create report directory").
			WithContext("dir", dir)
	}
	return &LocalBackend{dir: dir}, nil
}

func (b *LocalBackend) path(id string) string {
	return filepath.Join(b.dir, id+localExt)
}

// Save writes the snapshot through a temporary file and rename, so readers
// never see a partial file.
func (b *LocalBackend) Save(ctx context.Context, s *Snapshot) error {
	if err := validateID(s.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CodeReportWrite, "failed to encode snapshot")
	}

	tmp, err := os.CreateTemp(b.dir, "."+s.ID+".*.tmp")
	if err != nil {
		return errors.Wrap(err, errors.CodeReportWrite, "failed to create snapshot file").
			WithContext("dir", b.dir)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.CodeReportWrite, "failed to write snapshot")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.CodeReportWrite, "failed to write snapshot")
	}
	if err := os.Rename(tmp.Name(), b.path(s.ID)); err != nil {
		return errors.Wrap(err, errors.CodeReportWrite, "failed to commit snapshot").
			WithContext("id", s.ID)
	}
	return nil
}

// Load reads one snapshot file.
func (b *LocalBackend) Load(ctx context.Context, id string) (*Snapshot, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(b.Name(), id)
		}
		return nil, errors.Wrap(err, errors.CodeReportRead, "failed to read snapshot").
			WithContext("id", id)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, errors.CodeReportRead, "failed to decode snapshot").
			WithContext("id", id)
	}
	return &s, nil
}

// Delete removes one snapshot file.
func (b *LocalBackend) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := os.Remove(b.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.CodeReportWrite, "failed to delete snapshot").
			WithContext("id", id)
	}
	return nil
}

// List loads every snapshot with the prefix, sorted by ID. Unreadable files
// are skipped.
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]*Snapshot, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeReportRead, "failed to list snapshots").
			WithContext("dir", b.dir)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != localExt {
			continue
		}
		id := strings.TrimSuffix(name, localExt)
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []*Snapshot
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := b.Load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Name returns "local".
func (b *LocalBackend) Name() string {
	return "local"
}
