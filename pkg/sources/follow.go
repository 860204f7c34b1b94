package sources

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/logflow/skelstream/pkg/conformance"
	"github.com/logflow/skelstream/pkg/errors"
)

// FollowSource tails a growing JSONL file until ctx is done. It waits for
// the file to appear, restarts from the beginning when the file is
// truncated or replaced, and holds a partial trailing line until its
// newline arrives.
//
// In-place truncation is detected by a shrinking size or by a change in the
// first headSize bytes already read. A file truncated and rewritten between
// two polls with an identical head and at least the old length is
// indistinguishable from an append, and its lines before the old offset are
// not re-read.
type FollowSource struct {
	path string
	opts options
	dec  *lineDecoder
}

// NewFollowSource creates a tailing source for path.
func NewFollowSource(path string, opts ...Option) (*FollowSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSourceOpen, "failed to resolve path").
			WithContext("path", path)
	}
	o := buildOptions(opts)
	return &FollowSource{
		path: abs,
		opts: o,
		dec:  newLineDecoder(abs, o),
	}, nil
}

func (s *FollowSource) Name() string { return s.path }

// Stats returns line counters.
func (s *FollowSource) Stats() Stats {
	return s.dec.stats()
}

// Stream tails the file. It returns ctx.Err() on cancellation.
func (s *FollowSource) Stream(ctx context.Context, out chan<- conformance.Event) error {
	var (
		notify <-chan fsnotify.Event
		errs   <-chan error
	)
	if w, err := fsnotify.NewWatcher(); err != nil {
		s.opts.logger.Warn("file notifications unavailable, polling only", zap.Error(err))
	} else {
		defer w.Close()
		// Watch the directory so creation and rotation are seen too.
		if err := w.Add(filepath.Dir(s.path)); err != nil {
			s.opts.logger.Warn("failed to watch directory, polling only",
				zap.String("dir", filepath.Dir(s.path)), zap.Error(err))
		} else {
			notify, errs = w.Events, w.Errors
		}
	}

	t := &tail{path: s.path, skipExisting: s.opts.startAtEnd}
	defer t.close()

	ticker := time.NewTicker(s.opts.poll)
	defer ticker.Stop()

	for {
		if err := s.drain(ctx, t, out); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.opts.logger.Warn("file watch error", zap.Error(err))
		case <-ticker.C:
		}
	}
}

// drain reads everything appended since the last call.
func (s *FollowSource) drain(ctx context.Context, t *tail, out chan<- conformance.Event) error {
	reset, err := t.sync()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, errors.CodeSourceOpen, "failed to open followed file").
			WithContext("path", s.path)
	}
	if reset {
		s.opts.logger.Info("followed file truncated or replaced, restarting from the beginning",
			zap.String("path", s.path))
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := t.file.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			t.pending = append(t.pending, buf[:n]...)
			if err := s.emitLines(ctx, t, out); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			if err := t.captureHead(); err != nil {
				return errors.Wrap(err, errors.CodeSourceRead, "failed to read followed file").
					WithContext("path", s.path)
			}
			return nil
		}
		if readErr != nil {
			return errors.Wrap(readErr, errors.CodeSourceRead, "failed to read followed file").
				WithContext("path", s.path)
		}
	}
}

func (s *FollowSource) emitLines(ctx context.Context, t *tail, out chan<- conformance.Event) error {
	for {
		idx := bytes.IndexByte(t.pending, '\n')
		if idx < 0 {
			return nil
		}
		line := t.pending[:idx]
		if e, ok := s.dec.decode(line); ok {
			if err := send(ctx, out, e); err != nil {
				return err
			}
		}
		t.pending = t.pending[idx+1:]
		if len(t.pending) == 0 {
			t.pending = nil
		}
	}
}

// headSize bounds the prefix kept to recognise a rewritten file.
const headSize = 512

// tail tracks the open file and read position across drains.
type tail struct {
	path         string
	file         *os.File
	offset       int64
	pending      []byte
	head         []byte
	skipExisting bool
}

// sync opens the file on first use and detects truncation or replacement.
// reset is true when reading restarted from offset zero.
func (t *tail) sync() (reset bool, err error) {
	if t.file == nil {
		f, err := os.Open(t.path)
		if err != nil {
			return false, err
		}
		t.file = f
		if t.skipExisting {
			t.skipExisting = false
			t.offset, err = f.Seek(0, io.SeekEnd)
			if err != nil {
				return false, err
			}
		}
		return false, nil
	}

	current, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			// Removed; keep reading what is left of the open handle.
			return false, nil
		}
		return false, err
	}
	opened, err := t.file.Stat()
	if err != nil {
		return false, err
	}

	if !os.SameFile(current, opened) {
		t.close()
		f, err := os.Open(t.path)
		if err != nil {
			return false, err
		}
		t.file = f
		t.offset = 0
		t.pending = nil
		t.head = nil
		return true, nil
	}

	rewritten := current.Size() < t.offset
	if !rewritten {
		if rewritten, err = t.headChanged(); err != nil {
			return false, err
		}
	}
	if rewritten {
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return false, err
		}
		t.offset = 0
		t.pending = nil
		t.head = nil
		return true, nil
	}
	return false, nil
}

// headChanged reports whether the bytes at the start of the file differ
// from those seen when they were first read.
func (t *tail) headChanged() (bool, error) {
	if len(t.head) == 0 {
		return false, nil
	}
	buf := make([]byte, len(t.head))
	n, err := t.file.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return false, err
	}
	return !bytes.Equal(buf[:n], t.head), nil
}

// captureHead records up to headSize bytes of the already-read prefix.
func (t *tail) captureHead() error {
	want := t.offset
	if want > headSize {
		want = headSize
	}
	if int64(len(t.head)) >= want {
		return nil
	}
	buf := make([]byte, want)
	n, err := t.file.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return err
	}
	t.head = buf[:n]
	return nil
}

func (t *tail) close() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}
