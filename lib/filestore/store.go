package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ValentinKolb/dSync/lib/database"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/query"
	"github.com/ValentinKolb/dSync/lib/subject"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
)

var Logger = logger.GetLogger("filestore")

// ErrNotFound is returned when no file exists at a path
var ErrNotFound = errors.New("file not found")

// DefaultLockTimeout bounds the wait for the lock of a path
const DefaultLockTimeout = 30 * time.Second

// IExchange is the part of the exchange client the file store needs
type IExchange interface {
	Lock(ctx context.Context, name string, timeout time.Duration) (*client.Lock, error)
	PublishFile(ctx context.Context, fileID string, payload []byte) error
	SubscribeFile(ctx context.Context, fileID string, cb func(payload []byte)) (*client.Subscription, error)
}

// Config of the file store
type Config struct {
	// Dir is the root directory of the content
	Dir string
	// LockTimeout bounds the wait for the lock of a path, < 0 waits forever
	LockTimeout time.Duration
}

// AppendOptions limit the size of a streaming file
type AppendOptions struct {
	// CropAt is the size above which the file is cropped, 0 disables cropping
	CropAt int64
	// CropTo is the size the file is cropped to, keeping the tail
	CropTo int64
}

// Store keeps file content on disk and the metadata in the database. Closed
// files are addressed by their md5, so equal content is stored once.
// Streaming files grow by appends that are published to subscribers.
//
// Every write takes the exchange lock "file:<path>", so writers on different
// processes do not interleave.
type Store struct {
	config   Config
	fs       afero.Fs
	exchange IExchange
	db       database.IDatabase
}

// New creates a file store on fs. A nil fs is the os filesystem.
func New(config Config, fs afero.Fs, exchange IExchange, db database.IDatabase) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if config.LockTimeout == 0 {
		config.LockTimeout = DefaultLockTimeout
	}
	return &Store{config: config, fs: fs, exchange: exchange, db: db}
}

// --------------------------------------------------------------------------
// Reading
// --------------------------------------------------------------------------

// FindOne returns the metadata of the file at path
func (s *Store) FindOne(ctx context.Context, path string) (*File, error) {
	doc, err := s.db.Get(ctx, EntityName, query.Filter{"path": path})
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return FileFromDocument(doc), nil
}

// List returns the metadata of all files matching filter
func (s *Store) List(ctx context.Context, filter query.Filter) ([]*File, error) {
	docs, err := s.db.Find(ctx, EntityName, database.FindOptions{Filter: filter, Sort: query.ParseSort("path")})
	if err != nil {
		return nil, err
	}
	files := make([]*File, len(docs))
	for i, d := range docs {
		files[i] = FileFromDocument(d)
	}
	return files, nil
}

// Read returns the content of the file at path
func (s *Store) Read(ctx context.Context, path string) ([]byte, error) {
	f, err := s.FindOne(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.readFile(f)
}

// HasMD5 reports whether content with that md5 is stored and referenced
func (s *Store) HasMD5(ctx context.Context, sum string) (bool, error) {
	n, err := s.db.Count(ctx, EntityName, query.Filter{"md5": sum}, nil)
	if err != nil || n == 0 {
		return false, err
	}
	return afero.Exists(s.fs, closedPath(s.config.Dir, sum))
}

// LocalPath returns where the content of f is stored
func (s *Store) LocalPath(f *File) (string, error) {
	if f.Mode == ModeStreaming {
		if len(f.ID) < 4 {
			return "", fmt.Errorf("file %s has an invalid id %q", f.Path, f.ID)
		}
		return streamingPath(s.config.Dir, f.ID), nil
	}
	if len(f.MD5) < 4 {
		return "", fmt.Errorf("closed file %s has no md5", f.Path)
	}
	return closedPath(s.config.Dir, f.MD5), nil
}

// --------------------------------------------------------------------------
// Writing
// --------------------------------------------------------------------------

// Write stores data as the content of the closed file at path, creating the
// file if needed
func (s *Store) Write(ctx context.Context, path string, data []byte) (*File, error) {
	unlock, err := s.lock(ctx, path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sum := MD5(data)
	local := closedPath(s.config.Dir, sum)
	if err := s.fs.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	if err := afero.WriteFile(s.fs, local, data, 0o644); err != nil {
		return nil, fmt.Errorf("write content of %s: %w", path, err)
	}

	cur, err := s.FindOne(ctx, path)
	var doc entity.Document
	switch {
	case errors.Is(err, ErrNotFound):
		f := &File{Path: path, MD5: sum, Size: int64(len(data)), Mode: ModeClosed}
		doc, err = s.db.Add(ctx, EntityName, f.Document())
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		doc, err = s.db.Patch(ctx, EntityName, cur.ID, map[string]any{
			"md5":  sum,
			"size": int64(len(data)),
			"mode": string(ModeClosed),
		})
		if err != nil {
			return nil, err
		}
		if cur.Mode == ModeStreaming {
			if err := s.fs.Remove(streamingPath(s.config.Dir, cur.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
				Logger.Warningf("failed to remove streamed content of %s: %v", path, err)
			}
		} else if cur.MD5 != "" && cur.MD5 != sum {
			s.removeUnreferenced(ctx, cur.MD5)
		}
	}

	f := FileFromDocument(doc)
	s.publish(ctx, f.ID, &Event{Type: EventSet, Version: f.Version, Path: path, Size: f.Size})
	return f, nil
}

// Append appends data to the streaming file at path, creating the file if
// needed. The appended bytes are published to subscribers.
func (s *Store) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (*File, error) {
	if opts.CropAt > 0 && opts.CropTo >= opts.CropAt {
		return nil, fmt.Errorf("crop size %d must be below %d", opts.CropTo, opts.CropAt)
	}

	unlock, err := s.lock(ctx, path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.FindOne(ctx, path)
	isNew := errors.Is(err, ErrNotFound)
	if err != nil && !isNew {
		return nil, err
	}
	if isNew {
		cur = &File{ID: ulid.Make().String(), Path: path, Mode: ModeStreaming}
	}
	if cur.Mode != ModeStreaming {
		return nil, fmt.Errorf("file %s is not a streaming file", path)
	}

	local := streamingPath(s.config.Dir, cur.ID)
	size, err := s.appendFile(local, data, opts)
	if err != nil {
		return nil, fmt.Errorf("append to %s: %w", path, err)
	}

	var doc entity.Document
	if isNew {
		cur.Size = size
		// added after the content is on disk, subscribers read it right away
		doc, err = s.db.Add(ctx, EntityName, cur.Document())
	} else {
		doc, err = s.db.Patch(ctx, EntityName, cur.ID, map[string]any{"size": size})
	}
	if err != nil {
		return nil, err
	}

	f := FileFromDocument(doc)
	s.publish(ctx, f.ID, &Event{Type: EventAppend, Version: f.Version, Path: path, Size: size, Content: data})
	return f, nil
}

// Remove deletes the file at path. It returns false if there is none.
func (s *Store) Remove(ctx context.Context, path string) (bool, error) {
	unlock, err := s.lock(ctx, path)
	if err != nil {
		return false, err
	}
	defer unlock()

	f, err := s.FindOne(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, s.removeFiles(ctx, []*File{f})
}

// RemoveAll deletes every file matching filter
func (s *Store) RemoveAll(ctx context.Context, filter query.Filter) error {
	files, err := s.List(ctx, filter)
	if err != nil {
		return err
	}
	return s.removeFiles(ctx, files)
}

// --------------------------------------------------------------------------
// Subscribing
// --------------------------------------------------------------------------

// Subscribe returns a stream of the content of the file at path. The value
// is the whole content, appends are emitted as deltas. A missing file yields
// a stream with a nil value that does not follow a later creation.
func (s *Store) Subscribe(ctx context.Context, path string) (*subject.Stream[[]byte], error) {
	stream := subject.NewStream[[]byte](nil, nil)
	stream.SetAppender(subject.ConcatBytes)

	f, err := s.FindOne(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return stream, nil
	}
	if err != nil {
		return nil, err
	}

	// no append may happen between the initial read and the subscription
	unlock, err := s.lock(ctx, path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := s.Read(ctx, path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	stream.Next(data)

	sub, err := s.exchange.SubscribeFile(ctx, f.ID, func(payload []byte) {
		e, err := decodeEvent(payload)
		if err != nil {
			Logger.Warningf("dropping event of %s: %v", path, err)
			return
		}
		switch e.Type {
		case EventSet:
			data, err := s.Read(context.Background(), path)
			if err != nil {
				Logger.Warningf("failed to read %s: %v", path, err)
				return
			}
			stream.Next(data)
		case EventAppend:
			stream.Append(e.Content)
		case EventRemove:
			stream.Next(nil)
		}
	})
	if err != nil {
		return nil, err
	}
	stream.AddTeardown(func() {
		if err := sub.Unsubscribe(); err != nil {
			Logger.Debugf("failed to unsubscribe %s: %v", path, err)
		}
	})
	return stream, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *Store) lock(ctx context.Context, path string) (func(), error) {
	l, err := s.exchange.Lock(ctx, "file:"+path, s.config.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return func() {
		if err := l.Unlock(); err != nil {
			Logger.Warningf("failed to unlock %s: %v", path, err)
		}
	}, nil
}

func (s *Store) readFile(f *File) ([]byte, error) {
	local, err := s.LocalPath(f)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, local)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("content of %s: %w", f.Path, ErrNotFound)
	}
	return data, err
}

// appendFile appends data and crops the file to its tail. It returns the new size.
func (s *Store) appendFile(local string, data []byte, opts AppendOptions) (int64, error) {
	if err := s.fs.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return 0, err
	}
	fh, err := s.fs.OpenFile(local, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	if _, err := fh.Write(data); err != nil {
		_ = fh.Close()
		return 0, err
	}
	if err := fh.Close(); err != nil {
		return 0, err
	}

	info, err := s.fs.Stat(local)
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if opts.CropAt > 0 && size > opts.CropAt {
		content, err := afero.ReadFile(s.fs, local)
		if err != nil {
			return 0, err
		}
		content = content[int64(len(content))-opts.CropTo:]
		if err := afero.WriteFile(s.fs, local, content, 0o644); err != nil {
			return 0, err
		}
		size = int64(len(content))
	}
	return size, nil
}

func (s *Store) removeFiles(ctx context.Context, files []*File) error {
	sums := make(map[string]struct{})
	for _, f := range files {
		if f.Mode == ModeStreaming {
			if local, err := s.LocalPath(f); err == nil {
				if err := s.fs.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
					Logger.Warningf("failed to remove content of %s: %v", f.Path, err)
				}
			}
		} else if f.MD5 != "" {
			sums[f.MD5] = struct{}{}
		}

		if err := s.db.Remove(ctx, EntityName, f.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		s.publish(ctx, f.ID, &Event{Type: EventRemove, Path: f.Path})
	}

	for sum := range sums {
		s.removeUnreferenced(ctx, sum)
	}
	return nil
}

// removeUnreferenced deletes closed content no file links to anymore
func (s *Store) removeUnreferenced(ctx context.Context, sum string) {
	n, err := s.db.Count(ctx, EntityName, query.Filter{"md5": sum}, nil)
	if err != nil {
		Logger.Warningf("failed to count references of %s: %v", sum, err)
		return
	}
	if n > 0 {
		return
	}
	if err := s.fs.Remove(closedPath(s.config.Dir, sum)); err != nil && !errors.Is(err, os.ErrNotExist) {
		Logger.Warningf("failed to remove content %s: %v", sum, err)
	}
}

func (s *Store) publish(ctx context.Context, fileID string, e *Event) {
	data, err := e.encode()
	if err != nil {
		Logger.Errorf("failed to encode file event: %v", err)
		return
	}
	if err := s.exchange.PublishFile(ctx, fileID, data); err != nil {
		Logger.Errorf("failed to publish %s event of %s: %v", e.Type, e.Path, err)
	}
}
