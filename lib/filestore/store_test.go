package filestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/database/memdb"
	"github.com/ValentinKolb/dSync/lib/filestore"
	"github.com/ValentinKolb/dSync/rpc/client"
	rpctesting "github.com/ValentinKolb/dSync/rpc/testing"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, lockTimeout time.Duration) (*filestore.Store, afero.Fs, *client.Exchange) {
	t.Helper()
	ex := rpctesting.StartExchange(t)
	fs := afero.NewMemMapFs()
	s := filestore.New(filestore.Config{Dir: "/data", LockTimeout: lockTimeout}, fs, ex, memdb.New(ex))
	return s, fs, ex
}

func TestWriteDeduplicatesContent(t *testing.T) {
	s, fs, _ := newStore(t, 0)
	ctx := context.Background()

	a, err := s.Write(ctx, "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, filestore.MD5([]byte("hello")), a.MD5)
	assert.Equal(t, filestore.ModeClosed, a.Mode)
	assert.Equal(t, int64(5), a.Size)

	local, err := s.LocalPath(a)
	require.NoError(t, err)
	sum := a.MD5
	assert.Equal(t, "/data/closed/"+sum[0:2]+"/"+sum[2:4]+"/"+sum, local)

	b, err := s.Write(ctx, "b.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, a.MD5, b.MD5)
	assert.NotEqual(t, a.ID, b.ID)

	a2, err := s.Write(ctx, "a.txt", []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, a2.ID)
	assert.Equal(t, int64(2), a2.Version)

	// b.txt still links the old content
	exists, err := afero.Exists(fs, local)
	require.NoError(t, err)
	assert.True(t, exists)
	ok, err := s.HasMD5(ctx, sum)
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := s.Remove(ctx, "b.txt")
	require.NoError(t, err)
	assert.True(t, removed)
	exists, err = afero.Exists(fs, local)
	require.NoError(t, err)
	assert.False(t, exists)

	data, err := s.Read(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	_, err = s.Read(ctx, "b.txt")
	assert.True(t, errors.Is(err, filestore.ErrNotFound))

	removed, err = s.Remove(ctx, "b.txt")
	require.NoError(t, err)
	assert.False(t, removed)

	files, err := s.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.txt", files[0].Path)
}

func TestAppendStreamsToSubscribers(t *testing.T) {
	s, _, _ := newStore(t, 0)
	ctx := context.Background()

	f, err := s.Append(ctx, "log.txt", []byte("a"), filestore.AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, filestore.ModeStreaming, f.Mode)
	assert.Equal(t, int64(1), f.Size)

	stream, err := s.Subscribe(ctx, "log.txt")
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, "a", string(stream.Value()))

	_, err = s.Append(ctx, "log.txt", []byte("bc"), filestore.AppendOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(stream.Value()) == "abc" }, 2*time.Second, 5*time.Millisecond)

	removed, err := s.Remove(ctx, "log.txt")
	require.NoError(t, err)
	assert.True(t, removed)
	require.Eventually(t, func() bool { return stream.Value() == nil }, 2*time.Second, 5*time.Millisecond)
}

func TestAppendCrops(t *testing.T) {
	s, _, _ := newStore(t, 0)
	ctx := context.Background()

	_, err := s.Append(ctx, "log.txt", []byte("abc"), filestore.AppendOptions{})
	require.NoError(t, err)
	f, err := s.Append(ctx, "log.txt", []byte("de"), filestore.AppendOptions{CropAt: 4, CropTo: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.Size)

	data, err := s.Read(ctx, "log.txt")
	require.NoError(t, err)
	assert.Equal(t, "de", string(data))

	_, err = s.Append(ctx, "log.txt", []byte("x"), filestore.AppendOptions{CropAt: 2, CropTo: 2})
	assert.Error(t, err)

	_, err = s.Write(ctx, "log.txt", []byte("closed"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "log.txt", []byte("x"), filestore.AppendOptions{})
	assert.Error(t, err)
}

func TestWriteWaitsForPathLock(t *testing.T) {
	s, _, ex := newStore(t, 50*time.Millisecond)
	ctx := context.Background()

	held, err := ex.Lock(ctx, "file:a.txt", 0)
	require.NoError(t, err)

	_, err = s.Write(ctx, "a.txt", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, client.ErrLockTimeout))

	require.NoError(t, held.Unlock())
	_, err = s.Write(ctx, "a.txt", []byte("x"))
	require.NoError(t, err)
}

func TestSubscribeMissingFile(t *testing.T) {
	s, _, _ := newStore(t, 0)
	stream, err := s.Subscribe(context.Background(), "nope.txt")
	require.NoError(t, err)
	assert.Nil(t, stream.Value())
	stream.Close()
}
