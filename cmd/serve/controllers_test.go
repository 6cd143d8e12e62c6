package serve

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/database/memdb"
	"github.com/ValentinKolb/dSync/lib/filestore"
	"github.com/ValentinKolb/dSync/live/client"
	"github.com/ValentinKolb/dSync/live/server"
	rpctesting "github.com/ValentinKolb/dSync/rpc/testing"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

func dialApp(t *testing.T) *client.Client {
	t.Helper()
	ex := rpctesting.StartExchange(t)
	db := memdb.New(ex)
	files := filestore.New(filestore.Config{Dir: "/data"}, afero.NewMemMapFs(), ex, db)

	srv := server.New(server.Config{}, Actions(db, files), ex, db)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + server.DefaultPath
	c, err := client.Dial(context.Background(), client.Config{URL: url, Timeout: wait})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func addTodo(t *testing.T, c *client.Client, title string) string {
	t.Helper()
	res, err := c.Call(context.Background(), "todo", "add", map[string]any{"title": title})
	require.NoError(t, err)
	doc, err := client.Decode[map[string]any](res)
	require.NoError(t, err)
	id, _ := doc["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestTodoLifecycle(t *testing.T) {
	c := dialApp(t)
	ctx := context.Background()

	open, err := c.Call(ctx, "todo", "open")
	require.NoError(t, err)
	col := open.Collection.Collection()
	require.Eventually(t, col.Loaded, wait, tick)
	assert.Equal(t, 0, col.Count())

	count, err := c.Call(ctx, "todo", "openCount")
	require.NoError(t, err)
	counter, err := count.Stream.Subscribe(ctx)
	require.NoError(t, err)

	first := addTodo(t, c, "first")
	second := addTodo(t, c, "second")
	require.Eventually(t, func() bool { return col.Count() == 2 }, wait, tick)
	require.Eventually(t, func() bool { return counter.Value() == float64(2) }, wait, tick)

	_, err = c.Call(ctx, "todo", "toggle", first)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !col.Has(first) }, wait, tick)
	require.Eventually(t, func() bool { return counter.Value() == float64(1) }, wait, tick)

	got, err := c.Call(ctx, "todo", "get", second)
	require.NoError(t, err)
	require.NotNil(t, got.Entity)
	_, err = c.Call(ctx, "todo", "rename", second, "renamed")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		doc, ok := c.State().Get("todo", second)
		return ok && doc["title"] == "renamed"
	}, wait, tick)

	res, err := c.Call(ctx, "todo", "clearDone")
	require.NoError(t, err)
	cleared, err := client.Decode[int](res)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	res, err = c.Call(ctx, "todo", "remove", second)
	require.NoError(t, err)
	removed, err := client.Decode[bool](res)
	require.NoError(t, err)
	assert.True(t, removed)
	require.Eventually(t, func() bool { return col.Count() == 0 }, wait, tick)
	require.Eventually(t, func() bool { return got.Entity.Deleted() }, wait, tick)

	res, err = c.Call(ctx, "todo", "remove", second)
	require.NoError(t, err)
	removed, err = client.Decode[bool](res)
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, open.Close(ctx))
	require.NoError(t, count.Close(ctx))
}

func TestTodoAddRequiresTitle(t *testing.T) {
	c := dialApp(t)
	_, err := c.Call(context.Background(), "todo", "add", map[string]any{"done": true})
	assert.Error(t, err)
}

func TestFileFollow(t *testing.T) {
	c := dialApp(t)
	ctx := context.Background()

	_, err := c.Call(ctx, "file", "write", "notes.txt", "written")
	require.NoError(t, err)
	res, err := c.Call(ctx, "file", "read", "notes.txt")
	require.NoError(t, err)
	text, err := client.Decode[string](res)
	require.NoError(t, err)
	assert.Equal(t, "written", text)

	// closed files cannot be appended to
	_, err = c.Call(ctx, "file", "append", "notes.txt", "more")
	assert.Error(t, err)

	_, err = c.Call(ctx, "file", "append", "logs/app.log", "hello")
	require.NoError(t, err)

	follow, err := c.Call(ctx, "file", "follow", "logs/app.log")
	require.NoError(t, err)
	s, err := follow.Stream.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", s.Value())

	_, err = c.Call(ctx, "file", "append", "logs/app.log", " world")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Value() == "hello world" }, wait, tick)

	list, err := c.Call(ctx, "file", "list")
	require.NoError(t, err)
	files := list.Collection.Collection()
	require.Eventually(t, func() bool { return files.Count() == 2 }, wait, tick)

	res, err = c.Call(ctx, "file", "remove", "logs/app.log")
	require.NoError(t, err)
	removed, err := client.Decode[bool](res)
	require.NoError(t, err)
	assert.True(t, removed)
	require.Eventually(t, func() bool { return files.Count() == 1 }, wait, tick)
	require.Eventually(t, func() bool { return s.Value() == "" }, wait, tick)

	require.NoError(t, follow.Close(ctx))
	require.NoError(t, list.Close(ctx))
}
