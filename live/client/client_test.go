package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/collection"
	"github.com/ValentinKolb/dSync/lib/database"
	"github.com/ValentinKolb/dSync/lib/database/memdb"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/query"
	"github.com/ValentinKolb/dSync/lib/subject"
	"github.com/ValentinKolb/dSync/live/action"
	"github.com/ValentinKolb/dSync/live/client"
	"github.com/ValentinKolb/dSync/live/proto"
	"github.com/ValentinKolb/dSync/live/server"
	rpctesting "github.com/ValentinKolb/dSync/rpc/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

var jwtKey = []byte("client-test-key")

type fixture struct {
	url           string
	db            database.IDatabase
	subscriptions func() int
	streams       chan *subject.Stream[int]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ex := rpctesting.StartExchange(t)
	f := &fixture{
		db:            memdb.New(ex),
		subscriptions: func() int { return ex.Subscriptions(entity.ChannelName("todo")) },
		streams:       make(chan *subject.Stream[int], 1),
	}

	schemas := entity.NewRegistry()
	schemas.Register(&entity.Schema{Name: "todo", Fields: map[string]entity.Field{
		"title": {Kind: entity.KindString, Required: true},
		"done":  {Kind: entity.KindBool},
	}})
	r := action.NewRegistry(schemas)

	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "echo",
		Params: []action.Param{{Name: "text", Kind: action.ParamString}},
		Result: action.ResultScalar,
	}, func(_ context.Context, call *action.Call) (action.Result, error) {
		return action.Scalar{Value: "echo:" + call.Args[0].(string)}, nil
	})
	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "whoami", Result: action.ResultScalar,
	}, func(_ context.Context, call *action.Call) (action.Result, error) {
		return action.Scalar{Value: call.User}, nil
	})
	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "get",
		Params: []action.Param{{Name: "id", Kind: action.ParamString}},
		Result: action.ResultEntity, EntityName: "todo",
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		s, err := call.Storage.FindOne(ctx, "todo", query.Filter{"id": call.Args[0]})
		return action.Entity{Subject: s}, err
	})
	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "open", Result: action.ResultCollection, EntityName: "todo",
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		col, err := call.Storage.Find(ctx, "todo", query.Filter{"done": false}, collection.PaginationState{})
		return action.Collection{Collection: col}, err
	})
	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "log", Result: action.ResultStream,
	}, func(context.Context, *action.Call) (action.Result, error) {
		s := subject.NewStream(0, nil)
		f.streams <- s
		return action.NewStream(s), nil
	})

	srv := server.New(server.Config{}, r, ex, f.db)
	srv.SetAuthenticator(server.NewJWTAuthenticator(jwtKey, ""))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	f.url = "ws" + strings.TrimPrefix(ts.URL, "http") + server.DefaultPath
	return f
}

func (f *fixture) dial(t *testing.T, token string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), client.Config{URL: f.url, Token: token, Timeout: wait})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (f *fixture) add(t *testing.T, doc entity.Document) {
	t.Helper()
	_, err := f.db.Add(context.Background(), "todo", doc)
	require.NoError(t, err)
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestScalarCall(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "")
	ctx := context.Background()

	res, err := c.Call(ctx, "todo", "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, action.ResultScalar, res.Kind)
	got, err := client.Decode[string](res)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", got)

	_, err = c.Call(ctx, "todo", "echo", 5)
	var perr *proto.ValidationParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "invalid_type", perr.Errors[0].Code)

	_, err = c.Call(ctx, "todo", "get", "missing")
	assert.ErrorIs(t, err, proto.ErrNotFound)
}

func TestDialAuthenticates(t *testing.T) {
	f := newFixture(t)
	token, err := server.NewJWTAuthenticator(jwtKey, "").Issue("alice", time.Minute)
	require.NoError(t, err)

	c := f.dial(t, token)
	res, err := c.Call(context.Background(), "todo", "whoami")
	require.NoError(t, err)
	user, err := client.Decode[string](res)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	_, err = client.Dial(context.Background(), client.Config{URL: f.url, Token: "garbage", Timeout: wait})
	assert.ErrorIs(t, err, proto.ErrAuthentication)
}

func TestStubValidatesLocally(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "")
	ctx := context.Background()

	stub, err := c.Stub(ctx, "todo", "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, action.ResultScalar, stub.Descriptor().Result)

	_, err = stub.Call(ctx)
	var perr *proto.ValidationParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "required", perr.Errors[0].Code)

	res, err := stub.Call(ctx, "x")
	require.NoError(t, err)
	got, err := client.Decode[string](res)
	require.NoError(t, err)
	assert.Equal(t, "echo:x", got)

	wrong := client.NewStub(c, action.Descriptor{Controller: "todo", Action: "echo",
		Params: []action.Param{{Name: "text", Kind: action.ParamString}}, Result: action.ResultEntity}, nil)
	_, err = wrong.Call(ctx, "x")
	assert.ErrorContains(t, err, "declared entity")
}

func TestEntityFollowsChanges(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "")
	ctx := context.Background()
	f.add(t, entity.Document{"id": "t1", "title": "milk"})

	res, err := c.Call(ctx, "todo", "get", "t1")
	require.NoError(t, err)
	require.NotNil(t, res.Entity)
	assert.Equal(t, "milk", res.Entity.Value()["title"])

	patched := make(chan map[string]any, 1)
	res.Entity.OnPatch(func(patch map[string]any) { patched <- patch })

	_, err = f.db.Patch(ctx, "todo", "t1", map[string]any{"title": "oat milk"})
	require.NoError(t, err)
	select {
	case patch := <-patched:
		assert.Equal(t, "oat milk", patch["title"])
	case <-time.After(wait):
		t.Fatal("no patch received")
	}
	assert.Equal(t, "oat milk", res.Entity.Value()["title"])

	require.NoError(t, f.db.Remove(ctx, "todo", "t1"))
	select {
	case <-res.Entity.Done():
	case <-time.After(wait):
		t.Fatal("entity not completed")
	}
	assert.True(t, res.Entity.Deleted())

	res.Entity.Close()
	require.Eventually(t, func() bool { return f.subscriptions() == 0 }, wait, tick)
}

func TestCollectionSync(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "")
	ctx := context.Background()
	f.add(t, entity.Document{"id": "t1", "title": "t1", "done": false})
	f.add(t, entity.Document{"id": "t2", "title": "t2", "done": true})

	res, err := c.Call(ctx, "todo", "open")
	require.NoError(t, err)
	require.NotNil(t, res.Collection)
	col := res.Collection.Collection()
	assert.Equal(t, "todo", col.EntityName())
	require.Eventually(t, func() bool { return col.Count() == 1 }, wait, tick)

	f.add(t, entity.Document{"id": "t3", "title": "t3", "done": false})
	require.Eventually(t, func() bool { return col.Has("t3") }, wait, tick)

	_, err = f.db.Patch(ctx, "todo", "t1", map[string]any{"done": true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !col.Has("t1") }, wait, tick)

	// members are the cached instances
	_, err = f.db.Patch(ctx, "todo", "t3", map[string]any{"title": "renamed"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		doc, ok := c.State().Get("todo", "t3")
		return ok && doc["title"] == "renamed"
	}, wait, tick)

	require.NoError(t, res.Collection.Close(ctx))
	assert.True(t, col.IsClosed())
	require.Eventually(t, func() bool { return f.subscriptions() == 0 }, wait, tick)
}

func TestCollectionApplyPagination(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "")
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3"} {
		f.add(t, entity.Document{"id": id, "title": id, "done": false})
	}

	res, err := c.Call(ctx, "todo", "open")
	require.NoError(t, err)
	col := res.Collection.Collection()
	require.Eventually(t, func() bool { return col.Count() == 3 }, wait, tick)

	changes := make(chan collection.PaginationState, 4)
	col.Pagination().OnEvent(func(e collection.PaginationEvent) {
		if e.Type == collection.PaginationServerChange {
			changes <- e.State
		}
	})

	p := col.Pagination()
	p.SetSort(query.Sort{{Field: "title"}})
	p.SetItemsPerPage(2)
	p.SetPage(2)
	require.NoError(t, res.Collection.Apply(ctx))

	require.Eventually(t, func() bool {
		ids := col.IDs()
		return len(ids) == 1 && ids[0] == "t3"
	}, wait, tick)
	select {
	case state := <-changes:
		assert.Equal(t, 3, state.Total)
		assert.Equal(t, 2, state.Page)
	case <-time.After(wait):
		t.Fatal("no pagination change received")
	}
}

func TestStreamSubscribe(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "")
	ctx := context.Background()

	res, err := c.Call(ctx, "todo", "log")
	require.NoError(t, err)
	require.NotNil(t, res.Stream)
	producer := <-f.streams

	s, err := res.Stream.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(0), s.Value())

	producer.Next(41)
	require.Eventually(t, func() bool { return s.Value() == float64(41) }, wait, tick)

	// a second subscription is independent
	other, err := res.Stream.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(41), other.Value())
	other.Close()

	require.NoError(t, res.Stream.Close(ctx))
	assert.True(t, s.IsClosed())
	require.Eventually(t, producer.IsClosed, wait, tick)
}

func TestStreamAppendValue(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "")
	ctx := context.Background()

	res, err := c.Call(ctx, "todo", "log")
	require.NoError(t, err)
	producer := <-f.streams
	producer.SetAppender(func(cur, delta int) int { return cur + delta })

	s, err := res.Stream.Subscribe(ctx)
	require.NoError(t, err)
	deltas := make(chan any, 1)
	s.Subscribe(subject.Observer[any]{Append: func(delta any) { deltas <- delta }})

	producer.Append(3)
	select {
	case d := <-deltas:
		assert.Equal(t, float64(3), d)
	case <-time.After(wait):
		t.Fatal("no delta received")
	}

	producer.Complete()
	select {
	case <-s.Done():
	case <-time.After(wait):
		t.Fatal("stream not completed")
	}
	assert.NoError(t, s.Err())
}

func TestCloseFailsRequests(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "")

	require.NoError(t, c.Close())
	<-c.Done()
	_, err := c.Call(context.Background(), "todo", "echo", "hi")
	assert.ErrorIs(t, err, client.ErrClosed)
	assert.NoError(t, c.Err())
}
