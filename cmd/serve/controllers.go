package serve

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/collection"
	"github.com/ValentinKolb/dSync/lib/database"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/filestore"
	"github.com/ValentinKolb/dSync/lib/query"
	"github.com/ValentinKolb/dSync/lib/subject"
	"github.com/ValentinKolb/dSync/live/action"
)

// TodoSchema is the entity schema of the demo todo controller
var TodoSchema = entity.Schema{
	Name: "todo",
	Fields: map[string]entity.Field{
		"id":    {Kind: entity.KindString},
		"title": {Kind: entity.KindString, Required: true},
		"done":  {Kind: entity.KindBool},
	},
}

// Actions returns the registry of the todo and file controllers
func Actions(db database.IDatabase, files *filestore.Store) *action.Registry {
	schemas := entity.NewRegistry()
	schemas.Register(&TodoSchema)
	schemas.Register(&filestore.Schema)

	r := action.NewRegistry(schemas)
	registerTodos(r, db)
	registerFiles(r, files)
	return r
}

func idParam() []action.Param {
	return []action.Param{{Name: "id", Kind: action.ParamString}}
}

// --------------------------------------------------------------------------
// todo controller
// --------------------------------------------------------------------------

func registerTodos(r *action.Registry, db database.IDatabase) {
	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "list", Result: action.ResultCollection, EntityName: "todo",
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		col, err := call.Storage.Find(ctx, "todo", query.Filter{}, collection.PaginationState{})
		return action.Collection{Collection: col}, err
	})

	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "open", Result: action.ResultCollection, EntityName: "todo",
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		col, err := call.Storage.Find(ctx, "todo", query.Filter{"done": false}, collection.PaginationState{})
		return action.Collection{Collection: col}, err
	})

	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "get", Params: idParam(), Result: action.ResultEntity, EntityName: "todo",
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		s, err := call.Storage.FindOne(ctx, "todo", query.Filter{"id": call.Args[0]})
		return action.Entity{Subject: s}, err
	})

	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "openCount", Result: action.ResultStream,
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		s, err := call.Storage.Count(ctx, "todo", query.Filter{"done": false})
		if err != nil {
			return nil, err
		}
		return action.NewStream(s), nil
	})

	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "add",
		Params: []action.Param{{Name: "todo", Kind: action.ParamEntity, EntityName: "todo"}},
		Result: action.ResultScalar,
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		doc := call.Args[0].(entity.Document)
		if _, ok := doc["done"]; !ok {
			doc["done"] = false
		}
		added, err := db.Add(ctx, "todo", doc)
		return action.Scalar{Value: added}, err
	})

	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "rename",
		Params: []action.Param{{Name: "id", Kind: action.ParamString}, {Name: "title", Kind: action.ParamString}},
		Result: action.ResultScalar,
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		doc, err := db.Patch(ctx, "todo", call.Args[0].(string), map[string]any{"title": call.Args[1]})
		return action.Scalar{Value: doc}, err
	})

	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "toggle", Params: idParam(), Result: action.ResultScalar,
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		id := call.Args[0].(string)
		cur, err := db.Get(ctx, "todo", query.Filter{"id": id})
		if err != nil {
			return nil, err
		}
		done, _ := cur["done"].(bool)
		doc, err := db.Patch(ctx, "todo", id, map[string]any{"done": !done})
		return action.Scalar{Value: doc}, err
	})

	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "remove", Params: idParam(), Result: action.ResultScalar,
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		err := db.Remove(ctx, "todo", call.Args[0].(string))
		if errors.Is(err, database.ErrNotFound) {
			return action.Scalar{Value: false}, nil
		}
		return action.Scalar{Value: err == nil}, err
	})

	r.MustRegister(action.Descriptor{
		Controller: "todo", Action: "clearDone", Result: action.ResultScalar,
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		ids, err := db.RemoveMany(ctx, "todo", query.Filter{"done": true})
		return action.Scalar{Value: len(ids)}, err
	})
}

// --------------------------------------------------------------------------
// file controller
// --------------------------------------------------------------------------

func registerFiles(r *action.Registry, files *filestore.Store) {
	pathParam := action.Param{Name: "path", Kind: action.ParamString}
	contentParam := action.Param{Name: "content", Kind: action.ParamString}

	r.MustRegister(action.Descriptor{
		Controller: "file", Action: "list", Result: action.ResultCollection, EntityName: filestore.EntityName,
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		col, err := call.Storage.Find(ctx, filestore.EntityName, query.Filter{}, collection.PaginationState{})
		return action.Collection{Collection: col}, err
	})

	r.MustRegister(action.Descriptor{
		Controller: "file", Action: "read", Params: []action.Param{pathParam}, Result: action.ResultScalar,
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		data, err := files.Read(ctx, call.Args[0].(string))
		return action.Scalar{Value: string(data)}, err
	})

	r.MustRegister(action.Descriptor{
		Controller: "file", Action: "write", Params: []action.Param{pathParam, contentParam}, Result: action.ResultScalar,
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		f, err := files.Write(ctx, call.Args[0].(string), []byte(call.Args[1].(string)))
		if err != nil {
			return nil, err
		}
		return action.Scalar{Value: f.Document()}, nil
	})

	r.MustRegister(action.Descriptor{
		Controller: "file", Action: "append", Params: []action.Param{pathParam, contentParam}, Result: action.ResultScalar,
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		f, err := files.Append(ctx, call.Args[0].(string), []byte(call.Args[1].(string)), filestore.AppendOptions{})
		if err != nil {
			return nil, err
		}
		return action.Scalar{Value: f.Document()}, nil
	})

	r.MustRegister(action.Descriptor{
		Controller: "file", Action: "remove", Params: []action.Param{pathParam}, Result: action.ResultScalar,
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		removed, err := files.Remove(ctx, call.Args[0].(string))
		return action.Scalar{Value: removed}, err
	})

	r.MustRegister(action.Descriptor{
		Controller: "file", Action: "follow", Params: []action.Param{pathParam}, Result: action.ResultStream,
	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
		raw, err := files.Subscribe(ctx, call.Args[0].(string))
		if err != nil {
			return nil, err
		}
		return action.NewStream(textStream(raw)), nil
	})
}

// textStream follows a byte stream as text. Closing it closes raw.
func textStream(raw *subject.Stream[[]byte]) *subject.Stream[string] {
	text := subject.NewStream(string(raw.Value()), raw.Close)
	text.SetAppender(subject.ConcatString)
	unsubscribe := raw.Subscribe(subject.Observer[[]byte]{
		Next:     func(v []byte) { text.Next(string(v)) },
		Append:   func(delta []byte) { text.Append(string(delta)) },
		Complete: text.Complete,
		Error: func(err error) {
			text.Error(fmt.Errorf("follow file: %w", err))
		},
	})
	text.AddTeardown(unsubscribe)
	return text
}
