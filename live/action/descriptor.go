package action

import (
	"fmt"

	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/live/proto"
)

// ParamKind is the declared type of an action parameter
type ParamKind string

const (
	ParamString ParamKind = "string"
	ParamNumber ParamKind = "number"
	ParamBool   ParamKind = "boolean"
	ParamEntity ParamKind = "entity"
	ParamAny    ParamKind = "any"
)

// ResultKind is the declared kind of an action result. The values are the
// return types announced on the wire.
type ResultKind string

const (
	ResultScalar     ResultKind = proto.ReturnJSON
	ResultEntity     ResultKind = proto.ReturnEntity
	ResultStream     ResultKind = proto.ReturnObservable
	ResultCollection ResultKind = proto.ReturnCollection
)

// Param declares one action parameter
type Param struct {
	Name string    `json:"name"`
	Kind ParamKind `json:"kind"`
	// EntityName is the schema of entity parameters
	EntityName string `json:"entityName,omitempty"`
	// Partial entity parameters skip required checks
	Partial  bool `json:"partial,omitempty"`
	Optional bool `json:"optional,omitempty"`
}

// Descriptor declares an action. Server and client share descriptors, so the
// client can check arguments and result kinds without reflection.
type Descriptor struct {
	Controller string     `json:"controller"`
	Action     string     `json:"action"`
	Params     []Param    `json:"parameters"`
	Result     ResultKind `json:"returnType"`
	// EntityName of entity and collection results
	EntityName string `json:"entityName,omitempty"`
}

// Name returns controller.action
func (d Descriptor) Name() string {
	return d.Controller + "." + d.Action
}

// validate checks the descriptor itself
func (d Descriptor) validate(schemas *entity.Registry) error {
	if d.Controller == "" || d.Action == "" {
		return fmt.Errorf("action needs a controller and a name")
	}
	switch d.Result {
	case ResultScalar, ResultStream:
	case ResultEntity, ResultCollection:
		if d.EntityName == "" {
			return fmt.Errorf("%s: %s result needs an entity name", d.Name(), d.Result)
		}
	default:
		return fmt.Errorf("%s: unknown result kind %q", d.Name(), d.Result)
	}

	optional := false
	for i, p := range d.Params {
		switch p.Kind {
		case ParamString, ParamNumber, ParamBool, ParamAny:
		case ParamEntity:
			if _, ok := schemas.Lookup(p.EntityName); !ok {
				return fmt.Errorf("%s: parameter %d uses unknown entity %q", d.Name(), i, p.EntityName)
			}
		default:
			return fmt.Errorf("%s: parameter %d has unknown kind %q", d.Name(), i, p.Kind)
		}
		if optional && !p.Optional {
			return fmt.Errorf("%s: required parameter %d follows an optional one", d.Name(), i)
		}
		optional = optional || p.Optional
	}
	return nil
}

// ValidateArgs checks decoded arguments against the declared parameters.
// Failures are reported as *proto.ValidationParameterError.
func ValidateArgs(d Descriptor, args []any, schemas *entity.Registry) error {
	if len(args) > len(d.Params) {
		return &proto.ValidationParameterError{
			Controller: d.Controller,
			Action:     d.Action,
			Index:      len(d.Params),
			Errors: []proto.ValidationErrorItem{{
				Path:    fmt.Sprintf("#%d", len(d.Params)),
				Message: fmt.Sprintf("expected at most %d arguments, got %d", len(d.Params), len(args)),
				Code:    "too_many",
			}},
		}
	}

	for i, p := range d.Params {
		var v any
		if i < len(args) {
			v = args[i]
		}
		if items := checkParam(p, v, schemas); len(items) > 0 {
			return &proto.ValidationParameterError{Controller: d.Controller, Action: d.Action, Index: i, Errors: items}
		}
	}
	return nil
}

func checkParam(p Param, v any, schemas *entity.Registry) []proto.ValidationErrorItem {
	path := p.Name
	if path == "" {
		path = "#"
	}
	if v == nil {
		if p.Optional {
			return nil
		}
		return []proto.ValidationErrorItem{{Path: path, Message: "required", Code: "required"}}
	}

	switch p.Kind {
	case ParamAny:
		return nil
	case ParamEntity:
		doc, ok := asDocument(v)
		if !ok {
			return []proto.ValidationErrorItem{{Path: path, Message: "no object", Code: "invalid_type"}}
		}
		schema, ok := schemas.Lookup(p.EntityName)
		if !ok {
			return []proto.ValidationErrorItem{{Path: path, Message: "unknown entity " + p.EntityName, Code: "invalid_type"}}
		}
		var items []proto.ValidationErrorItem
		for _, fe := range schema.Validate(doc, p.Partial) {
			items = append(items, proto.ValidationErrorItem{Path: path + "." + fe.Path, Message: fe.Message, Code: fe.Code})
		}
		return items
	}

	want := map[ParamKind]entity.Kind{
		ParamString: entity.KindString,
		ParamNumber: entity.KindNumber,
		ParamBool:   entity.KindBool,
	}[p.Kind]
	if got := entity.KindOf(v); !got.Matches(want) {
		return []proto.ValidationErrorItem{{Path: path, Message: fmt.Sprintf("expected %s, got %s", want, got), Code: "invalid_type"}}
	}
	return nil
}

func asDocument(v any) (entity.Document, bool) {
	switch d := v.(type) {
	case entity.Document:
		return d, true
	case map[string]any:
		return entity.Document(d), true
	}
	return nil, false
}
