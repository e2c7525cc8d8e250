package objectinfo

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/recordcache/internal/ir"
)

//go:embed objects.cue
var builtinObjects []byte

// schema constrains object metadata files.
const schema = `
#Object: {
	keyPrefix: =~"^[A-Za-z0-9]{3}$"
	fields?: [string]: {default?: _}
}
objects: [string]: #Object
`

// LoadError reports invalid object metadata.
type LoadError struct {
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Builtin returns the registry of the embedded default metadata.
func Builtin() (*Registry, error) {
	ctx := cuecontext.New()
	return fromValue(ctx, ctx.CompileBytes(builtinObjects, cue.Filename("objects.cue")))
}

// Load reads object metadata from path, a CUE file or a directory holding
// one CUE package. An empty path loads the embedded defaults.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Builtin()
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load object info: %w", err)
	}

	ctx := cuecontext.New()
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load object info: %w", err)
		}
		return fromValue(ctx, ctx.CompileBytes(data, cue.Filename(path)))
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return nil, &LoadError{Message: "no CUE instances in " + path}
	}
	if err := instances[0].Err; err != nil {
		return nil, &LoadError{Message: fmt.Sprintf("loading CUE files: %v", err)}
	}
	return fromValue(ctx, ctx.BuildInstance(instances[0]))
}

// Parse builds a registry from CUE source.
func Parse(name string, src []byte) (*Registry, error) {
	ctx := cuecontext.New()
	return fromValue(ctx, ctx.CompileBytes(src, cue.Filename(name)))
}

func fromValue(ctx *cue.Context, v cue.Value) (*Registry, error) {
	if err := v.Err(); err != nil {
		return nil, &LoadError{Message: fmt.Sprintf("building CUE value: %v", err), Pos: v.Pos()}
	}
	v = ctx.CompileString(schema).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Message: fmt.Sprintf("invalid object info: %v", err), Pos: v.Pos()}
	}

	objectsVal := v.LookupPath(cue.ParsePath("objects"))
	if !objectsVal.Exists() {
		return nil, &LoadError{Message: "objects is required", Pos: v.Pos()}
	}
	iter, err := objectsVal.Fields()
	if err != nil {
		return nil, &LoadError{Message: fmt.Sprintf("iterating objects: %v", err), Pos: objectsVal.Pos()}
	}

	var objects []Object
	for iter.Next() {
		obj, err := parseObject(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	return NewRegistry(objects...)
}

func parseObject(apiName string, v cue.Value) (Object, error) {
	obj := Object{APIName: apiName}

	prefix, err := v.LookupPath(cue.ParsePath("keyPrefix")).String()
	if err != nil {
		return Object{}, &LoadError{Message: fmt.Sprintf("%s.keyPrefix: %v", apiName, err), Pos: v.Pos()}
	}
	obj.KeyPrefix = prefix

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return obj, nil
	}
	iter, err := fieldsVal.Fields()
	if err != nil {
		return Object{}, &LoadError{Message: fmt.Sprintf("%s.fields: %v", apiName, err), Pos: fieldsVal.Pos()}
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		def := iter.Value().LookupPath(cue.ParsePath("default"))
		if !def.Exists() {
			continue
		}
		raw, err := def.MarshalJSON()
		if err != nil {
			return Object{}, &LoadError{Message: fmt.Sprintf("%s.fields.%s.default: %v", apiName, name, err), Pos: def.Pos()}
		}
		val, err := ir.UnmarshalValue(raw)
		if err != nil {
			return Object{}, &LoadError{Message: fmt.Sprintf("%s.fields.%s.default: %v", apiName, name, err), Pos: def.Pos()}
		}
		if obj.Defaults == nil {
			obj.Defaults = make(map[string]ir.Value)
		}
		obj.Defaults[name] = val
	}
	return obj, nil
}
