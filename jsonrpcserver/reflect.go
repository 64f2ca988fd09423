package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrTooMuchArguments = errors.New("too much arguments")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// methodHandler is a validated method function.
// args are the parameter types after the leading context.Context.
type methodHandler struct {
	fn        reflect.Value
	args      []reflect.Type
	hasResult bool
}

func getMethodTypes(fn interface{}) (methodHandler, error) {
	fnValue := reflect.ValueOf(fn)
	fnType := fnValue.Type()
	if fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	if fnType.NumIn() == 0 || fnType.In(0) != contextType {
		return methodHandler{}, ErrMustHaveContext
	}
	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if numOut > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	args := make([]reflect.Type, 0, fnType.NumIn()-1)
	for i := 1; i < fnType.NumIn(); i++ {
		args = append(args, fnType.In(i))
	}
	return methodHandler{fn: fnValue, args: args, hasResult: numOut == 2}, nil
}

func (h methodHandler) call(ctx context.Context, params []json.RawMessage) (any, error) {
	args, err := decodeParams(h.args, params)
	if err != nil {
		return nil, err
	}

	results := h.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))

	errValue := results[len(results)-1]
	var outError error
	if !errValue.IsNil() {
		var ok bool
		if outError, ok = errValue.Interface().(error); !ok {
			return nil, ErrMustReturnError
		}
	}
	if !h.hasResult {
		return nil, outError
	}
	return results[0].Interface(), outError
}

// decodeParams decodes positional params, missing trailing params get zero values.
func decodeParams(types []reflect.Type, params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(types) {
		return nil, ErrTooMuchArguments
	}

	values := make([]reflect.Value, len(types))
	for i, t := range types {
		value := reflect.New(t)
		if i < len(params) {
			if err := json.Unmarshal(params[i], value.Interface()); err != nil {
				return nil, err
			}
		}
		values[i] = value.Elem()
	}
	return values, nil
}
