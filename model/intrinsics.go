package model

import (
	"context"
	"errors"
	"fmt"

	"kaigraph/cas"
	"kaigraph/graph"
)

var ErrUnknownFunc = errors.New("unknown function")

// FuncRequest is everything a function needs to compute one attribute
// value: the prototype's func, its static value and the current values of
// its arguments (nil entries are unset).
type FuncRequest struct {
	ValueID graph.ID
	Func    string
	Static  *cas.ContentHash
	Args    map[string]*cas.ContentHash
}

// BuildRequest reads av's prototype and argument values from g.
func BuildRequest(ctx context.Context, c CAS, g *graph.Graph, av graph.ID) (FuncRequest, error) {
	p, args, err := PrototypeOf(ctx, c, g, av)
	if err != nil {
		return FuncRequest{}, err
	}
	req := FuncRequest{ValueID: av, Func: p.Func, Static: p.Value, Args: make(map[string]*cas.ContentHash, len(args))}
	for name, src := range args {
		v, err := Value(g, src)
		if err != nil {
			return FuncRequest{}, err
		}
		req.Args[name] = v
	}
	return req, nil
}

// IntrinsicExecutor computes the built-in functions.
type IntrinsicExecutor struct{}

// Execute returns the new value for req.ValueID, nil for unset.
func (IntrinsicExecutor) Execute(_ context.Context, req FuncRequest) (*cas.ContentHash, error) {
	switch req.Func {
	case FuncIdentity:
		if len(req.Args) != 1 {
			return nil, fmt.Errorf("%s takes one argument, got %d", FuncIdentity, len(req.Args))
		}
		for _, v := range req.Args {
			return v, nil
		}
	case FuncSet:
		if req.Static == nil {
			return nil, fmt.Errorf("%s without a value", FuncSet)
		}
		return req.Static, nil
	case FuncUnset:
		return nil, nil
	}
	return nil, fmt.Errorf("%q: %w", req.Func, ErrUnknownFunc)
}
