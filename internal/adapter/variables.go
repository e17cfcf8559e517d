/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapter

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"sync"

	"github.com/google/go-dap"

	"github.com/microsoft/jsdap/internal/cdp"
	jsdap "github.com/microsoft/jsdap/internal/dap"
)

const setPropertyFunction = `function(name, value) { this[name] = value; return this[name]; }`

type containerKind int

const (
	containerObject containerKind = iota
	containerScope
)

// namedObject is a synthetic property shown at the top of a container, e.g. "this" in a local scope.
type namedObject struct {
	name   string
	object cdp.RemoteObject
}

// variableContainer is what a variables reference points to.
type variableContainer struct {
	kind   containerKind
	object cdp.RemoteObject

	// The frame the container was reached from; empty for containers created outside of a pause.
	callFrameID cdp.CallFrameID
	// Index of the scope in the frame's scope chain, for scope containers.
	scopeNumber int
	extras      []namedObject
}

// VariableStore owns the variables references handed out for one lifetime: a single pause,
// or the REPL results between two resumes. References are drawn from a counter shared by
// the whole debug adapter, so they never collide across stores or threads.
type VariableStore struct {
	session *cdp.Session
	ids     *idCounter

	lock       sync.Mutex
	containers map[int]*variableContainer
	generation int
}

func newVariableStore(session *cdp.Session, ids *idCounter) *VariableStore {
	return &VariableStore{
		session:    session,
		ids:        ids,
		containers: make(map[int]*variableContainer),
	}
}

// Has reports whether the reference was issued by this store and is still valid.
func (vs *VariableStore) Has(ref int) bool {
	vs.lock.Lock()
	defer vs.lock.Unlock()
	_, found := vs.containers[ref]
	return found
}

// Clear invalidates every reference issued so far.
func (vs *VariableStore) Clear() {
	vs.lock.Lock()
	defer vs.lock.Unlock()
	vs.containers = make(map[int]*variableContainer)
	vs.generation++
}

func (vs *VariableStore) lookup(ref int) (*variableContainer, int) {
	vs.lock.Lock()
	defer vs.lock.Unlock()
	return vs.containers[ref], vs.generation
}

// register adds a container unless the store was cleared since generation was read.
func (vs *VariableStore) register(c *variableContainer, generation int) int {
	vs.lock.Lock()
	defer vs.lock.Unlock()
	if generation != vs.generation {
		return 0
	}
	ref := vs.ids.Next()
	vs.containers[ref] = c
	return ref
}

func (vs *VariableStore) currentGeneration() int {
	vs.lock.Lock()
	defer vs.lock.Unlock()
	return vs.generation
}

// CreateVariableReference returns a reference for expanding the object, or 0 for values without children.
func (vs *VariableStore) CreateVariableReference(obj *cdp.RemoteObject, callFrameID cdp.CallFrameID) int {
	return vs.createVariableReference(obj, callFrameID, vs.currentGeneration())
}

func (vs *VariableStore) createVariableReference(obj *cdp.RemoteObject, callFrameID cdp.CallFrameID, generation int) int {
	if obj == nil || obj.ObjectID == "" {
		return 0
	}
	return vs.register(&variableContainer{kind: containerObject, object: *obj, callFrameID: callFrameID}, generation)
}

// CreateScopeReference returns a reference for the scope at index scopeNumber of the frame's scope chain.
func (vs *VariableStore) CreateScopeReference(scope *cdp.Scope, callFrameID cdp.CallFrameID, scopeNumber int, extras []namedObject) int {
	return vs.register(&variableContainer{
		kind:        containerScope,
		object:      scope.Object,
		callFrameID: callFrameID,
		scopeNumber: scopeNumber,
		extras:      extras,
	}, vs.currentGeneration())
}

// Variable renders one named value and registers a reference for its children.
func (vs *VariableStore) Variable(name string, obj *cdp.RemoteObject, callFrameID cdp.CallFrameID, pc previewContext) dap.Variable {
	return vs.variable(name, obj, callFrameID, pc, vs.currentGeneration())
}

func (vs *VariableStore) variable(name string, obj *cdp.RemoteObject, callFrameID cdp.CallFrameID, pc previewContext, generation int) dap.Variable {
	return dap.Variable{
		Name:               name,
		Value:              previewRemoteObject(obj, pc),
		Type:               typeOf(obj),
		EvaluateName:       evaluateNameFor(name),
		VariablesReference: vs.createVariableReference(obj, callFrameID, generation),
	}
}

func evaluateNameFor(name string) string {
	if name == "" || name[0] == '[' {
		return ""
	}
	return name
}

// Variables lists the children of a container. An unknown or stale reference yields an empty list:
// the IDE may still hold references from before the last resume.
func (vs *VariableStore) Variables(ctx context.Context, args *dap.VariablesArguments) ([]dap.Variable, error) {
	c, generation := vs.lookup(args.VariablesReference)
	if c == nil {
		return []dap.Variable{}, nil
	}

	props, err := vs.session.Runtime().GetProperties(ctx, &cdp.GetPropertiesParams{
		ObjectID:        c.object.ObjectID,
		OwnProperties:   true,
		GeneratePreview: true,
	})
	if err != nil {
		return nil, err
	}
	if props.ExceptionDetails != nil {
		return nil, jsdap.NewSilentError("%s", props.ExceptionDetails.Message())
	}

	var extras, indexed, named []dap.Variable
	for i := range c.extras {
		extras = append(extras, vs.variable(c.extras[i].name, &c.extras[i].object, c.callFrameID, previewVariables, generation))
	}
	for i := range props.Result {
		prop := &props.Result[i]
		var v dap.Variable
		switch {
		case prop.Value != nil:
			v = vs.variable(prop.Name, prop.Value, c.callFrameID, previewVariables, generation)
		case prop.Get != nil && prop.Get.Type != "undefined":
			v = dap.Variable{Name: prop.Name, Value: "(…)", Type: "accessor"}
		default:
			continue
		}
		if isArrayIndex(prop.Name) {
			indexed = append(indexed, v)
		} else {
			named = append(named, v)
		}
	}
	for i := range props.InternalProperties {
		internal := &props.InternalProperties[i]
		if internal.Value == nil {
			continue
		}
		named = append(named, vs.variable(internal.Name, internal.Value, c.callFrameID, previewVariables, generation))
	}

	slices.SortStableFunc(indexed, func(a, b dap.Variable) int {
		ai, _ := strconv.Atoi(a.Name)
		bi, _ := strconv.Atoi(b.Name)
		return ai - bi
	})

	var result []dap.Variable
	switch args.Filter {
	case "indexed":
		result = indexed
	case "named":
		result = append(extras, named...)
	default:
		result = append(append(extras, indexed...), named...)
	}

	if vs.currentGeneration() != generation {
		// Resumed while the properties were being fetched.
		return []dap.Variable{}, nil
	}
	return page(result, args.Start, args.Count), nil
}

func page(vars []dap.Variable, start, count int) []dap.Variable {
	if start < 0 || start >= len(vars) {
		return []dap.Variable{}
	}
	vars = vars[start:]
	if count > 0 && count < len(vars) {
		vars = vars[:count]
	}
	return vars
}

// SetVariable assigns the value of an expression to a property of the container.
// Scope variables are set through the debugger so that closures observe the change.
func (vs *VariableStore) SetVariable(ctx context.Context, args *dap.SetVariableArguments) (*dap.SetVariableResponseBody, error) {
	c, _ := vs.lookup(args.VariablesReference)
	if c == nil {
		return nil, jsdap.ErrVariableNotFound
	}

	expression := wrapObjectLiteral(args.Value)
	newValue, err := vs.evaluate(ctx, expression, c.callFrameID)
	if err != nil {
		return nil, err
	}

	switch c.kind {
	case containerScope:
		setErr := vs.session.Debugger().SetVariableValue(ctx, &cdp.SetVariableValueParams{
			ScopeNumber:  c.scopeNumber,
			VariableName: args.Name,
			NewValue:     cdp.CallArgumentFor(newValue),
			CallFrameID:  c.callFrameID,
		})
		if setErr != nil {
			return nil, protocolErrorToSilent(setErr)
		}
	default:
		nameArg, _ := json.Marshal(args.Name)
		res, callErr := vs.session.Runtime().CallFunctionOn(ctx, &cdp.CallFunctionOnParams{
			FunctionDeclaration: setPropertyFunction,
			ObjectID:            c.object.ObjectID,
			Arguments:           []cdp.CallArgument{{Value: nameArg}, cdp.CallArgumentFor(newValue)},
			Silent:              true,
			GeneratePreview:     true,
		})
		if callErr != nil {
			return nil, protocolErrorToSilent(callErr)
		}
		if res.ExceptionDetails != nil {
			return nil, jsdap.NewSilentError("%s", res.ExceptionDetails.Message())
		}
		newValue = &res.Result
	}

	v := vs.Variable(args.Name, newValue, c.callFrameID, previewVariables)
	return &dap.SetVariableResponseBody{
		Value:              v.Value,
		Type:               v.Type,
		VariablesReference: v.VariablesReference,
	}, nil
}

func (vs *VariableStore) evaluate(ctx context.Context, expression string, callFrameID cdp.CallFrameID) (*cdp.RemoteObject, error) {
	var res *cdp.EvaluateResult
	var err error
	if callFrameID != "" {
		res, err = vs.session.Debugger().EvaluateOnCallFrame(ctx, &cdp.EvaluateOnCallFrameParams{
			CallFrameID:     callFrameID,
			Expression:      expression,
			Silent:          true,
			GeneratePreview: true,
		})
	} else {
		res, err = vs.session.Runtime().Evaluate(ctx, &cdp.EvaluateParams{
			Expression:      expression,
			Silent:          true,
			GeneratePreview: true,
		})
	}
	if err != nil {
		return nil, protocolErrorToSilent(err)
	}
	if res.ExceptionDetails != nil {
		return nil, jsdap.NewSilentError("%s", res.ExceptionDetails.Message())
	}
	return &res.Result, nil
}
