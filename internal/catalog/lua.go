package catalog

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// luaTimeout bounds a single transform run.
const luaTimeout = 100 * time.Millisecond

// luaTransform runs a compiled chunk on a private Lua state.
//
// The chunk sees two globals: payload (the whole message as a table) and
// value (the slot's source property). Its return value becomes the slot
// value; returning nil skips the write.
type luaTransform struct {
	mu     sync.Mutex
	L      *lua.LState
	proto  *lua.FunctionProto
	prop   string
	closed bool
}

func newLuaTransform(source, prop string) (*luaTransform, error) {
	chunk, err := parse.Parse(strings.NewReader(source), "transform")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransform, err)
	}
	proto, err := lua.Compile(chunk, "transform")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransform, err)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	if err := openSafeLibs(L); err != nil {
		L.Close()
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransform, err)
	}

	return &luaTransform{L: L, proto: proto, prop: prop}, nil
}

// openSafeLibs loads the libraries a value transform may use. No io, os or
// package loading.
func openSafeLibs(L *lua.LState) error {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return err
		}
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	return nil
}

// Apply runs the chunk against payload.
func (t *luaTransform) Apply(ctx context.Context, payload map[string]any) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransformClosed
	}

	ctx, cancel := context.WithTimeout(ctx, luaTimeout)
	defer cancel()
	t.L.SetContext(ctx)
	defer t.L.RemoveContext()

	t.L.SetGlobal("payload", goToLua(t.L, payload))
	t.L.SetGlobal("value", goToLua(t.L, payload[t.prop]))

	fn := t.L.NewFunctionFromProto(t.proto)
	t.L.Push(fn)
	if err := t.L.PCall(0, 1, nil); err != nil {
		t.L.SetTop(0)
		return nil, fmt.Errorf("%w: %w", ErrTransformFailed, err)
	}
	ret := t.L.Get(-1)
	t.L.Pop(1)

	return luaToGo(ret)
}

// Close releases the Lua state. Later Apply calls return ErrTransformClosed.
func (t *luaTransform) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.L.Close()
}

// luaToGo converts a Lua value to its JSON-shaped Go form. A table is an
// array only when its keys are exactly 1..n; anything else becomes an
// object. A table that contains itself is rejected.
func luaToGo(v lua.LValue) (any, error) {
	return convertLua(v, make(map[*lua.LTable]bool))
}

func convertLua(v lua.LValue, visiting map[*lua.LTable]bool) (any, error) {
	switch val := v.(type) {
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LBool:
		return bool(val), nil
	case *lua.LTable:
		if visiting[val] {
			return nil, fmt.Errorf("%w: result table contains itself", ErrTransformFailed)
		}
		visiting[val] = true
		defer delete(visiting, val)

		if n, ok := denseLength(val); ok {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				item, err := convertLua(val.RawGetInt(i), visiting)
				if err != nil {
					return nil, err
				}
				arr = append(arr, item)
			}
			return arr, nil
		}

		obj := make(map[string]any)
		var err error
		val.ForEach(func(k, item lua.LValue) {
			if err != nil {
				return
			}
			var conv any
			if conv, err = convertLua(item, visiting); err == nil {
				obj[lua.LVAsString(k)] = conv
			}
		})
		if err != nil {
			return nil, err
		}
		return obj, nil
	case *lua.LNilType:
		return nil, nil
	default:
		return v.String(), nil
	}
}

// denseLength returns n when t is non-empty and keyed exactly 1..n.
func denseLength(t *lua.LTable) (int, bool) {
	n := 0
	maxKey := 0.0
	dense := true
	t.ForEach(func(k, _ lua.LValue) {
		n++
		num, ok := k.(lua.LNumber)
		f := float64(num)
		if !ok || f < 1 || f != math.Trunc(f) {
			dense = false
			return
		}
		maxKey = math.Max(maxKey, f)
	})
	return n, dense && n > 0 && maxKey == float64(n)
}

// goToLua converts a decoded JSON value to Lua.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}
