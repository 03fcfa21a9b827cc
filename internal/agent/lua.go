package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/GoZippy/kiro-automation-sub000/internal/failure"
	"github.com/GoZippy/kiro-automation-sub000/internal/logging"
)

// LuaAgent runs a sandboxed Lua script that defines perform(task). The script
// returns a table {status = "done"|"failed", summary = ..., kind = ...}.
type LuaAgent struct {
	name   string
	proto  *lua.FunctionProto
	logger *slog.Logger
}

// NewLuaAgent compiles the script at path once; each invocation runs it in a
// fresh interpreter.
func NewLuaAgent(path string, logger *slog.Logger) (*LuaAgent, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Configuration(fmt.Errorf("failed to read script: %w", err))
	}
	return NewLuaAgentFromSource(filepath.Base(path), string(script), logger)
}

func NewLuaAgentFromSource(name, source string, logger *slog.Logger) (*LuaAgent, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, failure.Configuration(fmt.Errorf("failed to parse script %s: %w", name, err))
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, failure.Configuration(fmt.Errorf("failed to compile script %s: %w", name, err))
	}
	return &LuaAgent{name: name, proto: proto, logger: logger}, nil
}

func (a *LuaAgent) Name() string { return "lua:" + a.name }

func (a *LuaAgent) Invoke(ctx context.Context, tc TaskContext) (*Result, error) {
	ref := tc.Ref()

	// Create new Lua state
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()
	L.SetContext(ctx)

	openSafeLibs(L)
	a.registerAPI(L, tc)

	L.Push(L.NewFunctionFromProto(a.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		if cerr := contextError(ctx, ref); cerr != nil {
			return nil, cerr
		}
		return nil, failure.New(failure.KindConfiguration, ref.String(), fmt.Errorf("failed to load script: %w", err))
	}

	perform := L.GetGlobal("perform")
	if perform.Type() != lua.LTFunction {
		return nil, failure.New(failure.KindConfiguration, ref.String(), fmt.Errorf("script must define a 'perform' function"))
	}

	err := L.CallByParam(lua.P{Fn: perform, NRet: 1, Protect: true}, taskToTable(L, tc))
	if cerr := contextError(ctx, ref); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, fmt.Errorf("perform failed: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, failure.Newf(failure.KindAgentProtocol, ref.String(), "perform returned %s, want a table", ret.Type())
	}

	status := lua.LVAsString(tbl.RawGetString("status"))
	summary := lua.LVAsString(tbl.RawGetString("summary"))
	switch status {
	case "done":
		return &Result{Summary: summary}, nil
	case "failed":
		return nil, signalError(ref, summary, lua.LVAsString(tbl.RawGetString("kind")))
	}
	return nil, failure.Newf(failure.KindAgentProtocol, ref.String(), "perform returned unknown status %q", status)
}

// openSafeLibs loads only the safe standard libraries
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove dangerous base functions
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove non-deterministic math functions
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (a *LuaAgent) registerAPI(L *lua.LState, tc TaskContext) {
	logger := a.logger.With("task", tc.Ref().String(), "script", a.name)
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		logger.Info(L.CheckString(1))
		return 0
	}))
	// file_exists(path) checks a path relative to the workspace root.
	L.SetGlobal("file_exists", L.NewFunction(func(L *lua.LState) int {
		rel := L.CheckString(1)
		if tc.Workspace == nil || filepath.IsAbs(rel) || strings.HasPrefix(filepath.Clean(rel), "..") {
			L.Push(lua.LFalse)
			return 1
		}
		_, err := os.Stat(filepath.Join(tc.Workspace.Root, rel))
		L.Push(lua.LBool(err == nil))
		return 1
	}))
}

func taskToTable(L *lua.LState, tc TaskContext) *lua.LTable {
	t := tc.Task
	tbl := L.NewTable()
	L.SetField(tbl, "doc", lua.LString(t.Doc))
	L.SetField(tbl, "id", lua.LString(t.ID))
	L.SetField(tbl, "title", lua.LString(t.Title))
	L.SetField(tbl, "status", lua.LString(t.Status))
	L.SetField(tbl, "attempt", lua.LNumber(tc.Attempt))
	L.SetField(tbl, "session", lua.LString(tc.SessionID))
	L.SetField(tbl, "details", stringsToTable(L, t.Details))
	L.SetField(tbl, "requirements", stringsToTable(L, t.RequirementRefs))
	L.SetField(tbl, "dependencies", stringsToTable(L, t.Dependencies))

	subs := L.NewTable()
	for _, st := range t.SubTasks {
		s := L.NewTable()
		L.SetField(s, "id", lua.LString(st.ID))
		L.SetField(s, "title", lua.LString(st.Title))
		L.SetField(s, "status", lua.LString(st.Status))
		L.SetField(s, "optional", lua.LBool(st.Optional))
		subs.Append(s)
	}
	L.SetField(tbl, "subtasks", subs)
	return tbl
}

func stringsToTable(L *lua.LState, values []string) *lua.LTable {
	tbl := L.NewTable()
	for _, v := range values {
		tbl.Append(lua.LString(v))
	}
	return tbl
}

var (
	_ Agent = (*LuaAgent)(nil)
	_ Agent = (*CommandAgent)(nil)
)
