package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// conditionTimeout bounds a single predicate evaluation.
const conditionTimeout = time.Second

// newSandbox returns a Lua state without file, OS or module access.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)
	return L
}

// conditionChunk turns a bare expression into a chunk returning it.
// Anything already containing a return statement is used as is.
func conditionChunk(expr string) string {
	if strings.Contains(expr, "return") {
		return expr
	}
	return "return (" + expr + ")"
}

// ValidateCondition reports a syntax error in expr.
func ValidateCondition(expr string) error {
	L := newSandbox()
	defer L.Close()
	if _, err := L.LoadString(conditionChunk(expr)); err != nil {
		return fmt.Errorf("condition: %w", err)
	}
	return nil
}

// evalCondition runs expr with the device and system tables installed and
// returns its truthiness.
func evalCondition(ctx context.Context, expr string, st DeviceState, now time.Time, logger *slog.Logger) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, conditionTimeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	registerDeviceModule(L, st)
	registerSystemModule(L, now, logger)

	fn, err := L.LoadString(conditionChunk(expr))
	if err != nil {
		return false, fmt.Errorf("condition: %w", err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return false, fmt.Errorf("condition: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return lua.LVAsBool(ret), nil
}

// registerDeviceModule installs the read-only `device` table.
func registerDeviceModule(L *lua.LState, st DeviceState) {
	mod := L.NewTable()
	mod.RawSetString("battery", lua.LNumber(st.Battery))
	mod.RawSetString("charging", lua.LBool(st.Charging))
	mod.RawSetString("network", lua.LBool(st.Online))
	L.SetGlobal("device", mod)
}

// registerSystemModule installs the `system` table.
func registerSystemModule(L *lua.LState, now time.Time, logger *slog.Logger) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L, now)
	}))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return systemTimeBetween(L, now)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		logger.Info("condition log", "msg", L.CheckString(1))
		return 0
	}))

	L.SetGlobal("system", mod)
}

// system.datetime(component) returns a date/time component
func systemDatetime(L *lua.LState, now time.Time) int {
	component := L.CheckString(1)

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from_hour, to_hour) checks the current hour, wrapping
// past midnight when from > to.
func systemTimeBetween(L *lua.LState, now time.Time) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := now.Hour()

	var result bool
	if from <= to {
		result = hour >= from && hour < to
	} else {
		result = hour >= from || hour < to
	}

	L.Push(lua.LBool(result))
	return 1
}
