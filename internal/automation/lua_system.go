//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	defaultExecTimeout = 10 * time.Second
	maxExecOutput      = 64 * 1024
)

// SystemConfig holds configuration for the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // absolute paths scripts may run
	ExecTimeout   time.Duration // zero means defaultExecTimeout
}

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L, e.now())
	}))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return systemTimeBetween(L, e.now())
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, vm, e)
	}))
	mod.RawSetString("exec", L.NewFunction(func(L *lua.LState) int {
		return systemExec(L, vm, e)
	}))

	L.SetGlobal("system", mod)
}

// system.datetime(component)
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
	case "hhmm":
		L.Push(lua.LString(now.Format("15:04")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from_hour, to_hour). The range is half-open and may
// wrap past midnight (22, 6).
func systemTimeBetween(L *lua.LState, now time.Time) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := now.Hour()

	var in bool
	if from <= to {
		in = hour >= from && hour < to
	} else {
		in = hour >= from || hour < to
	}
	L.Push(lua.LBool(in))
	return 1
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	vm.capture("[" + level + "] " + msg)

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}

// system.exec(cmd) runs an allowlisted binary and returns its stdout, or an
// empty string when blocked or failed.
func systemExec(L *lua.LState, vm *scriptVM, e *Engine) int {
	parts := strings.Fields(L.CheckString(1))
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	binary := parts[0]

	if !filepath.IsAbs(binary) {
		e.logger.Warn("exec blocked: not an absolute path", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}
	if !slices.Contains(e.sysCfg.ExecAllowlist, binary) {
		e.logger.Warn("exec blocked: not in allowlist", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.sysCfg.ExecTimeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(vm.ctx, timeout)
	defer cancel()

	stdout, err := exec.CommandContext(ctx, binary, parts[1:]...).Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("exec timeout", "cmd", binary, "timeout", timeout)
		} else {
			e.logger.Warn("exec failed", "cmd", binary, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}
	if len(stdout) > maxExecOutput {
		stdout = stdout[:maxExecOutput]
	}
	L.Push(lua.LString(stdout))
	return 1
}
