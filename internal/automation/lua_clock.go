//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"time"

	lua "github.com/yuin/gopher-lua"

	"clocklink/internal/protocol"
	"clocklink/internal/session"
)

// registerClockModule registers the `clock` global table in a Lua state.
func registerClockModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	set := func(name string, fn lua.LGFunction) {
		mod.RawSetString(name, L.NewFunction(fn))
	}

	set("on", func(L *lua.LState) int { return clockOn(L, vm) })
	set("send", func(L *lua.LState) int {
		cmd, err := protocol.ParseCommand(L.CheckString(1))
		if err != nil {
			return pushFailure(L, err.Error())
		}
		return clockSend(L, vm, e, cmd)
	})
	set("set_brightness", func(L *lua.LState) int {
		level := L.CheckInt(1)
		if err := protocol.ValidateBrightness(level); err != nil {
			return pushFailure(L, err.Error())
		}
		return clockSend(L, vm, e, protocol.BuildBrightness(level))
	})
	set("set_alarm", func(L *lua.LState) int {
		hhmm := L.CheckString(1)
		if err := protocol.ValidateAlarmTime(hhmm); err != nil {
			return pushFailure(L, err.Error())
		}
		return clockSend(L, vm, e, protocol.BuildAlarmTime(hhmm))
	})
	set("set_offset", func(L *lua.LState) int {
		hours := L.CheckInt(1)
		if err := protocol.ValidateOffset(hours); err != nil {
			return pushFailure(L, err.Error())
		}
		return clockSend(L, vm, e, protocol.BuildOffset(hours))
	})
	set("set_dst", func(L *lua.LState) int {
		return clockSend(L, vm, e, protocol.BuildDST(L.CheckBool(1)))
	})
	set("alarm_on", func(L *lua.LState) int {
		return clockSend(L, vm, e, protocol.BuildAlarmEnable(true))
	})
	set("alarm_off", func(L *lua.LState) int {
		return clockSend(L, vm, e, protocol.BuildAlarmEnable(false))
	})
	set("status", func(L *lua.LState) int { return clockStatus(L, e) })
	set("is_connected", func(L *lua.LState) int {
		L.Push(lua.LBool(e.ctrl.IsConnected()))
		return 1
	})
	set("after", func(L *lua.LState) int { return clockAfter(L, vm, e) })
	set("log", func(L *lua.LState) int {
		msg := L.CheckString(1)
		vm.capture(msg)
		e.logger.Info("script log", "msg", msg)
		return 0
	})

	L.SetGlobal("clock", mod)
}

// clock.on(type, [filter], callback)
func clockOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		filter.ForEach(func(k, v lua.LValue) {
			if h.filter == nil {
				h.filter = make(map[string]string)
			}
			h.filter[k.String()] = v.String()
		})
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// clockSend returns true, or false plus a user-facing reason.
func clockSend(L *lua.LState, vm *scriptVM, e *Engine, cmd protocol.Command) int {
	ctx, cancel := context.WithTimeout(vm.ctx, sendTimeout)
	defer cancel()

	if err := e.ctrl.Send(ctx, cmd); err != nil {
		e.logger.Warn("script send failed", "cmd", cmd.Redacted(), "err", err)
		return pushFailure(L, session.SanitizeMessage(err))
	}
	L.Push(lua.LTrue)
	return 1
}

func pushFailure(L *lua.LState, msg string) int {
	L.Push(lua.LFalse)
	L.Push(lua.LString(msg))
	return 2
}

// clock.status() returns the connection state as a table.
func clockStatus(L *lua.LState, e *Engine) int {
	var fields map[string]any
	data, err := json.Marshal(e.ctrl.Status())
	if err == nil {
		err = json.Unmarshal(data, &fields)
	}
	if err != nil {
		L.RaiseError("status: %v", err)
		return 0
	}
	L.Push(goToLua(L, fields))
	return 1
}

// clock.after(seconds, callback) runs callback on the script's VM later.
func clockAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: script queue full")
		}
	}()
	return 0
}
