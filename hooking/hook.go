// Package hooking lets observers attach to well-known points of a running
// simulation without the observed code knowing about them.
package hooking

import "fmt"

// HookPos is a point in a run where hooks fire. Positions are compared by
// pointer.
type HookPos struct {
	Name string
}

// HookCtx describes one invocation of the hooks.
type HookCtx struct {
	// Domain raised the hook.
	Domain Hookable

	Pos *HookPos

	// Item is what the position is about, usually an *event.Event.
	Item any

	// Detail is position specific, for example the error of a flush.
	Detail any
}

// Hookable is implemented by anything observers can attach to.
type Hookable interface {
	// AcceptHook adds a hook. Add hooks before the run starts; they cannot
	// be removed.
	AcceptHook(hook Hook)

	NumHooks() int

	// InvokeHook calls every hook with ctx.
	InvokeHook(ctx HookCtx)
}

// Hook observes a Hookable.
type Hook interface {
	Func(ctx HookCtx)
}

// HookFunc adapts a plain function to the Hook interface. A HookFunc is not
// comparable, so duplicate detection does not apply to it.
type HookFunc func(ctx HookCtx)

// Func calls f(ctx).
func (f HookFunc) Func(ctx HookCtx) {
	f(ctx)
}

// HookableBase is embedded by types that raise hooks.
type HookableBase struct {
	hookList []Hook
}

// NewHookableBase returns a base with no hooks.
func NewHookableBase() *HookableBase {
	return &HookableBase{hookList: make([]Hook, 0)}
}

// NumHooks returns how many hooks were added.
func (h *HookableBase) NumHooks() int {
	return len(h.hookList)
}

// AcceptHook adds a hook. Adding the same comparable hook twice panics.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.mustNotHaveDuplicatedHook(hook)
	h.hookList = append(h.hookList, hook)
}

func (h *HookableBase) mustNotHaveDuplicatedHook(hook Hook) {
	if _, isFunc := hook.(HookFunc); isFunc {
		return
	}

	for _, existing := range h.hookList {
		if _, isFunc := existing.(HookFunc); isFunc {
			continue
		}

		if existing == hook {
			panic(fmt.Sprintf("hooking: hook %T added twice", hook))
		}
	}
}

// InvokeHook calls the hooks in the order they were added.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.hookList {
		hook.Func(ctx)
	}
}

var _ Hookable = (*HookableBase)(nil)
