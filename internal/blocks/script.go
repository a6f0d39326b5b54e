package blocks

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// ScriptContext is the capability object exposed to a script block's body as
// `ctx`. Scripts are story-owner-authored and untrusted-looking; the only
// way they can reach story data is through these fields and method.
type ScriptContext struct {
	Story              any
	ProseFragments     any
	StickyCharacters   any
	StickyGuidelines   any
	StickyKnowledge    any
	CharacterShortlist any
	GuidelineShortlist any
	KnowledgeShortlist any
	NewProse           string

	// GetFragment is invoked from script as ctx.getFragment(id).
	GetFragment func(id string) (any, error)
}

// DefaultScriptTimeout bounds how long a single script evaluation may run
// before it is interrupted.
const DefaultScriptTimeout = 50 * time.Millisecond

// scriptError is returned by evaluateScript and rendered into the visible
// "[Script error ...]" block text by the caller.
type scriptError struct {
	msg string
}

func (e *scriptError) Error() string { return e.msg }

// exceptionMessage extracts a thrown JS Error's .message when present,
// falling back to its full string form for thrown non-Error values.
func exceptionMessage(vm *goja.Runtime, exc *goja.Exception) string {
	val := exc.Value()
	if obj, ok := val.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return val.String()
}

// evaluateScript runs body as an async-looking function body (invoked as an
// ordinary synchronous function; goja has no event loop, so `await`-style
// code in the body must call ctx.getFragment synchronously — the VM binding
// below runs it to completion before returning) in a fresh goja.Runtime with
// ctx bound as the single global `ctx`, under a hard time budget. A non-empty
// string return is used verbatim; anything else (including a thrown error)
// is reported as an error with deterministic text suitable for the visible
// error block.
func evaluateScript(parent context.Context, body string, sc ScriptContext, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	ctxObj := vm.NewObject()
	_ = ctxObj.Set("story", sc.Story)
	_ = ctxObj.Set("proseFragments", sc.ProseFragments)
	_ = ctxObj.Set("stickyCharacters", sc.StickyCharacters)
	_ = ctxObj.Set("stickyGuidelines", sc.StickyGuidelines)
	_ = ctxObj.Set("stickyKnowledge", sc.StickyKnowledge)
	_ = ctxObj.Set("characterShortlist", sc.CharacterShortlist)
	_ = ctxObj.Set("guidelineShortlist", sc.GuidelineShortlist)
	_ = ctxObj.Set("knowledgeShortlist", sc.KnowledgeShortlist)
	_ = ctxObj.Set("newProse", sc.NewProse)
	_ = ctxObj.Set("getFragment", func(id string) any {
		if sc.GetFragment == nil {
			return goja.Undefined()
		}
		frag, err := sc.GetFragment(id)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return frag
	})
	_ = vm.Set("ctx", ctxObj)

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("script evaluation timed out")
	})
	defer timer.Stop()

	wrapped := fmt.Sprintf("(function(){ %s\n})()", body)

	var result goja.Value
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = &scriptError{msg: fmt.Sprint(r)}
			}
		}()
		result, runErr = vm.RunString(wrapped)
	}()

	if runErr != nil {
		if exc, ok := runErr.(*goja.Exception); ok {
			return "", &scriptError{msg: exceptionMessage(vm, exc)}
		}
		return "", &scriptError{msg: runErr.Error()}
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return "", nil
	}
	s, ok := result.Export().(string)
	if !ok {
		return "", &scriptError{msg: "script did not return a string"}
	}
	return s, nil
}
