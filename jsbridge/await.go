//go:build js && wasm

package jsbridge

import (
	"context"

	"github.com/hack-pad/safejs"
	"github.com/pkg/errors"
)

var jsDocument = safejs.MustGetGlobal("document")

// await waits for v to settle if it is a thenable. Other values return
// immediately.
func await(ctx context.Context, v safejs.Value) error {
	if v.Type() != safejs.TypeObject {
		return nil
	}
	then, err := v.Get("then")
	if err != nil || then.Type() != safejs.TypeFunction {
		return nil
	}

	done := make(chan error, 1)
	onResolve, err := safejs.FuncOf(func(safejs.Value, []safejs.Value) any {
		done <- nil
		return nil
	})
	if err != nil {
		return err
	}
	defer onResolve.Release()

	onReject, err := safejs.FuncOf(func(_ safejs.Value, args []safejs.Value) any {
		done <- jsError(args)
		return nil
	})
	if err != nil {
		return err
	}
	defer onReject.Release()

	if _, err := v.Call("then", onResolve.Value(), onReject.Value()); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loadScript appends a script tag for url and waits for it to load.
func loadScript(ctx context.Context, url string) error {
	script, err := jsDocument.Call("createElement", "script")
	if err != nil {
		return err
	}
	if err := script.Set("src", url); err != nil {
		return err
	}

	done := make(chan error, 1)
	onLoad, err := safejs.FuncOf(func(safejs.Value, []safejs.Value) any {
		done <- nil
		return nil
	})
	if err != nil {
		return err
	}
	defer onLoad.Release()

	onError, err := safejs.FuncOf(func(safejs.Value, []safejs.Value) any {
		done <- errors.Errorf("failed to load script %s", url)
		return nil
	})
	if err != nil {
		return err
	}
	defer onError.Release()

	if err := script.Set("onload", onLoad.Value()); err != nil {
		return err
	}
	if err := script.Set("onerror", onError.Value()); err != nil {
		return err
	}

	head, err := jsDocument.Get("head")
	if err != nil {
		return err
	}
	if _, err := head.Call("appendChild", script); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jsError turns a promise rejection reason into a Go error.
func jsError(args []safejs.Value) error {
	if len(args) == 0 {
		return errors.New("promise rejected")
	}
	reason := args[0]
	if reason.Type() == safejs.TypeObject {
		if msg, err := reason.Get("message"); err == nil && msg.Type() == safejs.TypeString {
			if s, err := msg.String(); err == nil {
				return errors.New(s)
			}
		}
	}
	if s, err := reason.String(); err == nil {
		return errors.Errorf("promise rejected: %s", s)
	}
	return errors.New("promise rejected")
}
