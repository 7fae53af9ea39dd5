// Package jsbridge implements proxy.Bridge for Go programs compiled with
// GOOS=js GOARCH=wasm.
//
// Operation names such as "WasiWorker.initWorker" are resolved as a dotted
// path on the JavaScript global object and called with the converted
// arguments. A returned promise is awaited. Receivers are passed as an
// object exposing invokeMethodAsync(method, arg), which the page script
// uses to hand messages back to the worker's proxy.
//
// Bootstrap loads the page script that defines the namespace by appending
// a script tag, unless the namespace is already present.
package jsbridge
