//go:build js && wasm
// +build js,wasm

package kv

import (
	"encoding/base64"
	"fmt"
	"syscall/js"
)

// webStorage adapts a browser Storage object (localStorage/sessionStorage).
// Values are base64-encoded since web storage only holds strings.
type webStorage struct {
	obj js.Value
}

// Local returns the localStorage-backed store.
func Local() Store {
	return &webStorage{obj: js.Global().Get("localStorage")}
}

// Session returns the sessionStorage-backed store.
func Session() Store {
	return &webStorage{obj: js.Global().Get("sessionStorage")}
}

func (w *webStorage) Get(key string) (data []byte, ok bool, err error) {
	defer recoverStorageErr(&err)
	v := w.obj.Call("getItem", key)
	if v.IsNull() || v.IsUndefined() {
		return nil, false, nil
	}
	data, err = base64.StdEncoding.DecodeString(v.String())
	if err != nil {
		return nil, false, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return data, true, nil
}

func (w *webStorage) Set(key string, value []byte) (err error) {
	defer recoverStorageErr(&err)
	w.obj.Call("setItem", key, base64.StdEncoding.EncodeToString(value))
	return nil
}

func (w *webStorage) Delete(key string) (err error) {
	defer recoverStorageErr(&err)
	w.obj.Call("removeItem", key)
	return nil
}

// recoverStorageErr converts storage quota/security exceptions into errors.
func recoverStorageErr(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("kv: storage call failed: %v", r)
	}
}
