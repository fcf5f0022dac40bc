// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import "reflect"

// funcPtr returns the entry point of a function value, used to give
// FiniFunc values a comparable identity for idempotent installation.
func funcPtr(f FiniFunc) uintptr {
	return reflect.ValueOf(f).Pointer()
}
